package dagstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag/dagstore"
)

const minimalDAG = `
name: demo
tasks:
  - id: only
    type: workflow
    workflow_ref: noop
`

func TestLoadAndCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.yaml"), []byte(minimalDAG), 0600))

	store, err := dagstore.New(dir)
	require.NoError(t, err)

	d, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", d.Name)

	// Cached: the same pointer comes back.
	again, err := store.Load("demo")
	require.NoError(t, err)
	assert.Same(t, d, again)
}

func TestLoadMissing(t *testing.T) {
	store, err := dagstore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("ghost")
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.Classify(err))
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(minimalDAG), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(minimalDAG), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	store, err := dagstore.New(dir)
	require.NoError(t, err)

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestSaveValidatesFirst(t *testing.T) {
	store, err := dagstore.New(t.TempDir())
	require.NoError(t, err)

	err = store.Save("bad", []byte("tasks: []"))
	require.Error(t, err, "unparseable dag is rejected")

	require.NoError(t, store.Save("good", []byte(minimalDAG)))
	d, err := store.Load("good")
	require.NoError(t, err)
	assert.Equal(t, "demo", d.Name)
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.yaml"), []byte(minimalDAG), 0600))

	store, err := dagstore.New(dir)
	require.NoError(t, err)

	d, err := store.LoadPath("demo.yaml")
	require.NoError(t, err)
	assert.Equal(t, "demo", d.Name)

	d, err = store.LoadPath(filepath.Join(dir, "demo.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "demo", d.Name)
}
