package dag_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag"
)

const sampleYAML = `
name: triage
tenant_id: acme
defaults:
  retries: 2
  params:
    region: eu
tasks:
  - id: fetch
    type: workflow
    workflow_ref: mail.fetch
    params:
      folder: inbox
  - id: approve
    type: checkpoint
    prompt: "Review the triage result"
    required_role: operator
    depends_on: [fetch]
  - id: publish
    type: workflow
    workflow_ref: mail.publish
    retries: 5
    depends_on: [approve]
unknown_key: ignored
`

func TestParseYAML(t *testing.T) {
	d, err := dag.Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "triage", d.Name)
	assert.Equal(t, "acme", d.TenantID)
	require.Len(t, d.Tasks, 3)

	fetch := d.Task("fetch")
	require.NotNil(t, fetch)
	assert.Equal(t, dag.KindWorkflow, fetch.Kind)
	assert.Equal(t, "inbox", fetch.Params["folder"])
	assert.Equal(t, "eu", fetch.Params["region"], "file defaults merged in")
	assert.Equal(t, 2, fetch.Retries, "default retries applied")

	approve := d.Task("approve")
	require.NotNil(t, approve)
	assert.Equal(t, dag.KindCheckpoint, approve.Kind)
	assert.Equal(t, "operator", approve.RequiredRole)

	publish := d.Task("publish")
	require.NotNil(t, publish)
	assert.Equal(t, 5, publish.Retries, "task value wins over default")
}

func TestParseDefaultsKindToWorkflow(t *testing.T) {
	d, err := dag.Parse([]byte(`
name: implicit
tasks:
  - id: only
    workflow_ref: noop
`))
	require.NoError(t, err)
	assert.Equal(t, dag.KindWorkflow, d.Tasks[0].Kind)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := dag.Parse([]byte("tasks: [nonsense"))
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.Classify(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := dag.Load(filepath.Join(t.TempDir(), "ghost.yaml"))
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.Classify(err))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0600))

	d, err := dag.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "triage", d.Name)
}
