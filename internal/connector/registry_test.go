package connector_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/core"
)

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "connectors.jsonl")

	reg, err := connector.NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, reg.Register(ctx, connector.Definition{
		Name: "crm", Kind: "memory", Source: "crm", Enabled: true,
	}))

	def, err := reg.Get(ctx, "crm")
	require.NoError(t, err)
	assert.True(t, def.Enabled)

	require.NoError(t, reg.Disable(ctx, "crm"))
	def, err = reg.Get(ctx, "crm")
	require.NoError(t, err)
	assert.False(t, def.Enabled)

	_, err = reg.Build(ctx, "crm")
	assert.Equal(t, core.CodeConflict, core.Classify(err), "disabled connectors do not build")

	require.NoError(t, reg.Enable(ctx, "crm"))
	conn, err := reg.Build(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, connector.StatusSuccess, conn.Connect(ctx).Status)
}

func TestRegistryValidation(t *testing.T) {
	ctx := context.Background()
	reg, err := connector.NewRegistry(filepath.Join(t.TempDir(), "connectors.jsonl"))
	require.NoError(t, err)

	err = reg.Register(ctx, connector.Definition{Name: "", Kind: "memory"})
	assert.Equal(t, core.CodeValidation, core.Classify(err))

	err = reg.Register(ctx, connector.Definition{Name: "x", Kind: "carrier-pigeon"})
	assert.Equal(t, core.CodeValidation, core.Classify(err))

	err = reg.Register(ctx, connector.Definition{Name: "x", Kind: "http"})
	assert.Equal(t, core.CodeValidation, core.Classify(err), "http needs base_url")

	require.NoError(t, reg.Register(ctx, connector.Definition{Name: "x", Kind: "memory", Enabled: true}))
	err = reg.Register(ctx, connector.Definition{Name: "x", Kind: "memory"})
	assert.Equal(t, core.CodeConflict, core.Classify(err))

	_, err = reg.Get(ctx, "ghost")
	assert.Equal(t, core.CodeNotFound, core.Classify(err))
}

func TestRegistryReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "connectors.jsonl")

	reg, err := connector.NewRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, connector.Definition{Name: "a", Kind: "memory", Enabled: true}))
	require.NoError(t, reg.Register(ctx, connector.Definition{Name: "b", Kind: "memory", Enabled: true}))
	require.NoError(t, reg.Disable(ctx, "a"))

	// A fresh registry over the same file sees the latest state per name.
	reloaded, err := connector.NewRegistry(path)
	require.NoError(t, err)

	list, err := reloaded.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, "b", list[1].Name)
	assert.True(t, list[1].Enabled)
}

func TestRegistryTestProbe(t *testing.T) {
	ctx := context.Background()
	reg, err := connector.NewRegistry(filepath.Join(t.TempDir(), "connectors.jsonl"))
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, connector.Definition{Name: "crm", Kind: "memory", Enabled: true}))

	res := reg.Test(ctx, "crm")
	assert.Equal(t, connector.StatusSuccess, res.Status)

	res = reg.Test(ctx, "ghost")
	assert.Equal(t, connector.StatusError, res.Status)
}

func TestMemoryConnectorCRUD(t *testing.T) {
	ctx := context.Background()
	mem := connector.NewMemory()

	res := mem.ListResources(ctx, "contact", nil)
	assert.Equal(t, connector.StatusError, res.Status, "operations before connect fail")

	require.Equal(t, connector.StatusSuccess, mem.Connect(ctx).Status)

	res = mem.CreateResource(ctx, "contact", map[string]any{"id": "c1", "name": "Ada"})
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = mem.CreateResource(ctx, "contact", map[string]any{"id": "c1"})
	assert.Equal(t, connector.StatusError, res.Status, "duplicate id")

	res = mem.GetResource(ctx, "contact", "c1")
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = mem.UpdateResource(ctx, "contact", "c1", map[string]any{"name": "Ada Lovelace"})
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = mem.ListResources(ctx, "contact", map[string]any{"name": "Ada Lovelace"})
	require.Equal(t, connector.StatusSuccess, res.Status)
	assert.Len(t, res.Data, 1)

	res = mem.DeleteResource(ctx, "contact", "c1")
	require.Equal(t, connector.StatusSuccess, res.Status)

	res = mem.GetResource(ctx, "contact", "c1")
	assert.Equal(t, connector.StatusError, res.Status)
}
