package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/urg"
)

type fixture struct {
	router *router.Router
	index  *urg.Index
	audit  audit.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	index, err := urg.New(t.TempDir())
	require.NoError(t, err)

	store, err := audit.NewFileStore(t.TempDir())
	require.NoError(t, err)

	return &fixture{
		router: router.New(index, audit.NewService(store)),
		index:  index,
		audit:  store,
	}
}

func (f *fixture) seedEmail(t *testing.T, tenant string) string {
	t.Helper()
	id, err := f.index.Upsert(context.Background(),
		urg.Resource{ID: "42", Type: "email", Title: "hello"}, "gmail", tenant)
	require.NoError(t, err)
	return id
}

func operator(tenant string) router.User {
	return router.User{ID: "op@example.com", Tenant: tenant, Role: router.RoleOperator}
}

func TestExecuteSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedEmail(t, "acme")

	f.router.Register("email", "reply", func(_ context.Context, res *urg.Resource, payload map[string]any, user router.User) (any, error) {
		assert.Equal(t, id, res.GraphID)
		assert.Equal(t, "op@example.com", user.ID)
		return map[string]any{"sent": true, "body": payload["body"]}, nil
	}, router.WithMinRole(router.RoleOperator))

	out, err := f.router.Execute(ctx, "email.reply", id, map[string]any{"body": "on it"}, operator("acme"))
	require.NoError(t, err)
	assert.Equal(t, "email.reply", out.Action)
	assert.Equal(t, map[string]any{"sent": true, "body": "on it"}, out.Data)

	res, err := f.audit.Query(ctx, audit.Filter{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, audit.ResultSuccess, res.Entries[0].Result)
}

func TestExecuteMalformedAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Execute(context.Background(), "reply", "urn:x", nil, operator("acme"))
	assert.Equal(t, core.CodeValidation, core.Classify(err))
}

func TestExecuteCrossTenantIsNotFound(t *testing.T) {
	f := newFixture(t)
	id := f.seedEmail(t, "acme")
	f.router.Register("email", "reply", nopHandler, router.WithMinRole(router.RoleViewer))

	_, err := f.router.Execute(context.Background(), "email.reply", id, nil, operator("globex"))
	assert.Equal(t, core.CodeNotFound, core.Classify(err))
}

func TestExecuteTypeMismatch(t *testing.T) {
	f := newFixture(t)
	id := f.seedEmail(t, "acme")
	f.router.Register("message", "send", nopHandler, router.WithMinRole(router.RoleViewer))

	_, err := f.router.Execute(context.Background(), "message.send", id, nil, operator("acme"))
	assert.Equal(t, core.CodeValidation, core.Classify(err))
}

func TestExecuteRBACDeniedIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedEmail(t, "acme")
	f.router.Register("email", "delete", nopHandler) // admin-only default

	_, err := f.router.Execute(ctx, "email.delete", id, nil, operator("acme"))
	assert.Equal(t, core.CodeUnauthorized, core.Classify(err))

	res, err := f.audit.Query(ctx, audit.Filter{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, audit.ResultDenied, res.Entries[0].Result)
	assert.Contains(t, res.Entries[0].Reason, "operator")
}

func TestExecuteUnregisteredGatesAtAdmin(t *testing.T) {
	f := newFixture(t)
	id := f.seedEmail(t, "acme")

	// A low-role caller cannot distinguish missing from forbidden.
	_, err := f.router.Execute(context.Background(), "email.nuke", id, nil, operator("acme"))
	assert.Equal(t, core.CodeUnauthorized, core.Classify(err))

	admin := router.User{ID: "root", Tenant: "acme", Role: router.RoleAdmin}
	_, err = f.router.Execute(context.Background(), "email.nuke", id, nil, admin)
	assert.Equal(t, core.CodeValidation, core.Classify(err))
}

func TestExecuteHandlerErrorIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedEmail(t, "acme")

	f.router.Register("email", "reply", func(context.Context, *urg.Resource, map[string]any, router.User) (any, error) {
		return nil, errors.New("smtp unavailable")
	}, router.WithMinRole(router.RoleOperator))

	_, err := f.router.Execute(ctx, "email.reply", id, nil, operator("acme"))
	require.Error(t, err)

	res, err := f.audit.Query(ctx, audit.Filter{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, audit.ResultError, res.Entries[0].Result)
	assert.Equal(t, "smtp unavailable", res.Entries[0].Reason)
}

func TestSanitizePayload(t *testing.T) {
	in := map[string]any{
		"body":      "hello",
		"api_token": "abc123",
		"nested": map[string]any{
			"Password": "hunter2",
			"count":    3,
		},
	}
	out := router.SanitizePayload(in)

	assert.Equal(t, "hello", out["body"])
	assert.Equal(t, "***", out["api_token"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "***", nested["Password"])
	assert.Equal(t, 3, nested["count"])

	// Originals untouched.
	assert.Equal(t, "abc123", in["api_token"])
	assert.Equal(t, "hunter2", in["nested"].(map[string]any)["Password"])
}

func TestParseRole(t *testing.T) {
	r, err := router.ParseRole("Admin")
	require.NoError(t, err)
	assert.Equal(t, router.RoleAdmin, r)
	assert.True(t, r.AtLeast(router.RoleViewer))

	_, err = router.ParseRole("superuser")
	assert.Equal(t, core.CodeValidation, core.Classify(err))
}

func nopHandler(context.Context, *urg.Resource, map[string]any, router.User) (any, error) {
	return nil, nil
}
