package audit_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/audit"
)

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := audit.NewFileStore(dir)
	require.NoError(t, err)

	id, err := store.Append(ctx, audit.NewEntry("acme", "alice", "email.send", audit.ResultSuccess).
		WithResource("email", "urn:gmail:email:42"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = store.Append(ctx, audit.NewEntry("acme", "bob", "email.send", audit.ResultDenied).
		WithReason("insufficient role"))
	require.NoError(t, err)

	_, err = store.Append(ctx, audit.NewEntry("globex", "carol", "doc.update", audit.ResultSuccess))
	require.NoError(t, err)

	res, err := store.Query(ctx, audit.Filter{Tenant: "acme"})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)

	res, err = store.Query(ctx, audit.Filter{Result: audit.ResultDenied})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "bob", res.Entries[0].Actor)
	assert.Equal(t, "insufficient role", res.Entries[0].Reason)
}

func TestDailyRotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	clock := &now
	store, err := audit.NewFileStore(dir, audit.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)

	_, err = store.Append(ctx, audit.NewEntry("acme", "alice", "a", audit.ResultSuccess))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute) // crosses midnight UTC
	_, err = store.Append(ctx, audit.NewEntry("acme", "alice", "b", audit.ResultSuccess))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "audit-2026-03-01.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "audit-2026-03-02.jsonl"))
	assert.NoError(t, err)
}

func TestQueryLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	store, err := audit.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for i := range 5 {
		e := audit.NewEntry("acme", "alice", "tick", audit.ResultSuccess)
		e.Timestamp = time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC)
		e.Metadata = map[string]any{"i": i}
		_, err := store.Append(ctx, e)
		require.NoError(t, err)
	}

	res, err := store.Query(ctx, audit.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.True(t, res.HasMore)
	assert.Equal(t, 5, res.Total)
	assert.True(t, res.Entries[0].Timestamp.After(res.Entries[1].Timestamp), "newest first")
}

func TestQueryDateRange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store, err := audit.NewFileStore(dir, audit.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)

	_, err = store.Append(ctx, audit.NewEntry("acme", "alice", "old", audit.ResultSuccess))
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	_, err = store.Append(ctx, audit.NewEntry("acme", "alice", "new", audit.ResultSuccess))
	require.NoError(t, err)

	res, err := store.Query(ctx, audit.Filter{
		Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "new", res.Entries[0].Action)
}
