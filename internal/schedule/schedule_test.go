package schedule_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/queue/memqueue"
	"github.com/tandem-run/tandem/internal/schedule"
)

const schedulesYAML = `
- id: daily-digest
  cron: "0 8 * * *"
  dag_path: dags/digest.yaml
  tenant: acme
  priority: 1
  enabled: true
- id: weekly-report
  cron: "0 9 * * 1"
  dag_path: dags/report.yaml
  tenant: acme
  enabled: false
`

func writeSchedules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	entries, err := schedule.Load(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "daily-digest", entries[0].ID)
	assert.True(t, entries[0].Enabled)
	assert.False(t, entries[1].Enabled)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	entries, err := schedule.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entries []schedule.Entry
	}{
		{"missing id", []schedule.Entry{{Cron: "* * * * *", DAGPath: "d.yaml", Tenant: "acme"}}},
		{"duplicate id", []schedule.Entry{
			{ID: "a", Cron: "* * * * *", DAGPath: "d.yaml", Tenant: "acme"},
			{ID: "a", Cron: "* * * * *", DAGPath: "d.yaml", Tenant: "acme"},
		}},
		{"missing dag_path", []schedule.Entry{{ID: "a", Cron: "* * * * *", Tenant: "acme"}}},
		{"missing tenant", []schedule.Entry{{ID: "a", Cron: "* * * * *", DAGPath: "d.yaml"}}},
		{"bad cron", []schedule.Entry{{ID: "a", Cron: "not a cron", DAGPath: "d.yaml", Tenant: "acme"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := schedule.Validate(tc.entries)
			require.Error(t, err)
			assert.Equal(t, core.CodeValidation, core.Classify(err))
		})
	}

	assert.NoError(t, schedule.Validate([]schedule.Entry{
		{ID: "a", Cron: "*/5 * * * *", DAGPath: "d.yaml", Tenant: "acme", Enabled: true},
	}))
}

func TestFireDeterministicRunID(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	now := time.Date(2026, 8, 25, 8, 0, 30, 0, time.UTC)

	svc, err := schedule.New(q, nil, schedule.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	entry := schedule.Entry{ID: "daily-digest", Cron: "0 8 * * *", DAGPath: "dags/digest.yaml", Tenant: "acme", Priority: 2, Enabled: true}

	svc.Fire(ctx, entry)
	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "daily-digest@"+strconv.FormatInt(now.Unix()/60, 10), job.RunID)
	assert.Equal(t, "daily-digest", job.ScheduleID)
	assert.Equal(t, job.ID, job.RunID)
	assert.Equal(t, "dags/digest.yaml", job.DAGPath)
	assert.Equal(t, "acme", job.TenantID)
	assert.Equal(t, 2, job.Priority)

	// A second fire within the same minute reuses the run id; the queue
	// rejects the duplicate so the tick runs once.
	svc.Fire(ctx, entry)
	pending, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// The next minute is a different tick.
	now = now.Add(time.Minute)
	svc.Fire(ctx, entry)
	next, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, job.RunID, next.RunID)
}

func TestNextRuns(t *testing.T) {
	now := time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)
	entries := []schedule.Entry{
		{ID: "late", Cron: "0 22 * * *", DAGPath: "d.yaml", Tenant: "acme", Enabled: true},
		{ID: "early", Cron: "0 8 * * *", DAGPath: "d.yaml", Tenant: "acme", Enabled: true},
		{ID: "off", Cron: "0 9 * * *", DAGPath: "d.yaml", Tenant: "acme", Enabled: false},
	}
	svc, err := schedule.New(memqueue.New(), entries, schedule.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	runs := svc.NextRuns()
	require.Len(t, runs, 3)
	assert.Equal(t, "early", runs[0].Entry.ID)
	assert.Equal(t, time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC), runs[0].Next)
	assert.Equal(t, "late", runs[1].Entry.ID)
	assert.Equal(t, "off", runs[2].Entry.ID, "disabled entries sort last")
	assert.True(t, runs[2].Next.IsZero())
}

func TestStartTwice(t *testing.T) {
	svc, err := schedule.New(memqueue.New(), nil)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, core.CodeConflict, core.Classify(svc.Start(ctx)))
}
