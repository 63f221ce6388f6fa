package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/api"
	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/queue/memqueue"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/urg"
)

const testSecret = "test-secret"

type fixture struct {
	srv         *httptest.Server
	checkpoints checkpoint.Store
	queue       *memqueue.Memqueue
	index       *urg.Index
	events      *runner.EventLog
	auditStore  audit.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cps, err := checkpoint.NewFileStore(
		filepath.Join(dir, "checkpoints.jsonl"),
		filepath.Join(dir, "state.jsonl"),
	)
	require.NoError(t, err)

	index, err := urg.New(filepath.Join(dir, "urg"))
	require.NoError(t, err)

	events, err := runner.NewEventLog(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	auditStore, err := audit.NewFileStore(filepath.Join(dir, "audit"))
	require.NoError(t, err)

	q := memqueue.New()
	server, err := api.New("127.0.0.1", 0, api.Deps{
		Checkpoints:  cps,
		Queue:        q,
		Index:        index,
		Events:       events,
		Audit:        audit.NewService(auditStore),
		AuthSecret:   testSecret,
		ApproverRole: router.RoleOperator,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &fixture{
		srv:         srv,
		checkpoints: cps,
		queue:       q,
		index:       index,
		events:      events,
		auditStore:  auditStore,
	}
}

func token(t *testing.T, user, tenant string, role router.Role) string {
	t.Helper()
	tok, err := api.IssueToken(testSecret, user, tenant, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) request(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rsp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(rsp.Body).Decode(&decoded)
	return rsp, decoded
}

func (f *fixture) seedCheckpoint(t *testing.T, id, tenant string) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := f.checkpoints.Create(context.Background(), checkpoint.CreateRequest{
		ID:       id,
		DagRunID: "run1",
		TaskID:   "gate",
		Tenant:   tenant,
		Prompt:   "approve this",
	})
	require.NoError(t, err)
	return cp
}

func TestHealthIsOpen(t *testing.T) {
	f := newFixture(t)
	rsp, body := f.request(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "queue")
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rsp, body := f.request(t, http.MethodGet, "/api/v1/checkpoints", "", nil)
	assert.Equal(t, http.StatusForbidden, rsp.StatusCode)
	assert.Equal(t, "unauthorized", body["code"])

	rsp, _ = f.request(t, http.MethodGet, "/api/v1/checkpoints", "not-a-jwt", nil)
	assert.Equal(t, http.StatusForbidden, rsp.StatusCode)

	// Token signed with a different secret.
	bad, err := api.IssueToken("other-secret", "eve", "acme", router.RoleAdmin, time.Hour)
	require.NoError(t, err)
	rsp, _ = f.request(t, http.MethodGet, "/api/v1/checkpoints", bad, nil)
	assert.Equal(t, http.StatusForbidden, rsp.StatusCode)
}

func TestCheckpointListScopedToTenant(t *testing.T) {
	f := newFixture(t)
	f.seedCheckpoint(t, "cp-acme", "acme")
	f.seedCheckpoint(t, "cp-globex", "globex")

	rsp, body := f.request(t, http.MethodGet, "/api/v1/checkpoints",
		token(t, "alice", "acme", router.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)

	list, ok := body["checkpoints"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	first, _ := list[0].(map[string]any)
	assert.Equal(t, "cp-acme", first["checkpoint_id"])
}

func TestApproveFlow(t *testing.T) {
	f := newFixture(t)
	f.seedCheckpoint(t, "cp1", "acme")

	// A viewer cannot approve.
	rsp, _ := f.request(t, http.MethodPost, "/api/v1/checkpoints/cp1/approve",
		token(t, "vera", "acme", router.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, rsp.StatusCode)

	// Another tenant sees not-found, not forbidden.
	rsp, _ = f.request(t, http.MethodPost, "/api/v1/checkpoints/cp1/approve",
		token(t, "mallory", "globex", router.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)

	// An operator approves with data.
	rsp, body := f.request(t, http.MethodPost, "/api/v1/checkpoints/cp1/approve",
		token(t, "olive", "acme", router.RoleOperator),
		map[string]any{"data": map[string]any{"signoff": "ok"}})
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "approved", body["status"])

	cp, err := f.checkpoints.Get(context.Background(), "cp1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusApproved, cp.Status)
	assert.Equal(t, "olive", cp.ApprovedBy)

	// Approving again conflicts.
	rsp, _ = f.request(t, http.MethodPost, "/api/v1/checkpoints/cp1/approve",
		token(t, "olive", "acme", router.RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, rsp.StatusCode)

	// The denial earlier was audited.
	res, err := f.auditStore.Query(context.Background(), audit.Filter{
		Tenant: "acme", Result: audit.ResultDenied,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Entries)
	assert.Equal(t, "checkpoint.approve", res.Entries[0].Action)
}

func TestRejectNeedsReason(t *testing.T) {
	f := newFixture(t)
	f.seedCheckpoint(t, "cp1", "acme")
	operator := token(t, "olive", "acme", router.RoleOperator)

	rsp, _ := f.request(t, http.MethodPost, "/api/v1/checkpoints/cp1/reject", operator, nil)
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)

	rsp, body := f.request(t, http.MethodPost, "/api/v1/checkpoints/cp1/reject", operator,
		map[string]any{"reason": "numbers are wrong"})
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "rejected", body["status"])
}

func TestSignatures(t *testing.T) {
	f := newFixture(t)
	_, err := f.checkpoints.Create(context.Background(), checkpoint.CreateRequest{
		ID: "cp-multi", DagRunID: "run2", TaskID: "gate", Tenant: "acme",
		MinSignatures: 2, RequiredSigners: []string{"olive", "oscar"},
	})
	require.NoError(t, err)

	rsp, body := f.request(t, http.MethodPost, "/api/v1/checkpoints/cp-multi/signatures",
		token(t, "olive", "acme", router.RoleOperator), map[string]any{"data": map[string]any{"ok": true}})
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "pending", body["status"], "one of two signatures keeps it pending")
}

func TestEnqueueRun(t *testing.T) {
	f := newFixture(t)

	rsp, body := f.request(t, http.MethodPost, "/api/v1/runs",
		token(t, "alice", "acme", router.RoleOperator),
		map[string]any{"dag_path": "dags/digest.yaml", "priority": 2})
	require.Equal(t, http.StatusAccepted, rsp.StatusCode)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)

	job, err := f.queue.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "acme", job.TenantID, "tenant comes from the token, not the body")
	assert.Equal(t, runID, job.RunID)
	assert.Equal(t, 2, job.Priority)

	rsp, _ = f.request(t, http.MethodPost, "/api/v1/runs",
		token(t, "alice", "acme", router.RoleOperator), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode, "dag_path or dag_inline required")
}

func TestRunView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.events.Append(ctx, runner.Event{Event: "dag_start", DagRunID: "run9", Tenant: "acme"})
	f.events.Append(ctx, runner.Event{Event: "dag_done", DagRunID: "run9", Tenant: "acme"})

	rsp, body := f.request(t, http.MethodGet, "/api/v1/runs/run9",
		token(t, "alice", "acme", router.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	events, _ := body["events"].([]any)
	assert.Len(t, events, 2)

	rsp, _ = f.request(t, http.MethodGet, "/api/v1/runs/run9",
		token(t, "mallory", "globex", router.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)

	rsp, _ = f.request(t, http.MethodGet, "/api/v1/runs/ghost",
		token(t, "alice", "acme", router.RoleViewer), nil)
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
}

func TestSearchScopedToTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.index.Upsert(ctx, urg.Resource{ID: "1", Type: "email", Title: "budget report"}, "gmail", "acme")
	require.NoError(t, err)
	_, err = f.index.Upsert(ctx, urg.Resource{ID: "2", Type: "email", Title: "budget report"}, "gmail", "globex")
	require.NoError(t, err)

	rsp, body := f.request(t, http.MethodGet, "/api/v1/urg/search?q=budget",
		token(t, "alice", "acme", router.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestDLQScopedToTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex"} {
		require.NoError(t, f.queue.Enqueue(ctx, queue.Job{ID: "job-" + tenant, TenantID: tenant}))
		_, err := f.queue.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NoError(t, f.queue.MoveToDLQ(ctx, "job-"+tenant, "max_retries"))
	}

	rsp, body := f.request(t, http.MethodGet, "/api/v1/dlq",
		token(t, "alice", "acme", router.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}
