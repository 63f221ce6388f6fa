package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/build"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/urg"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": build.Version,
	}
	if s.deps.Monitor != nil {
		if sample, ok := s.deps.Monitor.Latest(); ok {
			body["host"] = sample
		}
	}
	if s.deps.Queue != nil {
		if pending, inflight, err := s.deps.Queue.Depth(r.Context()); err == nil {
			body["queue"] = map[string]int{"pending": pending, "in_flight": inflight}
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	filter := checkpoint.ListFilter{
		Tenant: id.Tenant,
		Status: checkpoint.Status(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, r, core.NewErrorf(core.CodeValidation, "bad limit %q", limit))
			return
		}
		filter.Limit = n
	}

	list, err := s.deps.Checkpoints.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": list})
}

// tenantCheckpoint loads the checkpoint and hides cross-tenant ids as
// not found.
func (s *Server) tenantCheckpoint(r *http.Request, id Identity) (*checkpoint.Checkpoint, error) {
	cpID := chi.URLParam(r, "id")
	cp, err := s.deps.Checkpoints.Get(r.Context(), cpID)
	if err != nil {
		return nil, err
	}
	if cp.Tenant != id.Tenant {
		return nil, core.NewErrorf(core.CodeNotFound, "checkpoint %s not found", cpID)
	}
	return cp, nil
}

// requireApprover gates approval mutations on the configured role and on
// the checkpoint's own required_role when it names a stricter one.
func (s *Server) requireApprover(r *http.Request, id Identity, cp *checkpoint.Checkpoint, action string) error {
	min := s.approver
	if cp.RequiredRole != "" {
		if role, err := router.ParseRole(cp.RequiredRole); err == nil && role > min {
			min = role
		}
	}
	if id.Role.AtLeast(min) {
		return nil
	}
	s.deps.Audit.Log(r.Context(), audit.NewEntry(id.Tenant, id.User, action, audit.ResultDenied).
		WithResource("checkpoint", cp.ID).
		WithReason("requires role "+min.String()).
		WithClient(r.RemoteAddr, r.UserAgent()))
	return core.NewErrorf(core.CodeUnauthorized, "%s requires role %s", action, min)
}

type decisionRequest struct {
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

func (s *Server) handleCheckpointApprove(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	cp, err := s.tenantCheckpoint(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireApprover(r, id, cp, "checkpoint.approve"); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.deps.Checkpoints.Approve(r.Context(), cp.ID, id.User, req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Audit.Log(r.Context(), audit.NewEntry(id.Tenant, id.User, "checkpoint.approve", audit.ResultSuccess).
		WithResource("checkpoint", cp.ID).
		WithClient(r.RemoteAddr, r.UserAgent()))
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCheckpointReject(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	cp, err := s.tenantCheckpoint(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireApprover(r, id, cp, "checkpoint.reject"); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		s.writeError(w, r, core.NewError(core.CodeValidation, "rejection needs a reason"))
		return
	}

	updated, err := s.deps.Checkpoints.Reject(r.Context(), cp.ID, id.User, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Audit.Log(r.Context(), audit.NewEntry(id.Tenant, id.User, "checkpoint.reject", audit.ResultSuccess).
		WithResource("checkpoint", cp.ID).
		WithReason(req.Reason).
		WithClient(r.RemoteAddr, r.UserAgent()))
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCheckpointSign(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	cp, err := s.tenantCheckpoint(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireApprover(r, id, cp, "checkpoint.sign"); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.deps.Checkpoints.AddSignature(r.Context(), cp.ID, id.User, req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Audit.Log(r.Context(), audit.NewEntry(id.Tenant, id.User, "checkpoint.sign", audit.ResultSuccess).
		WithResource("checkpoint", cp.ID).
		WithClient(r.RemoteAddr, r.UserAgent()))
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	runID := chi.URLParam(r, "id")

	events, err := s.deps.Events.ForRun(runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Runs belong to tenants; an id from another tenant reads as absent.
	for _, ev := range events {
		if ev.Tenant != "" && ev.Tenant != id.Tenant {
			events = nil
			break
		}
	}
	if len(events) == 0 {
		s.writeError(w, r, core.NewErrorf(core.CodeNotFound, "run %s not found", runID))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

type enqueueRequest struct {
	DAGPath   string `json:"dag_path,omitempty"`
	DAGInline string `json:"dag_inline,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

func (s *Server) handleRunEnqueue(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if (req.DAGPath == "") == (req.DAGInline == "") {
		s.writeError(w, r, core.NewError(core.CodeValidation, "exactly one of dag_path and dag_inline is required"))
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	job := queue.Job{
		ID:        runID,
		DAGPath:   req.DAGPath,
		DAGInline: req.DAGInline,
		TenantID:  id.Tenant,
		RunID:     runID,
		Priority:  req.Priority,
	}
	if err := s.deps.Queue.Enqueue(r.Context(), job); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Audit.Log(r.Context(), audit.NewEntry(id.Tenant, id.User, "run.enqueue", audit.ResultSuccess).
		WithResource("run", runID).
		WithClient(r.RemoteAddr, r.UserAgent()))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "run_id": runID})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	q := r.URL.Query()

	query := q.Get("q")
	if query == "" {
		query = "*"
	}
	hits, err := s.deps.Index.Search(r.Context(), query, urg.Filter{
		Tenant: id.Tenant,
		Type:   q.Get("type"),
		Source: q.Get("source"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resources": hits, "count": len(hits)})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, core.NewErrorf(core.CodeValidation, "bad limit %q", raw))
			return
		}
		limit = n
	}

	letters, err := s.deps.Queue.ListDLQ(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The DLQ is shared; each tenant sees only its own dead letters.
	var scoped []queue.DeadLetter
	for _, dl := range letters {
		if dl.Job.TenantID == id.Tenant {
			scoped = append(scoped, dl)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": scoped, "count": len(scoped)})
}

// decodeBody parses an optional JSON body. An empty body is a zero
// request, not an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.WrapError(core.CodeValidation, err, "malformed request body")
	}
	return nil
}
