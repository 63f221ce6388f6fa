package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tandem-run/tandem/internal/core"
)

// Transition event names written to the checkpoint log.
const (
	eventCreated        = "checkpoint_created"
	eventApproved       = "checkpoint_approved"
	eventRejected       = "checkpoint_rejected"
	eventExpired        = "checkpoint_expired"
	eventSignatureAdded = "signature_added"
	eventResumeToken    = "resume_token"
)

var (
	// ErrNotFound is returned when the checkpoint id is unknown.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrNotPending is returned for a transition on a terminal checkpoint.
	ErrNotPending = errors.New("checkpoint is not pending")

	// ErrExpired is returned when approving past the deadline.
	ErrExpired = errors.New("checkpoint has expired")

	// ErrDuplicateSigner is returned when a user signs twice.
	ErrDuplicateSigner = errors.New("signer already present")

	// ErrNotSatisfied is returned when approving a multi-sign checkpoint
	// before enough signatures are in.
	ErrNotSatisfied = errors.New("not enough signatures")

	// ErrNoResumeToken is returned when no token exists for the run.
	ErrNoResumeToken = errors.New("no resume token for run")
)

// DefaultExpiry applies when CreateRequest.ExpiresIn is zero.
const DefaultExpiry = 72 * time.Hour

// Store is the checkpoint lifecycle owner.
type Store interface {
	Create(ctx context.Context, req CreateRequest) (*Checkpoint, error)
	Get(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context, filter ListFilter) ([]*Checkpoint, error)
	AddSignature(ctx context.Context, id, user string, data map[string]any) (*Checkpoint, error)
	Approve(ctx context.Context, id, user string, data map[string]any) (*Checkpoint, error)
	Reject(ctx context.Context, id, user, reason string) (*Checkpoint, error)
	ExpirePending(ctx context.Context, now time.Time) ([]*Checkpoint, error)
	WriteResumeToken(ctx context.Context, tok ResumeToken) error
	ResumeTokenFor(ctx context.Context, dagRunID string) (*ResumeToken, error)
	LatestForRun(ctx context.Context, dagRunID string) (*Checkpoint, error)
}

// logRecord is one line in the checkpoint JSONL log: the transition event
// plus the full checkpoint state after it. The latest record per
// checkpoint id is the current view.
type logRecord struct {
	Event      string      `json:"event"`
	Timestamp  time.Time   `json:"timestamp"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`

	// Resume-token records carry these instead of a checkpoint.
	DagRunID    string                    `json:"dag_run_id,omitempty"`
	NextTaskID  string                    `json:"next_task_id,omitempty"`
	Tenant      string                    `json:"tenant,omitempty"`
	DAGPath     string                    `json:"dag_path,omitempty"`
	TaskOutputs map[string]map[string]any `json:"task_outputs,omitempty"`
}

// fileStore is the JSONL-backed store. State lives in memory; every
// transition appends one record before the in-memory view changes, so a
// reopened store rebuilds the same view.
type fileStore struct {
	path      string
	statePath string
	now       func() time.Time
	resolver  SignerResolver
	expiry    time.Duration

	mu     sync.Mutex
	view   map[string]*Checkpoint
	order  []string // creation order for deterministic listing
	tokens map[string]*ResumeToken
}

// StoreOption configures the file store.
type StoreOption func(*fileStore)

// WithClock injects a clock for expiry tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *fileStore) {
		s.now = now
	}
}

// WithSignerResolver overrides the identity signer resolution.
func WithSignerResolver(r SignerResolver) StoreOption {
	return func(s *fileStore) {
		s.resolver = r
	}
}

// WithDefaultExpiry overrides the 72h default deadline.
func WithDefaultExpiry(d time.Duration) StoreOption {
	return func(s *fileStore) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// NewFileStore opens the checkpoint log at path and the resume-token log
// at statePath, replaying both.
func NewFileStore(path, statePath string, opts ...StoreOption) (Store, error) {
	s := &fileStore{
		path:      path,
		statePath: statePath,
		now:       time.Now,
		resolver:  identityResolver{},
		expiry:    DefaultExpiry,
		view:      make(map[string]*Checkpoint),
		tokens:    make(map[string]*ResumeToken),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.replayCheckpoints(); err != nil {
		return nil, err
	}
	if err := s.replayTokens(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) replayCheckpoints() error {
	return replayLog(s.path, func(rec logRecord) {
		if rec.Checkpoint == nil {
			return
		}
		cp := rec.Checkpoint
		if _, seen := s.view[cp.ID]; !seen {
			s.order = append(s.order, cp.ID)
		}
		s.view[cp.ID] = cp
	})
}

func (s *fileStore) replayTokens() error {
	return replayLog(s.statePath, func(rec logRecord) {
		if rec.Event != eventResumeToken || rec.DagRunID == "" {
			return
		}
		s.tokens[rec.DagRunID] = &ResumeToken{
			DagRunID:    rec.DagRunID,
			NextTaskID:  rec.NextTaskID,
			Tenant:      rec.Tenant,
			DAGPath:     rec.DAGPath,
			TaskOutputs: rec.TaskOutputs,
			Timestamp:   rec.Timestamp,
		}
	})
}

func replayLog(path string, apply func(logRecord)) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn trailing line from a crash; skip.
			continue
		}
		apply(rec)
	}
	return scanner.Err()
}

// appendRecord writes one durable line to path. Caller holds the mutex.
func appendRecord(path string, rec logRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal log record: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

// commit appends the transition and updates the view. Caller holds the
// mutex.
func (s *fileStore) commit(event string, cp *Checkpoint) error {
	rec := logRecord{Event: event, Timestamp: s.now().UTC(), Checkpoint: cp}
	if err := appendRecord(s.path, rec); err != nil {
		return core.WrapError(core.CodeFatal, err, "checkpoint log write failed")
	}
	if _, seen := s.view[cp.ID]; !seen {
		s.order = append(s.order, cp.ID)
	}
	s.view[cp.ID] = cp
	return nil
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Approvals = append([]Approval(nil), cp.Approvals...)
	return &out
}

// Create implements Store. Re-creating an id that is still pending is a
// conflict; a terminal id may be explicitly re-created.
func (s *fileStore) Create(_ context.Context, req CreateRequest) (*Checkpoint, error) {
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s_%s", req.DagRunID, req.TaskID)
	}
	if req.DagRunID == "" || req.TaskID == "" {
		return nil, core.NewError(core.CodeValidation, "dag_run_id and task_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.view[req.ID]; ok && existing.Status == StatusPending {
		return nil, core.WrapError(core.CodeConflict, nil,
			fmt.Sprintf("checkpoint %s is already pending", req.ID))
	}

	expiry := req.ExpiresIn
	if expiry <= 0 {
		expiry = s.expiry
	}

	now := s.now().UTC()
	cp := &Checkpoint{
		ID:              req.ID,
		DagRunID:        req.DagRunID,
		TaskID:          req.TaskID,
		Tenant:          req.Tenant,
		Prompt:          req.Prompt,
		RequiredRole:    req.RequiredRole,
		RequiredSigners: req.RequiredSigners,
		MinSignatures:   req.MinSignatures,
		InputsSchema:    req.InputsSchema,
		Metadata:        req.Metadata,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(expiry),
	}

	if err := s.commit(eventCreated, cp); err != nil {
		return nil, err
	}
	return cloneCheckpoint(cp), nil
}

// Get implements Store.
func (s *fileStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.view[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneCheckpoint(cp), nil
}

// List implements Store. The tenant filter is the isolation boundary.
func (s *fileStore) List(_ context.Context, filter ListFilter) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Checkpoint
	for _, id := range s.order {
		cp := s.view[id]
		if filter.Tenant != "" && cp.Tenant != filter.Tenant {
			continue
		}
		if filter.Status != "" && cp.Status != filter.Status {
			continue
		}
		if filter.DagRunID != "" && cp.DagRunID != filter.DagRunID {
			continue
		}
		out = append(out, cloneCheckpoint(cp))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// AddSignature implements Store.
func (s *fileStore) AddSignature(_ context.Context, id, user string, data map[string]any) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.view[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cp.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, cp.Status)
	}
	if cp.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	if cp.HasSigner(user) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSigner, user)
	}

	next := cloneCheckpoint(cp)
	next.Approvals = append(next.Approvals, Approval{User: user, At: s.now().UTC(), Data: data})

	if err := s.commit(eventSignatureAdded, next); err != nil {
		return nil, err
	}
	return cloneCheckpoint(next), nil
}

// Approve implements Store. Multi-sign checkpoints must be satisfied first.
func (s *fileStore) Approve(_ context.Context, id, user string, data map[string]any) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.view[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cp.Expired(s.now()) && cp.Status == StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	if cp.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, cp.Status)
	}

	next := cloneCheckpoint(cp)
	if !next.HasSigner(user) {
		next.Approvals = append(next.Approvals, Approval{User: user, At: s.now().UTC(), Data: data})
	}
	if next.MultiSign() && !Satisfied(next, s.resolver) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotSatisfied, len(next.Approvals), next.MinSignatures)
	}

	next.Status = StatusApproved
	next.ApprovedBy = user
	next.ApprovedAt = s.now().UTC()
	next.ApprovalData = data

	if err := s.commit(eventApproved, next); err != nil {
		return nil, err
	}
	return cloneCheckpoint(next), nil
}

// Reject implements Store.
func (s *fileStore) Reject(_ context.Context, id, user, reason string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.view[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cp.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, cp.Status)
	}

	next := cloneCheckpoint(cp)
	next.Status = StatusRejected
	next.RejectedBy = user
	next.RejectionReason = reason

	if err := s.commit(eventRejected, next); err != nil {
		return nil, err
	}
	return cloneCheckpoint(next), nil
}

// ExpirePending implements Store. Idempotent: a second sweep with the same
// clock finds nothing pending past the deadline.
func (s *fileStore) ExpirePending(_ context.Context, now time.Time) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Checkpoint
	for _, id := range s.order {
		cp := s.view[id]
		if cp.Status != StatusPending || !cp.Expired(now) {
			continue
		}
		next := cloneCheckpoint(cp)
		next.Status = StatusExpired
		if err := s.commit(eventExpired, next); err != nil {
			return nil, err
		}
		expired = append(expired, cloneCheckpoint(next))
	}
	return expired, nil
}

// WriteResumeToken implements Store. The latest token per run wins.
func (s *fileStore) WriteResumeToken(_ context.Context, tok ResumeToken) error {
	if tok.DagRunID == "" {
		return core.NewError(core.CodeValidation, "dag_run_id is required")
	}
	if tok.Timestamp.IsZero() {
		tok.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := logRecord{
		Event:       eventResumeToken,
		Timestamp:   tok.Timestamp,
		DagRunID:    tok.DagRunID,
		NextTaskID:  tok.NextTaskID,
		Tenant:      tok.Tenant,
		DAGPath:     tok.DAGPath,
		TaskOutputs: tok.TaskOutputs,
	}
	if err := appendRecord(s.statePath, rec); err != nil {
		return core.WrapError(core.CodeFatal, err, "state log write failed")
	}
	s.tokens[tok.DagRunID] = &tok
	return nil
}

// ResumeTokenFor implements Store.
func (s *fileStore) ResumeTokenFor(_ context.Context, dagRunID string) (*ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[dagRunID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResumeToken, dagRunID)
	}
	out := *tok
	return &out, nil
}

// LatestForRun implements Store: the most recently created checkpoint of
// the run.
func (s *fileStore) LatestForRun(_ context.Context, dagRunID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Checkpoint
	for _, id := range s.order {
		cp := s.view[id]
		if cp.DagRunID == dagRunID {
			candidates = append(candidates, cp)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, dagRunID)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return cloneCheckpoint(candidates[len(candidates)-1]), nil
}
