package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
)

// Orchestration event names, as they appear in the event log.
const (
	EventDagStart           = "dag_start"
	EventTaskStart          = "task_start"
	EventTaskOK             = "task_ok"
	EventTaskRetry          = "task_retry"
	EventTaskFail           = "task_fail"
	EventCheckpointPending  = "checkpoint_pending"
	EventCheckpointApproved = "checkpoint_approved"
	EventCheckpointRejected = "checkpoint_rejected"
	EventCheckpointExpired  = "checkpoint_expired"
	EventDagDone            = "dag_done"
	EventDagError           = "dag_error"
	EventRunStarted         = "run_started"
	EventRunFinished        = "run_finished"
	EventRunFailedTerminal  = "run_failed_terminal"
)

// Event is one orchestration log line.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Event        string    `json:"event"`
	DagRunID     string    `json:"dag_run_id,omitempty"`
	DAG          string    `json:"dag,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Tenant       string    `json:"tenant,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// EventLog is the append-only JSONL orchestration log. Appends are
// durable before returning; a failed append is logged but must not fail
// the run, the event log is observability, not state.
type EventLog struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventClock injects a clock for deterministic timestamps.
func WithEventClock(now func() time.Time) EventLogOption {
	return func(l *EventLog) {
		l.now = now
	}
}

// NewEventLog creates an event log appending to path.
func NewEventLog(path string, opts ...EventLogOption) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, core.WrapError(core.CodeFatal, err, "failed to create events dir")
	}
	l := &EventLog{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append writes one event line. The timestamp is filled when zero.
func (l *EventLog) Append(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(ev); err != nil {
		logger.Error(ctx, "event append failed", tag.Error(err), tag.Event(ev.Event), tag.RunID(ev.DagRunID))
	}
}

func (l *EventLog) append(ev Event) error {
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

// RunSummary is the aggregated view of one run in the event log.
type RunSummary struct {
	DagRunID  string    `json:"dag_run_id"`
	DAG       string    `json:"dag,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	LastEvent string    `json:"last_event"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runs aggregates the log into per-run summaries, most recent first.
// A zero limit returns everything.
func (l *EventLog) Runs(tenant string, limit int) ([]RunSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	byRun := make(map[string]*RunSummary)
	var order []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.DagRunID == "" {
			continue
		}
		if tenant != "" && ev.Tenant != "" && ev.Tenant != tenant {
			continue
		}
		s, ok := byRun[ev.DagRunID]
		if !ok {
			s = &RunSummary{DagRunID: ev.DagRunID, StartedAt: ev.Timestamp}
			byRun[ev.DagRunID] = s
			order = append(order, ev.DagRunID)
		}
		if ev.DAG != "" {
			s.DAG = ev.DAG
		}
		if ev.Tenant != "" {
			s.Tenant = ev.Tenant
		}
		s.LastEvent = ev.Event
		s.UpdatedAt = ev.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]RunSummary, 0, len(byRun))
	for i := len(order) - 1; i >= 0; i-- {
		out = append(out, *byRun[order[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ForRun returns the events of one run, in append order.
func (l *EventLog) ForRun(dagRunID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	var out []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.DagRunID == dagRunID {
			out = append(out, ev)
		}
	}
	return out, scanner.Err()
}
