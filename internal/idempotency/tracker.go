// Package idempotency deduplicates job executions by run id. A tracker
// answers "has anyone started this run" with an atomic test-and-insert so
// two workers racing on the same run id get exactly one false.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Tracker records run ids that have been picked up or completed.
type Tracker interface {
	// IsDuplicate atomically tests and inserts the id. It returns false
	// exactly once per id across all concurrent callers.
	IsDuplicate(ctx context.Context, id string) (bool, error)

	// MarkCompleted records the terminal outcome for the id.
	MarkCompleted(ctx context.Context, id string, meta map[string]any) error

	// Seen reports whether the id has been inserted, without inserting it.
	Seen(ctx context.Context, id string) bool
}

type record struct {
	Completed bool           `json:"completed"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// memTracker is the in-process implementation, sufficient for a single
// worker process.
type memTracker struct {
	mu   sync.Mutex
	seen map[string]record
}

// NewMemory creates an in-memory tracker.
func NewMemory() Tracker {
	return &memTracker{seen: make(map[string]record)}
}

// IsDuplicate implements Tracker.
func (t *memTracker) IsDuplicate(_ context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[id]; ok {
		return true, nil
	}
	t.seen[id] = record{Timestamp: time.Now().UTC()}
	return false, nil
}

// MarkCompleted implements Tracker.
func (t *memTracker) MarkCompleted(_ context.Context, id string, meta map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seen[id] = record{Completed: true, Meta: meta, Timestamp: time.Now().UTC()}
	return nil
}

// Seen implements Tracker.
func (t *memTracker) Seen(_ context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.seen[id]
	return ok
}
