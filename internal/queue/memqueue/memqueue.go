// Package memqueue is the in-process queue backend: a sorted pending list,
// a lease table, and a DLQ slice behind one mutex. Suitable for a single
// worker process and for tests.
package memqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tandem-run/tandem/internal/queue"
)

type entry struct {
	job *queue.Job
	seq uint64
}

// Memqueue implements queue.Queue in memory.
type Memqueue struct {
	mu      sync.Mutex
	jobs    map[string]*queue.Job
	pending []entry
	leases  map[string]time.Time
	dlq     []queue.DeadLetter
	seq     uint64
	now     func() time.Time
}

// Option configures a Memqueue.
type Option func(*Memqueue)

// WithClock injects a clock for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(q *Memqueue) {
		q.now = now
	}
}

// New creates an empty in-memory queue.
func New(opts ...Option) *Memqueue {
	q := &Memqueue{
		jobs:   make(map[string]*queue.Job),
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ queue.Queue = (*Memqueue)(nil)

// Enqueue implements queue.Queue.
func (q *Memqueue) Enqueue(_ context.Context, job queue.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already enqueued", job.ID)
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	job.Status = queue.StatusPending

	stored := job
	q.jobs[job.ID] = &stored
	q.seq++
	q.pending = append(q.pending, entry{job: &stored, seq: q.seq})
	q.sortPending()
	return nil
}

// sortPending keeps the pending list ordered by priority (higher first),
// then enqueue time, then insertion sequence.
func (q *Memqueue) sortPending() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.job.Priority != b.job.Priority {
			return a.job.Priority > b.job.Priority
		}
		if !a.job.EnqueuedAt.Equal(b.job.EnqueuedAt) {
			return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
		}
		return a.seq < b.seq
	})
}

// Dequeue implements queue.Queue.
func (q *Memqueue) Dequeue(_ context.Context, visibility time.Duration) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reapExpired(now)

	if len(q.pending) == 0 {
		return nil, queue.ErrEmpty
	}

	job := q.pending[0].job
	q.pending = q.pending[1:]

	job.Status = queue.StatusRunning
	job.LeaseUntil = now.Add(visibility).UTC()
	q.leases[job.ID] = job.LeaseUntil

	out := *job
	return &out, nil
}

// reapExpired returns timed-out leases to pending. Attempts are preserved;
// the expiry itself is not a retry decision.
func (q *Memqueue) reapExpired(now time.Time) {
	for id, deadline := range q.leases {
		if now.Before(deadline) {
			continue
		}
		delete(q.leases, id)
		job := q.jobs[id]
		if job == nil {
			continue
		}
		job.Status = queue.StatusPending
		job.LeaseUntil = time.Time{}
		q.seq++
		q.pending = append(q.pending, entry{job: job, seq: q.seq})
	}
	q.sortPending()
}

// Requeue runs the expired-lease sweep at the given instant. Exposed for
// deterministic tests; Dequeue performs the same sweep.
func (q *Memqueue) Requeue(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapExpired(now)
}

// ExtendVisibility implements queue.Queue.
func (q *Memqueue) ExtendVisibility(_ context.Context, jobID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[jobID]; !ok {
		return queue.ErrJobNotFound
	}
	if _, ok := q.leases[jobID]; !ok {
		return queue.ErrNotLeased
	}

	deadline := q.now().Add(d).UTC()
	q.leases[jobID] = deadline
	q.jobs[jobID].LeaseUntil = deadline
	return nil
}

// UpdateStatus implements queue.Queue.
func (q *Memqueue) UpdateStatus(_ context.Context, jobID string, status queue.Status, opts ...queue.UpdateOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}

	update := queue.ApplyOptions(opts)
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.LastError != "" {
		job.LastError = update.LastError
	}
	if update.Reason != "" {
		job.Reason = update.Reason
	}

	delete(q.leases, jobID)
	job.LeaseUntil = time.Time{}
	job.Status = status

	if status == queue.StatusRetry {
		if !update.KeepAttempts {
			job.Attempts++
		}
		job.Status = queue.StatusPending
		q.seq++
		q.pending = append(q.pending, entry{job: job, seq: q.seq})
		q.sortPending()
	}
	return nil
}

// MoveToDLQ implements queue.Queue.
func (q *Memqueue) MoveToDLQ(_ context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}

	job.Status = queue.StatusFailed
	job.Reason = reason
	delete(q.leases, jobID)

	q.dlq = append(q.dlq, queue.DeadLetter{
		Job:    *job,
		Reason: reason,
		DeadAt: q.now().UTC(),
	})
	return nil
}

// Depth implements queue.Queue.
func (q *Memqueue) Depth(_ context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.leases), nil
}

// ListDLQ implements queue.Queue.
func (q *Memqueue) ListDLQ(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dlq) {
		limit = len(q.dlq)
	}
	out := make([]queue.DeadLetter, limit)
	copy(out, q.dlq[:limit])
	return out, nil
}

// Get returns a snapshot of the job, for status queries and tests.
func (q *Memqueue) Get(jobID string) (*queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	out := *job
	return &out, true
}
