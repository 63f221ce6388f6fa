// Package queue defines the at-least-once persistent job queue consumed by
// the worker pool. A dequeued job is leased: invisible to other workers
// until the visibility window lapses or the holder updates its status.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("queue is empty")

	// ErrJobNotFound is returned when the job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotLeased is returned when extending or updating a job that holds
	// no active lease.
	ErrNotLeased = errors.New("job is not leased")
)

// Queue is the persistent job queue contract. Implementations provide
// at-least-once delivery: a crashed holder's job returns to pending when
// its lease expires, attempts preserved.
type Queue interface {
	// Enqueue adds a job in pending state. A zero EnqueuedAt is stamped.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue leases the highest-priority oldest pending job for the
	// visibility window. Returns ErrEmpty when nothing is ready.
	Dequeue(ctx context.Context, visibility time.Duration) (*Job, error)

	// ExtendVisibility pushes the lease deadline out; the heartbeat call.
	ExtendVisibility(ctx context.Context, jobID string, d time.Duration) error

	// UpdateStatus transitions the leased job. StatusRetry releases the
	// lease and re-pends the job with attempts incremented; StatusSuccess
	// and StatusFailed are terminal.
	UpdateStatus(ctx context.Context, jobID string, status Status, opts ...UpdateOption) error

	// MoveToDLQ parks the job on the dead-letter queue with the reason.
	MoveToDLQ(ctx context.Context, jobID, reason string) error

	// Depth reports pending and in-flight counts for the autoscaler.
	Depth(ctx context.Context) (pending, inflight int, err error)

	// ListDLQ returns up to limit dead letters, oldest first.
	ListDLQ(ctx context.Context, limit int) ([]DeadLetter, error)
}
