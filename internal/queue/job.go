package queue

import (
	"time"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusRetry   Status = "retry"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Job is one unit of asynchronous work: run a DAG for a tenant. Exactly one
// of DAGPath and DAGInline is set.
type Job struct {
	ID         string         `json:"id"`
	DAGPath    string         `json:"dag_path,omitempty"`
	DAGInline  string         `json:"dag_inline,omitempty"`
	TenantID   string         `json:"tenant_id"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	Attempts   int            `json:"attempts"`
	Status     Status         `json:"status"`
	LeaseUntil time.Time      `json:"lease_until,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Reason     string         `json:"failure_reason,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// DeadLetter is a job that exhausted its retries, parked with the reason.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	DeadAt   time.Time `json:"dead_at"`
}

// UpdateOption attaches result or error context to a status transition.
type UpdateOption func(*Update)

// Update carries the optional fields of an UpdateStatus call.
type Update struct {
	Result    map[string]any
	LastError string
	Reason    string
	// KeepAttempts re-pends a retry without consuming an attempt. Used
	// when the job never ran, e.g. a rate-limit denial.
	KeepAttempts bool
}

// WithResult records the job's output map.
func WithResult(result map[string]any) UpdateOption {
	return func(u *Update) {
		u.Result = result
	}
}

// WithError records the most recent failure message.
func WithError(msg string) UpdateOption {
	return func(u *Update) {
		u.LastError = msg
	}
}

// WithReason records the terminal failure reason.
func WithReason(reason string) UpdateOption {
	return func(u *Update) {
		u.Reason = reason
	}
}

// WithoutAttempt marks a retry as not consuming an attempt.
func WithoutAttempt() UpdateOption {
	return func(u *Update) {
		u.KeepAttempts = true
	}
}

// ApplyOptions folds the options into an Update.
func ApplyOptions(opts []UpdateOption) Update {
	var u Update
	for _, opt := range opts {
		opt(&u)
	}
	return u
}
