// Package checkpoint owns the human-in-the-loop approval lifecycle. A
// checkpoint is created when a DAG run reaches a checkpoint task and halts;
// it is then approved, rejected, or expired, all terminal. Multi-sign
// checkpoints collect signatures until M-of-N distinct signers are present.
package checkpoint

import (
	"time"
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Approval is one signature on a pending checkpoint.
type Approval struct {
	User string         `json:"user"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Checkpoint is the full state of one approval gate. There is one logical
// checkpoint per (dag_run_id, task_id); its id is "<dag_run_id>_<task_id>".
type Checkpoint struct {
	ID              string         `json:"checkpoint_id"`
	DagRunID        string         `json:"dag_run_id"`
	TaskID          string         `json:"task_id"`
	Tenant          string         `json:"tenant"`
	Prompt          string         `json:"prompt,omitempty"`
	RequiredRole    string         `json:"required_role,omitempty"`
	RequiredSigners []string       `json:"required_signers,omitempty"`
	MinSignatures   int            `json:"min_signatures,omitempty"`
	InputsSchema    map[string]any `json:"inputs_schema,omitempty"`
	Status          Status         `json:"status"`
	Approvals       []Approval     `json:"approvals,omitempty"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ApprovedAt      time.Time      `json:"approved_at,omitempty"`
	RejectedBy      string         `json:"rejected_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	ApprovalData    map[string]any `json:"approval_data,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// MultiSign reports whether this checkpoint needs more than one signer.
func (c *Checkpoint) MultiSign() bool {
	return c.MinSignatures > 1
}

// Expired reports whether the checkpoint is past its deadline at now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// HasSigner reports whether user already signed.
func (c *Checkpoint) HasSigner(user string) bool {
	for _, a := range c.Approvals {
		if a.User == user {
			return true
		}
	}
	return false
}

// SignerResolver maps a required_signers entry to the set of concrete user
// ids it stands for. The default resolver is identity; a role-aware
// resolver can expand group entries.
type SignerResolver interface {
	ResolveSigner(entry string) []string
}

type identityResolver struct{}

func (identityResolver) ResolveSigner(entry string) []string {
	return []string{entry}
}

// Satisfied reports whether the checkpoint has enough valid signatures to
// be approved: any approval when min_signatures ≤ 1, otherwise at least
// min_signatures distinct signers drawn from required_signers.
func Satisfied(c *Checkpoint, resolver SignerResolver) bool {
	if resolver == nil {
		resolver = identityResolver{}
	}

	if c.MinSignatures <= 1 {
		return len(c.Approvals) > 0
	}

	allowed := make(map[string]struct{})
	for _, entry := range c.RequiredSigners {
		for _, user := range resolver.ResolveSigner(entry) {
			allowed[user] = struct{}{}
		}
	}

	valid := make(map[string]struct{})
	for _, a := range c.Approvals {
		if len(allowed) > 0 {
			if _, ok := allowed[a.User]; !ok {
				continue
			}
		}
		valid[a.User] = struct{}{}
	}
	return len(valid) >= c.MinSignatures
}

// ResumeToken marries a paused run to the task that continues it. It
// carries the outputs of every task completed before the pause, so a
// resumed task sees the same upstream payloads a straight-through run
// would, and the dag file path when the run was enqueued from one. An
// empty NextTaskID means the checkpoint was the final task. The latest
// token per dag_run_id wins.
type ResumeToken struct {
	DagRunID    string                    `json:"dag_run_id"`
	NextTaskID  string                    `json:"next_task_id,omitempty"`
	Tenant      string                    `json:"tenant"`
	DAGPath     string                    `json:"dag_path,omitempty"`
	TaskOutputs map[string]map[string]any `json:"task_outputs,omitempty"`
	Timestamp   time.Time                 `json:"timestamp"`
}

// CreateRequest carries the fields for a new checkpoint.
type CreateRequest struct {
	ID              string
	DagRunID        string
	TaskID          string
	Tenant          string
	Prompt          string
	RequiredRole    string
	RequiredSigners []string
	MinSignatures   int
	InputsSchema    map[string]any
	Metadata        map[string]any
	ExpiresIn       time.Duration
}

// ListFilter selects checkpoints. Tenant is enforced on every list read.
type ListFilter struct {
	Tenant   string
	Status   Status
	DagRunID string
	Limit    int
}
