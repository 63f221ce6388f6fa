// Package audit provides the append-only structured event log. Every
// security-relevant transition (router dispatch, checkpoint decision,
// worker job transition, API mutation) lands here as one JSON line.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Result classifies the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultFailure Result = "failure"
	ResultError   Result = "error"
)

// Entry is a single audit record.
type Entry struct {
	// ID is a unique identifier for this entry.
	ID string `json:"id"`
	// Timestamp is when the event occurred, UTC.
	Timestamp time.Time `json:"timestamp"`
	// Tenant is the isolation boundary the action ran under.
	Tenant string `json:"tenant"`
	// Actor is the user or service that performed the action.
	Actor string `json:"actor"`
	// Action describes what happened (e.g. "email.send", "job_retry").
	Action string `json:"action"`
	// ResourceType is the kind of resource acted on, when applicable.
	ResourceType string `json:"resource_type,omitempty"`
	// ResourceID is the id of the resource acted on, when applicable.
	ResourceID string `json:"resource_id,omitempty"`
	// Result is the outcome class.
	Result Result `json:"result"`
	// Reason carries denial or failure context.
	Reason string `json:"reason,omitempty"`
	// Metadata holds action-specific fields. Values must already be
	// sanitised; the store does not redact.
	Metadata map[string]any `json:"metadata,omitempty"`
	// IP is the client address when the action came over the API.
	IP string `json:"ip,omitempty"`
	// UA is the client user agent when the action came over the API.
	UA string `json:"ua,omitempty"`
}

// NewEntry creates an entry with a generated id and current UTC timestamp.
func NewEntry(tenant, actor, action string, result Result) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Tenant:    tenant,
		Actor:     actor,
		Action:    action,
		Result:    result,
	}
}

// WithResource attaches the resource acted on.
func (e *Entry) WithResource(resourceType, resourceID string) *Entry {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithReason attaches denial or failure context.
func (e *Entry) WithReason(reason string) *Entry {
	e.Reason = reason
	return e
}

// WithMetadata attaches action-specific fields.
func (e *Entry) WithMetadata(meta map[string]any) *Entry {
	e.Metadata = meta
	return e
}

// WithClient attaches the API client address and user agent.
func (e *Entry) WithClient(ip, ua string) *Entry {
	e.IP = ip
	e.UA = ua
	return e
}
