// Package connector defines the contract external systems are driven
// through, and the registry that tracks which connectors exist and
// whether they are enabled.
package connector

import "context"

// ResultStatus is the closed outcome set of a connector call.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusDenied  ResultStatus = "denied"
)

// Result is the uniform return of every connector operation. Adapters
// narrow transport failures into this set; they never panic and never
// return Go errors across the contract.
type Result struct {
	Status  ResultStatus `json:"status"`
	Data    any          `json:"data,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Connector is the full CRUD surface a connected system exposes.
type Connector interface {
	Connect(ctx context.Context) Result
	Disconnect(ctx context.Context) Result
	ListResources(ctx context.Context, resourceType string, filters map[string]any) Result
	GetResource(ctx context.Context, resourceType, id string) Result
	CreateResource(ctx context.Context, resourceType string, payload map[string]any) Result
	UpdateResource(ctx context.Context, resourceType, id string, payload map[string]any) Result
	DeleteResource(ctx context.Context, resourceType, id string) Result
}

// Ok wraps data in a success result.
func Ok(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Fail wraps a message in an error result.
func Fail(message string) Result {
	return Result{Status: StatusError, Message: message}
}

// Deny wraps a message in a denied result.
func Deny(message string) Result {
	return Result{Status: StatusDenied, Message: message}
}
