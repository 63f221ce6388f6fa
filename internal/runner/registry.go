// Package runner executes DAG runs: deterministic task ordering, workflow
// invocation with retries, checkpoint pauses, and resume from approval.
// Every transition lands in the orchestration event log.
package runner

import (
	"context"
	"sync"

	"github.com/tandem-run/tandem/internal/core"
)

// Handler executes one workflow step. It receives the task params merged
// with upstream outputs and returns the outputs for downstream tasks.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry maps workflow_ref strings to handlers. Registration order does
// not matter; lookups of unknown refs are validation errors.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to ref, replacing any previous binding.
func (r *Registry) Register(ref string, fn Handler) {
	r.mu.Lock()
	r.handlers[ref] = fn
	r.mu.Unlock()
}

// Resolve returns the handler for ref.
func (r *Registry) Resolve(ref string) (Handler, error) {
	r.mu.RLock()
	fn, ok := r.handlers[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewErrorf(core.CodeValidation, "no workflow registered for ref %q", ref)
	}
	return fn, nil
}

// Refs returns the registered refs, for diagnostics.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	return refs
}
