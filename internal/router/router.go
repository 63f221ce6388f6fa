// Package router dispatches normalised actions ("email.reply",
// "message.send") to registered handlers. Every dispatch passes the same
// gate order: action parse, tenant-scoped resource fetch, type match,
// RBAC check, handler lookup. Every outcome is audited. The router itself
// performs no network I/O; handlers do.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/telemetry"
	"github.com/tandem-run/tandem/internal/urg"
)

// User is the authenticated caller of an action.
type User struct {
	ID     string
	Tenant string
	Role   Role
}

// Handler executes one action against a resource.
type Handler func(ctx context.Context, res *urg.Resource, payload map[string]any, user User) (any, error)

// Outcome is the result of a dispatched action.
type Outcome struct {
	Action  string `json:"action"`
	GraphID string `json:"graph_id"`
	Data    any    `json:"data,omitempty"`
}

type route struct {
	handler Handler
	minRole Role
}

// Router maps (resource type, action) pairs to handlers.
type Router struct {
	index   *urg.Index
	audit   *audit.Service
	metrics telemetry.Metrics

	mu     sync.RWMutex
	routes map[string]route
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches a telemetry backend.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a router over the resource index and audit service.
func New(index *urg.Index, auditSvc *audit.Service, opts ...Option) *Router {
	r := &Router{
		index:   index,
		audit:   auditSvc,
		metrics: telemetry.Nop(),
		routes:  make(map[string]route),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOption configures a single route.
type RegisterOption func(*route)

// WithMinRole lowers the access gate from the Admin default.
func WithMinRole(min Role) RegisterOption {
	return func(rt *route) {
		rt.minRole = min
	}
}

// Register binds a handler to "resourceType.action". Unless WithMinRole
// says otherwise the action requires Admin; opening up is an explicit
// decision, locking down is the default.
func (r *Router) Register(resourceType, action string, h Handler, opts ...RegisterOption) {
	rt := route{handler: h, minRole: RoleAdmin}
	for _, opt := range opts {
		opt(&rt)
	}
	r.mu.Lock()
	r.routes[resourceType+"."+action] = rt
	r.mu.Unlock()
}

// Execute dispatches one action. actionStr is "type.action"; graphID names
// the target resource in the caller's tenant.
func (r *Router) Execute(ctx context.Context, actionStr, graphID string, payload map[string]any, user User) (*Outcome, error) {
	resourceType, action, ok := strings.Cut(actionStr, ".")
	if !ok || resourceType == "" || action == "" {
		return nil, core.NewErrorf(core.CodeValidation, "malformed action %q, want type.action", actionStr)
	}

	res, err := r.index.Get(ctx, graphID, user.Tenant)
	if err != nil {
		return nil, err
	}
	if res.Type != resourceType {
		return nil, core.NewErrorf(core.CodeValidation,
			"action %s does not apply to resource of type %s", actionStr, res.Type)
	}

	r.mu.RLock()
	rt, registered := r.routes[actionStr]
	r.mu.RUnlock()
	if !registered {
		// Unknown actions still gate at Admin, so a low-role caller
		// cannot probe which actions exist.
		rt.minRole = RoleAdmin
	}

	if !user.Role.AtLeast(rt.minRole) {
		r.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, actionStr, audit.ResultDenied).
			WithResource(res.Type, res.GraphID).
			WithReason("role "+user.Role.String()+" below required "+rt.minRole.String()))
		r.metrics.Counter("actions_total", "result", "denied")
		return nil, core.NewErrorf(core.CodeUnauthorized, "action %s requires role %s", actionStr, rt.minRole).
			WithRemediation("ask an administrator to grant the required role")
	}
	if !registered {
		return nil, core.NewErrorf(core.CodeValidation, "no handler registered for %s", actionStr)
	}

	data, err := rt.handler(ctx, res, payload, user)
	if err != nil {
		r.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, actionStr, audit.ResultError).
			WithResource(res.Type, res.GraphID).
			WithReason(err.Error()))
		r.metrics.Counter("actions_total", "result", "error")
		return nil, err
	}

	r.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, actionStr, audit.ResultSuccess).
		WithResource(res.Type, res.GraphID).
		WithMetadata(map[string]any{"payload": SanitizePayload(payload)}))
	r.metrics.Counter("actions_total", "result", "success")
	logger.Info(ctx, "action executed",
		tag.Action(actionStr),
		tag.GraphID(graphID),
		tag.Actor(user.ID),
		tag.Tenant(user.Tenant),
	)

	return &Outcome{Action: actionStr, GraphID: graphID, Data: data}, nil
}
