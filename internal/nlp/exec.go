package nlp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/urg"
)

// Execution result statuses.
const (
	StatusDry       = "dry"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// ExecOptions controls one execution.
type ExecOptions struct {
	DryRun bool
}

// StepOutcome is the result of one executed step.
type StepOutcome struct {
	Step Step `json:"step"`
	Data any  `json:"data,omitempty"`
}

// ExecResult is the outcome of executing (or previewing) a plan.
type ExecResult struct {
	Status       string          `json:"status"`
	PlanID       string          `json:"plan_id"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	Preview      string          `json:"preview,omitempty"`
	Steps        []StepOutcome   `json:"steps,omitempty"`
	Resources    []*urg.Resource `json:"resources,omitempty"`
}

// Executor runs plans through the action router, pausing high-risk plans
// behind a checkpoint.
type Executor struct {
	router       *router.Router
	checkpoints  checkpoint.Store
	index        *urg.Index
	audit        *audit.Service
	approverRole string
}

// NewExecutor creates an executor. approverRole is the minimum role that
// may approve paused plans.
func NewExecutor(r *router.Router, cps checkpoint.Store, index *urg.Index, auditSvc *audit.Service, approverRole string) *Executor {
	return &Executor{
		router:       r,
		checkpoints:  cps,
		index:        index,
		audit:        auditSvc,
		approverRole: approverRole,
	}
}

// Execute runs the plan. Dry runs preview without side effects; plans
// requiring approval pause behind a checkpoint carrying the serialised
// plan; everything else runs to completion or first error.
func (e *Executor) Execute(ctx context.Context, plan *Plan, user router.User, opts ExecOptions) (*ExecResult, error) {
	if plan.Tenant != user.Tenant {
		return nil, core.NewErrorf(core.CodeNotFound, "no plan %s", plan.ID)
	}

	if opts.DryRun {
		return &ExecResult{Status: StatusDry, PlanID: plan.ID, Preview: plan.Preview}, nil
	}

	if plan.RequiresApproval {
		meta, err := planToMetadata(plan)
		if err != nil {
			return nil, err
		}
		cp, err := e.checkpoints.Create(ctx, checkpoint.CreateRequest{
			ID:           "plan_" + plan.ID,
			DagRunID:     plan.ID,
			TaskID:       "plan",
			Tenant:       plan.Tenant,
			Prompt:       plan.Preview,
			RequiredRole: e.approverRole,
			Metadata:     meta,
		})
		if err != nil {
			return nil, err
		}
		e.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, "plan.pause", audit.ResultSuccess).
			WithResource("plan", plan.ID).
			WithMetadata(map[string]any{"risk": plan.Risk, "checkpoint_id": cp.ID}))
		logger.Info(ctx, "plan paused for approval",
			tag.PlanID(plan.ID), tag.CheckpointID(cp.ID), tag.Risk(plan.Risk))
		return &ExecResult{
			Status: StatusPaused, PlanID: plan.ID,
			CheckpointID: cp.ID, Preview: plan.Preview,
		}, nil
	}

	return e.run(ctx, plan, user)
}

// run executes the steps in order, stopping at the first error.
func (e *Executor) run(ctx context.Context, plan *Plan, user router.User) (*ExecResult, error) {
	e.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, "plan.start", audit.ResultSuccess).
		WithResource("plan", plan.ID).
		WithMetadata(map[string]any{"verb": plan.Intent.Verb, "steps": len(plan.Steps)}))

	result := &ExecResult{Status: StatusCompleted, PlanID: plan.ID, Preview: plan.Preview}

	if plan.Intent.Verb == "find" || plan.Intent.Verb == "list" {
		hits, err := e.search(ctx, plan, user)
		if err != nil {
			return nil, err
		}
		result.Resources = hits
	}

	for _, step := range plan.Steps {
		out, err := e.router.Execute(ctx, step.Action, step.GraphID, step.Payload, user)
		if err != nil {
			e.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, "plan.step", audit.ResultError).
				WithResource("plan", plan.ID).
				WithReason(err.Error()))
			return result, err
		}
		result.Steps = append(result.Steps, StepOutcome{Step: step, Data: out.Data})
	}

	e.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, "plan.complete", audit.ResultSuccess).
		WithResource("plan", plan.ID))
	logger.Info(ctx, "plan completed", tag.PlanID(plan.ID), tag.Count(len(plan.Steps)))
	return result, nil
}

func (e *Executor) search(ctx context.Context, plan *Plan, user router.User) ([]*urg.Resource, error) {
	query := "*"
	if len(plan.Intent.Artifacts) > 0 {
		query = plan.Intent.Artifacts[0]
	}
	return e.index.Search(ctx, query, urg.Filter{
		Tenant: user.Tenant,
		Source: plan.Intent.Constraints.Source,
	})
}

// ResumePlan reconstitutes an approved paused plan from its checkpoint
// and executes it.
func (e *Executor) ResumePlan(ctx context.Context, checkpointID string, user router.User) (*ExecResult, error) {
	cp, err := e.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.Tenant != user.Tenant {
		return nil, core.NewErrorf(core.CodeNotFound, "no checkpoint %s", checkpointID)
	}
	if cp.Status != checkpoint.StatusApproved {
		return nil, core.NewErrorf(core.CodeConflict, "checkpoint %s is %s, not approved", checkpointID, cp.Status)
	}

	plan, err := planFromMetadata(cp.Metadata)
	if err != nil {
		return nil, err
	}

	e.audit.Log(ctx, audit.NewEntry(user.Tenant, user.ID, "plan.resume", audit.ResultSuccess).
		WithResource("plan", plan.ID).
		WithMetadata(map[string]any{"checkpoint_id": checkpointID, "approved_by": cp.ApprovedBy}))
	return e.run(ctx, plan, user)
}

// planToMetadata serialises the plan into checkpoint metadata.
func planToMetadata(plan *Plan) (map[string]any, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, core.WrapError(core.CodeFatal, err, "failed to serialise plan")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, core.WrapError(core.CodeFatal, err, "failed to serialise plan")
	}
	return map[string]any{"plan": m}, nil
}

// planFromMetadata decodes the plan back out of checkpoint metadata.
func planFromMetadata(meta map[string]any) (*Plan, error) {
	raw, ok := meta["plan"]
	if !ok {
		return nil, core.NewError(core.CodeValidation, "checkpoint carries no plan")
	}

	var plan Plan
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &plan,
		TagName:    "json",
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return nil, core.WrapError(core.CodeFatal, err, "failed to build plan decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, core.WrapError(core.CodeValidation, err, "malformed plan in checkpoint metadata")
	}
	return &plan, nil
}
