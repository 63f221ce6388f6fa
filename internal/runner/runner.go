package runner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-run/tandem/internal/backoff"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/otel"
	"github.com/tandem-run/tandem/internal/telemetry"
)

// Status of a finished (or paused) run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
	StatusDry     Status = "dry"
)

// Options controls one run.
type Options struct {
	Tenant            string
	DryRun            bool
	MaxRetriesDefault int
	// DagRunID is generated when empty.
	DagRunID string
	// DAGPath is recorded in the resume token at a pause, so a later
	// resume can reload the same file.
	DAGPath string
	// StartFromTask slices the ordered task list, for resume.
	StartFromTask string
	// ResumeState seeds task outputs, for resume.
	ResumeState map[string]map[string]any
	// Clock overrides time.Now for this run.
	Clock func() time.Time
}

// PlanStep is one entry of a dry-run plan.
type PlanStep struct {
	TaskID      string   `json:"task_id"`
	Kind        string   `json:"kind"`
	WorkflowRef string   `json:"workflow_ref,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Retries     int      `json:"retries"`
}

// Result is the outcome of a run.
type Result struct {
	Status          Status                    `json:"status"`
	DagRunID        string                    `json:"dag_run_id"`
	CheckpointID    string                    `json:"checkpoint_id,omitempty"`
	TaskOutputs     map[string]map[string]any `json:"task_outputs,omitempty"`
	Plan            []PlanStep                `json:"plan,omitempty"`
	DurationSeconds float64                   `json:"duration_seconds"`
	TasksSucceeded  int                       `json:"tasks_succeeded"`
	TasksFailed     int                       `json:"tasks_failed"`
}

// Runner executes DAGs. Single-threaded within a run; tasks execute in
// topological order, ties broken by id.
type Runner struct {
	registry    *Registry
	checkpoints checkpoint.Store
	events      *EventLog
	metrics     telemetry.Metrics
	tracer      *otel.Tracer

	retryBase time.Duration
	jitterPct float64
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics attaches a telemetry backend.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithTracer attaches an OTel tracer for run and task spans.
func WithTracer(t *otel.Tracer) Option {
	return func(r *Runner) {
		r.tracer = t
	}
}

// WithRetryBase sets the first retry interval for task invocations.
func WithRetryBase(d time.Duration) Option {
	return func(r *Runner) {
		r.retryBase = d
	}
}

// New creates a runner.
func New(registry *Registry, checkpoints checkpoint.Store, events *EventLog, opts ...Option) *Runner {
	r := &Runner{
		registry:    registry,
		checkpoints: checkpoints,
		events:      events,
		metrics:     telemetry.Nop(),
		retryBase:   500 * time.Millisecond,
		jitterPct:   0.2,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the DAG until completion, a checkpoint pause, or an
// unrecoverable failure. Cancellation is checked at task boundaries.
func (r *Runner) Run(ctx context.Context, d *dag.DAG, opts Options) (*Result, error) {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	started := now()

	if err := dag.Validate(d); err != nil {
		return nil, err
	}
	ordered, err := dag.Toposort(d)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return &Result{Status: StatusDry, Plan: plan(ordered)}, nil
	}

	runID := opts.DagRunID
	if runID == "" {
		runID = uuid.New().String()
	}

	outputs := opts.ResumeState
	if outputs == nil {
		outputs = make(map[string]map[string]any)
	}

	resuming := opts.StartFromTask != ""
	if resuming {
		idx := indexOf(ordered, opts.StartFromTask)
		if idx < 0 {
			return nil, core.NewErrorf(core.CodeValidation, "resume task %q not in dag %s", opts.StartFromTask, d.Name)
		}
		ordered = ordered[idx:]
	}

	ctx, endRun := r.startRunSpan(ctx, d.Name, runID, opts.Tenant)
	defer endRun()

	if !resuming {
		r.events.Append(ctx, Event{Event: EventDagStart, DagRunID: runID, DAG: d.Name, Tenant: opts.Tenant})
	}

	result := &Result{Status: StatusSuccess, DagRunID: runID, TaskOutputs: outputs}

	for i, task := range ordered {
		if err := ctx.Err(); err != nil {
			result.Status = StatusError
			result.DurationSeconds = now().Sub(started).Seconds()
			return result, err
		}

		switch task.Kind {
		case dag.KindCheckpoint:
			cp, err := r.pauseAt(ctx, d, ordered, i, runID, opts, outputs)
			if err != nil {
				result.Status = StatusError
				result.DurationSeconds = now().Sub(started).Seconds()
				return result, err
			}
			result.Status = StatusPaused
			result.CheckpointID = cp.ID
			result.DurationSeconds = now().Sub(started).Seconds()
			return result, nil

		case dag.KindWorkflow:
			out, err := r.runTask(ctx, d, &ordered[i], runID, opts, outputs)
			if err != nil {
				result.TasksFailed++
				result.Status = StatusError
				result.DurationSeconds = now().Sub(started).Seconds()
				r.events.Append(ctx, Event{
					Event: EventDagError, DagRunID: runID, DAG: d.Name,
					TaskID: task.ID, Tenant: opts.Tenant, Error: err.Error(),
				})
				r.metrics.Counter("dag_runs_total", "status", "error")
				return result, err
			}
			outputs[task.ID] = out
			result.TasksSucceeded++
		}
	}

	r.events.Append(ctx, Event{Event: EventDagDone, DagRunID: runID, DAG: d.Name, Tenant: opts.Tenant})
	r.metrics.Counter("dag_runs_total", "status", "success")
	result.DurationSeconds = now().Sub(started).Seconds()
	return result, nil
}

// pauseAt creates the checkpoint for ordered[i] and a resume token
// carrying the next task and the outputs accumulated so far, then
// reports the pause. A checkpoint as the last task writes a token with
// no next task; resume then just finishes the run.
func (r *Runner) pauseAt(ctx context.Context, d *dag.DAG, ordered []dag.Task, i int, runID string, opts Options, outputs map[string]map[string]any) (*checkpoint.Checkpoint, error) {
	task := ordered[i]

	cp, err := r.checkpoints.Create(ctx, checkpoint.CreateRequest{
		ID:           runID + "_" + task.ID,
		DagRunID:     runID,
		TaskID:       task.ID,
		Tenant:       opts.Tenant,
		Prompt:       task.Prompt,
		RequiredRole: task.RequiredRole,
		InputsSchema: task.InputsSchema,
		Metadata:     dag.MergePayloads(task.DependsOn, outputs),
	})
	if err != nil {
		return nil, err
	}

	tok := checkpoint.ResumeToken{
		DagRunID:    runID,
		Tenant:      opts.Tenant,
		DAGPath:     opts.DAGPath,
		TaskOutputs: outputs,
	}
	if i+1 < len(ordered) {
		tok.NextTaskID = ordered[i+1].ID
	}
	if err := r.checkpoints.WriteResumeToken(ctx, tok); err != nil {
		return nil, err
	}

	r.events.Append(ctx, Event{
		Event: EventCheckpointPending, DagRunID: runID, DAG: d.Name,
		TaskID: task.ID, Tenant: opts.Tenant, CheckpointID: cp.ID,
	})
	r.metrics.Counter("checkpoints_created_total")
	logger.Info(ctx, "run paused at checkpoint",
		tag.DAG(d.Name), tag.RunID(runID), tag.Task(task.ID), tag.CheckpointID(cp.ID))
	return cp, nil
}

// runTask invokes one workflow task under its retry budget.
func (r *Runner) runTask(ctx context.Context, d *dag.DAG, task *dag.Task, runID string, opts Options, outputs map[string]map[string]any) (map[string]any, error) {
	ctx, endTask := r.startTaskSpan(ctx, task.ID, string(task.Kind))
	defer endTask()

	handler, err := r.registry.Resolve(task.WorkflowRef)
	if err != nil {
		r.events.Append(ctx, Event{
			Event: EventTaskFail, DagRunID: runID, DAG: d.Name,
			TaskID: task.ID, Tenant: opts.Tenant, Error: err.Error(),
		})
		return nil, err
	}

	// Upstream outputs overlay the static params: fresher data wins.
	params := make(map[string]any, len(task.Params))
	for k, v := range task.Params {
		params[k] = v
	}
	for k, v := range dag.MergePayloads(task.DependsOn, outputs) {
		params[k] = v
	}

	r.events.Append(ctx, Event{Event: EventTaskStart, DagRunID: runID, DAG: d.Name, TaskID: task.ID, Tenant: opts.Tenant})
	stop := r.metrics.Timer("task_seconds", "dag", d.Name)
	defer stop()

	retries := task.Retries
	if opts.MaxRetriesDefault > retries {
		retries = opts.MaxRetriesDefault
	}

	var out map[string]any
	attempt := 0
	op := func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			r.events.Append(ctx, Event{
				Event: EventTaskRetry, DagRunID: runID, DAG: d.Name,
				TaskID: task.ID, Tenant: opts.Tenant, Attempt: attempt,
			})
			r.metrics.Counter("task_retries_total", "dag", d.Name)
		}
		var invokeErr error
		out, invokeErr = handler(ctx, params)
		return invokeErr
	}

	if retries <= 0 {
		err = op(ctx)
	} else {
		policy := backoff.WithPercentJitter(&backoff.ExponentialBackoffPolicy{
			InitialInterval: r.retryBase,
			BackoffFactor:   2.0,
			MaxInterval:     30 * time.Second,
			MaxRetries:      retries,
		}, r.jitterPct)
		err = backoff.Retry(ctx, op, policy, taskRetriable)
	}
	if err != nil {
		r.events.Append(ctx, Event{
			Event: EventTaskFail, DagRunID: runID, DAG: d.Name,
			TaskID: task.ID, Tenant: opts.Tenant, Attempt: attempt, Error: err.Error(),
		})
		return nil, err
	}

	r.events.Append(ctx, Event{Event: EventTaskOK, DagRunID: runID, DAG: d.Name, TaskID: task.ID, Tenant: opts.Tenant, Attempt: attempt})
	return out, nil
}

// Resume re-enters a run paused at an approved checkpoint. The token's
// saved outputs plus the approval data seed the task outputs, so
// post-resume tasks see the same upstream payloads a straight-through
// run would. The checkpoint task itself is never re-executed.
func (r *Runner) Resume(ctx context.Context, dagRunID, tenant string, d *dag.DAG) (*Result, error) {
	tok, err := r.checkpoints.ResumeTokenFor(ctx, dagRunID)
	if err != nil {
		return nil, err
	}

	cp, err := r.checkpoints.LatestForRun(ctx, dagRunID)
	if err != nil {
		return nil, err
	}
	if cp.Tenant != tenant {
		return nil, core.NewErrorf(core.CodeNotFound, "no run %s", dagRunID)
	}
	if cp.Status != checkpoint.StatusApproved {
		return nil, core.NewErrorf(core.CodeConflict, "checkpoint %s is %s, not approved", cp.ID, cp.Status)
	}

	outputs := make(map[string]map[string]any, len(tok.TaskOutputs)+1)
	for id, out := range tok.TaskOutputs {
		outputs[id] = out
	}
	outputs[cp.TaskID] = cp.ApprovalData

	r.events.Append(ctx, Event{
		Event: EventCheckpointApproved, DagRunID: dagRunID, DAG: d.Name,
		TaskID: cp.TaskID, Tenant: tenant, CheckpointID: cp.ID,
	})

	// The checkpoint was the last task; nothing left to execute.
	if tok.NextTaskID == "" {
		r.events.Append(ctx, Event{Event: EventDagDone, DagRunID: dagRunID, DAG: d.Name, Tenant: tenant})
		r.metrics.Counter("dag_runs_total", "status", "success")
		return &Result{Status: StatusSuccess, DagRunID: dagRunID, TaskOutputs: outputs}, nil
	}

	return r.Run(ctx, d, Options{
		Tenant:        tenant,
		DagRunID:      dagRunID,
		DAGPath:       tok.DAGPath,
		StartFromTask: tok.NextTaskID,
		ResumeState:   outputs,
	})
}

// taskRetriable treats transport faults and explicitly retriable coded
// errors as retryable; everything else fails the task immediately.
func taskRetriable(err error) bool {
	if backoff.IsRetryable(err) {
		return true
	}
	var coded *core.Error
	if errors.As(err, &coded) {
		return coded.Retriable
	}
	return false
}

func plan(ordered []dag.Task) []PlanStep {
	steps := make([]PlanStep, 0, len(ordered))
	for _, t := range ordered {
		steps = append(steps, PlanStep{
			TaskID:      t.ID,
			Kind:        string(t.Kind),
			WorkflowRef: t.WorkflowRef,
			DependsOn:   t.DependsOn,
			Retries:     t.Retries,
		})
	}
	return steps
}

func indexOf(ordered []dag.Task, id string) int {
	for i := range ordered {
		if ordered[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Runner) startRunSpan(ctx context.Context, dagName, runID, tenant string) (context.Context, func()) {
	if r.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := r.tracer.StartRun(ctx, dagName, runID, tenant)
	return ctx, func() { span.End() }
}

func (r *Runner) startTaskSpan(ctx context.Context, taskID, kind string) (context.Context, func()) {
	if r.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := r.tracer.StartTask(ctx, taskID, kind)
	return ctx, func() { span.End() }
}
