package runner_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag"
	"github.com/tandem-run/tandem/internal/runner"
)

type fixture struct {
	runner      *runner.Runner
	registry    *runner.Registry
	checkpoints checkpoint.Store
	events      *runner.EventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cps, err := checkpoint.NewFileStore(
		filepath.Join(dir, "checkpoints.jsonl"),
		filepath.Join(dir, "state.jsonl"),
	)
	require.NoError(t, err)

	events, err := runner.NewEventLog(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	registry := runner.NewRegistry()
	return &fixture{
		runner:      runner.New(registry, cps, events, runner.WithRetryBase(time.Millisecond)),
		registry:    registry,
		checkpoints: cps,
		events:      events,
	}
}

func eventNames(t *testing.T, log *runner.EventLog, runID string) []string {
	t.Helper()
	events, err := log.ForRun(runID)
	require.NoError(t, err)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	return names
}

func linearDAG() *dag.DAG {
	return &dag.DAG{
		Name: "review",
		Tasks: []dag.Task{
			{ID: "a", Kind: dag.KindWorkflow, WorkflowRef: "fetch"},
			{ID: "c", Kind: dag.KindCheckpoint, Prompt: "sign off?", DependsOn: []string{"a"}},
			{ID: "b", Kind: dag.KindWorkflow, WorkflowRef: "send", DependsOn: []string{"c"}},
		},
	}
}

func TestRunSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.registry.Register("fetch", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"rows": 3}, nil
	})
	f.registry.Register("send", func(_ context.Context, params map[string]any) (map[string]any, error) {
		// Upstream output flows in through params.
		return map[string]any{"sent": params["rows"]}, nil
	})

	d := &dag.DAG{Name: "pipe", Tasks: []dag.Task{
		{ID: "a", Kind: dag.KindWorkflow, WorkflowRef: "fetch"},
		{ID: "b", Kind: dag.KindWorkflow, WorkflowRef: "send", DependsOn: []string{"a"}},
	}}

	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.TasksSucceeded)
	assert.Equal(t, map[string]any{"sent": 3}, res.TaskOutputs["b"])

	assert.Equal(t,
		[]string{"dag_start", "task_start", "task_ok", "task_start", "task_ok", "dag_done"},
		eventNames(t, f.events, res.DagRunID))
}

func TestRunDry(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), linearDAG(), runner.Options{Tenant: "acme", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, runner.StatusDry, res.Status)
	require.Len(t, res.Plan, 3)
	assert.Equal(t, "a", res.Plan[0].TaskID)
	assert.Equal(t, "c", res.Plan[1].TaskID)
	assert.Equal(t, "checkpoint", res.Plan[1].Kind)
	assert.Equal(t, "b", res.Plan[2].TaskID)

	// No side effects at all.
	events, err := f.events.ForRun(res.DagRunID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunPausesAtCheckpointThenResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var aRuns int
	f.registry.Register("fetch", func(context.Context, map[string]any) (map[string]any, error) {
		aRuns++
		return map[string]any{"doc": "v1"}, nil
	})
	f.registry.Register("send", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"signoff": params["signoff"]}, nil
	})

	d := linearDAG()
	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.NoError(t, err)
	assert.Equal(t, runner.StatusPaused, res.Status)
	assert.Equal(t, "run1_c", res.CheckpointID)
	assert.Equal(t,
		[]string{"dag_start", "task_start", "task_ok", "checkpoint_pending"},
		eventNames(t, f.events, "run1"))

	// Upstream outputs flowed into the checkpoint metadata.
	cp, err := f.checkpoints.Get(ctx, "run1_c")
	require.NoError(t, err)
	assert.Equal(t, "v1", cp.Metadata["doc"])

	_, err = f.checkpoints.Approve(ctx, "run1_c", "boss", map[string]any{"signoff": "ok"})
	require.NoError(t, err)

	resumed, err := f.runner.Resume(ctx, "run1", "acme", d)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, resumed.Status)
	assert.Equal(t, map[string]any{"signoff": "ok"}, resumed.TaskOutputs["c"])
	assert.Equal(t, map[string]any{"signoff": "ok"}, resumed.TaskOutputs["b"])
	assert.Equal(t, 1, aRuns, "side-effect task must not re-run on resume")

	assert.Equal(t,
		[]string{"dag_start", "task_start", "task_ok", "checkpoint_pending",
			"checkpoint_approved", "task_start", "task_ok", "dag_done"},
		eventNames(t, f.events, "run1"))
}

func TestResumeKeepsUpstreamOutputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.registry.Register("fetch", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"rows": 3}, nil
	})
	f.registry.Register("send", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"sent": params["rows"]}, nil
	})

	// b depends on a task that ran before the pause; its output must
	// survive the pause.
	d := &dag.DAG{Name: "pipe", Tasks: []dag.Task{
		{ID: "a", Kind: dag.KindWorkflow, WorkflowRef: "fetch"},
		{ID: "c", Kind: dag.KindCheckpoint, Prompt: "ok?", DependsOn: []string{"a"}},
		{ID: "b", Kind: dag.KindWorkflow, WorkflowRef: "send", DependsOn: []string{"a", "c"}},
	}}

	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.NoError(t, err)
	require.Equal(t, runner.StatusPaused, res.Status)

	_, err = f.checkpoints.Approve(ctx, "run1_c", "boss", map[string]any{"ok": true})
	require.NoError(t, err)

	resumed, err := f.runner.Resume(ctx, "run1", "acme", d)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, resumed.Status)
	assert.Equal(t, map[string]any{"rows": 3}, resumed.TaskOutputs["a"])
	assert.Equal(t, map[string]any{"sent": 3}, resumed.TaskOutputs["b"])
}

func TestResumeAfterFinalCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.registry.Register("fetch", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"doc": "v1"}, nil
	})

	d := &dag.DAG{Name: "gate", Tasks: []dag.Task{
		{ID: "a", Kind: dag.KindWorkflow, WorkflowRef: "fetch"},
		{ID: "c", Kind: dag.KindCheckpoint, Prompt: "publish?", DependsOn: []string{"a"}},
	}}

	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.NoError(t, err)
	require.Equal(t, runner.StatusPaused, res.Status)

	_, err = f.checkpoints.Approve(ctx, "run1_c", "boss", nil)
	require.NoError(t, err)

	resumed, err := f.runner.Resume(ctx, "run1", "acme", d)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, resumed.Status)
	assert.Equal(t, map[string]any{"doc": "v1"}, resumed.TaskOutputs["a"])

	names := eventNames(t, f.events, "run1")
	assert.Equal(t, "dag_done", names[len(names)-1])
}

func TestResumeRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registry.Register("fetch", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	})

	d := linearDAG()
	_, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.NoError(t, err)

	_, err = f.runner.Resume(ctx, "run1", "acme", d)
	assert.Equal(t, core.CodeConflict, core.Classify(err))
}

func TestResumeWithoutToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Resume(context.Background(), "ghost", "acme", linearDAG())
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrNoResumeToken)
}

func TestResumeCrossTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registry.Register("fetch", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	})

	d := linearDAG()
	_, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.NoError(t, err)
	_, err = f.checkpoints.Approve(ctx, "run1_c", "boss", nil)
	require.NoError(t, err)

	_, err = f.runner.Resume(ctx, "run1", "globex", d)
	assert.Equal(t, core.CodeNotFound, core.Classify(err))
}

func TestTaskRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var calls int
	f.registry.Register("flaky", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, core.NewError(core.CodeRetryable, "transient")
		}
		return map[string]any{"ok": true}, nil
	})

	d := &dag.DAG{Name: "flaky", Tasks: []dag.Task{
		{ID: "t", Kind: dag.KindWorkflow, WorkflowRef: "flaky", Retries: 5},
	}}

	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, res.Status)
	assert.Equal(t, 3, calls)

	names := eventNames(t, f.events, "run1")
	assert.Contains(t, names, "task_retry")
}

func TestTaskFailureEmitsDagError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.registry.Register("boom", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("hard failure")
	})

	d := &dag.DAG{Name: "boom", Tasks: []dag.Task{
		{ID: "t", Kind: dag.KindWorkflow, WorkflowRef: "boom", Retries: 3},
	}}

	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme", DagRunID: "run1"})
	require.Error(t, err)
	assert.Equal(t, runner.StatusError, res.Status)
	assert.Equal(t, 1, res.TasksFailed)

	assert.Equal(t,
		[]string{"dag_start", "task_start", "task_fail", "dag_error"},
		eventNames(t, f.events, "run1"))
}

func TestUnregisteredWorkflowRef(t *testing.T) {
	f := newFixture(t)
	d := &dag.DAG{Name: "x", Tasks: []dag.Task{
		{ID: "t", Kind: dag.KindWorkflow, WorkflowRef: "missing"},
	}}

	res, err := f.runner.Run(context.Background(), d, runner.Options{Tenant: "acme"})
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.Classify(err))
	assert.Equal(t, runner.StatusError, res.Status)
}

func TestRunInvalidDAG(t *testing.T) {
	f := newFixture(t)
	d := &dag.DAG{Name: "bad", Tasks: []dag.Task{
		{ID: "t", Kind: dag.KindWorkflow, WorkflowRef: "x", DependsOn: []string{"ghost"}},
	}}
	_, err := f.runner.Run(context.Background(), d, runner.Options{Tenant: "acme"})
	require.Error(t, err)
}

func TestRunCancelledAtTaskBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.registry.Register("first", func(context.Context, map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{}, nil
	})
	f.registry.Register("second", func(context.Context, map[string]any) (map[string]any, error) {
		t.Fatal("must not run after cancellation")
		return nil, nil
	})

	d := &dag.DAG{Name: "c", Tasks: []dag.Task{
		{ID: "a", Kind: dag.KindWorkflow, WorkflowRef: "first"},
		{ID: "b", Kind: dag.KindWorkflow, WorkflowRef: "second", DependsOn: []string{"a"}},
	}}

	res, err := f.runner.Run(ctx, d, runner.Options{Tenant: "acme"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, runner.StatusError, res.Status)
}
