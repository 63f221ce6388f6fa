package cmd

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/config"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/queue"
)

func CmdEnqueue() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "enqueue <dag-file> [flags]",
			Short: "Enqueue a workflow run",
			Long: `Validate a workflow file and enqueue a run for it.

Example:
	tandem enqueue billing-sync.yaml --tenant acme --priority 5
`,
			Args: cobra.ExactArgs(1),
		}, enqueueFlags, runEnqueue,
	)
}

var enqueueFlags = []commandLineFlag{
	tenantFlag,
	{name: "priority", usage: "queue priority, higher dequeues first", kind: flagInt},
	{name: "run-id", shorthand: "r", usage: "run id (generated when empty)"},
}

func runEnqueue(ctx *Context, args []string) error {
	tenant, _ := ctx.StringParam("tenant")
	priority, _ := ctx.IntParam("priority")
	runID, _ := ctx.StringParam("run-id")
	if runID == "" {
		runID = uuid.New().String()
	}

	dagPath, err := filepath.Abs(args[0])
	if err != nil {
		return core.WrapError(core.CodeValidation, err, "bad dag path")
	}
	// Parse up front so a broken file fails here, not in a worker.
	d, err := dag.Load(dagPath)
	if err != nil {
		return err
	}

	q, err := ctx.OpenQueue()
	if err != nil {
		return err
	}
	if ctx.Config.Queue.Backend == config.QueueBackendMemory {
		logger.Warn(ctx, "memory queue is process-local; a separate worker will not see this job")
	}

	job := queue.Job{
		ID:       runID,
		DAGPath:  dagPath,
		TenantID: tenant,
		RunID:    runID,
		Priority: priority,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return err
	}

	logger.Info(ctx, "enqueued run",
		tag.DAG(d.Name), tag.RunID(runID), tag.Tenant(tenant), tag.Priority(priority))
	return printJSON(map[string]string{"job_id": job.ID, "run_id": runID, "dag": d.Name})
}
