package cmd

import (
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/queue"
)

func CmdDLQ() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered jobs",
	}
	cmd.AddCommand(cmdDLQList(), cmdDLQRequeue())
	return cmd
}

func cmdDLQList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list [flags]",
			Short: "List dead-lettered jobs",
		}, []commandLineFlag{
			{name: "tenant", usage: "only dead letters of this tenant"},
			limitFlag,
			jsonFlag,
		}, runDLQList,
	)
}

func runDLQList(ctx *Context, _ []string) error {
	tenant, _ := ctx.StringParam("tenant")
	limit, _ := ctx.IntParam("limit")

	q, err := ctx.OpenQueue()
	if err != nil {
		return err
	}
	letters, err := q.ListDLQ(ctx, limit)
	if err != nil {
		return err
	}
	if tenant != "" {
		var scoped []queue.DeadLetter
		for _, dl := range letters {
			if dl.Job.TenantID == tenant {
				scoped = append(scoped, dl)
			}
		}
		letters = scoped
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"dead_letters": letters})
	}

	rows := make([]table.Row, 0, len(letters))
	for _, dl := range letters {
		rows = append(rows, table.Row{
			dl.Job.ID, dl.Job.TenantID, dl.Reason,
			dl.DeadAt.Format("2006-01-02 15:04:05"),
		})
	}
	renderTable(table.Row{"JOB", "TENANT", "REASON", "DEAD AT"}, rows)
	return nil
}

func cmdDLQRequeue() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "requeue <job-id> [flags]",
			Short: "Requeue a dead-lettered job with fresh attempts",
			Args:  cobra.ExactArgs(1),
		}, []commandLineFlag{
			{name: "tenant", usage: "tenant the job must belong to"},
		}, runDLQRequeue,
	)
}

// runDLQRequeue re-enqueues the dead letter as a new job. The new job
// keeps the run id, so a run that actually completed between the
// dead-lettering and the requeue is still skipped by the idempotency
// check.
func runDLQRequeue(ctx *Context, args []string) error {
	tenant, _ := ctx.StringParam("tenant")

	q, err := ctx.OpenQueue()
	if err != nil {
		return err
	}
	letters, err := q.ListDLQ(ctx, 0)
	if err != nil {
		return err
	}

	var dead *queue.DeadLetter
	for i := range letters {
		if letters[i].Job.ID == args[0] {
			dead = &letters[i]
			break
		}
	}
	if dead == nil || (tenant != "" && dead.Job.TenantID != tenant) {
		return core.NewErrorf(core.CodeNotFound, "dead letter %s not found", args[0])
	}

	job := queue.Job{
		ID:         uuid.New().String(),
		DAGPath:    dead.Job.DAGPath,
		DAGInline:  dead.Job.DAGInline,
		TenantID:   dead.Job.TenantID,
		ScheduleID: dead.Job.ScheduleID,
		RunID:      dead.Job.RunID,
		Priority:   dead.Job.Priority,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return err
	}

	logger.Info(ctx, "dead letter requeued",
		tag.JobID(dead.Job.ID), tag.String("new_job_id", job.ID), tag.Tenant(job.TenantID))
	return printJSON(map[string]string{"job_id": job.ID, "run_id": job.RunID})
}
