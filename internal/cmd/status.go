package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag"
	"github.com/tandem-run/tandem/internal/runner"
)

func CmdStatus() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status <run-id> [flags]",
			Short: "Show the event history of one run",
			Args:  cobra.ExactArgs(1),
		}, statusFlags, runStatus,
	)
}

var statusFlags = []commandLineFlag{jsonFlag}

func runStatus(ctx *Context, args []string) error {
	events, err := ctx.Events()
	if err != nil {
		return err
	}
	history, err := events.ForRun(args[0])
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return core.NewErrorf(core.CodeNotFound, "run %s not found", args[0])
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"run_id": args[0], "events": history})
	}

	rows := make([]table.Row, 0, len(history))
	for _, ev := range history {
		detail := ev.TaskID
		if ev.CheckpointID != "" {
			detail = ev.CheckpointID
		}
		if ev.Error != "" {
			detail = ev.Error
		}
		rows = append(rows, table.Row{
			ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Event, detail,
		})
	}
	renderTable(table.Row{"TIME", "EVENT", "DETAIL"}, rows)
	return nil
}

func CmdRuns() *cobra.Command {
	// "runs" and "runs list" are the same thing; the subcommand exists for
	// symmetry with the other noun commands.
	cmd := NewCommand(
		&cobra.Command{
			Use:   "runs [flags]",
			Short: "List recent runs",
		}, runsFlags, runRuns,
	)
	cmd.AddCommand(NewCommand(
		&cobra.Command{
			Use:   "list [flags]",
			Short: "List recent runs",
		}, runsFlags, runRuns,
	))
	cmd.AddCommand(cmdRunsResume())
	return cmd
}

func cmdRunsResume() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "resume <run-id> [flags]",
			Short: "Resume a run paused at an approved checkpoint",
			Long: `Resume a run that paused at a checkpoint, once the checkpoint has been
approved. Execution continues from the task after the checkpoint; tasks
completed before the pause are not re-run.`,
			Args: cobra.ExactArgs(1),
		}, []commandLineFlag{
			tenantFlag,
			{name: "file", shorthand: "f", usage: "dag file, when the run carries no recorded path"},
			jsonFlag,
		}, runRunsResume,
	)
}

func runRunsResume(ctx *Context, args []string) error {
	runID := args[0]
	tenant, _ := ctx.StringParam("tenant")
	file, _ := ctx.StringParam("file")

	cps, err := ctx.Checkpoints()
	if err != nil {
		return err
	}
	tok, err := cps.ResumeTokenFor(ctx, runID)
	if err != nil {
		return core.NewErrorf(core.CodeNotFound, "no paused run %s", runID)
	}
	// Cross-tenant runs read as absent.
	if tok.Tenant != tenant {
		return core.NewErrorf(core.CodeNotFound, "no paused run %s", runID)
	}

	dagPath := file
	if dagPath == "" {
		dagPath = tok.DAGPath
	}
	if dagPath == "" {
		return core.NewError(core.CodeValidation, "run has no recorded dag file").
			WithRemediation("pass the dag file with --file")
	}
	d, err := dag.Load(dagPath)
	if err != nil {
		return err
	}

	events, err := ctx.Events()
	if err != nil {
		return err
	}
	index, err := ctx.Index()
	if err != nil {
		return err
	}
	conns, err := ctx.Connectors()
	if err != nil {
		return err
	}
	reg := runner.NewRegistry()
	registerBuiltins(reg, conns, index)

	res, err := runner.New(reg, cps, events).Resume(ctx, runID, tenant, d)
	if err != nil {
		return err
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(res)
	}
	rows := []table.Row{{res.DagRunID, string(res.Status), res.CheckpointID, res.TasksSucceeded}}
	renderTable(table.Row{"RUN", "STATUS", "CHECKPOINT", "TASKS OK"}, rows)
	return nil
}

var runsFlags = []commandLineFlag{
	{name: "tenant", usage: "only runs of this tenant"},
	limitFlag,
	jsonFlag,
}

func runRuns(ctx *Context, _ []string) error {
	tenant, _ := ctx.StringParam("tenant")
	limit, _ := ctx.IntParam("limit")

	events, err := ctx.Events()
	if err != nil {
		return err
	}
	runs, err := events.Runs(tenant, limit)
	if err != nil {
		return err
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"runs": runs})
	}

	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, table.Row{
			r.DagRunID, r.DAG, r.Tenant, r.LastEvent,
			r.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	renderTable(table.Row{"RUN", "DAG", "TENANT", "LAST EVENT", "UPDATED"}, rows)
	return nil
}
