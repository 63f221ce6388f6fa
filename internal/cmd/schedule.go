package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/queue/memqueue"
	"github.com/tandem-run/tandem/internal/schedule"
)

func CmdSchedule() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect the cron schedule",
	}
	cmd.AddCommand(cmdScheduleList())
	return cmd
}

func cmdScheduleList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list [flags]",
			Short: "List schedule entries with their next fire times",
		}, []commandLineFlag{jsonFlag}, runScheduleList,
	)
}

func runScheduleList(ctx *Context, _ []string) error {
	entries, err := schedule.Load(ctx.Config.Paths.Schedules)
	if err != nil {
		return err
	}
	// Listing never fires jobs, so a throwaway queue is fine here.
	svc, err := schedule.New(memqueue.New(), entries)
	if err != nil {
		return err
	}
	next := svc.NextRuns()

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"schedules": next})
	}

	rows := make([]table.Row, 0, len(next))
	for _, n := range next {
		when := "-"
		if !n.Next.IsZero() {
			when = n.Next.Format("2006-01-02 15:04:05")
		}
		state := "enabled"
		if !n.Entry.Enabled {
			state = "disabled"
		}
		rows = append(rows, table.Row{n.Entry.ID, n.Entry.Cron, n.Entry.Tenant, state, when})
	}
	renderTable(table.Row{"SCHEDULE", "CRON", "TENANT", "STATE", "NEXT RUN"}, rows)
	return nil
}
