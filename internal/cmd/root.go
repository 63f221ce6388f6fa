// Package cmd implements the tandem command line interface. Each command
// is a constructor returning a cobra.Command; NewCommand wires flags and
// a Context around the run function.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/build"
)

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           build.Slug,
		Short:         "Workflow orchestration with human checkpoints",
		Long:          "Tandem runs DAG workflows over a persistent queue, pausing at human approval checkpoints and indexing resources across connected tools.",
		Version:       build.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file path")
	root.PersistentFlags().BoolP("quiet", "q", false, "suppress log output")

	root.AddCommand(
		CmdVersion(),
		CmdServer(),
		CmdWorker(),
		CmdUp(),
		CmdEnqueue(),
		CmdStatus(),
		CmdRuns(),
		CmdCheckpoints(),
		CmdConnectors(),
		CmdURG(),
		CmdDLQ(),
		CmdSchedule(),
		CmdNL(),
		CmdToken(),
	)
	return root
}

// Execute runs the CLI. The caller maps the returned error to an exit
// code.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
