package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type flagKind int

const (
	flagString flagKind = iota
	flagInt
	flagBool
	flagStringArray
)

type commandLineFlag struct {
	name, shorthand, usage string
	defaultValue           string
	defaultInt             int
	defaultBool            bool
	kind                   flagKind
	required               bool
}

// Flags shared across commands. Per-command flags live next to their
// command.
var (
	tenantFlag = commandLineFlag{
		name:     "tenant",
		usage:    "tenant the operation is scoped to",
		required: true,
	}
	userFlag = commandLineFlag{
		name:      "user",
		shorthand: "u",
		usage:     "acting user recorded in the audit trail",
		required:  true,
	}
	roleFlag = commandLineFlag{
		name:         "role",
		usage:        "role of the acting user (viewer, operator, admin)",
		defaultValue: "admin",
	}
	jsonFlag = commandLineFlag{
		name:  "json",
		usage: "print the raw JSON instead of a table",
		kind:  flagBool,
	}
	limitFlag = commandLineFlag{
		name:       "limit",
		usage:      "maximum number of rows",
		kind:       flagInt,
		defaultInt: 50,
	}
)

func initFlags(cmd *cobra.Command, flags []commandLineFlag) {
	for _, flag := range flags {
		switch flag.kind {
		case flagInt:
			cmd.Flags().IntP(flag.name, flag.shorthand, flag.defaultInt, flag.usage)
		case flagBool:
			cmd.Flags().BoolP(flag.name, flag.shorthand, flag.defaultBool, flag.usage)
		case flagStringArray:
			cmd.Flags().StringArrayP(flag.name, flag.shorthand, nil, flag.usage)
		default:
			cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

// NewCommand wires flag registration and Context construction around the
// run function. Commands stay declarative; all setup lives here.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, run func(*Context, []string) error) *cobra.Command {
	initFlags(cmd, flags)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.RunE = func(c *cobra.Command, args []string) error {
		ctx, err := NewContext(c)
		if err != nil {
			return err
		}
		return run(ctx, args)
	}
	return cmd
}
