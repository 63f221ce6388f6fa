package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/core"
)

func CmdConnectors() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Manage connectors to external systems",
	}
	cmd.AddCommand(
		cmdConnectorList(),
		cmdConnectorRegister(),
		cmdConnectorEnable(),
		cmdConnectorDisable(),
		cmdConnectorTest(),
	)
	return cmd
}

func cmdConnectorList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list [flags]",
			Short: "List registered connectors",
		}, []commandLineFlag{jsonFlag}, runConnectorList,
	)
}

func runConnectorList(ctx *Context, _ []string) error {
	reg, err := ctx.Connectors()
	if err != nil {
		return err
	}
	defs, err := reg.List(ctx)
	if err != nil {
		return err
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"connectors": defs})
	}

	rows := make([]table.Row, 0, len(defs))
	for _, def := range defs {
		state := "disabled"
		if def.Enabled {
			state = "enabled"
		}
		rows = append(rows, table.Row{def.Name, def.Kind, def.Source, state, def.BaseURL})
	}
	renderTable(table.Row{"NAME", "KIND", "SOURCE", "STATE", "BASE URL"}, rows)
	return nil
}

func cmdConnectorRegister() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "register <name> [flags]",
			Short: "Register a connector",
			Long: `Register a connector definition. Credentials are referenced, never
stored: --credential-ref takes env://VAR, file:///path or
vault://mount/path#field.

Example:
	tandem connectors register gmail-prod --kind http --source gmail \
		--base-url https://gmail-bridge.internal --credential-ref env://GMAIL_TOKEN
`,
			Args: cobra.ExactArgs(1),
		}, []commandLineFlag{
			{name: "kind", usage: "connector kind (memory, http)", required: true},
			{name: "source", usage: "source system label (defaults to the name)"},
			{name: "base-url", usage: "base URL for http connectors"},
			{name: "credential-ref", usage: "credential reference, resolved at connect time"},
			{name: "disabled", usage: "register without enabling", kind: flagBool},
		}, runConnectorRegister,
	)
}

func runConnectorRegister(ctx *Context, args []string) error {
	kind, _ := ctx.StringParam("kind")
	source, _ := ctx.StringParam("source")
	baseURL, _ := ctx.StringParam("base-url")
	credRef, _ := ctx.StringParam("credential-ref")
	disabled, _ := ctx.BoolParam("disabled")

	reg, err := ctx.Connectors()
	if err != nil {
		return err
	}
	def := connector.Definition{
		Name:          args[0],
		Kind:          kind,
		Source:        source,
		BaseURL:       baseURL,
		CredentialRef: credRef,
		Enabled:       !disabled,
	}
	if err := reg.Register(ctx, def); err != nil {
		return err
	}
	saved, err := reg.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(saved)
}

func cmdConnectorEnable() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "enable <name>",
			Short: "Enable a connector",
			Args:  cobra.ExactArgs(1),
		}, nil, func(ctx *Context, args []string) error {
			reg, err := ctx.Connectors()
			if err != nil {
				return err
			}
			return reg.Enable(ctx, args[0])
		},
	)
}

func cmdConnectorDisable() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "disable <name>",
			Short: "Disable a connector",
			Args:  cobra.ExactArgs(1),
		}, nil, func(ctx *Context, args []string) error {
			reg, err := ctx.Connectors()
			if err != nil {
				return err
			}
			return reg.Disable(ctx, args[0])
		},
	)
}

func cmdConnectorTest() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "test <name>",
			Short: "Probe a connector's connectivity",
			Args:  cobra.ExactArgs(1),
		}, []commandLineFlag{jsonFlag}, runConnectorTest,
	)
}

func runConnectorTest(ctx *Context, args []string) error {
	reg, err := ctx.Connectors()
	if err != nil {
		return err
	}
	res := reg.Test(ctx, args[0])

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(res)
	}
	if res.Status != connector.StatusSuccess {
		return core.NewErrorf(core.CodeRetryable, "connector %s: %s", args[0], res.Message)
	}
	renderTable(table.Row{"NAME", "STATUS"}, []table.Row{{args[0], string(res.Status)}})
	return nil
}
