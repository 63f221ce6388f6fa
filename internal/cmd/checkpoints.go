package cmd

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/router"
)

func CmdCheckpoints() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Review and decide pending approval checkpoints",
	}
	cmd.AddCommand(
		cmdCheckpointList(),
		cmdCheckpointApprove(),
		cmdCheckpointReject(),
		cmdCheckpointSign(),
	)
	return cmd
}

func cmdCheckpointList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list [flags]",
			Short: "List checkpoints for a tenant",
		}, []commandLineFlag{
			tenantFlag,
			{name: "status", usage: "filter by status (pending, approved, rejected, expired)"},
			limitFlag,
			jsonFlag,
		}, runCheckpointList,
	)
}

func runCheckpointList(ctx *Context, _ []string) error {
	tenant, _ := ctx.StringParam("tenant")
	status, _ := ctx.StringParam("status")
	limit, _ := ctx.IntParam("limit")

	cps, err := ctx.Checkpoints()
	if err != nil {
		return err
	}
	list, err := cps.List(ctx, checkpoint.ListFilter{
		Tenant: tenant,
		Status: checkpoint.Status(status),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"checkpoints": list})
	}

	rows := make([]table.Row, 0, len(list))
	for _, cp := range list {
		rows = append(rows, table.Row{
			cp.ID, cp.DagRunID, cp.TaskID, string(cp.Status),
			cp.ExpiresAt.Format("2006-01-02 15:04:05"),
		})
	}
	renderTable(table.Row{"CHECKPOINT", "RUN", "TASK", "STATUS", "EXPIRES"}, rows)
	return nil
}

var decisionFlags = []commandLineFlag{
	tenantFlag,
	userFlag,
	roleFlag,
	{name: "data", usage: "approval data as key=value, repeatable", kind: flagStringArray},
	jsonFlag,
}

func cmdCheckpointApprove() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "approve <checkpoint-id> [flags]",
			Short: "Approve a pending checkpoint",
			Args:  cobra.ExactArgs(1),
		}, decisionFlags, runCheckpointApprove,
	)
}

func runCheckpointApprove(ctx *Context, args []string) error {
	return decideCheckpoint(ctx, args[0], "checkpoint.approve",
		func(d *decision) (*checkpoint.Checkpoint, error) {
			return d.store.Approve(ctx, d.cp.ID, d.user, d.data)
		})
}

func cmdCheckpointReject() *cobra.Command {
	flags := append([]commandLineFlag{
		{name: "reason", usage: "rejection reason", required: true},
	}, decisionFlags...)
	return NewCommand(
		&cobra.Command{
			Use:   "reject <checkpoint-id> [flags]",
			Short: "Reject a pending checkpoint",
			Args:  cobra.ExactArgs(1),
		}, flags, runCheckpointReject,
	)
}

func runCheckpointReject(ctx *Context, args []string) error {
	reason, _ := ctx.StringParam("reason")
	return decideCheckpoint(ctx, args[0], "checkpoint.reject",
		func(d *decision) (*checkpoint.Checkpoint, error) {
			return d.store.Reject(ctx, d.cp.ID, d.user, reason)
		})
}

func cmdCheckpointSign() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "sign <checkpoint-id> [flags]",
			Short: "Add one signature to a multi-signer checkpoint",
			Args:  cobra.ExactArgs(1),
		}, decisionFlags, runCheckpointSign,
	)
}

func runCheckpointSign(ctx *Context, args []string) error {
	return decideCheckpoint(ctx, args[0], "checkpoint.sign",
		func(d *decision) (*checkpoint.Checkpoint, error) {
			return d.store.AddSignature(ctx, d.cp.ID, d.user, d.data)
		})
}

type decision struct {
	store checkpoint.Store
	cp    *checkpoint.Checkpoint
	user  string
	data  map[string]any
}

// decideCheckpoint runs the shared gate order for approval mutations:
// tenant scope, then role, then the mutation. Denials and successes both
// land in the audit trail.
func decideCheckpoint(ctx *Context, cpID, action string, mutate func(*decision) (*checkpoint.Checkpoint, error)) error {
	tenant, _ := ctx.StringParam("tenant")
	user, _ := ctx.StringParam("user")
	roleStr, _ := ctx.StringParam("role")
	dataKVs, _ := ctx.Command.Flags().GetStringArray("data")

	role, err := router.ParseRole(roleStr)
	if err != nil {
		return err
	}
	data, err := parseData(dataKVs)
	if err != nil {
		return err
	}

	store, err := ctx.Checkpoints()
	if err != nil {
		return err
	}
	auditSvc, _, err := ctx.AuditService()
	if err != nil {
		return err
	}

	cp, err := store.Get(ctx, cpID)
	if err != nil {
		return err
	}
	// Cross-tenant ids read as absent; denial must not leak existence.
	if cp.Tenant != tenant {
		return core.NewErrorf(core.CodeNotFound, "checkpoint %s not found", cpID)
	}

	min, err := router.ParseRole(ctx.Config.Approval.ApproverRole)
	if err != nil {
		return err
	}
	if cp.RequiredRole != "" {
		if required, err := router.ParseRole(cp.RequiredRole); err == nil && required > min {
			min = required
		}
	}
	if !role.AtLeast(min) {
		auditSvc.Log(ctx, audit.NewEntry(tenant, user, action, audit.ResultDenied).
			WithResource("checkpoint", cp.ID).
			WithReason("requires role "+min.String()))
		return core.NewErrorf(core.CodeUnauthorized, "%s requires role %s", action, min)
	}

	updated, err := mutate(&decision{store: store, cp: cp, user: user, data: data})
	if err != nil {
		return err
	}
	auditSvc.Log(ctx, audit.NewEntry(tenant, user, action, audit.ResultSuccess).
		WithResource("checkpoint", cp.ID))

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(updated)
	}
	renderTable(table.Row{"CHECKPOINT", "STATUS", "DECIDED BY"}, []table.Row{
		{updated.ID, string(updated.Status), decidedBy(updated)},
	})
	return nil
}

func decidedBy(cp *checkpoint.Checkpoint) string {
	switch {
	case cp.ApprovedBy != "":
		return cp.ApprovedBy
	case cp.RejectedBy != "":
		return cp.RejectedBy
	case len(cp.Approvals) > 0:
		signers := make([]string, 0, len(cp.Approvals))
		for _, a := range cp.Approvals {
			signers = append(signers, a.User)
		}
		return strings.Join(signers, ", ")
	default:
		return ""
	}
}

// parseData turns repeated key=value flags into a map.
func parseData(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, core.NewErrorf(core.CodeValidation, "bad data %q, want key=value", kv)
		}
		data[k] = v
	}
	return data, nil
}
