package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/nlp"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/urg"
)

func CmdNL() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nl",
		Short: "Plan and execute natural language requests",
	}
	cmd.AddCommand(cmdNLRun(), cmdNLResume())
	return cmd
}

var nlFlags = []commandLineFlag{
	tenantFlag,
	userFlag,
	{name: "role", usage: "role of the acting user (viewer, operator, admin)", defaultValue: "operator"},
	{name: "execute", usage: "execute the plan instead of previewing it", kind: flagBool},
}

func cmdNLRun() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run <instruction> [flags]",
			Short: "Turn an instruction into a plan, preview or execute it",
			Long: `Parse an instruction, bind it against the tenant's resources and print
the resulting plan. With --execute the plan runs through the action
router; high-risk plans pause at an approval checkpoint instead of
running.

Example:
	tandem nl run "reply to Bob's email about the budget" --tenant acme --user dana
`,
			Args: cobra.MinimumNArgs(1),
		}, nlFlags, runNL,
	)
}

func runNL(ctx *Context, args []string) error {
	user, err := nlUser(ctx)
	if err != nil {
		return err
	}
	execute, _ := ctx.BoolParam("execute")

	intent, err := nlp.Parse(strings.Join(args, " "))
	if err != nil {
		return err
	}

	index, err := ctx.Index()
	if err != nil {
		return err
	}
	plan, err := nlp.NewPlanner(index).Plan(ctx, intent, user)
	if err != nil {
		return err
	}

	exec, err := nlExecutor(ctx, index)
	if err != nil {
		return err
	}
	res, err := exec.Execute(ctx, plan, user, nlp.ExecOptions{DryRun: !execute})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdNLResume() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "resume <checkpoint-id> [flags]",
			Short: "Resume an approved plan from its checkpoint",
			Args:  cobra.ExactArgs(1),
		}, []commandLineFlag{
			tenantFlag,
			userFlag,
			{name: "role", usage: "role of the acting user (viewer, operator, admin)", defaultValue: "operator"},
		}, runNLResume,
	)
}

func runNLResume(ctx *Context, args []string) error {
	user, err := nlUser(ctx)
	if err != nil {
		return err
	}
	index, err := ctx.Index()
	if err != nil {
		return err
	}
	exec, err := nlExecutor(ctx, index)
	if err != nil {
		return err
	}
	res, err := exec.ResumePlan(ctx, args[0], user)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func nlUser(ctx *Context) (router.User, error) {
	tenant, _ := ctx.StringParam("tenant")
	userID, _ := ctx.StringParam("user")
	roleStr, _ := ctx.StringParam("role")
	role, err := router.ParseRole(roleStr)
	if err != nil {
		return router.User{}, err
	}
	return router.User{ID: userID, Tenant: tenant, Role: role}, nil
}

func nlExecutor(ctx *Context, index *urg.Index) (*nlp.Executor, error) {
	auditSvc, _, err := ctx.AuditService()
	if err != nil {
		return nil, err
	}
	cps, err := ctx.Checkpoints()
	if err != nil {
		return nil, err
	}
	conns, err := ctx.Connectors()
	if err != nil {
		return nil, err
	}
	r := connectorRouter(index, auditSvc, conns)
	return nlp.NewExecutor(r, cps, index, auditSvc, ctx.Config.Approval.NLApproverRole), nil
}

// nlResourceTypes and nlVerbs span the actions the planner can emit.
var nlResourceTypes = []string{"email", "message", "document", "event"}

var nlVerbs = []string{
	"reply", "forward", "delete", "update", "create", "email", "message", "schedule",
}

// connectorRouter builds the action router whose handlers drive the
// connector for the resource's source system. Approval gating is the
// executor's job; the routes themselves open at operator.
func connectorRouter(index *urg.Index, auditSvc *audit.Service, conns *connector.Registry) *router.Router {
	r := router.New(index, auditSvc)
	for _, resourceType := range nlResourceTypes {
		for _, verb := range nlVerbs {
			r.Register(resourceType, verb, connectorHandler(conns, verb),
				router.WithMinRole(router.RoleOperator))
		}
	}
	return r
}

// connectorHandler maps one verb onto the connector CRUD surface for the
// target resource's source.
func connectorHandler(conns *connector.Registry, verb string) router.Handler {
	return func(ctx context.Context, res *urg.Resource, payload map[string]any, user router.User) (any, error) {
		conn, err := connectorForSource(ctx, conns, res.Source)
		if err != nil {
			return nil, err
		}
		if result := conn.Connect(ctx); result.Status != connector.StatusSuccess {
			return nil, core.NewErrorf(core.CodeRetryable, "connector for %s: %s", res.Source, result.Message)
		}
		defer conn.Disconnect(ctx)

		var result connector.Result
		switch verb {
		case "delete":
			result = conn.DeleteResource(ctx, res.Type, res.ID)
		case "update":
			result = conn.UpdateResource(ctx, res.Type, res.ID, payload)
		default:
			// reply, forward, create and the send verbs all materialise a
			// new resource in the source system.
			out := map[string]any{"in_reply_to": res.ID}
			if res.ThreadID != "" {
				out["thread_id"] = res.ThreadID
			}
			for k, v := range payload {
				out[k] = v
			}
			result = conn.CreateResource(ctx, res.Type, out)
		}

		switch result.Status {
		case connector.StatusSuccess:
			return result.Data, nil
		case connector.StatusDenied:
			return nil, core.NewErrorf(core.CodeUnauthorized, "%s denied by %s: %s", verb, res.Source, result.Message)
		default:
			return nil, core.NewErrorf(core.CodeRetryable, "%s failed against %s: %s", verb, res.Source, result.Message)
		}
	}
}

// connectorForSource finds the enabled connector whose source label
// matches and builds it.
func connectorForSource(ctx context.Context, conns *connector.Registry, source string) (connector.Connector, error) {
	defs, err := conns.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Source == source && def.Enabled {
			return conns.Build(ctx, def.Name)
		}
	}
	return nil, core.NewErrorf(core.CodeNotFound, "no enabled connector for source %s", source).
		WithRemediation("register one with: tandem connectors register <name> --source " + source)
}
