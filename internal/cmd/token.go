package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/api"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/router"
)

func CmdToken() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "token [flags]",
			Short: "Mint a bearer token for the ops API",
			Long: `Mint a signed bearer token for the ops API, using the configured auth
secret. Meant for local use and scripting; production deployments issue
tokens from their own identity provider.`,
		}, tokenFlags, runToken,
	)
}

var tokenFlags = []commandLineFlag{
	userFlag,
	tenantFlag,
	roleFlag,
	{name: "ttl", usage: "token lifetime, e.g. 1h or 30m", defaultValue: "1h"},
}

func runToken(ctx *Context, _ []string) error {
	user, _ := ctx.StringParam("user")
	tenant, _ := ctx.StringParam("tenant")
	roleStr, _ := ctx.StringParam("role")
	ttlStr, _ := ctx.StringParam("ttl")

	if ctx.Config.Server.AuthSecret == "" {
		return core.NewError(core.CodeValidation, "auth secret is required").
			WithRemediation("set AUTH_SECRET or server.auth_secret in the config file")
	}
	role, err := router.ParseRole(roleStr)
	if err != nil {
		return err
	}
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil || ttl <= 0 {
		return core.NewErrorf(core.CodeValidation, "bad ttl %q", ttlStr)
	}

	token, err := api.IssueToken(ctx.Config.Server.AuthSecret, user, tenant, role, ttl)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"token": token, "role": role.String(), "tenant": tenant})
}
