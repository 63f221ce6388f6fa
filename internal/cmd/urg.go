package cmd

import (
	"encoding/json"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/blobstore"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/urg"
)

func CmdURG() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urg",
		Short: "Query and maintain the resource graph index",
	}
	cmd.AddCommand(cmdURGSearch(), cmdURGGet(), cmdURGRebuild(), cmdURGStats(), cmdURGExport())
	return cmd
}

func cmdURGExport() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "export [flags]",
			Short: "Export a tenant's resources to a storage destination",
			Long: `Export a tenant's resources as one JSON object to local or object
storage. The destination is a URI: a filesystem path, s3://bucket/prefix
or gs://bucket/prefix.

Example:
	tandem urg export --tenant acme --dest s3://tandem-backups/urg
`,
		}, []commandLineFlag{
			tenantFlag,
			{name: "dest", usage: "destination root URI", required: true},
		}, runURGExport,
	)
}

func runURGExport(ctx *Context, _ []string) error {
	tenant, _ := ctx.StringParam("tenant")
	dest, _ := ctx.StringParam("dest")

	index, err := ctx.Index()
	if err != nil {
		return err
	}
	resources, err := index.Search(ctx, "*", urg.Filter{Tenant: tenant})
	if err != nil {
		return err
	}

	blob, err := blobstore.Open(ctx, dest)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{
		"tenant":      tenant,
		"exported_at": time.Now().UTC(),
		"resources":   resources,
	})
	if err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to encode export")
	}
	uri, err := blob.Write(ctx, "urg/"+tenant+".json", data)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"uri": uri, "count": len(resources)})
}

func cmdURGSearch() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "search <query> [flags]",
			Short: "Search resources in a tenant",
			Args:  cobra.MaximumNArgs(1),
		}, []commandLineFlag{
			tenantFlag,
			{name: "type", usage: "filter by resource type"},
			{name: "source", usage: "filter by source system"},
			jsonFlag,
		}, runURGSearch,
	)
}

func runURGSearch(ctx *Context, args []string) error {
	tenant, _ := ctx.StringParam("tenant")
	resourceType, _ := ctx.StringParam("type")
	source, _ := ctx.StringParam("source")

	query := "*"
	if len(args) > 0 && args[0] != "" {
		query = args[0]
	}

	index, err := ctx.Index()
	if err != nil {
		return err
	}
	hits, err := index.Search(ctx, query, urg.Filter{
		Tenant: tenant,
		Type:   resourceType,
		Source: source,
	})
	if err != nil {
		return err
	}

	if asJSON, _ := ctx.BoolParam("json"); asJSON {
		return printJSON(map[string]any{"resources": hits, "count": len(hits)})
	}

	rows := make([]table.Row, 0, len(hits))
	for _, hit := range hits {
		rows = append(rows, table.Row{hit.GraphID, hit.Type, hit.Source, hit.Title})
	}
	renderTable(table.Row{"GRAPH ID", "TYPE", "SOURCE", "TITLE"}, rows)
	return nil
}

func cmdURGGet() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "get <graph-id> [flags]",
			Short: "Fetch one resource by graph id",
			Args:  cobra.ExactArgs(1),
		}, []commandLineFlag{tenantFlag}, runURGGet,
	)
}

func runURGGet(ctx *Context, args []string) error {
	tenant, _ := ctx.StringParam("tenant")
	index, err := ctx.Index()
	if err != nil {
		return err
	}
	res, err := index.Get(ctx, args[0], tenant)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdURGRebuild() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "rebuild [flags]",
			Short: "Rebuild the inverted index from the shard files",
		}, []commandLineFlag{
			{name: "tenant", usage: "rebuild a single tenant (default all)"},
		}, runURGRebuild,
	)
}

func runURGRebuild(ctx *Context, _ []string) error {
	tenant, _ := ctx.StringParam("tenant")
	index, err := ctx.Index()
	if err != nil {
		return err
	}
	if err := index.RebuildIndex(ctx, tenant); err != nil {
		return err
	}
	return printJSON(index.Stats())
}

func cmdURGStats() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show index size by type, source and tenant",
		}, nil, func(ctx *Context, _ []string) error {
			index, err := ctx.Index()
			if err != nil {
				return err
			}
			return printJSON(index.Stats())
		},
	)
}
