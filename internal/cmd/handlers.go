package cmd

import (
	"context"
	"time"

	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/urg"
)

// registerBuiltins installs the workflow handlers every worker ships
// with. Deployments register their own handlers next to these.
func registerBuiltins(reg *runner.Registry, conns *connector.Registry, index *urg.Index) {
	reg.Register("core.noop", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	reg.Register("core.log", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		msg, _ := params["message"].(string)
		logger.Info(ctx, "workflow log", tag.String("message", msg))
		return nil, nil
	})

	reg.Register("core.sleep", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		ms, ok := params["duration_ms"].(float64)
		if !ok || ms < 0 {
			return nil, core.NewError(core.CodeValidation, "core.sleep needs a duration_ms param")
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, core.WrapError(core.CodeRetryable, ctx.Err(), "sleep interrupted")
		}
	})

	if conns != nil && index != nil {
		reg.Register("connector.ingest", ingestHandler(conns, index))
	}
}

// ingestHandler pulls resources from a named connector and upserts them
// into the graph index. Params: connector, type, tenant, and optional
// filters passed through to the connector.
func ingestHandler(conns *connector.Registry, index *urg.Index) runner.Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		name, _ := params["connector"].(string)
		resourceType, _ := params["type"].(string)
		tenant, _ := params["tenant"].(string)
		if name == "" || resourceType == "" || tenant == "" {
			return nil, core.NewError(core.CodeValidation,
				"connector.ingest needs connector, type and tenant params")
		}
		filters, _ := params["filters"].(map[string]any)

		def, err := conns.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		conn, err := conns.Build(ctx, name)
		if err != nil {
			return nil, err
		}
		if res := conn.Connect(ctx); res.Status != connector.StatusSuccess {
			return nil, core.NewErrorf(core.CodeRetryable, "connector %s: %s", name, res.Message)
		}
		defer conn.Disconnect(ctx)

		res := conn.ListResources(ctx, resourceType, filters)
		switch res.Status {
		case connector.StatusSuccess:
		case connector.StatusDenied:
			return nil, core.NewErrorf(core.CodeUnauthorized, "connector %s: %s", name, res.Message)
		default:
			return nil, core.NewErrorf(core.CodeRetryable, "connector %s: %s", name, res.Message)
		}

		ingested := 0
		for _, raw := range rawRecords(res.Data) {
			normalized, err := connector.Normalize(raw, def.Source, resourceType)
			if err != nil {
				logger.Warn(ctx, "skipping record", tag.Source(def.Source), tag.Error(err))
				continue
			}
			if _, err := index.Upsert(ctx, normalized, def.Source, tenant); err != nil {
				return nil, err
			}
			ingested++
		}
		logger.Info(ctx, "connector ingest done",
			tag.Source(def.Source), tag.String("type", resourceType), tag.Count(ingested))
		return map[string]any{"ingested": ingested}, nil
	}
}

// rawRecords coerces a connector list payload into record maps. Adapters
// return either []map[string]any directly or []any of maps after JSON
// decoding.
func rawRecords(data any) []map[string]any {
	switch v := data.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	default:
		return nil
	}
}
