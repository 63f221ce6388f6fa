package cmd

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/config"
	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/connector/httpconn"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag/dagstore"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/queue/memqueue"
	"github.com/tandem-run/tandem/internal/queue/redisqueue"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/secrets"
	"github.com/tandem-run/tandem/internal/urg"
)

// Context holds the loaded configuration and the logger context for one
// command invocation. Stores are opened on demand; most commands touch
// one or two of them.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool
}

// NewContext loads configuration, sets up the logger context and surfaces
// any warnings collected while loading.
func NewContext(cmd *cobra.Command) (*Context, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		quiet = false
	}
	cfgPath, _ := cmd.Flags().GetString("config")

	var loaderOpts []config.LoaderOption
	if cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, core.WrapError(core.CodeFatal, err, "failed to load config")
	}

	var opts []logger.Option
	if cfg.Core.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Core.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Core.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// StringParam returns the named string flag.
func (c *Context) StringParam(name string) (string, error) {
	v, err := c.Command.Flags().GetString(name)
	if err != nil {
		return "", core.NewErrorf(core.CodeValidation, "unknown flag %q", name)
	}
	return v, nil
}

// IntParam returns the named int flag.
func (c *Context) IntParam(name string) (int, error) {
	v, err := c.Command.Flags().GetInt(name)
	if err != nil {
		return 0, core.NewErrorf(core.CodeValidation, "unknown flag %q", name)
	}
	return v, nil
}

// BoolParam returns the named bool flag.
func (c *Context) BoolParam(name string) (bool, error) {
	v, err := c.Command.Flags().GetBool(name)
	if err != nil {
		return false, core.NewErrorf(core.CodeValidation, "unknown flag %q", name)
	}
	return v, nil
}

// OpenQueue opens the configured queue backend. The memory backend is
// process-local; jobs enqueued with it are only visible to a worker pool
// in the same process.
func (c *Context) OpenQueue() (queue.Queue, error) {
	switch c.Config.Queue.Backend {
	case config.QueueBackendRedis:
		opts, err := redis.ParseURL(c.Config.Queue.RedisURL)
		if err != nil {
			return nil, core.WrapError(core.CodeValidation, err, "bad queue.redis_url").
				WithRemediation("set REDIS_URL to a redis:// URL")
		}
		return redisqueue.New(redis.NewClient(opts)), nil
	default:
		return memqueue.New(), nil
	}
}

// Checkpoints opens the checkpoint store.
func (c *Context) Checkpoints() (checkpoint.Store, error) {
	return checkpoint.NewFileStore(c.Config.Paths.Checkpoints, c.Config.Paths.StateStore,
		checkpoint.WithDefaultExpiry(c.Config.Approval.Expiry))
}

// Index opens the resource graph index.
func (c *Context) Index() (*urg.Index, error) {
	return urg.New(c.Config.Paths.URGStore)
}

// AuditService opens the audit store and wraps it in the async service.
func (c *Context) AuditService() (*audit.Service, audit.Store, error) {
	store, err := audit.NewFileStore(c.Config.Paths.AuditDir)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewService(store), store, nil
}

// Events opens the orchestration event log.
func (c *Context) Events() (*runner.EventLog, error) {
	return runner.NewEventLog(c.Config.Paths.OrchEvents)
}

// DAGs opens the workflow definition store.
func (c *Context) DAGs() (*dagstore.Store, error) {
	return dagstore.New(c.Config.Paths.DAGsDir)
}

// Connectors opens the connector registry with the http kind bound to the
// secret resolver.
func (c *Context) Connectors() (*connector.Registry, error) {
	reg, err := connector.NewRegistry(c.Config.Paths.Connectors)
	if err != nil {
		return nil, err
	}
	resolver := secrets.New()
	reg.RegisterKind("http", func(ctx context.Context, def *connector.Definition) (connector.Connector, error) {
		return httpconn.New(def.BaseURL, def.CredentialRef, resolver), nil
	})
	return reg, nil
}
