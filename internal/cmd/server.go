package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/api"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/monitor"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/runner"
)

func CmdServer() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "server [flags]",
			Short: "Run the ops and approval API server",
			Long: `Run the HTTP server for checkpoint review, run submission, resource
search and queue inspection. Pending checkpoints past their expiry are
swept while the server runs.`,
		}, serverFlags, runServer,
	)
}

var serverFlags = []commandLineFlag{
	{name: "host", shorthand: "s", usage: "bind host (default from config)"},
	{name: "port", shorthand: "p", usage: "bind port (default from config)", kind: flagInt},
}

func runServer(ctx *Context, _ []string) error {
	cfg := ctx.Config

	host := cfg.Server.Host
	if h, _ := ctx.StringParam("host"); h != "" {
		host = h
	}
	port := cfg.Server.Port
	if p, _ := ctx.IntParam("port"); p > 0 {
		port = p
	}

	cps, err := ctx.Checkpoints()
	if err != nil {
		return err
	}
	q, err := ctx.OpenQueue()
	if err != nil {
		return err
	}
	index, err := ctx.Index()
	if err != nil {
		return err
	}
	auditSvc, _, err := ctx.AuditService()
	if err != nil {
		return err
	}
	events, err := ctx.Events()
	if err != nil {
		return err
	}

	var registry *prometheus.Registry
	if cfg.Telemetry.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
	}

	approver, err := router.ParseRole(cfg.Approval.ApproverRole)
	if err != nil {
		return err
	}

	mon := monitor.New(cfg.Monitoring, cfg.Paths.DataDir)
	srv, err := api.New(host, port, api.Deps{
		Checkpoints:  cps,
		Queue:        q,
		Index:        index,
		Events:       events,
		Audit:        auditSvc,
		Monitor:      mon,
		Registry:     registry,
		AuthSecret:   cfg.Server.AuthSecret,
		ApproverRole: approver,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go mon.Run(runCtx)
	go sweepExpired(runCtx, cps, events, cfg.Approval.Expiry)

	return srv.Start(runCtx, cfg.Scaling.ShutdownTimeout)
}

// sweepExpired expires overdue pending checkpoints on a fixed cadence and
// records each expiry in the event log.
func sweepExpired(ctx context.Context, cps checkpoint.Store, events *runner.EventLog, expiry time.Duration) {
	interval := expiry / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := cps.ExpirePending(ctx, now)
			if err != nil {
				logger.Error(ctx, "checkpoint sweep failed", tag.Error(err))
				continue
			}
			for _, cp := range expired {
				logger.Info(ctx, "checkpoint expired",
					tag.CheckpointID(cp.ID), tag.RunID(cp.DagRunID), tag.Tenant(cp.Tenant))
				events.Append(ctx, runner.Event{
					Event:        runner.EventCheckpointExpired,
					DagRunID:     cp.DagRunID,
					Tenant:       cp.Tenant,
					CheckpointID: cp.ID,
				})
			}
		}
	}
}
