package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/api"
	"github.com/tandem-run/tandem/internal/idempotency"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/monitor"
	"github.com/tandem-run/tandem/internal/ratelimit"
	"github.com/tandem-run/tandem/internal/router"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/schedule"
	"github.com/tandem-run/tandem/internal/telemetry"
	"github.com/tandem-run/tandem/internal/worker"
)

func CmdUp() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "up [flags]",
			Short: "Run the server, worker pool and scheduler in one process",
			Long: `Run everything in one process: the ops API, a worker pool over the
configured queue, the schedule service and the host monitor. The single
process shares one set of stores, so the memory queue backend works
here without Redis.`,
		}, nil, runUp,
	)
}

func runUp(ctx *Context, _ []string) error {
	cfg := ctx.Config

	q, err := ctx.OpenQueue()
	if err != nil {
		return err
	}
	cps, err := ctx.Checkpoints()
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
	dags, err := ctx.DAGs()
	if err != nil {
		return err
	}
	conns, err := ctx.Connectors()
	if err != nil {
		return err
	}
	tracker, err := idempotency.NewFile(filepath.Join(cfg.Paths.DataDir, "idempotency.jsonl"))
	if err != nil {
		return err
	}

	metrics := telemetry.Nop()
	var registry *prometheus.Registry
	if cfg.Telemetry.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewPrometheus(registry)
	}

	handlerReg := runner.NewRegistry()
	registerBuiltins(handlerReg, conns, index)
	run := runner.New(handlerReg, cps, events, runner.WithMetrics(metrics))

	latency := worker.NewLatencyRecorder(256)
	pool := worker.NewPool(worker.Deps{
		Queue:  q,
		Runner: run,
		DAGs:   dags,
		Limiter: ratelimit.New(ratelimit.Config{
			GlobalCapacity:     cfg.RateLimit.GlobalCapacity,
			GlobalRefillPerSec: cfg.RateLimit.GlobalRefillPerSec,
			TenantCapacity:     cfg.RateLimit.TenantCapacity,
			TenantRefillPerSec: cfg.RateLimit.TenantRefillPerSec,
			RetryDelay:         cfg.RateLimit.RetryDelay,
		}),
		Tracker: tracker,
		Audit:   auditSvc,
		Events:  events,
		Metrics: metrics,
		Latency: latency,
		Config:  cfg.Queue,
	})
	if registry != nil {
		registry.MustRegister(telemetry.NewPoolCollector(func() telemetry.PoolStats {
			pending, _, _ := q.Depth(ctx)
			dead, _ := q.ListDLQ(ctx, 1000)
			return telemetry.PoolStats{
				Workers:    pool.Size(),
				InFlight:   pool.InFlight(),
				QueueDepth: pending,
				DLQDepth:   len(dead),
			}
		}))
	}

	approver, err := router.ParseRole(cfg.Approval.ApproverRole)
	if err != nil {
		return err
	}
	mon := monitor.New(cfg.Monitoring, cfg.Paths.DataDir)
	srv, err := api.New(cfg.Server.Host, cfg.Server.Port, api.Deps{
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

	initial := cfg.Scaling.MinWorkers
	if initial <= 0 {
		initial = 1
	}
	if err := pool.Start(ctx, initial); err != nil {
		return err
	}
	go worker.NewAutoscaler(pool, q, latency, cfg.Scaling).Run(runCtx)

	entries, err := schedule.Load(cfg.Paths.Schedules)
	if err != nil {
		return err
	}
	var sched *schedule.Service
	if len(entries) > 0 {
		sched, err = schedule.New(q, entries)
		if err != nil {
			return err
		}
		if err := sched.Start(runCtx); err != nil {
			return err
		}
	}

	go mon.Run(runCtx)
	go sweepExpired(runCtx, cps, events, cfg.Approval.Expiry)

	logger.Info(runCtx, "tandem up",
		tag.Host(cfg.Server.Host), tag.Port(cfg.Server.Port),
		tag.Workers(initial), tag.Backend(string(cfg.Queue.Backend)))

	err = srv.Start(runCtx, cfg.Scaling.ShutdownTimeout)
	if sched != nil {
		sched.Stop()
	}
	if shutdownErr := pool.Shutdown(ctx, cfg.Scaling.ShutdownTimeout); err == nil {
		err = shutdownErr
	}
	return err
}
