package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-run/tandem/internal/idempotency"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/otel"
	"github.com/tandem-run/tandem/internal/ratelimit"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/schedule"
	"github.com/tandem-run/tandem/internal/worker"
)

func CmdWorker() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "worker [flags]",
			Short: "Run a worker pool consuming the job queue",
			Long: `Run a worker pool that leases jobs from the queue and executes their
workflows. The pool autoscales between the configured bounds; SIGINT or
SIGTERM drains in-flight jobs before exiting.`,
		}, workerFlags, runWorker,
	)
}

var workerFlags = []commandLineFlag{
	{name: "workers", usage: "initial pool size (default scaling.min_workers)", kind: flagInt},
	{name: "worker-id", usage: "worker identity in logs (default hostname)"},
	{name: "poll-ms", usage: "queue poll interval in milliseconds", kind: flagInt},
}

func runWorker(ctx *Context, _ []string) error {
	cfg := ctx.Config

	workerID, _ := ctx.StringParam("worker-id")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	if pollMs, _ := ctx.IntParam("poll-ms"); pollMs > 0 {
		cfg.Queue.Poll = time.Duration(pollMs) * time.Millisecond
	}

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

	registry := runner.NewRegistry()
	registerBuiltins(registry, conns, index)

	runnerOpts := []runner.Option{}
	var tracer *otel.Tracer
	if cfg.Telemetry.OTLPEndpoint != "" {
		tracer, err = otel.NewTracer(ctx, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			_ = tracer.Shutdown(context.Background())
		}()
		runnerOpts = append(runnerOpts, runner.WithTracer(tracer))
	}
	run := runner.New(registry, cps, events, runnerOpts...)

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
		Latency: latency,
		Config:  cfg.Queue,
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial, _ := ctx.IntParam("workers")
	if initial <= 0 {
		initial = cfg.Scaling.MinWorkers
	}
	if initial <= 0 {
		initial = 1
	}
	// The pool gets the base context so in-flight jobs drain on shutdown
	// instead of being cancelled mid-run.
	if err := pool.Start(ctx, initial); err != nil {
		return err
	}
	logger.Info(runCtx, "worker pool started",
		tag.WorkerID(workerID), tag.Workers(initial), tag.Backend(string(cfg.Queue.Backend)))

	scaler := worker.NewAutoscaler(pool, q, latency, cfg.Scaling)
	go scaler.Run(runCtx)

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
		logger.Info(runCtx, "schedule service started", tag.Count(len(entries)))
	}

	<-runCtx.Done()
	logger.Info(ctx, "shutting down", tag.WorkerID(workerID))
	if sched != nil {
		sched.Stop()
	}
	return pool.Shutdown(ctx, cfg.Scaling.ShutdownTimeout)
}
