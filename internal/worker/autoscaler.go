package worker

import (
	"context"
	"time"

	"github.com/tandem-run/tandem/internal/config"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/telemetry"
)

// Snapshot is the autoscaler's view of the system at one decision point.
type Snapshot struct {
	QueueDepth int
	InFlight   int
	Size       int
	P95        time.Duration
}

// Autoscaler resizes the pool from queue depth and latency signals. One
// instance runs per process; decisions apply a cooldown so the pool does
// not thrash between steps.
type Autoscaler struct {
	pool    *Pool
	queue   queue.Queue
	latency *LatencyRecorder
	cfg     config.ScalingConfig
	metrics telemetry.Metrics

	now        func() time.Time
	lastChange time.Time
}

// AutoscalerOption configures an Autoscaler.
type AutoscalerOption func(*Autoscaler)

// WithScalerClock injects a clock for cooldown tests.
func WithScalerClock(now func() time.Time) AutoscalerOption {
	return func(a *Autoscaler) {
		a.now = now
	}
}

// WithScalerMetrics attaches a telemetry backend.
func WithScalerMetrics(m telemetry.Metrics) AutoscalerOption {
	return func(a *Autoscaler) {
		a.metrics = m
	}
}

// NewAutoscaler creates an autoscaler over the pool.
func NewAutoscaler(pool *Pool, q queue.Queue, latency *LatencyRecorder, cfg config.ScalingConfig, opts ...AutoscalerOption) *Autoscaler {
	a := &Autoscaler{
		pool:    pool,
		queue:   q,
		latency: latency,
		cfg:     cfg,
		metrics: telemetry.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drives the decision loop until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick takes one decision and applies it.
func (a *Autoscaler) Tick(ctx context.Context) {
	depth, _, err := a.queue.Depth(ctx)
	if err != nil {
		logger.Warn(ctx, "autoscaler depth read failed", tag.Error(err))
		return
	}

	snap := Snapshot{
		QueueDepth: depth,
		InFlight:   a.pool.InFlight(),
		Size:       a.pool.Size(),
		P95:        a.latency.P95(),
	}

	target := a.Decide(snap)
	if target == snap.Size {
		return
	}
	if a.now().Sub(a.lastChange) < a.cfg.Cooldown {
		return
	}

	if err := a.pool.ScaleTo(ctx, target); err != nil {
		logger.Error(ctx, "scale failed", tag.Error(err), tag.Workers(target))
		return
	}
	a.lastChange = a.now()

	direction := "up"
	if target < snap.Size {
		direction = "down"
	}
	a.metrics.Counter("scale_decisions_total", "direction", direction)
	logger.Info(ctx, "pool rescaled",
		tag.Workers(target),
		tag.Depth(snap.QueueDepth),
		tag.InFlight(snap.InFlight),
		tag.P95(snap.P95),
		tag.String("direction", direction),
	)
}

// Decide returns the target pool size for the snapshot. Scale-up fires on
// any pressure signal; scale-down needs every signal calm at once.
func (a *Autoscaler) Decide(s Snapshot) int {
	target := s.Size

	pressured := s.QueueDepth > a.cfg.TargetQueueDepth ||
		(a.cfg.TargetP95 > 0 && s.P95 > a.cfg.TargetP95) ||
		(s.InFlight == s.Size && s.QueueDepth > 0)

	utilisation := 1.0
	if s.Size > 0 {
		utilisation = float64(s.InFlight) / float64(s.Size)
	}
	calm := float64(s.QueueDepth) < 0.3*float64(a.cfg.TargetQueueDepth) &&
		(a.cfg.TargetP95 <= 0 || s.P95 < a.cfg.TargetP95/2) &&
		utilisation < 0.7

	switch {
	case pressured:
		target = s.Size + a.cfg.ScaleUpStep
	case calm:
		target = s.Size - a.cfg.ScaleDownStep
	}

	if target > a.cfg.MaxWorkers {
		target = a.cfg.MaxWorkers
	}
	if target < a.cfg.MinWorkers {
		target = a.cfg.MinWorkers
	}
	return target
}
