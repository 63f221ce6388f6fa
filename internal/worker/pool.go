// Package worker runs the job-consuming side of the system: a pool of
// goroutines polling the queue, each executing one DAG run at a time, and
// an autoscaler resizing the pool from queue depth and latency signals.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/config"
	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/dag/dagstore"
	"github.com/tandem-run/tandem/internal/idempotency"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/ratelimit"
	"github.com/tandem-run/tandem/internal/runner"
	"github.com/tandem-run/tandem/internal/telemetry"
)

// Deps carries everything a worker needs to process jobs.
type Deps struct {
	Queue   queue.Queue
	Runner  *runner.Runner
	DAGs    *dagstore.Store
	Limiter *ratelimit.Limiter
	Tracker idempotency.Tracker
	Audit   *audit.Service
	Events  *runner.EventLog
	Metrics telemetry.Metrics
	Latency *LatencyRecorder
	Config  config.QueueConfig
}

func (d *Deps) defaults() {
	if d.Metrics == nil {
		d.Metrics = telemetry.Nop()
	}
	if d.Latency == nil {
		d.Latency = NewLatencyRecorder(256)
	}
	if d.Tracker == nil {
		d.Tracker = idempotency.NewMemory()
	}
}

type handle struct {
	id string
	// stop is closed to drain the worker: finish the current job, exit.
	stop chan struct{}
}

// Pool is a resizable set of worker goroutines.
type Pool struct {
	deps Deps

	mu      sync.Mutex
	workers []*handle
	nextID  int
	ctx     context.Context

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewPool creates a pool; no workers run until Start.
func NewPool(deps Deps) *Pool {
	deps.defaults()
	return &Pool{deps: deps}
}

// Start brings the pool to the initial size.
func (p *Pool) Start(ctx context.Context, initial int) error {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return core.NewError(core.CodeConflict, "pool already started")
	}
	p.ctx = ctx
	p.mu.Unlock()
	return p.ScaleTo(ctx, initial)
}

// ScaleTo resizes the pool: spawns new workers to grow, marks the oldest
// workers draining to shrink. Draining workers finish their current job
// before exiting, so in-flight work is never abandoned.
func (p *Pool) ScaleTo(ctx context.Context, n int) error {
	if n < 0 {
		return core.NewErrorf(core.CodeValidation, "pool size %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return core.NewError(core.CodeConflict, "pool not started")
	}

	for len(p.workers) < n {
		p.nextID++
		h := &handle{
			id:   fmt.Sprintf("w-%d", p.nextID),
			stop: make(chan struct{}),
		}
		p.workers = append(p.workers, h)
		p.wg.Add(1)
		go p.run(p.ctx, h)
	}

	for len(p.workers) > n {
		oldest := p.workers[0]
		p.workers = p.workers[1:]
		close(oldest.stop)
		logger.Info(ctx, "worker draining", tag.WorkerID(oldest.id))
	}

	p.deps.Metrics.Gauge("pool_workers", float64(n))
	return nil
}

// Shutdown drains every worker and waits up to timeout for them to exit.
func (p *Pool) Shutdown(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	for _, h := range p.workers {
		close(h.stop)
	}
	p.workers = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(ctx, "worker pool stopped")
		return nil
	case <-time.After(timeout):
		return core.NewErrorf(core.CodeFatal, "worker pool did not drain within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the current worker count, draining workers excluded.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// InFlight returns the number of jobs being executed right now.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// run is one worker's life: poll, process, repeat, until drained.
func (p *Pool) run(ctx context.Context, h *handle) {
	defer p.wg.Done()
	logger.Info(ctx, "worker started", tag.WorkerID(h.id))

	for {
		select {
		case <-h.stop:
			logger.Info(ctx, "worker stopped", tag.WorkerID(h.id))
			return
		case <-ctx.Done():
			return
		default:
		}
		p.iterate(ctx, h)
	}
}

// sleep waits for d, a drain signal, or cancellation, whichever first.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	case <-ctx.Done():
	}
}
