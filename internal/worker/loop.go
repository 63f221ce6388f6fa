package worker

import (
	"context"
	"errors"
	"time"

	"github.com/tandem-run/tandem/internal/audit"
	"github.com/tandem-run/tandem/internal/backoff"
	"github.com/tandem-run/tandem/internal/checkpoint"
	"github.com/tandem-run/tandem/internal/dag"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/runner"
)

const workerActor = "worker"

// iterate runs one dequeue-process cycle.
func (p *Pool) iterate(ctx context.Context, h *handle) {
	job, err := p.deps.Queue.Dequeue(ctx, p.deps.Config.Visibility)
	if errors.Is(err, queue.ErrEmpty) {
		sleep(ctx, h.stop, p.deps.Config.Poll)
		return
	}
	if err != nil {
		logger.Error(ctx, "dequeue failed", tag.Error(err), tag.WorkerID(h.id))
		sleep(ctx, h.stop, p.deps.Config.Poll)
		return
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.process(ctx, h, job)
}

func (p *Pool) process(ctx context.Context, h *handle, job *queue.Job) {
	started := time.Now()

	// Re-delivered run already completed once: succeed without re-running.
	if job.RunID != "" {
		dup, err := p.deps.Tracker.IsDuplicate(ctx, job.RunID)
		if err != nil {
			logger.Error(ctx, "idempotency check failed", tag.Error(err), tag.JobID(job.ID))
		}
		if dup {
			result := map[string]any{"skipped": "duplicate"}
			if err := p.deps.Queue.UpdateStatus(ctx, job.ID, queue.StatusSuccess, queue.WithResult(result)); err != nil {
				logger.Error(ctx, "status update failed", tag.Error(err), tag.JobID(job.ID))
			}
			p.deps.Audit.Log(ctx, audit.NewEntry(job.TenantID, workerActor, "job.run", audit.ResultSuccess).
				WithResource("job", job.ID).
				WithMetadata(map[string]any{"skipped": "duplicate", "run_id": job.RunID}))
			p.deps.Metrics.Counter("jobs_total", "status", "duplicate")
			return
		}
	}

	// Denied jobs go back without consuming an attempt; they never ran.
	if p.deps.Limiter != nil && !p.deps.Limiter.Allow(job.TenantID) {
		delay := p.deps.Limiter.RetryDelay()
		logger.Info(ctx, "job rate limited", tag.JobID(job.ID), tag.Tenant(job.TenantID), tag.Delay(delay))
		sleep(ctx, h.stop, delay)
		if err := p.deps.Queue.UpdateStatus(ctx, job.ID, queue.StatusRetry, queue.WithoutAttempt()); err != nil {
			logger.Error(ctx, "status update failed", tag.Error(err), tag.JobID(job.ID))
		}
		p.deps.Audit.Log(ctx, audit.NewEntry(job.TenantID, workerActor, "job.run", audit.ResultDenied).
			WithResource("job", job.ID).
			WithReason("rate_limited"))
		p.deps.Metrics.Counter("jobs_total", "status", "rate_limited")
		return
	}

	stopHeartbeat := p.heartbeat(ctx, job.ID)
	result, err := p.execute(ctx, job)
	stopHeartbeat()

	elapsed := time.Since(started)
	p.deps.Latency.Record(elapsed)
	p.deps.Metrics.Observe("job_seconds", elapsed.Seconds())

	if err != nil {
		p.fail(ctx, h, job, err)
		return
	}
	p.succeed(ctx, job, result)
}

// execute loads the DAG and runs it. Paused is a success from the
// queue's point of view; the run continues when a job with the same
// run id arrives after approval.
func (p *Pool) execute(ctx context.Context, job *queue.Job) (*runner.Result, error) {
	var (
		d   *dag.DAG
		err error
	)
	switch {
	case job.DAGPath != "":
		d, err = p.deps.DAGs.LoadPath(job.DAGPath)
	case job.DAGInline != "":
		d, err = dag.Parse([]byte(job.DAGInline))
	default:
		return nil, errors.New("job carries neither dag_path nor inline dag")
	}
	if err != nil {
		return nil, err
	}

	p.deps.Events.Append(ctx, runner.Event{
		Event: runner.EventRunStarted, DagRunID: job.RunID, DAG: d.Name,
		Tenant: job.TenantID, JobID: job.ID,
	})

	// A resume token means this run already paused once; continue it
	// instead of starting over. A run with no token runs fresh.
	if job.RunID != "" {
		res, err := p.deps.Runner.Resume(ctx, job.RunID, job.TenantID, d)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, checkpoint.ErrNoResumeToken), errors.Is(err, checkpoint.ErrNotFound):
		default:
			return nil, err
		}
	}

	return p.deps.Runner.Run(ctx, d, runner.Options{
		Tenant:            job.TenantID,
		DagRunID:          job.RunID,
		DAGPath:           job.DAGPath,
		MaxRetriesDefault: 0,
	})
}

func (p *Pool) succeed(ctx context.Context, job *queue.Job, res *runner.Result) {
	// A paused run is not finished; marking it here would make the job
	// that resumes it read as a duplicate.
	if job.RunID != "" && res.Status != runner.StatusPaused {
		if err := p.deps.Tracker.MarkCompleted(ctx, job.RunID, map[string]any{"job_id": job.ID}); err != nil {
			logger.Error(ctx, "idempotency mark failed", tag.Error(err), tag.JobID(job.ID))
		}
	}

	result := map[string]any{
		"status":     string(res.Status),
		"dag_run_id": res.DagRunID,
	}
	if res.CheckpointID != "" {
		result["checkpoint_id"] = res.CheckpointID
	}

	if err := p.deps.Queue.UpdateStatus(ctx, job.ID, queue.StatusSuccess, queue.WithResult(result)); err != nil {
		logger.Error(ctx, "status update failed", tag.Error(err), tag.JobID(job.ID))
	}

	p.deps.Events.Append(ctx, runner.Event{
		Event: runner.EventRunFinished, DagRunID: res.DagRunID,
		Tenant: job.TenantID, JobID: job.ID,
	})
	p.deps.Audit.Log(ctx, audit.NewEntry(job.TenantID, workerActor, "job.run", audit.ResultSuccess).
		WithResource("job", job.ID).
		WithMetadata(result))
	p.deps.Metrics.Counter("jobs_total", "status", string(res.Status))
	logger.Info(ctx, "job finished",
		tag.JobID(job.ID), tag.RunID(res.DagRunID), tag.Status(string(res.Status)))
}

func (p *Pool) fail(ctx context.Context, h *handle, job *queue.Job, runErr error) {
	attempts := job.Attempts + 1
	if attempts >= p.deps.Config.MaxJobRetries {
		if err := p.deps.Queue.UpdateStatus(ctx, job.ID, queue.StatusFailed, queue.WithError(runErr.Error())); err != nil {
			logger.Error(ctx, "status update failed", tag.Error(err), tag.JobID(job.ID))
		}
		if err := p.deps.Queue.MoveToDLQ(ctx, job.ID, "max_retries"); err != nil {
			logger.Error(ctx, "dlq move failed", tag.Error(err), tag.JobID(job.ID))
		}
		p.deps.Events.Append(ctx, runner.Event{
			Event: runner.EventRunFailedTerminal, DagRunID: job.RunID,
			Tenant: job.TenantID, JobID: job.ID, Attempt: attempts, Error: runErr.Error(),
		})
		p.deps.Audit.Log(ctx, audit.NewEntry(job.TenantID, workerActor, "job.run", audit.ResultFailure).
			WithResource("job", job.ID).
			WithReason("max_retries"))
		p.deps.Metrics.Counter("jobs_total", "status", "dead_lettered")
		logger.Error(ctx, "job dead-lettered",
			tag.JobID(job.ID), tag.Attempt(attempts), tag.Error(runErr))
		return
	}

	delay := backoff.Delay(job.Attempts,
		p.deps.Config.RequeueBase, p.deps.Config.RequeueCap, p.deps.Config.RequeueJitterPct)
	logger.Warn(ctx, "job failed, requeueing",
		tag.JobID(job.ID), tag.Attempt(attempts), tag.Delay(delay), tag.Error(runErr))
	sleep(ctx, h.stop, delay)

	if err := p.deps.Queue.UpdateStatus(ctx, job.ID, queue.StatusRetry, queue.WithError(runErr.Error())); err != nil {
		logger.Error(ctx, "status update failed", tag.Error(err), tag.JobID(job.ID))
	}
	p.deps.Audit.Log(ctx, audit.NewEntry(job.TenantID, workerActor, "job.retry", audit.ResultError).
		WithResource("job", job.ID).
		WithReason(runErr.Error()))
	p.deps.Metrics.Counter("jobs_total", "status", "retried")
}

// heartbeat extends the job's lease until the returned stop func runs.
func (p *Pool) heartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.deps.Config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.deps.Queue.ExtendVisibility(ctx, jobID, p.deps.Config.Visibility); err != nil {
					logger.Warn(ctx, "heartbeat failed", tag.Error(err), tag.JobID(jobID))
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}
