// Package redisqueue is the shared queue backend for multi-process worker
// fleets. Pending jobs live in a sorted set scored by priority-adjusted
// enqueue time, job state in a hash per job, leases in a sorted set scored
// by deadline, and the DLQ in a list. Dequeue is a single Lua script so the
// pop and the lease registration are atomic.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tandem-run/tandem/internal/queue"
)

const (
	pendingKey = "tandem:pending"
	leaseKey   = "tandem:leases"
	dlqKey     = "tandem:dlq"
	jobPrefix  = "tandem:job:"

	// prioritySpan shifts one priority level past any plausible enqueue
	// timestamp delta so priority always dominates FIFO order.
	prioritySpan = float64(1 << 42)
)

// dequeueScript sweeps expired leases back to pending, pops the lowest
// score, and registers the lease, all in one round trip.
var dequeueScript = redis.NewScript(`
local pending = KEYS[1]
local leases = KEYS[2]
local now = ARGV[1]
local deadline = ARGV[2]
local prefix = ARGV[3]

local expired = redis.call('ZRANGEBYSCORE', leases, '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', leases, id)
	local score = redis.call('HGET', prefix .. id, 'score')
	if score then
		redis.call('ZADD', pending, tonumber(score), id)
		redis.call('HSET', prefix .. id, 'status', 'pending')
	end
end

local popped = redis.call('ZPOPMIN', pending)
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('ZADD', leases, deadline, id)
return id
`)

// RedisQueue implements queue.Queue against a Redis server.
type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithClock injects a clock for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		q.now = now
	}
}

// New creates a queue over an existing client.
func New(client *redis.Client, opts ...Option) *RedisQueue {
	q := &RedisQueue{client: client, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open connects to the Redis URL and returns the queue.
func Open(url string, opts ...Option) (*RedisQueue, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return New(redis.NewClient(ropts), opts...), nil
}

var _ queue.Queue = (*RedisQueue)(nil)

func jobKey(id string) string {
	return jobPrefix + id
}

// score orders pending jobs: higher priority first, FIFO within.
func score(priority int, enqueuedAt time.Time) float64 {
	return float64(enqueuedAt.UnixMilli()) - float64(priority)*prioritySpan
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*queue.Job, error) {
	data, err := q.client.HGet(ctx, jobKey(jobID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.HSet(ctx, jobKey(job.ID),
		"data", string(data),
		"status", string(job.Status),
		"score", fmt.Sprintf("%f", score(job.Priority, job.EnqueuedAt)),
	).Err()
}

// Enqueue implements queue.Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	exists, err := q.client.Exists(ctx, jobKey(job.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("job %s already enqueued", job.ID)
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	job.Status = queue.StatusPending

	if err := q.storeJob(ctx, &job); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, pendingKey, redis.Z{
		Score:  score(job.Priority, job.EnqueuedAt),
		Member: job.ID,
	}).Err()
}

// Dequeue implements queue.Queue.
func (q *RedisQueue) Dequeue(ctx context.Context, visibility time.Duration) (*queue.Job, error) {
	now := q.now()
	deadline := now.Add(visibility)

	res, err := dequeueScript.Run(ctx, q.client,
		[]string{pendingKey, leaseKey},
		now.UnixMilli(), deadline.UnixMilli(), jobPrefix,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue script failed: %w", err)
	}

	jobID, ok := res.(string)
	if !ok {
		return nil, queue.ErrEmpty
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = queue.StatusRunning
	job.LeaseUntil = deadline.UTC()
	if err := q.storeJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendVisibility implements queue.Queue.
func (q *RedisQueue) ExtendVisibility(ctx context.Context, jobID string, d time.Duration) error {
	deadline := q.now().Add(d)

	if _, err := q.client.ZScore(ctx, leaseKey, jobID).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.ErrNotLeased
		}
		return err
	}

	// XX: only refresh an existing lease, never resurrect a lost one.
	if err := q.client.ZAddXX(ctx, leaseKey, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		return err
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.LeaseUntil = deadline.UTC()
	return q.storeJob(ctx, job)
}

// UpdateStatus implements queue.Queue.
func (q *RedisQueue) UpdateStatus(ctx context.Context, jobID string, status queue.Status, opts ...queue.UpdateOption) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	update := queue.ApplyOptions(opts)
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.LastError != "" {
		job.LastError = update.LastError
	}
	if update.Reason != "" {
		job.Reason = update.Reason
	}

	job.LeaseUntil = time.Time{}
	job.Status = status

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, leaseKey, jobID)

	if status == queue.StatusRetry {
		if !update.KeepAttempts {
			job.Attempts++
		}
		job.Status = queue.StatusPending
		pipe.ZAdd(ctx, pendingKey, redis.Z{
			Score:  score(job.Priority, job.EnqueuedAt),
			Member: jobID,
		})
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe.HSet(ctx, jobKey(jobID),
		"data", string(data),
		"status", string(job.Status),
		"score", fmt.Sprintf("%f", score(job.Priority, job.EnqueuedAt)),
	)

	_, err = pipe.Exec(ctx)
	return err
}

// MoveToDLQ implements queue.Queue.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, jobID, reason string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = queue.StatusFailed
	job.Reason = reason
	job.LeaseUntil = time.Time{}

	letter := queue.DeadLetter{Job: *job, Reason: reason, DeadAt: q.now().UTC()}
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, leaseKey, jobID)
	pipe.ZRem(ctx, pendingKey, jobID)
	pipe.RPush(ctx, dlqKey, string(data))

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe.HSet(ctx, jobKey(jobID), "data", string(jobData), "status", string(job.Status))

	_, err = pipe.Exec(ctx)
	return err
}

// Depth implements queue.Queue.
func (q *RedisQueue) Depth(ctx context.Context) (int, int, error) {
	pipe := q.client.Pipeline()
	pendingCmd := pipe.ZCard(ctx, pendingKey)
	leaseCmd := pipe.ZCard(ctx, leaseKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return int(pendingCmd.Val()), int(leaseCmd.Val()), nil
}

// ListDLQ implements queue.Queue.
func (q *RedisQueue) ListDLQ(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	stop := int64(limit) - 1
	if limit < 0 {
		stop = -1
	}

	lines, err := q.client.LRange(ctx, dlqKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	letters := make([]queue.DeadLetter, 0, len(lines))
	for _, line := range lines {
		var letter queue.DeadLetter
		if err := json.Unmarshal([]byte(line), &letter); err != nil {
			return nil, fmt.Errorf("corrupt dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Get returns the current job record, for status queries.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	return q.loadJob(ctx, jobID)
}
