package redisqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/queue"
	"github.com/tandem-run/tandem/internal/queue/redisqueue"
)

func newTestQueue(t *testing.T, now *time.Time) *redisqueue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisqueue.New(client, redisqueue.WithClock(func() time.Time { return *now }))
}

func TestEnqueueDequeueOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "old", EnqueuedAt: now}))
	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "new", EnqueuedAt: now.Add(time.Second)}))
	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "urgent", Priority: 3, EnqueuedAt: now.Add(2 * time.Second)}))

	var order []string
	for range 3 {
		job, err := q.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"urgent", "old", "new"}, order)

	_, err := q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestLeaseExpirySweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "j1"}))

	_, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, 30*time.Second)
	assert.ErrorIs(t, err, queue.ErrEmpty, "leased job is invisible")

	now = now.Add(31 * time.Second)
	job, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID, "expired lease returns to pending")
}

func TestExtendVisibility(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "j1"}))
	_, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)

	now = now.Add(25 * time.Second)
	require.NoError(t, q.ExtendVisibility(ctx, "j1", 30*time.Second))

	now = now.Add(20 * time.Second)
	_, err = q.Dequeue(ctx, 30*time.Second)
	assert.ErrorIs(t, err, queue.ErrEmpty, "heartbeat kept the lease")

	assert.ErrorIs(t, q.ExtendVisibility(ctx, "ghost", time.Minute), queue.ErrNotLeased)
}

func TestRetryAndDLQ(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "j1", TenantID: "acme"}))
	_, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus(ctx, "j1", queue.StatusRetry, queue.WithError("boom")))

	job, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.LastError)

	require.NoError(t, q.UpdateStatus(ctx, "j1", queue.StatusFailed, queue.WithError("boom")))
	require.NoError(t, q.MoveToDLQ(ctx, "j1", "max_retries"))

	letters, err := q.ListDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "max_retries", letters[0].Reason)
	assert.Equal(t, "acme", letters[0].Job.TenantID)

	stored, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, stored.Status)
}

func TestSuccessStoresResult(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "j1"}))
	_, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus(ctx, "j1", queue.StatusSuccess,
		queue.WithResult(map[string]any{"status": "success"})))

	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSuccess, job.Status)
	assert.Equal(t, "success", job.Result["status"])

	pending, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
}
