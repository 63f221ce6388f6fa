package backoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Parallel()

	policy := &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 5}

	t.Run("SucceedsAfterTransientFailures", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := Retry(context.Background(), func(_ context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		}, policy, nil)

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("NonRetriableStopsImmediately", func(t *testing.T) {
		t.Parallel()

		calls := 0
		permanent := errors.New("permanent")
		err := Retry(context.Background(), func(_ context.Context) error {
			calls++
			return permanent
		}, policy, func(err error) bool { return !errors.Is(err, permanent) })

		assert.Equal(t, permanent, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("ExhaustionReturnsOperationError", func(t *testing.T) {
		t.Parallel()

		opErr := errors.New("still failing")
		err := Retry(context.Background(), func(_ context.Context) error {
			return opErr
		}, &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 2}, nil)

		assert.Equal(t, opErr, err)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, func(_ context.Context) error {
			return errors.New("never succeeds")
		}, policy, nil)

		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("RetryAfterHintOverridesInterval", func(t *testing.T) {
		t.Parallel()

		hinted := NewHTTPStatusError(429, "slow down").WithHint(time.Second)
		calls := 0
		start := time.Now()
		err := Retry(context.Background(), func(_ context.Context) error {
			calls++
			if calls == 1 {
				return hinted
			}
			return nil
		}, &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 3}, IsRetryable)

		require.NoError(t, err)
		// Hint clamps to at least one second even though the policy interval
		// is a millisecond.
		assert.GreaterOrEqual(t, time.Since(start), time.Second)
	})
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"status 500", NewHTTPStatusError(500, ""), true},
		{"status 502", NewHTTPStatusError(502, ""), true},
		{"status 503", NewHTTPStatusError(503, ""), true},
		{"status 504", NewHTTPStatusError(504, ""), true},
		{"status 408", NewHTTPStatusError(408, ""), true},
		{"status 429", NewHTTPStatusError(429, ""), true},
		{"status 404", NewHTTPStatusError(404, ""), false},
		{"status 400", NewHTTPStatusError(400, ""), false},
		{"status 401", NewHTTPStatusError(401, ""), false},
		{"wrapped status", fmt.Errorf("call: %w", NewHTTPStatusError(503, "")), true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "example.invalid"}, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"broken pipe", syscall.EPIPE, true},
		{"net timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"plain error", errors.New("validation failed"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("IntegerSeconds", func(t *testing.T) {
		d, ok := ParseRetryAfter("30", now)
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, d)
	})

	t.Run("RFC1123Date", func(t *testing.T) {
		d, ok := ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
		require.True(t, ok)
		assert.Equal(t, 90*time.Second, d)
	})

	t.Run("PastDateYieldsZero", func(t *testing.T) {
		d, ok := ParseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now)
		require.True(t, ok)
		assert.Equal(t, time.Duration(0), d)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, ok := ParseRetryAfter("soon", now)
		assert.False(t, ok)
	})

	t.Run("Empty", func(t *testing.T) {
		_, ok := ParseRetryAfter("", now)
		assert.False(t, ok)
	})

	t.Run("NegativeSeconds", func(t *testing.T) {
		_, ok := ParseRetryAfter("-5", now)
		assert.False(t, ok)
	})
}
