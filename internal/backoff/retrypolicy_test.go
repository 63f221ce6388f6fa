package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy_ComputeNextInterval(t *testing.T) {
	t.Run("BasicExponentialBackoff", func(t *testing.T) {
		policy := &ExponentialBackoffPolicy{
			InitialInterval: 100 * time.Millisecond,
			BackoffFactor:   2.0,
			MaxInterval:     5 * time.Second,
			MaxRetries:      5,
		}

		testCases := []struct {
			retryCount       int
			expectedInterval time.Duration
			expectError      bool
		}{
			{0, 100 * time.Millisecond, false},
			{1, 200 * time.Millisecond, false},
			{2, 400 * time.Millisecond, false},
			{3, 800 * time.Millisecond, false},
			{4, 1600 * time.Millisecond, false},
			{5, 0, true}, // Max retries reached
		}

		for _, tc := range testCases {
			interval, err := policy.ComputeNextInterval(tc.retryCount, 0, nil)
			if tc.expectError {
				assert.Error(t, err)
				assert.Equal(t, ErrRetriesExhausted, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expectedInterval, interval)
			}
		}
	})

	t.Run("MaxIntervalCapping", func(t *testing.T) {
		policy := &ExponentialBackoffPolicy{
			InitialInterval: 1 * time.Second,
			BackoffFactor:   2.0,
			MaxInterval:     3 * time.Second,
			MaxRetries:      10,
		}

		testCases := []struct {
			retryCount       int
			expectedInterval time.Duration
		}{
			{0, 1 * time.Second},
			{1, 2 * time.Second},
			{2, 3 * time.Second}, // Capped at MaxInterval
			{3, 3 * time.Second}, // Still capped
		}

		for _, tc := range testCases {
			interval, err := policy.ComputeNextInterval(tc.retryCount, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedInterval, interval)
		}
	})

	t.Run("MaxElapsedGuard", func(t *testing.T) {
		policy := &ExponentialBackoffPolicy{
			InitialInterval: 10 * time.Millisecond,
			BackoffFactor:   2.0,
			MaxInterval:     time.Second,
			MaxElapsed:      time.Minute,
		}

		_, err := policy.ComputeNextInterval(3, 30*time.Second, nil)
		require.NoError(t, err)

		_, err = policy.ComputeNextInterval(3, time.Minute, nil)
		assert.Equal(t, ErrRetriesExhausted, err)
	})

	t.Run("UnlimitedRetries", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(time.Millisecond)

		for i := 0; i < 100; i++ {
			_, err := policy.ComputeNextInterval(i, 0, nil)
			require.NoError(t, err)
		}
	})
}

func TestConstantBackoffPolicy_ComputeNextInterval(t *testing.T) {
	policy := &ConstantBackoffPolicy{Interval: 50 * time.Millisecond, MaxRetries: 3}

	for i := 0; i < 3; i++ {
		interval, err := policy.ComputeNextInterval(i, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, 50*time.Millisecond, interval)
	}

	_, err := policy.ComputeNextInterval(3, 0, nil)
	assert.Equal(t, ErrRetriesExhausted, err)
}

func TestLinearBackoffPolicy_ComputeNextInterval(t *testing.T) {
	policy := &LinearBackoffPolicy{
		InitialInterval: 100 * time.Millisecond,
		Increment:       100 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		MaxRetries:      5,
	}

	testCases := []struct {
		retryCount       int
		expectedInterval time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 250 * time.Millisecond}, // Capped
	}

	for _, tc := range testCases {
		interval, err := policy.ComputeNextInterval(tc.retryCount, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.expectedInterval, interval)
	}
}

func TestRetrier(t *testing.T) {
	t.Run("StatefulProgression", func(t *testing.T) {
		retrier := NewRetrier(&ExponentialBackoffPolicy{
			InitialInterval: 10 * time.Millisecond,
			BackoffFactor:   2.0,
			MaxInterval:     time.Second,
			MaxRetries:      3,
		})

		d1, err := retrier.Next(nil)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Millisecond, d1)

		d2, err := retrier.Next(nil)
		require.NoError(t, err)
		assert.Equal(t, 20*time.Millisecond, d2)

		d3, err := retrier.Next(nil)
		require.NoError(t, err)
		assert.Equal(t, 40*time.Millisecond, d3)

		_, err = retrier.Next(nil)
		assert.Equal(t, ErrRetriesExhausted, err)
	})

	t.Run("Reset", func(t *testing.T) {
		retrier := NewRetrier(&ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 1})

		_, err := retrier.Next(nil)
		require.NoError(t, err)
		_, err = retrier.Next(nil)
		assert.Equal(t, ErrRetriesExhausted, err)

		retrier.Reset()
		_, err = retrier.Next(nil)
		assert.NoError(t, err)
	})
}

func TestJitter(t *testing.T) {
	t.Run("PercentJitterBounds", func(t *testing.T) {
		base := 100 * time.Millisecond
		policy := WithPercentJitter(&ExponentialBackoffPolicy{
			InitialInterval: base,
			BackoffFactor:   2.0,
			MaxInterval:     time.Second,
		}, 0.2)

		for i := 0; i < 200; i++ {
			d, err := policy.ComputeNextInterval(0, 0, nil)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, d, 80*time.Millisecond)
			assert.LessOrEqual(t, d, 120*time.Millisecond)
		}
	})

	t.Run("FullJitterBounds", func(t *testing.T) {
		policy := WithJitter(NewConstantBackoffPolicy(100*time.Millisecond), FullJitter)

		for i := 0; i < 200; i++ {
			d, err := policy.ComputeNextInterval(0, 0, nil)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.Less(t, d, 100*time.Millisecond)
		}
	})

	t.Run("ExhaustionPassesThrough", func(t *testing.T) {
		policy := WithJitter(&ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 1}, FullJitter)

		_, err := policy.ComputeNextInterval(1, 0, nil)
		assert.Equal(t, ErrRetriesExhausted, err)
	})
}

func TestDelay(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 400 * time.Millisecond

	// Bounded above by cap·(1+jitter) for any attempt.
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := Delay(attempt, base, cap, 0.25)
			assert.LessOrEqual(t, d, time.Duration(float64(cap)*1.25))
			assert.Greater(t, d, time.Duration(0))
		}
	}

	// Without jitter the progression is exact.
	assert.Equal(t, 100*time.Millisecond, Delay(0, base, cap, 0))
	assert.Equal(t, 200*time.Millisecond, Delay(1, base, cap, 0))
	assert.Equal(t, 400*time.Millisecond, Delay(2, base, cap, 0))
	assert.Equal(t, 400*time.Millisecond, Delay(3, base, cap, 0)) // capped
}
