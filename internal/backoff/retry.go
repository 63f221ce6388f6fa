package backoff

import (
	"context"
	"time"
)

type (
	// Operation to retry
	Operation func(ctx context.Context) error

	// IsRetriableFunc defines a function that checks if an error is retriable.
	IsRetriableFunc func(err error) bool
)

// Retry executes the operation with retry logic based on the provided policy.
// If isRetriable is nil, all errors are considered retriable. A retry-after
// hint carried by the error overrides the computed interval, clamped to
// [1s, policy cap].
func Retry(ctx context.Context, op Operation, policy RetryPolicy, isRetriable IsRetriableFunc) error {
	// Default to retrying all errors if no function provided
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	retrier := NewRetrier(policy)

	for {
		// Check context before operation
		if err := ctx.Err(); err != nil {
			return err
		}

		// Execute the operation
		err := op(ctx)
		if err == nil {
			return nil
		}

		// Check if error is retriable
		if !isRetriable(err) {
			return err
		}

		// Get next retry interval
		interval, retryErr := retrier.Next(err)
		if retryErr != nil {
			// If retries exhausted, return the original operation error
			return err
		}

		// A server-provided hint wins over the computed interval.
		if hint, ok := RetryAfter(err); ok {
			interval = clampHint(hint, policy)
		}

		// Wait for the interval
		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
				// Continue to next iteration
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
		}
	}
}

func clampHint(hint time.Duration, policy RetryPolicy) time.Duration {
	cap := defaultMaxInterval
	if c, ok := policy.(interface{ capInterval() time.Duration }); ok {
		cap = c.capInterval()
	}
	if hint < time.Second {
		return time.Second
	}
	if hint > cap {
		return cap
	}
	return hint
}
