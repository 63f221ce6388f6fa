package backoff

import (
	"math/rand"
	"time"
)

// JitterType selects the randomization applied on top of a base policy.
type JitterType int

const (
	// NoJitter leaves the computed interval unchanged.
	NoJitter JitterType = iota
	// FullJitter replaces the interval with a uniform draw from [0, interval).
	FullJitter
)

// WithJitter wraps a retry policy so computed intervals are randomized.
// Jitter decorrelates retry storms when many workers hit the same fault.
func WithJitter(policy RetryPolicy, jitterType JitterType) RetryPolicy {
	return &jitterPolicy{policy: policy, jitterType: jitterType}
}

// WithPercentJitter wraps a retry policy so each interval is scaled by a
// uniform factor in [1-pct, 1+pct]. pct is a fraction, e.g. 0.2 for ±20%.
func WithPercentJitter(policy RetryPolicy, pct float64) RetryPolicy {
	if pct < 0 {
		pct = 0
	}
	return &jitterPolicy{policy: policy, percent: pct}
}

type jitterPolicy struct {
	policy     RetryPolicy
	jitterType JitterType
	percent    float64
}

// ComputeNextInterval implements RetryPolicy.
func (p *jitterPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	if interval <= 0 {
		return interval, nil
	}

	if p.percent > 0 {
		factor := 1 + (rand.Float64()*2-1)*p.percent
		return time.Duration(float64(interval) * factor), nil
	}

	switch p.jitterType {
	case FullJitter:
		return time.Duration(rand.Int63n(int64(interval))), nil
	default:
		return interval, nil
	}
}

func (p *jitterPolicy) capInterval() time.Duration {
	if c, ok := p.policy.(interface{ capInterval() time.Duration }); ok {
		return c.capInterval()
	}
	return defaultMaxInterval
}

// Delay is the pure requeue-delay function used by the worker:
// min(cap, base·2^attempt) scaled by ±jitterPct. attempt counts from 0.
func Delay(attempt int, base, cap time.Duration, jitterPct float64) time.Duration {
	policy := WithPercentJitter(&ExponentialBackoffPolicy{
		InitialInterval: base,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     cap,
	}, jitterPct)
	d, err := policy.ComputeNextInterval(attempt, 0, nil)
	if err != nil {
		return base
	}
	return d
}
