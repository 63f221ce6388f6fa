// Package ratelimit gates job execution with token buckets: one global
// bucket shared by every tenant plus a lazily created bucket per tenant.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds bucket sizes and refill rates. Zero values fall back to the
// defaults below.
type Config struct {
	GlobalCapacity     int
	GlobalRefillPerSec float64
	TenantCapacity     int
	TenantRefillPerSec float64
	RetryDelay         time.Duration
}

const (
	defaultGlobalCapacity = 100
	defaultGlobalRefill   = 50.0
	defaultTenantCapacity = 20
	defaultTenantRefill   = 10.0
	defaultRetryDelay     = time.Second
)

func (c Config) withDefaults() Config {
	if c.GlobalCapacity <= 0 {
		c.GlobalCapacity = defaultGlobalCapacity
	}
	if c.GlobalRefillPerSec <= 0 {
		c.GlobalRefillPerSec = defaultGlobalRefill
	}
	if c.TenantCapacity <= 0 {
		c.TenantCapacity = defaultTenantCapacity
	}
	if c.TenantRefillPerSec <= 0 {
		c.TenantRefillPerSec = defaultTenantRefill
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Limiter admits work when both the global bucket and the caller's tenant
// bucket hold a token.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu      sync.RWMutex
	tenants map[string]*rate.Limiter
}

// New creates a Limiter from the config.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRefillPerSec), cfg.GlobalCapacity),
		tenants: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one unit of work may proceed for the tenant.
// Non-blocking. When the tenant bucket denies, the already-taken global
// token is returned so a throttled tenant does not starve the others.
func (l *Limiter) Allow(tenant string) bool {
	now := time.Now()

	res := l.global.ReserveN(now, 1)
	if !res.OK() || res.DelayFrom(now) > 0 {
		res.CancelAt(now)
		return false
	}

	if !l.tenantLimiter(tenant).AllowN(now, 1) {
		res.CancelAt(now)
		return false
	}
	return true
}

// RetryDelay is how long a denied worker should sleep before requeueing.
func (l *Limiter) RetryDelay() time.Duration {
	return l.cfg.RetryDelay
}

func (l *Limiter) tenantLimiter(tenant string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.tenants[tenant]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.tenants[tenant]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.cfg.TenantRefillPerSec), l.cfg.TenantCapacity)
	l.tenants[tenant] = lim
	return lim
}
