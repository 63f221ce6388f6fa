// Package monitor samples host health for the ops API and operators.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tandem-run/tandem/internal/config"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
)

// Sample is one host reading.
type Sample struct {
	Time            time.Time `json:"time"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemPercent      float64   `json:"mem_percent"`
	Load1           float64   `json:"load1"`
	DiskUsedPercent float64   `json:"disk_used_percent"`
}

// Sampler produces one reading. Replaceable for tests.
type Sampler func(ctx context.Context) (Sample, error)

// Monitor runs the sampling loop and keeps a retention-bounded history.
type Monitor struct {
	interval  time.Duration
	retention time.Duration
	sample    Sampler
	now       func() time.Time

	mu      sync.RWMutex
	history []Sample
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the gopsutil sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) {
		m.sample = s
	}
}

// WithClock injects a clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a monitor sampling the host and the disk holding dataDir.
func New(cfg config.MonitoringConfig, dataDir string, opts ...Option) *Monitor {
	m := &Monitor{
		interval:  cfg.Interval,
		retention: cfg.Retention,
		sample:    hostSampler(dataDir),
		now:       time.Now,
	}
	if m.interval <= 0 {
		m.interval = 15 * time.Second
	}
	if m.retention <= 0 {
		m.retention = time.Hour
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick takes one sample and folds it into the history.
func (m *Monitor) Tick(ctx context.Context) {
	s, err := m.sample(ctx)
	if err != nil {
		logger.Warn(ctx, "host sample failed", tag.Error(err))
		return
	}
	if s.Time.IsZero() {
		s.Time = m.now().UTC()
	}

	if s.Load1 > float64(runtime.NumCPU()) {
		logger.Warn(ctx, "host load above core count",
			tag.Float("load1", s.Load1), tag.Count(runtime.NumCPU()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	cutoff := s.Time.Add(-m.retention)
	for len(m.history) > 0 && m.history[0].Time.Before(cutoff) {
		m.history = m.history[1:]
	}
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

func hostSampler(dataDir string) Sampler {
	return func(ctx context.Context) (Sample, error) {
		var s Sample

		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			s.CPUPercent = percents[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			s.MemPercent = vm.UsedPercent
		}
		if avg, err := load.AvgWithContext(ctx); err == nil {
			s.Load1 = avg.Load1
		}
		if usage, err := disk.UsageWithContext(ctx, dataDir); err == nil {
			s.DiskUsedPercent = usage.UsedPercent
		}
		return s, nil
	}
}
