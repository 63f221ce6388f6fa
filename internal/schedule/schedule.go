// Package schedule turns cron entries into queue jobs. Run ids are
// deterministic per tick so a missed-then-doubled fire dedupes through
// the worker's idempotency tracker instead of running twice.
package schedule

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
	"github.com/tandem-run/tandem/internal/queue"
)

// Entry is one schedule line from the schedules file.
type Entry struct {
	ID       string `yaml:"id" json:"id"`
	Cron     string `yaml:"cron" json:"cron"`
	DAGPath  string `yaml:"dag_path" json:"dag_path"`
	Tenant   string `yaml:"tenant" json:"tenant"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// NextRun pairs an entry with its next fire time, for the CLI listing.
type NextRun struct {
	Entry Entry     `json:"entry"`
	Next  time.Time `json:"next,omitempty"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads and validates the schedules YAML file. A missing file is an
// empty schedule, not an error.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.WrapError(core.CodeFatal, err, "failed to read schedules file")
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, core.WrapError(core.CodeValidation, err, "malformed schedules file")
	}
	if err := Validate(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Validate checks ids, paths, and cron expressions.
func Validate(entries []Entry) error {
	var errs core.ErrorList
	seen := make(map[string]bool)
	for _, e := range entries {
		switch {
		case e.ID == "":
			errs.Add(core.NewError(core.CodeValidation, "schedule entry has no id"))
		case seen[e.ID]:
			errs.Add(core.NewErrorf(core.CodeValidation, "duplicate schedule id %s", e.ID))
		default:
			seen[e.ID] = true
		}
		if e.DAGPath == "" {
			errs.Add(core.NewErrorf(core.CodeValidation, "schedule %s has no dag_path", e.ID))
		}
		if e.Tenant == "" {
			errs.Add(core.NewErrorf(core.CodeValidation, "schedule %s has no tenant", e.ID))
		}
		if _, err := parser.Parse(e.Cron); err != nil {
			errs.Add(core.WrapError(core.CodeValidation, err, fmt.Sprintf("schedule %s cron %q", e.ID, e.Cron)))
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Service owns the cron loop and enqueues one job per enabled tick.
type Service struct {
	q       queue.Queue
	entries []Entry
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures the Service.
type Option func(*Service)

// WithClock injects a clock used for run ids and next-run listings.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New validates the entries and builds the service.
func New(q queue.Queue, entries []Entry, opts ...Option) (*Service, error) {
	if err := Validate(entries); err != nil {
		return nil, err
	}
	s := &Service{q: q, entries: entries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the enabled entries and starts the cron loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return core.NewError(core.CodeConflict, "schedule service already started")
	}

	c := cron.New(cron.WithParser(parser))
	for _, entry := range s.entries {
		if !entry.Enabled {
			continue
		}
		e := entry
		if _, err := c.AddFunc(e.Cron, func() {
			s.Fire(ctx, e)
		}); err != nil {
			return core.WrapError(core.CodeValidation, err, "failed to register schedule "+e.ID)
		}
	}
	c.Start()
	s.cron = c
	logger.Info(ctx, "schedule service started", tag.Count(len(s.entries)))
	return nil
}

// Stop halts the cron loop and waits for in-flight fires.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Fire enqueues one job for the entry. The run id pins the tick to its
// minute, so re-fires within the same minute dedupe downstream.
func (s *Service) Fire(ctx context.Context, e Entry) {
	now := s.now().UTC()
	runID := fmt.Sprintf("%s@%d", e.ID, now.Unix()/60)

	job := queue.Job{
		ID:         runID,
		DAGPath:    e.DAGPath,
		TenantID:   e.Tenant,
		ScheduleID: e.ID,
		RunID:      runID,
		Priority:   e.Priority,
		EnqueuedAt: now,
	}
	if err := s.q.Enqueue(ctx, job); err != nil {
		logger.Error(ctx, "schedule enqueue failed", tag.ScheduleID(e.ID), tag.Error(err))
		return
	}
	logger.Info(ctx, "schedule fired", tag.ScheduleID(e.ID), tag.RunID(runID), tag.DAG(e.DAGPath))
}

// NextRuns lists upcoming fire times, soonest first. Disabled entries
// are included with a zero Next.
func (s *Service) NextRuns() []NextRun {
	now := s.now()
	out := make([]NextRun, 0, len(s.entries))
	for _, e := range s.entries {
		nr := NextRun{Entry: e}
		if e.Enabled {
			if sched, err := parser.Parse(e.Cron); err == nil {
				nr.Next = sched.Next(now)
			}
		}
		out = append(out, nr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.IsZero() != out[j].Next.IsZero() {
			return !out[i].Next.IsZero()
		}
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	return out
}
