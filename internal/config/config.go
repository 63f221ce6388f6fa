package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tandem-run/tandem/internal/core"
)

// QueueBackend selects the persistent queue implementation.
type QueueBackend string

const (
	QueueBackendMemory QueueBackend = "memory"
	QueueBackendRedis  QueueBackend = "redis"
)

// Config holds the resolved configuration for all services.
type Config struct {
	Core       Core
	Paths      PathsConfig
	Queue      QueueConfig
	RateLimit  RateLimitConfig
	Approval   ApprovalConfig
	Scaling    ScalingConfig
	Server     ServerConfig
	Telemetry  TelemetryConfig
	Monitoring MonitoringConfig

	// Warnings collected while loading; surfaced once at startup.
	Warnings []string
}

// Core holds settings that apply to every service.
type Core struct {
	Debug     bool
	LogFormat string
	Quiet     bool
	TZ        string
	Location  *time.Location
}

// PathsConfig holds all resolved filesystem locations. URGStore, AuditDir
// and DAGsDir are directories; the rest are JSONL files.
type PathsConfig struct {
	DataDir        string
	DAGsDir        string
	URGStore       string
	AuditDir       string
	Checkpoints    string
	StateStore     string
	OrchEvents     string
	Connectors     string
	Schedules      string
	ConfigFileUsed string
}

// QueueConfig holds queue and job-retry settings.
type QueueConfig struct {
	Backend          QueueBackend
	RedisURL         string
	Visibility       time.Duration
	Heartbeat        time.Duration
	Poll             time.Duration
	MaxJobRetries    int
	RequeueBase      time.Duration
	RequeueCap       time.Duration
	RequeueJitterPct float64
}

// RateLimitConfig holds token-bucket settings for the global and per-tenant
// buckets.
type RateLimitConfig struct {
	GlobalCapacity      int
	GlobalRefillPerSec  float64
	TenantCapacity      int
	TenantRefillPerSec  float64
	RetryDelay          time.Duration
}

// ApprovalConfig holds checkpoint approval settings.
type ApprovalConfig struct {
	Expiry         time.Duration
	ApproverRole   string
	NLApproverRole string
}

// ScalingConfig holds worker pool and autoscaler settings.
type ScalingConfig struct {
	MinWorkers       int
	MaxWorkers       int
	TargetQueueDepth int
	TargetP95        time.Duration
	ScaleUpStep      int
	ScaleDownStep    int
	DecisionInterval time.Duration
	Cooldown         time.Duration
	ShutdownTimeout  time.Duration
}

// ServerConfig holds the ops API settings.
type ServerConfig struct {
	Host       string
	Port       int
	AuthSecret string
}

// TelemetryConfig controls the optional metric and trace backends.
// Empty OTLPEndpoint disables tracing; MetricsEnabled gates the
// prometheus registry.
type TelemetryConfig struct {
	MetricsEnabled bool
	OTLPEndpoint   string
}

// MonitoringConfig controls the host stats sampler.
type MonitoringConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Validate checks cross-field constraints the loader cannot default away.
func (c *Config) Validate() error {
	var errs core.ErrorList

	switch c.Queue.Backend {
	case QueueBackendMemory, QueueBackendRedis:
	default:
		errs.Add(core.NewValidationError("queue.backend", string(c.Queue.Backend),
			fmt.Errorf("must be one of: memory, redis")))
	}

	if c.Queue.Backend == QueueBackendRedis && c.Queue.RedisURL == "" {
		errs.Add(core.NewValidationError("queue.redis_url", nil,
			fmt.Errorf("required when queue.backend is redis")))
	}

	if c.Queue.RequeueJitterPct < 0 || c.Queue.RequeueJitterPct > 1 {
		errs.Add(core.NewValidationError("queue.requeue_jitter_pct", c.Queue.RequeueJitterPct,
			fmt.Errorf("must be within [0, 1]")))
	}

	if c.Scaling.MinWorkers < 0 {
		errs.Add(core.NewValidationError("scaling.min_workers", c.Scaling.MinWorkers,
			fmt.Errorf("must not be negative")))
	}

	if c.Scaling.MaxWorkers < c.Scaling.MinWorkers {
		errs.Add(core.NewValidationError("scaling.max_workers", c.Scaling.MaxWorkers,
			fmt.Errorf("must be >= scaling.min_workers")))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs.Add(core.NewValidationError("server.port", c.Server.Port,
			fmt.Errorf("must be between 0 and 65535")))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// setTimezone configures Core.Location from Core.TZ, falling back to the
// system local timezone.
func setTimezone(cfg *Core) error {
	if cfg.TZ != "" {
		loc, err := time.LoadLocation(cfg.TZ)
		if err != nil {
			return fmt.Errorf("failed to load timezone: %w", err)
		}
		cfg.Location = loc

		if err := os.Setenv("TZ", cfg.TZ); err != nil {
			return fmt.Errorf("failed to set TZ environment variable: %w", err)
		}
		return nil
	}

	cfg.Location = time.Local
	return nil
}
