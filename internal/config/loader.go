package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tandem-run/tandem/internal/build"
)

// Loader reads and merges configuration from defaults, an optional YAML
// config file, and environment variables. Environment keys are the exact
// names of §6 (no prefix) bound explicitly.
type Loader struct {
	v          *viper.Viper
	configFile string
	warnings   []string
	dataDir    string
}

// LoaderOption defines a functional option for configuring a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets the configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) {
		l.configFile = configFile
	}
}

// WithDataDir overrides the default XDG data directory.
func WithDataDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.dataDir = dir
	}
}

// Load builds the resolved Config.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(loader)
	}
	return loader.Load()
}

// envBindings maps viper keys to the environment names recognised verbatim.
var envBindings = map[string]string{
	"queue.backend":                 "QUEUE_BACKEND",
	"queue.redis_url":               "REDIS_URL",
	"queue.visibility_ms":           "QUEUE_VISIBILITY_MS",
	"queue.heartbeat_ms":            "LEASE_HEARTBEAT_MS",
	"queue.poll_ms":                 "QUEUE_POLL_MS",
	"queue.max_job_retries":         "MAX_JOB_RETRIES",
	"queue.requeue_base_ms":         "REQUEUE_BASE_MS",
	"queue.requeue_cap_ms":          "REQUEUE_CAP_MS",
	"queue.requeue_jitter_pct":      "REQUEUE_JITTER_PCT",
	"ratelimit.global_capacity":     "RATE_LIMIT_GLOBAL_CAPACITY",
	"ratelimit.global_refill":       "RATE_LIMIT_GLOBAL_REFILL_PER_SEC",
	"ratelimit.tenant_capacity":     "RATE_LIMIT_TENANT_CAPACITY",
	"ratelimit.tenant_refill":       "RATE_LIMIT_TENANT_REFILL_PER_SEC",
	"ratelimit.retry_delay_ms":      "RATE_LIMIT_RETRY_DELAY_MS",
	"approval.expires_h":            "APPROVAL_EXPIRES_H",
	"approval.approver_role":        "APPROVER_RBAC_ROLE",
	"approval.nl_approver_role":     "NL_APPROVER_ROLE",
	"paths.urg_store":               "URG_STORE_PATH",
	"paths.audit_dir":               "AUDIT_DIR",
	"paths.checkpoints":             "CHECKPOINTS_PATH",
	"paths.state_store":             "STATE_STORE_PATH",
	"paths.orch_events":             "ORCH_EVENTS_PATH",
	"paths.dags_dir":                "DAGS_DIR",
	"paths.data_dir":                "TANDEM_DATA_DIR",
	"scaling.min_workers":           "MIN_WORKERS",
	"scaling.max_workers":           "MAX_WORKERS",
	"scaling.target_queue_depth":    "TARGET_QUEUE_DEPTH",
	"scaling.target_p95_ms":         "TARGET_P95_LATENCY_MS",
	"scaling.scale_up_step":         "SCALE_UP_STEP",
	"scaling.scale_down_step":       "SCALE_DOWN_STEP",
	"scaling.decision_interval_ms":  "SCALE_DECISION_INTERVAL_MS",
	"scaling.cooldown_ms":           "SCALE_COOLDOWN_MS",
	"scaling.shutdown_timeout_s":    "WORKER_SHUTDOWN_TIMEOUT_S",
	"server.host":                   "TANDEM_HOST",
	"server.port":                   "TANDEM_PORT",
	"server.auth_secret":            "TANDEM_AUTH_SECRET",
	"telemetry.metrics_enabled":     "TANDEM_METRICS_ENABLED",
	"telemetry.otlp_endpoint":       "OTEL_EXPORTER_OTLP_ENDPOINT",
	"monitoring.interval_ms":        "MONITOR_INTERVAL_MS",
	"monitoring.retention_ms":       "MONITOR_RETENTION_MS",
	"core.debug":                    "TANDEM_DEBUG",
	"core.log_format":               "TANDEM_LOG_FORMAT",
	"core.quiet":                    "TANDEM_QUIET",
	"core.tz":                       "TANDEM_TZ",
}

// Load reads and merges the configuration. A missing config file is not an
// error unless it was requested explicitly.
func (l *Loader) Load() (*Config, error) {
	// .env values become process env before viper binding sees them.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		l.warnings = append(l.warnings, fmt.Sprintf("failed to load .env: %v", err))
	}

	l.setDefaults()

	for key, env := range envBindings {
		if err := l.v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	} else {
		l.v.SetConfigName(build.Slug)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(filepath.Join(xdg.ConfigHome, build.Slug))
		l.v.AddConfigPath(".")
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg, err := l.build()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Warnings = l.warnings
	return cfg, nil
}

func (l *Loader) defaultDataDir() string {
	if l.dataDir != "" {
		return l.dataDir
	}
	if dir := os.Getenv("TANDEM_DATA_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(xdg.DataHome, build.Slug)
}

func (l *Loader) setDefaults() {
	dataDir := l.defaultDataDir()

	l.v.SetDefault("core.debug", false)
	l.v.SetDefault("core.log_format", "text")
	l.v.SetDefault("core.quiet", false)

	l.v.SetDefault("paths.data_dir", dataDir)
	l.v.SetDefault("paths.dags_dir", filepath.Join(dataDir, "dags"))
	l.v.SetDefault("paths.urg_store", filepath.Join(dataDir, "urg"))
	l.v.SetDefault("paths.audit_dir", filepath.Join(dataDir, "audit"))
	l.v.SetDefault("paths.checkpoints", filepath.Join(dataDir, "checkpoints.jsonl"))
	l.v.SetDefault("paths.state_store", filepath.Join(dataDir, "state.jsonl"))
	l.v.SetDefault("paths.orch_events", filepath.Join(dataDir, "events.jsonl"))

	l.v.SetDefault("queue.backend", string(QueueBackendMemory))
	l.v.SetDefault("queue.visibility_ms", 30_000)
	l.v.SetDefault("queue.heartbeat_ms", 10_000)
	l.v.SetDefault("queue.poll_ms", 500)
	l.v.SetDefault("queue.max_job_retries", 3)
	l.v.SetDefault("queue.requeue_base_ms", 1_000)
	l.v.SetDefault("queue.requeue_cap_ms", 60_000)
	l.v.SetDefault("queue.requeue_jitter_pct", 0.2)

	l.v.SetDefault("ratelimit.global_capacity", 100)
	l.v.SetDefault("ratelimit.global_refill", 50.0)
	l.v.SetDefault("ratelimit.tenant_capacity", 20)
	l.v.SetDefault("ratelimit.tenant_refill", 10.0)
	l.v.SetDefault("ratelimit.retry_delay_ms", 1_000)

	l.v.SetDefault("approval.expires_h", 72)
	l.v.SetDefault("approval.approver_role", "admin")
	l.v.SetDefault("approval.nl_approver_role", "operator")

	l.v.SetDefault("scaling.min_workers", 1)
	l.v.SetDefault("scaling.max_workers", 8)
	l.v.SetDefault("scaling.target_queue_depth", 10)
	l.v.SetDefault("scaling.target_p95_ms", 30_000)
	l.v.SetDefault("scaling.scale_up_step", 2)
	l.v.SetDefault("scaling.scale_down_step", 1)
	l.v.SetDefault("scaling.decision_interval_ms", 5_000)
	l.v.SetDefault("scaling.cooldown_ms", 15_000)
	l.v.SetDefault("scaling.shutdown_timeout_s", 30)

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8090)

	l.v.SetDefault("telemetry.metrics_enabled", true)
	l.v.SetDefault("telemetry.otlp_endpoint", "")

	l.v.SetDefault("monitoring.interval_ms", 10_000)
	l.v.SetDefault("monitoring.retention_ms", 3_600_000)
}

func (l *Loader) build() (*Config, error) {
	ms := func(key string) time.Duration {
		return time.Duration(l.v.GetInt64(key)) * time.Millisecond
	}

	cfg := &Config{
		Core: Core{
			Debug:     l.v.GetBool("core.debug"),
			LogFormat: l.v.GetString("core.log_format"),
			Quiet:     l.v.GetBool("core.quiet"),
			TZ:        l.v.GetString("core.tz"),
		},
		Paths: PathsConfig{
			DataDir:        l.v.GetString("paths.data_dir"),
			DAGsDir:        l.v.GetString("paths.dags_dir"),
			URGStore:       l.v.GetString("paths.urg_store"),
			AuditDir:       l.v.GetString("paths.audit_dir"),
			Checkpoints:    l.v.GetString("paths.checkpoints"),
			StateStore:     l.v.GetString("paths.state_store"),
			OrchEvents:     l.v.GetString("paths.orch_events"),
			ConfigFileUsed: l.v.ConfigFileUsed(),
		},
		Queue: QueueConfig{
			Backend:          QueueBackend(strings.ToLower(l.v.GetString("queue.backend"))),
			RedisURL:         l.v.GetString("queue.redis_url"),
			Visibility:       ms("queue.visibility_ms"),
			Heartbeat:        ms("queue.heartbeat_ms"),
			Poll:             ms("queue.poll_ms"),
			MaxJobRetries:    l.v.GetInt("queue.max_job_retries"),
			RequeueBase:      ms("queue.requeue_base_ms"),
			RequeueCap:       ms("queue.requeue_cap_ms"),
			RequeueJitterPct: l.v.GetFloat64("queue.requeue_jitter_pct"),
		},
		RateLimit: RateLimitConfig{
			GlobalCapacity:     l.v.GetInt("ratelimit.global_capacity"),
			GlobalRefillPerSec: l.v.GetFloat64("ratelimit.global_refill"),
			TenantCapacity:     l.v.GetInt("ratelimit.tenant_capacity"),
			TenantRefillPerSec: l.v.GetFloat64("ratelimit.tenant_refill"),
			RetryDelay:         ms("ratelimit.retry_delay_ms"),
		},
		Approval: ApprovalConfig{
			Expiry:         time.Duration(l.v.GetInt("approval.expires_h")) * time.Hour,
			ApproverRole:   l.v.GetString("approval.approver_role"),
			NLApproverRole: l.v.GetString("approval.nl_approver_role"),
		},
		Scaling: ScalingConfig{
			MinWorkers:       l.v.GetInt("scaling.min_workers"),
			MaxWorkers:       l.v.GetInt("scaling.max_workers"),
			TargetQueueDepth: l.v.GetInt("scaling.target_queue_depth"),
			TargetP95:        ms("scaling.target_p95_ms"),
			ScaleUpStep:      l.v.GetInt("scaling.scale_up_step"),
			ScaleDownStep:    l.v.GetInt("scaling.scale_down_step"),
			DecisionInterval: ms("scaling.decision_interval_ms"),
			Cooldown:         ms("scaling.cooldown_ms"),
			ShutdownTimeout:  time.Duration(l.v.GetInt("scaling.shutdown_timeout_s")) * time.Second,
		},
		Server: ServerConfig{
			Host:       l.v.GetString("server.host"),
			Port:       l.v.GetInt("server.port"),
			AuthSecret: l.v.GetString("server.auth_secret"),
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: l.v.GetBool("telemetry.metrics_enabled"),
			OTLPEndpoint:   l.v.GetString("telemetry.otlp_endpoint"),
		},
		Monitoring: MonitoringConfig{
			Interval:  ms("monitoring.interval_ms"),
			Retention: ms("monitoring.retention_ms"),
		},
	}

	cfg.Paths.Connectors = filepath.Join(cfg.Paths.DataDir, "connectors.jsonl")
	cfg.Paths.Schedules = filepath.Join(cfg.Paths.DataDir, "schedules.yaml")

	if err := setTimezone(&cfg.Core); err != nil {
		return nil, err
	}
	return cfg, nil
}

func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
