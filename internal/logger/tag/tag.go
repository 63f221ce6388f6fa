// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Core identification tags

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Tenant creates a tag for tenant identifiers.
func Tenant(id string) slog.Attr {
	return slog.String("tenant", id)
}

// Actor creates a tag for the acting user.
func Actor(user string) slog.Attr {
	return slog.String("actor", user)
}

// DAG creates a tag for DAG (workflow) names.
func DAG(name string) slog.Attr {
	return slog.String("dag", name)
}

// Task creates a tag for task identifiers within a DAG.
func Task(id string) slog.Attr {
	return slog.String("task", id)
}

// RunID creates a tag for DAG run execution IDs.
func RunID(id string) slog.Attr {
	return slog.String("run-id", id)
}

// JobID creates a tag for queued job IDs.
func JobID(id string) slog.Attr {
	return slog.String("job-id", id)
}

// CheckpointID creates a tag for checkpoint IDs.
func CheckpointID(id string) slog.Attr {
	return slog.String("checkpoint-id", id)
}

// PlanID creates a tag for NL plan IDs.
func PlanID(id string) slog.Attr {
	return slog.String("plan-id", id)
}

// ScheduleID creates a tag for schedule entry IDs.
func ScheduleID(id string) slog.Attr {
	return slog.String("schedule-id", id)
}

// WorkerID creates a tag for worker instance IDs.
func WorkerID(id string) slog.Attr {
	return slog.String("worker-id", id)
}

// GraphID creates a tag for resource graph URNs.
func GraphID(id string) slog.Attr {
	return slog.String("graph-id", id)
}

// CorrelationID creates a tag for error correlation IDs.
func CorrelationID(id string) slog.Attr {
	return slog.String("correlation-id", id)
}

// Execution tags

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Status creates a tag for lifecycle statuses.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Event creates a tag for orchestration event names.
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Action creates a tag for routed action names.
func Action(name string) slog.Attr {
	return slog.String("action", name)
}

// Verb creates a tag for parsed NL intent verbs.
func Verb(v string) slog.Attr {
	return slog.String("verb", v)
}

// Reason creates a tag for human-readable reasons.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Risk creates a tag for plan risk levels.
func Risk(level string) slog.Attr {
	return slog.String("risk", level)
}

// Role creates a tag for RBAC roles.
func Role(r string) slog.Attr {
	return slog.String("role", r)
}

// Signer creates a tag for checkpoint signers.
func Signer(user string) slog.Attr {
	return slog.String("signer", user)
}

// Queue and scaling tags

// Queue creates a tag for queue names.
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// Backend creates a tag for backend implementations (memory, redis, s3...).
func Backend(name string) slog.Attr {
	return slog.String("backend", name)
}

// Depth creates a tag for queue depths.
func Depth(n int) slog.Attr {
	return slog.Int("depth", n)
}

// InFlight creates a tag for in-flight job counts.
func InFlight(n int) slog.Attr {
	return slog.Int("in-flight", n)
}

// Workers creates a tag for worker pool sizes.
func Workers(n int) slog.Attr {
	return slog.Int("workers", n)
}

// Priority creates a tag for job priorities.
func Priority(p int) slog.Attr {
	return slog.Int("priority", p)
}

// P95 creates a tag for p95 latencies.
func P95(d time.Duration) slog.Attr {
	return slog.Duration("p95", d)
}

// Resource tags

// Source creates a tag for connector sources (gmail, teams...).
func Source(s string) slog.Attr {
	return slog.String("source", s)
}

// ResourceType creates a tag for URG resource types.
func ResourceType(t string) slog.Attr {
	return slog.String("resource-type", t)
}

// Connector creates a tag for connector names.
func Connector(name string) slog.Attr {
	return slog.String("connector", name)
}

// Path and quantity tags

// Path creates a tag for file or directory paths.
func Path(p string) slog.Attr {
	return slog.String("path", p)
}

// URI creates a tag for storage URIs.
func URI(u string) slog.Attr {
	return slog.String("uri", u)
}

// Shard creates a tag for URG shard file paths.
func Shard(p string) slog.Attr {
	return slog.String("shard", p)
}

// Count creates a tag for generic counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Float creates a tag for a named float measurement.
func Float(key string, v float64) slog.Attr {
	return slog.Float64(key, v)
}

// Limit creates a tag for query limits.
func Limit(n int) slog.Attr {
	return slog.Int("limit", n)
}

// Elapsed creates a tag for elapsed durations.
func Elapsed(d time.Duration) slog.Attr {
	return slog.Duration("elapsed", d)
}

// Delay creates a tag for computed backoff delays.
func Delay(d time.Duration) slog.Attr {
	return slog.Duration("delay", d)
}

// Expiry creates a tag for expiration timestamps.
func Expiry(t time.Time) slog.Attr {
	return slog.Time("expires-at", t)
}

// Server tags

// Host creates a tag for bind hosts.
func Host(h string) slog.Attr {
	return slog.String("host", h)
}

// Port creates a tag for bind ports.
func Port(p int) slog.Attr {
	return slog.Int("port", p)
}

// Component creates a tag for subsystem names in lifecycle logs.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
