package telemetry_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/telemetry"
)

func TestNopIsInert(t *testing.T) {
	m := telemetry.Nop()
	m.Counter("jobs_total", "status", "success")
	m.Observe("job_seconds", 1.5)
	m.Gauge("pool_workers", 3)
	stop := m.Timer("job_seconds")
	stop()
}

func TestPrometheusCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewPrometheus(reg)

	m.Counter("jobs_total", "status", "success")
	m.Counter("jobs_total", "status", "success")
	m.Counter("jobs_total", "status", "failed")

	assert.Equal(t, float64(2), counterValue(t, reg, "tandem_jobs_total", "success"))
	assert.Equal(t, float64(1), counterValue(t, reg, "tandem_jobs_total", "failed"))
}

// counterValue digs the labelled child back out of the registry output.
func counterValue(t *testing.T, reg *prometheus.Registry, name, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetValue() == status {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{status=%q} not found", name, status)
	return 0
}

func TestPrometheusGaugeAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewPrometheus(reg)

	m.Gauge("pool_workers", 4)
	m.Observe("job_seconds", 0.25)
	stop := m.Timer("job_seconds")
	stop()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["tandem_pool_workers"])
	assert.True(t, names["tandem_job_seconds"])
}

func TestPoolCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(telemetry.NewPoolCollector(func() telemetry.PoolStats {
		return telemetry.PoolStats{Workers: 3, InFlight: 2, QueueDepth: 7, DLQDepth: 1}
	}))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := make(map[string]float64)
	for _, mf := range families {
		got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, float64(3), got["tandem_pool_workers"])
	assert.Equal(t, float64(2), got["tandem_pool_in_flight"])
	assert.Equal(t, float64(7), got["tandem_queue_depth"])
	assert.Equal(t, float64(1), got["tandem_dlq_depth"])
}
