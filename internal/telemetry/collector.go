package telemetry

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is the point-in-time snapshot the collector exports.
type PoolStats struct {
	Workers    int
	InFlight   int
	QueueDepth int
	DLQDepth   int
}

// PoolStatsFunc supplies the snapshot at scrape time.
type PoolStatsFunc func() PoolStats

type poolCollector struct {
	stats PoolStatsFunc

	workers  *prometheus.Desc
	inFlight *prometheus.Desc
	depth    *prometheus.Desc
	dlqDepth *prometheus.Desc
}

// NewPoolCollector exports worker-pool and queue gauges computed at
// scrape time, so the values are always current without a push loop.
func NewPoolCollector(stats PoolStatsFunc) prometheus.Collector {
	return &poolCollector{
		stats: stats,
		workers: prometheus.NewDesc(
			namespace+"_pool_workers",
			"Current worker pool size.", nil, nil),
		inFlight: prometheus.NewDesc(
			namespace+"_pool_in_flight",
			"Jobs currently being executed.", nil, nil),
		depth: prometheus.NewDesc(
			namespace+"_queue_depth",
			"Jobs waiting in the queue.", nil, nil),
		dlqDepth: prometheus.NewDesc(
			namespace+"_dlq_depth",
			"Jobs parked in the dead-letter queue.", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.inFlight
	ch <- c.depth
	ch <- c.dlqDepth
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Workers))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.dlqDepth, prometheus.GaugeValue, float64(s.DLQDepth))
}
