package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tandem"

// Prom implements Metrics on a prometheus.Registry. Instruments are
// created lazily on first use; the label names of the first call become
// the instrument's label set, later calls must match.
type Prom struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus creates a Metrics backend registering on reg.
func NewPrometheus(reg *prometheus.Registry) *Prom {
	return &Prom{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// labelPairs splits alternating key/value labels. An odd trailing key is
// dropped rather than panicking inside an instrumentation call.
func labelPairs(labels []string) (keys []string, values []string) {
	for i := 0; i+1 < len(labels); i += 2 {
		keys = append(keys, labels[i])
		values = append(values, labels[i+1])
	}
	return keys, values
}

func (p *Prom) Counter(name string, labels ...string) {
	keys, values := labelPairs(labels)

	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
		}, keys)
		p.reg.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if c, err := vec.GetMetricWithLabelValues(values...); err == nil {
		c.Inc()
	}
}

func (p *Prom) Observe(name string, seconds float64, labels ...string) {
	keys, values := labelPairs(labels)

	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		p.reg.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if h, err := vec.GetMetricWithLabelValues(values...); err == nil {
		h.Observe(seconds)
	}
}

func (p *Prom) Gauge(name string, value float64, labels ...string) {
	keys, values := labelPairs(labels)

	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
		}, keys)
		p.reg.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	if g, err := vec.GetMetricWithLabelValues(values...); err == nil {
		g.Set(value)
	}
}

func (p *Prom) Timer(name string, labels ...string) func() {
	return timer(name, labels, p.Observe)
}
