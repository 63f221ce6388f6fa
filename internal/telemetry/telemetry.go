// Package telemetry is the metrics façade. Call sites record counters,
// histograms, and gauges through the Metrics interface; the default Nop
// backend makes every call free, so instrumentation never gates on
// whether a registry is wired.
package telemetry

import "time"

// Metrics records measurements. Labels are alternating key/value pairs;
// a backend that cannot represent them may ignore them.
type Metrics interface {
	// Counter increments the named counter by one.
	Counter(name string, labels ...string)
	// Observe records one observation, in seconds, on the named histogram.
	Observe(name string, seconds float64, labels ...string)
	// Gauge sets the named gauge.
	Gauge(name string, value float64, labels ...string)
	// Timer returns a stop function that observes the elapsed seconds.
	// Call it with defer so the sample lands even on panic exit.
	Timer(name string, labels ...string) func()
}

type nop struct{}

// Nop returns a Metrics that discards everything.
func Nop() Metrics { return nop{} }

func (nop) Counter(string, ...string)          {}
func (nop) Observe(string, float64, ...string) {}
func (nop) Gauge(string, float64, ...string)   {}
func (nop) Timer(string, ...string) func()     { return func() {} }

// timer builds the shared Timer implementation over an Observe func.
func timer(name string, labels []string, observe func(string, float64, ...string)) func() {
	start := time.Now()
	return func() {
		observe(name, time.Since(start).Seconds(), labels...)
	}
}
