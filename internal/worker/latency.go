package worker

import (
	"sort"
	"sync"
	"time"
)

// LatencyRecorder keeps the last N job latencies in a ring buffer and
// serves percentile reads to the autoscaler. Writers are the workers;
// contention is negligible at pool sizes this system runs.
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

// NewLatencyRecorder creates a recorder holding size samples.
func NewLatencyRecorder(size int) *LatencyRecorder {
	if size <= 0 {
		size = 256
	}
	return &LatencyRecorder{samples: make([]time.Duration, size)}
}

// Record adds one sample, evicting the oldest when full.
func (r *LatencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// P95 returns the 95th percentile of the recorded window, zero when empty.
func (r *LatencyRecorder) P95() time.Duration {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return window[idx]
}

// Count returns the number of samples in the window.
func (r *LatencyRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.samples)
	}
	return r.next
}
