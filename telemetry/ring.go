package telemetry

import (
	"sort"
	"sync"
	"time"
)

// durationRing keeps the most recent N durations for percentile math.
type durationRing struct {
	mu    sync.Mutex
	buf   []time.Duration
	next  int
	count int
}

func newDurationRing(capacity int) *durationRing {
	return &durationRing{buf: make([]time.Duration, capacity)}
}

func (r *durationRing) record(d time.Duration) {
	r.mu.Lock()
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// avg returns the mean of retained samples in milliseconds.
func (r *durationRing) avg() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.buf[i]
	}
	return float64(sum.Nanoseconds()) / float64(r.count) / 1e6
}

// percentile returns the p-th percentile (0 < p ≤ 1) in milliseconds.
func (r *durationRing) percentile(p float64) float64 {
	r.mu.Lock()
	samples := make([]time.Duration, r.count)
	copy(samples, r.buf[:r.count])
	r.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	idx := int(float64(len(samples)) * p)
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return float64(samples[idx].Nanoseconds()) / 1e6
}
