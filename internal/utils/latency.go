package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded window of triage run durations and
// answers percentile queries over it. When the window is full, the oldest
// sample is dropped, so percentiles always reflect recent runs.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker holding up to maxSize run durations.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize}
}

// Observe records the duration of one completed run.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) == l.maxSize {
		copy(l.samples, l.samples[1:])
		l.samples = l.samples[:l.maxSize-1]
	}
	l.samples = append(l.samples, d)
}

// Percentile returns the duration at percentile p (0-100) over the current
// window. p<=0 yields the fastest run, p>=100 the slowest. Zero when no
// runs have been observed.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	sorted := l.snapshotSorted()
	if len(sorted) == 0 {
		return 0
	}

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}

	index := int((p / 100.0) * float64(len(sorted)-1))
	return sorted[index]
}

// Count returns the number of run durations currently in the window.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}

func (l *LatencyTracker) snapshotSorted() []time.Duration {
	l.mu.RLock()
	sorted := append([]time.Duration(nil), l.samples...)
	l.mu.RUnlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}
