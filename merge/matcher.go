package merge

import (
	"math"
	"sort"
)

// TimestampMatcher finds the closest element of a sorted timestamp list,
// rejecting matches farther than the configured tolerance. It exists for
// merge strategies driven by an external frame index rather than direct
// video seeking.
type TimestampMatcher struct {
	timestamps []float64
	maxDiff    float64
}

// NewTimestampMatcher builds a matcher over timestamps (seconds since
// epoch, must be sorted ascending) with a tolerance in milliseconds.
func NewTimestampMatcher(timestamps []float64, maxDiffMs float64) *TimestampMatcher {
	return &TimestampMatcher{
		timestamps: timestamps,
		maxDiff:    maxDiffMs / 1000,
	}
}

// Closest returns the index of the nearest timestamp and whether it is
// within tolerance.
func (m *TimestampMatcher) Closest(ts float64) (int, bool) {
	if len(m.timestamps) == 0 {
		return 0, false
	}

	i := sort.SearchFloat64s(m.timestamps, ts)
	best := i
	if i == len(m.timestamps) {
		best = i - 1
	} else if i > 0 && math.Abs(m.timestamps[i-1]-ts) < math.Abs(m.timestamps[i]-ts) {
		best = i - 1
	}

	if math.Abs(m.timestamps[best]-ts) > m.maxDiff {
		return best, false
	}
	return best, true
}
