// Package eta estimates remaining processing time from reported progress.
package eta

import (
	"math"

	"stem-separator/internal/domain"
)

const (
	// RecentWeight and HistoricalWeight blend the linear estimate with stage history.
	RecentWeight     = 0.7
	HistoricalWeight = 0.3

	// MinAdvance is the percent delta below which a previous estimate is held.
	MinAdvance = 0.5
)

// Estimate returns the linear remaining-time estimate in seconds.
// The second return value is false when percent is zero or negative.
func Estimate(elapsedSeconds, percent float64) (float64, bool) {
	if percent <= 0 || math.IsNaN(percent) {
		return 0, false
	}
	if percent >= 100 {
		return 0, true
	}
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return elapsedSeconds * (100 - percent) / percent, true
}

// Sample is one progress observation fed to a Tracker.
type Sample struct {
	ElapsedSeconds      float64
	Percent             float64
	Stage               domain.Stage
	StageElapsedSeconds float64
}

// Tracker holds per-job estimator state. It is not safe for concurrent use;
// each job's worker owns one.
type Tracker struct {
	averages    map[domain.Stage]float64
	order       []domain.Stage
	lastPercent float64
	lastETA     float64
	hasETA      bool
}

// NewTracker creates a tracker. averages maps stages to their historical mean
// duration in seconds and may be nil.
func NewTracker(averages map[domain.Stage]float64) *Tracker {
	return &Tracker{
		averages: averages,
		order:    domain.PipelineStages,
	}
}

// Update returns the estimate for s, holding the previous value while percent
// has not advanced by at least MinAdvance.
func (t *Tracker) Update(s Sample) (float64, bool) {
	if s.Percent >= 100 {
		t.lastPercent = 100
		t.lastETA = 0
		t.hasETA = true
		return 0, true
	}
	if t.hasETA && s.Percent-t.lastPercent < MinAdvance {
		return t.lastETA, true
	}

	base, ok := Estimate(s.ElapsedSeconds, s.Percent)
	if !ok {
		return 0, false
	}

	if hist, ok := t.historicalRemaining(s.Stage, s.StageElapsedSeconds); ok {
		base = RecentWeight*base + HistoricalWeight*hist
	}

	t.lastPercent = s.Percent
	t.lastETA = base
	t.hasETA = true
	return base, true
}

// historicalRemaining sums the mean duration left in the current stage and
// every later stage. It reports false unless all of them have history.
func (t *Tracker) historicalRemaining(stage domain.Stage, stageElapsed float64) (float64, bool) {
	if len(t.averages) == 0 {
		return 0, false
	}

	idx := -1
	for i, st := range t.order {
		if st == stage {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}

	current, ok := t.averages[stage]
	if !ok {
		return 0, false
	}
	remaining := math.Max(0, current-stageElapsed)
	for _, st := range t.order[idx+1:] {
		avg, ok := t.averages[st]
		if !ok {
			return 0, false
		}
		remaining += avg
	}
	return remaining, true
}
