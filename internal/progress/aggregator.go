// Package progress converts per-chunk, per-phase fractions into one overall
// percentage and delivers it to subscribers.
package progress

import (
	"math"
	"sync"
)

// DefaultFetchWeight is the share of each chunk attributed to downloading.
// The remaining share is attributed to cutting. It is a fixed estimate, not
// a measurement of any particular run.
const DefaultFetchWeight = 0.7

// Phase names the stage that produced an event.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseExtracting Phase = "extracting"
	PhaseCompleted  Phase = "completed"
)

// Event is one overall progress update.
type Event struct {
	Percentage int   `json:"percentage"`
	Phase      Phase `json:"phase"`
}

// Aggregator computes the overall percentage for one session. Values never
// decrease and stay below 100 until Complete is called.
type Aggregator struct {
	mu          sync.Mutex
	fetchWeight float64
	last        int
}

// NewAggregator returns an aggregator using fetchWeight for the download
// share of each chunk. Weights outside (0,1] fall back to DefaultFetchWeight.
func NewAggregator(fetchWeight float64) *Aggregator {
	if fetchWeight <= 0 || fetchWeight > 1 || math.IsNaN(fetchWeight) {
		fetchWeight = DefaultFetchWeight
	}
	return &Aggregator{fetchWeight: fetchWeight}
}

// Report returns the overall percentage for chunk i of n (0-indexed) at the
// given phase fraction.
func (a *Aggregator) Report(chunkIndex, chunkCount int, phase Phase, fraction float64) int {
	// epsilon absorbs float error on exact boundaries such as 0.7*100
	pct := int(math.Floor(Overall(chunkIndex, chunkCount, phase, fraction, a.fetchWeight) + 1e-9))
	if pct > 99 {
		pct = 99
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if pct < a.last {
		pct = a.last
	}
	a.last = pct
	return pct
}

// Complete marks the session finished and returns 100.
func (a *Aggregator) Complete() int {
	a.mu.Lock()
	a.last = 100
	a.mu.Unlock()
	return 100
}

// Last returns the most recent value.
func (a *Aggregator) Last() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Overall is the unclamped weighted formula:
//
//	fetch:   i*share + share*w*f
//	extract: i*share + share*w + share*(1-w)*f
//
// with share = 100/n.
func Overall(chunkIndex, chunkCount int, phase Phase, fraction, fetchWeight float64) float64 {
	if chunkCount <= 0 {
		return 0
	}
	fraction = clamp01(fraction)
	share := 100.0 / float64(chunkCount)
	base := float64(chunkIndex) * share

	switch phase {
	case PhaseFetching:
		return base + share*fetchWeight*fraction
	case PhaseExtracting:
		return base + share*fetchWeight + share*(1-fetchWeight)*fraction
	case PhaseCompleted:
		return 100
	default:
		return base
	}
}

// ExtractFraction is the extraction-phase fraction after finishing the
// done-th (0-indexed) of total segments in a chunk.
func ExtractFraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done+1) / float64(total)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
