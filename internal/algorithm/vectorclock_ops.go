package algorithm

import (
	"github.com/contextfs/syncd/internal/model"
)

// VectorClockOps provides operations on vector clocks
type VectorClockOps struct{}

// NewVectorClockOps creates a new VectorClockOps
func NewVectorClockOps() *VectorClockOps {
	return &VectorClockOps{}
}

// Compare compares vc1 against vc2. Missing entries count as zero, so the
// result does not depend on which keys happen to be present.
func (v *VectorClockOps) Compare(vc1, vc2 model.VectorClock) model.VectorClockComparison {
	firstAhead := false
	secondAhead := false

	for nodeID, ts1 := range vc1 {
		ts2 := vc2[nodeID]
		if ts1 > ts2 {
			firstAhead = true
		} else if ts1 < ts2 {
			secondAhead = true
		}
	}
	for nodeID, ts2 := range vc2 {
		if _, seen := vc1[nodeID]; seen {
			continue
		}
		if ts2 > 0 {
			secondAhead = true
		}
	}

	switch {
	case !firstAhead && !secondAhead:
		return model.Equal
	case firstAhead && !secondAhead:
		return model.Dominates
	case !firstAhead && secondAhead:
		return model.Dominated
	default:
		return model.Concurrent
	}
}

// Merge returns the component-wise maximum of all clocks
func (v *VectorClockOps) Merge(clocks ...model.VectorClock) model.VectorClock {
	merged := make(model.VectorClock)

	for _, clock := range clocks {
		for nodeID, ts := range clock {
			if existing, exists := merged[nodeID]; !exists || ts > existing {
				merged[nodeID] = ts
			}
		}
	}

	return merged
}

// Increment returns a copy of vc with nodeID's counter advanced by one
func (v *VectorClockOps) Increment(vc model.VectorClock, nodeID string) model.VectorClock {
	out := vc.Clone()
	out[nodeID]++
	return out
}

