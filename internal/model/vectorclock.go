package model

// VectorClock maps a device ID to the number of writes that device has
// contributed to a record. Missing entries are treated as zero.
type VectorClock map[string]int64

// VectorClockComparison represents the result of comparing two vector clocks
type VectorClockComparison int

const (
	// Equal means both clocks carry the same counters
	Equal VectorClockComparison = iota
	// Dominates means the first clock has seen everything the second has, and more
	Dominates
	// Dominated means the second clock has seen everything the first has, and more
	Dominated
	// Concurrent means neither clock covers the other (siblings)
	Concurrent
)

func (c VectorClockComparison) String() string {
	switch c {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clone returns a copy that can be mutated independently
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}


// Equals reports whether both clocks carry the same counters, treating
// missing entries as zero
func (vc VectorClock) Equals(other VectorClock) bool {
	for k, v := range vc {
		if other[k] != v {
			return false
		}
	}
	for k, v := range other {
		if vc[k] != v {
			return false
		}
	}
	return true
}
