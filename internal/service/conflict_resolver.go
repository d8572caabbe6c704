package service

import (
	"github.com/contextfs/syncd/internal/algorithm"
	"github.com/contextfs/syncd/internal/model"
	"go.uber.org/zap"
)

// Action is what the engine should do with one incoming record
type Action int

const (
	// ActionApply stores the incoming payload with Decision.Clock
	ActionApply Action = iota
	// ActionConflict leaves the stored record untouched and reports a conflict
	ActionConflict
	// ActionUnchanged is a no-op for the payload. Decision.Clock may still
	// absorb the incoming causal history.
	ActionUnchanged
)

func (a Action) String() string {
	switch a {
	case ActionApply:
		return "apply"
	case ActionConflict:
		return "conflict"
	case ActionUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Decision is the resolver's verdict for one record
type Decision struct {
	Action Action
	// Clock is the vector clock the stored record should carry afterwards
	Clock model.VectorClock
	// Reason qualifies ActionUnchanged (identical or stale)
	Reason string
	// Comparison is incoming compared to existing; Equal when there is no existing record
	Comparison model.VectorClockComparison
}

// ConflictResolver decides, per record, whether an incoming write causally
// dominates, is dominated by, or is concurrent with the stored version
type ConflictResolver struct {
	vcOps  *algorithm.VectorClockOps
	logger *zap.Logger
}

// NewConflictResolver creates a new conflict resolver
func NewConflictResolver(vcOps *algorithm.VectorClockOps, logger *zap.Logger) *ConflictResolver {
	return &ConflictResolver{
		vcOps:  vcOps,
		logger: logger,
	}
}

// Resolve compares incoming against existing. existing is nil for a record
// the server has never seen. Concurrent writes are only applied when force is
// set, and then keep the merged history of both branches.
func (r *ConflictResolver) Resolve(existing, incoming *model.Record, force bool) Decision {
	if existing == nil {
		return Decision{
			Action:     ActionApply,
			Clock:      incoming.VectorClock.Clone(),
			Comparison: model.Equal,
		}
	}

	comparison := r.vcOps.Compare(incoming.VectorClock, existing.VectorClock)

	if existing.ContentHash == incoming.ContentHash {
		return Decision{
			Action:     ActionUnchanged,
			Clock:      r.vcOps.Merge(existing.VectorClock, incoming.VectorClock),
			Reason:     model.ReasonIdentical,
			Comparison: comparison,
		}
	}

	switch comparison {
	case model.Dominates:
		return Decision{
			Action:     ActionApply,
			Clock:      incoming.VectorClock.Clone(),
			Comparison: comparison,
		}

	case model.Concurrent:
		if force {
			r.logger.Debug("Forcing concurrent write",
				zap.String("record_id", incoming.ID),
				zap.String("device_id", incoming.LastDeviceID))
			return Decision{
				Action:     ActionApply,
				Clock:      r.vcOps.Merge(existing.VectorClock, incoming.VectorClock),
				Comparison: comparison,
			}
		}
		return Decision{
			Action:     ActionConflict,
			Clock:      existing.VectorClock.Clone(),
			Comparison: comparison,
		}

	default:
		// Dominated, or Equal clocks carrying different content: a stale
		// write that must not overwrite newer state
		r.logger.Debug("Ignoring stale write",
			zap.String("record_id", incoming.ID),
			zap.String("comparison", comparison.String()))
		return Decision{
			Action:     ActionUnchanged,
			Clock:      existing.VectorClock.Clone(),
			Reason:     model.ReasonStale,
			Comparison: comparison,
		}
	}
}
