package engine

import (
	"fmt"

	"questforge/internal/protocol"
	"questforge/internal/state"
)

// Snapshot is a complete, self-sufficient state at a turn boundary.
// Replaying all committed batches with turn in (Snapshot.Turn, T] against
// State reproduces the exact state at T.
type Snapshot struct {
	Turn  uint64
	State any
}

// SnapshotPolicy decides when History folds the log into a new snapshot:
// after EveryTurns committed turns or EveryDeltas accumulated deltas,
// whichever comes first. Zero disables a criterion.
type SnapshotPolicy struct {
	EveryTurns  int
	EveryDeltas int
}

// Due reports whether a new snapshot should be taken.
func (p SnapshotPolicy) Due(turnsSince, deltasSince int) bool {
	if p.EveryTurns > 0 && turnsSince >= p.EveryTurns {
		return true
	}
	if p.EveryDeltas > 0 && deltasSince >= p.EveryDeltas {
		return true
	}
	return false
}

// History maintains periodic snapshots plus the committed batches since the
// oldest retained snapshot, giving point-in-turn reconstruction with bounded
// replay depth. Not safe for concurrent use from outside the owning session
// goroutine, but the trees it hands out are immutable and safe to share.
type History struct {
	policy SnapshotPolicy

	snaps []Snapshot
	log   []protocol.TurnDeltas

	turnsSince  int
	deltasSince int
}

// NewHistory starts history at a genesis snapshot.
func NewHistory(policy SnapshotPolicy, genesis Snapshot) *History {
	return &History{
		policy: policy,
		snaps:  []Snapshot{genesis},
	}
}

// Record appends a committed batch and, when the policy is due, folds state
// into a new snapshot. It returns the new snapshot, or nil.
func (h *History) Record(batch protocol.TurnDeltas, newState any) *Snapshot {
	h.log = append(h.log, batch)
	h.turnsSince++
	h.deltasSince += len(batch.Deltas)
	if !h.policy.Due(h.turnsSince, h.deltasSince) {
		return nil
	}
	snap := Snapshot{Turn: batch.Turn, State: newState}
	h.snaps = append(h.snaps, snap)
	h.turnsSince = 0
	h.deltasSince = 0
	return &snap
}

// Latest returns the most recent snapshot.
func (h *History) Latest() Snapshot { return h.snaps[len(h.snaps)-1] }

// Log returns the committed batches currently retained.
func (h *History) Log() []protocol.TurnDeltas { return h.log }

// SnapshotAt returns the latest snapshot with snapshot.turn <= turn.
func (h *History) SnapshotAt(turn uint64) (Snapshot, bool) {
	for i := len(h.snaps) - 1; i >= 0; i-- {
		if h.snaps[i].Turn <= turn {
			return h.snaps[i], true
		}
	}
	return Snapshot{}, false
}

// StateAt reconstructs the state as of turn by replaying committed batches
// in (snapshot.turn, turn] over a private copy of the nearest snapshot.
// Replay is deterministic and leaves the canonical log untouched.
func (h *History) StateAt(turn uint64) (any, error) {
	snap, ok := h.SnapshotAt(turn)
	if !ok {
		return nil, fmt.Errorf("no snapshot at or before turn %d", turn)
	}
	tree := state.Clone(snap.State)
	for _, batch := range h.log {
		if batch.Turn <= snap.Turn {
			continue
		}
		if batch.Turn > turn {
			break
		}
		next, err := ApplyBatch(tree, batch)
		if err != nil {
			return nil, err
		}
		tree = next
	}
	return tree, nil
}

// Compact drops snapshots beyond the keep most recent ones and archives the
// batches older than the oldest retained snapshot; they are no longer needed
// to reconstruct any retained turn. It returns the dropped batches.
func (h *History) Compact(keep int) []protocol.TurnDeltas {
	if keep < 1 {
		keep = 1
	}
	if len(h.snaps) > keep {
		h.snaps = append([]Snapshot(nil), h.snaps[len(h.snaps)-keep:]...)
	}
	horizon := h.snaps[0].Turn
	cut := 0
	for cut < len(h.log) && h.log[cut].Turn <= horizon {
		cut++
	}
	dropped := h.log[:cut]
	h.log = append([]protocol.TurnDeltas(nil), h.log[cut:]...)
	return dropped
}
