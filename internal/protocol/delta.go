package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies what kind of actor produced a delta.
type Source string

const (
	SourcePlayerAction       Source = "player_action"
	SourceGMNarration        Source = "gm_narration"
	SourceNPCAction          Source = "npc_action"
	SourceConflictResolution Source = "conflict_resolution"
	SourceTimePassage        Source = "time_passage"
	SourceSystem             Source = "system"
)

// IsValid reports whether s is a known delta source.
func (s Source) IsValid() bool {
	switch s {
	case SourcePlayerAction, SourceGMNarration, SourceNPCAction,
		SourceConflictResolution, SourceTimePassage, SourceSystem:
		return true
	}
	return false
}

// Op is a delta operation kind.
type Op string

const (
	OpSet       Op = "set"
	OpDelete    Op = "delete"
	OpPush      Op = "push"
	OpPull      Op = "pull"
	OpIncrement Op = "increment"
)

// IsValid reports whether o is a known operation.
func (o Op) IsValid() bool {
	switch o {
	case OpSet, OpDelete, OpPush, OpPull, OpIncrement:
		return true
	}
	return false
}

// Target sub-roots of the session state tree.
const (
	TargetWorld  = "world"
	TargetPlayer = "player"
	TargetScene  = "scene"

	npcTargetPrefix = "npc:"
)

// ParseTarget splits a target reference into its root kind and, for NPC
// targets, the NPC id. Returns an error for unknown roots or empty NPC ids.
func ParseTarget(target string) (root, npcID string, err error) {
	switch target {
	case TargetWorld, TargetPlayer, TargetScene:
		return target, "", nil
	}
	if id, ok := strings.CutPrefix(target, npcTargetPrefix); ok {
		if id == "" {
			return "", "", fmt.Errorf("empty npc id in target %q", target)
		}
		return "npc", id, nil
	}
	return "", "", fmt.Errorf("unknown target %q", target)
}

// Delta is one atomic state mutation instruction.
//
// ID is globally unique and used for idempotency and undo lookup. Turn must
// be >= the session's last committed turn when the delta is validated.
// PreviousValue is recorded by the applicator on commit (HasPrevious marks
// the absent case, e.g. push or set into a fresh slot) and is immutable
// afterwards; it is never re-applied automatically.
type Delta struct {
	ID            string    `json:"id"`
	Turn          uint64    `json:"turn"`
	Timestamp     time.Time `json:"timestamp"`
	Source        Source    `json:"source"`
	Target        string    `json:"target"`
	Path          string    `json:"path"`
	Op            Op        `json:"op"`
	Value         any       `json:"value,omitempty"`
	PreviousValue any       `json:"previous_value,omitempty"`
	HasPrevious   bool      `json:"has_previous,omitempty"`
	Description   string    `json:"description,omitempty"`
}

// TurnDeltas is one committed (or submitted) batch of deltas for a turn.
// All member deltas share the same Turn. Checksum, when present, is the
// state.DigestAlgorithm hash of the session state resulting from the batch;
// a mismatch on recomputation rejects the whole batch.
type TurnDeltas struct {
	Turn     uint64  `json:"turn"`
	Deltas   []Delta `json:"deltas"`
	Checksum string  `json:"checksum,omitempty"`
}
