package engine

import (
	"testing"

	"questforge/internal/protocol"
	"questforge/internal/state"
)

// Drive a sequencer and a history together the way a session does.
func commitTurns(t *testing.T, s *Sequencer, h *History, deltasPerTurn map[uint64][]protocol.Delta, upTo uint64) {
	t.Helper()
	for s.OpenTurn() < upTo {
		for _, d := range deltasPerTurn[s.OpenTurn()] {
			if _, err := s.Submit(d); err != nil {
				t.Fatalf("submit turn %d: %v", d.Turn, err)
			}
		}
		res, err := s.CloseTurn()
		if err != nil {
			t.Fatalf("close turn: %v", err)
		}
		h.Record(res.Batch, res.State)
	}
}

func TestHistory_StateAtMatchesLive(t *testing.T) {
	tree := NewSessionState()
	tree["player"] = map[string]any{"hp": float64(10)}
	s := NewSequencer(SequencerConfig{Lookahead: 2}, tree, 1)
	h := NewHistory(SnapshotPolicy{EveryTurns: 5}, Snapshot{Turn: 0, State: state.Clone(tree)})

	deltas := map[uint64][]protocol.Delta{
		2: {mkDelta("t2", 2, "player", "hp", protocol.OpIncrement, -1)},
		5: {mkDelta("t5", 5, "player", "hp", protocol.OpIncrement, -2)},
		6: {mkDelta("t6", 6, "player", "hp", protocol.OpSet, 20)},
		7: {mkDelta("t7", 7, "player", "hp", protocol.OpIncrement, 3)},
	}
	commitTurns(t, s, h, deltas, 8)

	// The every-5-turns policy produced a snapshot at turn 5.
	snap, ok := h.SnapshotAt(7)
	if !ok {
		t.Fatal("no snapshot at or before turn 7")
	}
	if snap.Turn == 0 {
		t.Fatalf("expected a non-genesis snapshot, got turn %d", snap.Turn)
	}

	liveDigest := mustDigest(t, s.State())
	at7, err := h.StateAt(7)
	if err != nil {
		t.Fatalf("stateAt(7): %v", err)
	}
	if got := mustDigest(t, at7); got != liveDigest {
		t.Fatalf("replayed state differs from live: %s vs %s", got, liveDigest)
	}

	// Point-in-turn reconstruction of an interior turn.
	at6, err := h.StateAt(6)
	if err != nil {
		t.Fatalf("stateAt(6): %v", err)
	}
	if got := playerOf(t, at6)["hp"]; got != float64(20) {
		t.Fatalf("hp at turn 6: %v", got)
	}
	at2, err := h.StateAt(2)
	if err != nil {
		t.Fatalf("stateAt(2): %v", err)
	}
	if got := playerOf(t, at2)["hp"]; got != float64(9) {
		t.Fatalf("hp at turn 2: %v", got)
	}
}

func TestHistory_SnapshotPolicyByDeltas(t *testing.T) {
	tree := NewSessionState()
	s := NewSequencer(SequencerConfig{Lookahead: 2}, tree, 1)
	h := NewHistory(SnapshotPolicy{EveryDeltas: 3}, Snapshot{Turn: 0, State: state.Clone(tree)})

	var snapped int
	for turn := uint64(1); turn <= 4; turn++ {
		for i := 0; i < 2; i++ {
			d := mkDelta(string(rune('a'+int(turn)*2+i)), turn, "world", "clock", protocol.OpSet, int(turn))
			if _, err := s.Submit(d); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
		res, err := s.CloseTurn()
		if err != nil {
			t.Fatalf("close: %v", err)
		}
		if snap := h.Record(res.Batch, res.State); snap != nil {
			snapped++
		}
	}
	if snapped != 2 {
		t.Fatalf("snapshots taken: %d, want 2", snapped)
	}
}

func TestHistory_CompactDropsArchivedBatches(t *testing.T) {
	tree := NewSessionState()
	s := NewSequencer(SequencerConfig{Lookahead: 2}, tree, 1)
	h := NewHistory(SnapshotPolicy{EveryTurns: 2}, Snapshot{Turn: 0, State: state.Clone(tree)})

	deltas := map[uint64][]protocol.Delta{}
	for turn := uint64(1); turn <= 6; turn++ {
		deltas[turn] = []protocol.Delta{mkDelta(string(rune('a'+turn)), turn, "world", "clock", protocol.OpSet, int(turn))}
	}
	commitTurns(t, s, h, deltas, 7)

	dropped := h.Compact(2)
	if len(dropped) == 0 {
		t.Fatal("expected archived batches")
	}
	// Turns at or after the oldest retained snapshot stay reconstructable.
	oldest := h.snaps[0].Turn
	if _, err := h.StateAt(oldest); err != nil {
		t.Fatalf("stateAt(%d) after compact: %v", oldest, err)
	}
	live, err := h.StateAt(6)
	if err != nil {
		t.Fatalf("stateAt(6) after compact: %v", err)
	}
	if got := mustDigest(t, live); got != mustDigest(t, s.State()) {
		t.Fatal("compacted history no longer reproduces live state")
	}
}
