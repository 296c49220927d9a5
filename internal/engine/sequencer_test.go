package engine

import (
	"errors"
	"testing"

	"questforge/internal/protocol"
)

func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	tree := NewSessionState()
	tree["player"] = map[string]any{"hp": float64(10), "inventory": []any{"sword"}}
	return NewSequencer(SequencerConfig{Lookahead: 2}, tree, 1)
}

func TestSequencer_CommitAndAdvance(t *testing.T) {
	s := newTestSequencer(t)

	if _, err := s.Submit(mkDelta("a", 1, "player", "hp", protocol.OpIncrement, -3)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := s.CloseTurn()
	if err != nil {
		t.Fatalf("close turn: %v", err)
	}
	if s.OpenTurn() != 2 {
		t.Fatalf("open turn: got %d", s.OpenTurn())
	}
	if len(res.Batch.Deltas) != 1 || res.Batch.Turn != 1 {
		t.Fatalf("batch: %+v", res.Batch)
	}
	if res.Batch.Checksum == "" {
		t.Fatal("missing checksum")
	}
	if got := playerOf(t, res.State)["hp"]; got != float64(7) {
		t.Fatalf("hp: %v", got)
	}
}

func TestSequencer_StaleAndGap(t *testing.T) {
	s := newTestSequencer(t)
	if _, err := s.CloseTurn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := s.Submit(mkDelta("old", 1, "player", "hp", protocol.OpIncrement, 1))
	var stale *StaleTurnError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleTurnError, got %v", err)
	}

	_, err = s.Submit(mkDelta("far", 10, "player", "hp", protocol.OpIncrement, 1))
	var gap *TurnGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected TurnGapError, got %v", err)
	}
}

func TestSequencer_FutureBufferedInIDOrder(t *testing.T) {
	s := newTestSequencer(t)

	// Arrive out of id order for turn 2 while turn 1 is open.
	if _, err := s.Submit(mkDelta("b", 2, "player", "hp", protocol.OpSet, 5)); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if _, err := s.Submit(mkDelta("a", 2, "player", "hp", protocol.OpSet, 3)); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("future deltas leaked into open turn: %d pending", s.PendingCount())
	}

	if _, err := s.CloseTurn(); err != nil {
		t.Fatalf("close 1: %v", err)
	}
	res, err := s.CloseTurn()
	if err != nil {
		t.Fatalf("close 2: %v", err)
	}
	// "a" then "b": the later set wins.
	if got := playerOf(t, res.State)["hp"]; got != float64(5) {
		t.Fatalf("hp: %v", got)
	}
	if res.Batch.Deltas[0].ID != "a" || res.Batch.Deltas[1].ID != "b" {
		t.Fatalf("commit order: %s, %s", res.Batch.Deltas[0].ID, res.Batch.Deltas[1].ID)
	}
}

func TestSequencer_Idempotency(t *testing.T) {
	s := newTestSequencer(t)
	d := mkDelta("dup", 1, "player", "hp", protocol.OpIncrement, -3)

	if _, err := s.Submit(d); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := s.CloseTurn()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	want := res.Batch.Deltas[0]

	// Re-submitting a committed id is a no-op returning the recorded
	// effective delta; state and turn are untouched.
	eff, err := s.Submit(d)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if eff == nil || eff.ID != "dup" || eff.PreviousValue != want.PreviousValue || !eff.HasPrevious {
		t.Fatalf("effective delta: %+v", eff)
	}
	if s.PendingCount() != 0 {
		t.Fatal("duplicate delta was buffered")
	}
	res2, err := s.CloseTurn()
	if err != nil {
		t.Fatalf("close 2: %v", err)
	}
	if got := playerOf(t, res2.State)["hp"]; got != float64(7) {
		t.Fatalf("hp after duplicate: %v", got)
	}
}

func TestSequencer_RetryBeforeCloseAppliesOnce(t *testing.T) {
	s := newTestSequencer(t)
	d := mkDelta("retry", 1, "player", "hp", protocol.OpIncrement, -3)

	// Retried before the turn closed: both copies land in the pending set.
	if _, err := s.Submit(d); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Submit(d); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	res, err := s.CloseTurn()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Batch.Deltas) != 1 {
		t.Fatalf("committed %d deltas for one id", len(res.Batch.Deltas))
	}
	if got := playerOf(t, res.State)["hp"]; got != float64(7) {
		t.Fatalf("increment applied more than once: hp %v", got)
	}
}

func TestSequencer_PartialFailureSkipsDeltaOnly(t *testing.T) {
	s := newTestSequencer(t)

	if _, err := s.Submit(mkDelta("ok1", 1, "player", "hp", protocol.OpIncrement, -1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Submit(mkDelta("bad", 1, "player", "mana", protocol.OpIncrement, 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Submit(mkDelta("ok2", 1, "player", "inventory[*]", protocol.OpPush, "rope")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := s.CloseTurn()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Batch.Deltas) != 2 {
		t.Fatalf("committed deltas: %d", len(res.Batch.Deltas))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Delta.ID != "bad" {
		t.Fatalf("rejected: %+v", res.Rejected)
	}
	if code := ErrorCode(res.Rejected[0].Err); code != protocol.ErrBadPath {
		t.Fatalf("rejected code: %s", code)
	}
	if got := playerOf(t, res.State)["hp"]; got != float64(9) {
		t.Fatalf("hp: %v", got)
	}
}

func TestSequencer_ChecksumMismatchRollsBackTurn(t *testing.T) {
	s := newTestSequencer(t)
	for s.OpenTurn() < 5 {
		if _, err := s.CloseTurn(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	before := mustDigest(t, s.State())

	batch := protocol.TurnDeltas{
		Turn: 5,
		Deltas: []protocol.Delta{
			mkDelta("x1", 5, "player", "hp", protocol.OpIncrement, -2),
			mkDelta("x2", 5, "player", "inventory[*]", protocol.OpPush, "gem"),
		},
		Checksum: "deadbeef",
	}
	_, err := s.CommitBatch(batch)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if s.OpenTurn() != 5 {
		t.Fatalf("turn advanced after integrity failure: %d", s.OpenTurn())
	}
	if got := mustDigest(t, s.State()); got != before {
		t.Fatal("state changed after integrity failure")
	}

	// The same batch with the correct checksum commits.
	good := batch
	good.Checksum = ""
	res, err := s.CommitBatch(good)
	if err != nil {
		t.Fatalf("commit without checksum: %v", err)
	}
	if res.Batch.Checksum == "" || s.OpenTurn() != 6 {
		t.Fatalf("commit result: %+v turn=%d", res.Batch, s.OpenTurn())
	}
}

func TestSequencer_ChecksumSensitivity(t *testing.T) {
	mk := func(v any) string {
		s := newTestSequencer(t)
		if _, err := s.Submit(mkDelta("a", 1, "player", "hp", protocol.OpSet, v)); err != nil {
			t.Fatalf("submit: %v", err)
		}
		res, err := s.CloseTurn()
		if err != nil {
			t.Fatalf("close: %v", err)
		}
		return res.Batch.Checksum
	}
	if mk(7) == mk(8) {
		t.Fatal("checksum unchanged under value perturbation")
	}
}
