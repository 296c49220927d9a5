package engine

import (
	"sort"

	"questforge/internal/protocol"
	"questforge/internal/state"
)

// SequencerConfig carries sequencing policy. Lookahead bounds how many turns
// ahead of the open turn a delta may be buffered.
type SequencerConfig struct {
	Lookahead uint64
}

// Rejection reports a delta excluded from a committed batch.
type Rejection struct {
	Delta protocol.Delta
	Err   error
}

// CommitResult is the outcome of committing one turn.
type CommitResult struct {
	Batch    protocol.TurnDeltas
	State    any
	Rejected []Rejection
}

// Sequencer batches deltas into turns and commits them atomically against a
// copy-on-write state tree. It moves Open(T) -> Committing(T) -> Open(T+1);
// commit happens entirely inside CloseTurn/CommitBatch, so callers only ever
// observe an open turn. Not safe for concurrent use; the owning session
// goroutine serializes access.
type Sequencer struct {
	cfg   SequencerConfig
	turn  uint64
	state any

	pending   []protocol.Delta
	future    map[uint64][]protocol.Delta
	committed map[string]protocol.Delta
}

// NewSequencer starts a sequencer with turn open at openTurn over the given
// committed state.
func NewSequencer(cfg SequencerConfig, initial any, openTurn uint64) *Sequencer {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = 1
	}
	return &Sequencer{
		cfg:       cfg,
		turn:      openTurn,
		state:     initial,
		future:    make(map[uint64][]protocol.Delta),
		committed: make(map[string]protocol.Delta),
	}
}

// OpenTurn returns the currently open turn.
func (s *Sequencer) OpenTurn() uint64 { return s.turn }

// State returns the last committed state tree. Callers must treat it as
// immutable; copy-on-write application guarantees it is never written again.
func (s *Sequencer) State() any { return s.state }

// PendingCount returns the number of deltas buffered for the open turn.
func (s *Sequencer) PendingCount() int { return len(s.pending) }

// Submit accepts a delta for the open turn, buffers it for a future turn
// within the lookahead window, or rejects it. A delta whose id was already
// committed is a no-op returning the previously recorded effective delta, so
// retries under at-most-once transport are safe.
func (s *Sequencer) Submit(d protocol.Delta) (*protocol.Delta, error) {
	if eff, ok := s.committed[d.ID]; ok {
		return &eff, nil
	}
	switch {
	case d.Turn < s.turn:
		return nil, &StaleTurnError{Turn: d.Turn, Current: s.turn}
	case d.Turn == s.turn:
		s.pending = append(s.pending, d)
	case d.Turn-s.turn <= s.cfg.Lookahead:
		s.future[d.Turn] = append(s.future[d.Turn], d)
	default:
		return nil, &TurnGapError{Turn: d.Turn, Current: s.turn, Window: s.cfg.Lookahead}
	}
	return nil, nil
}

// CloseTurn commits the open turn: pending deltas are validated and applied
// in arrival order (deltas buffered ahead of the turn are promoted in id
// lexical order), failing deltas are excluded and reported, the checksum of
// the resulting state is recorded, and the next turn opens. An empty turn
// commits an empty batch.
func (s *Sequencer) CloseTurn() (CommitResult, error) {
	res, err := s.commit(s.pending, "")
	if err != nil {
		return res, err
	}
	s.pending = s.pending[:0]
	s.advance()
	return res, nil
}

// CommitBatch commits an externally assembled batch for the open turn. When
// the batch carries a checksum it is recomputed over the resulting state; a
// mismatch fails the whole batch with IntegrityError, the state rolls back
// to the pre-turn value (the working copy is discarded) and the turn stays
// open for re-submission. Deltas buffered via Submit for the same turn are
// not merged in.
func (s *Sequencer) CommitBatch(batch protocol.TurnDeltas) (CommitResult, error) {
	switch {
	case batch.Turn < s.turn:
		return CommitResult{}, &StaleTurnError{Turn: batch.Turn, Current: s.turn}
	case batch.Turn > s.turn:
		return CommitResult{}, &TurnGapError{Turn: batch.Turn, Current: s.turn, Window: s.cfg.Lookahead}
	}
	res, err := s.commit(batch.Deltas, batch.Checksum)
	if err != nil {
		return res, err
	}
	s.pending = s.pending[:0]
	s.advance()
	return res, nil
}

func (s *Sequencer) commit(deltas []protocol.Delta, wantChecksum string) (CommitResult, error) {
	working := s.state
	var effective []protocol.Delta
	var rejected []Rejection
	applied := make(map[string]struct{}, len(deltas))

	for _, d := range deltas {
		if _, ok := s.committed[d.ID]; ok {
			// Duplicate of an already committed delta inside a batch: keep
			// the recorded effect, do not re-apply.
			continue
		}
		if _, ok := applied[d.ID]; ok {
			// Retry buffered before the turn closed; the first copy already
			// applied.
			continue
		}
		if err := Validate(working, d); err != nil {
			rejected = append(rejected, Rejection{Delta: d, Err: err})
			continue
		}
		next, eff, err := Apply(working, d)
		if err != nil {
			rejected = append(rejected, Rejection{Delta: d, Err: err})
			continue
		}
		working = next
		effective = append(effective, eff)
		applied[d.ID] = struct{}{}
	}

	checksum, err := state.Digest(working)
	if err != nil {
		return CommitResult{}, err
	}
	if wantChecksum != "" && wantChecksum != checksum {
		return CommitResult{}, &IntegrityError{Turn: s.turn, Want: wantChecksum, Got: checksum}
	}

	for _, eff := range effective {
		s.committed[eff.ID] = eff
	}
	s.state = working
	return CommitResult{
		Batch:    protocol.TurnDeltas{Turn: s.turn, Deltas: effective, Checksum: checksum},
		State:    working,
		Rejected: rejected,
	}, nil
}

// advance opens the next turn. Deltas buffered ahead of time are promoted
// in id lexical order so that out-of-order arrival within the lookahead
// window cannot change the commit order.
func (s *Sequencer) advance() {
	s.turn++
	if buf, ok := s.future[s.turn]; ok {
		sort.SliceStable(buf, func(i, j int) bool { return buf[i].ID < buf[j].ID })
		s.pending = append(s.pending, buf...)
		delete(s.future, s.turn)
	}
}
