package engine

import (
	"errors"
	"fmt"

	"questforge/internal/protocol"
	"questforge/internal/state"
)

// ValidationKind classifies delta validation failures.
type ValidationKind string

const (
	ValidationNotFound        ValidationKind = "NotFound"
	ValidationElementNotFound ValidationKind = "ElementNotFound"
	ValidationTypeMismatch    ValidationKind = "TypeMismatch"
)

// ValidationError rejects a single delta; the turn continues without it.
type ValidationError struct {
	Kind    ValidationKind
	DeltaID string
	Msg     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("delta %s: %s: %s", e.DeltaID, e.Kind, e.Msg)
}

func validationErr(kind ValidationKind, deltaID, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, DeltaID: deltaID, Msg: fmt.Sprintf(format, args...)}
}

// StaleTurnError rejects a delta addressed to an already committed turn.
type StaleTurnError struct {
	Turn    uint64
	Current uint64
}

func (e *StaleTurnError) Error() string {
	return fmt.Sprintf("stale turn %d (current open turn %d)", e.Turn, e.Current)
}

// TurnGapError rejects a delta buffered beyond the lookahead window.
type TurnGapError struct {
	Turn    uint64
	Current uint64
	Window  uint64
}

func (e *TurnGapError) Error() string {
	return fmt.Sprintf("turn %d beyond lookahead window %d (current open turn %d)", e.Turn, e.Window, e.Current)
}

// IntegrityError fails a whole turn: the submitted checksum does not match
// the recomputed one. The turn is rolled back, never silently accepted.
type IntegrityError struct {
	Turn uint64
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("turn %d checksum mismatch: submitted %s, computed %s", e.Turn, e.Want, e.Got)
}

// ErrorCode maps an engine error to its stable protocol code.
func ErrorCode(err error) string {
	var pe *state.PathError
	if errors.As(err, &pe) {
		return protocol.ErrBadPath
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		switch ve.Kind {
		case ValidationNotFound:
			return protocol.ErrNotFound
		case ValidationElementNotFound:
			return protocol.ErrElementNotFound
		case ValidationTypeMismatch:
			return protocol.ErrTypeMismatch
		}
	}
	var st *StaleTurnError
	if errors.As(err, &st) {
		return protocol.ErrStaleTurn
	}
	var tg *TurnGapError
	if errors.As(err, &tg) {
		return protocol.ErrTurnGap
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return protocol.ErrIntegrity
	}
	return protocol.ErrInternal
}
