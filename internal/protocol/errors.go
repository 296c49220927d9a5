package protocol

// Stable error codes carried by ERROR and ACK messages.
const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Delta-local failures (delta rejected, turn continues).
	ErrBadPath         = "E_BAD_PATH"
	ErrNotFound        = "E_NOT_FOUND"
	ErrElementNotFound = "E_ELEMENT_NOT_FOUND"
	ErrTypeMismatch    = "E_TYPE_MISMATCH"

	// Sequencing failures (reported to the submitter, no state change).
	ErrStaleTurn = "E_STALE_TURN"
	ErrTurnGap   = "E_TURN_GAP"

	// Whole-turn rollback.
	ErrIntegrity = "E_INTEGRITY"

	// Session routing.
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrNoSession       = "E_NO_SESSION"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadPath:         {},
	ErrNotFound:        {},
	ErrElementNotFound: {},
	ErrTypeMismatch:    {},
	ErrStaleTurn:       {},
	ErrTurnGap:         {},
	ErrIntegrity:       {},
	ErrSessionNotFound: {},
	ErrNoSession:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
