package session

import (
	"context"

	"questforge/internal/protocol"
)

// StateView is the read-only view a command handler works against. The tree
// is a committed copy-on-write value and must not be mutated.
type StateView struct {
	SessionID string
	Turn      uint64
	State     any
}

// CommandHandler turns one player/GM command into deltas for the open turn.
// The rules engine that decides which deltas a command produces lives behind
// this interface; the session only sequences and applies what comes back.
//
// Returned deltas may leave ID, Turn and Timestamp zero; the session fills
// them before submission.
type CommandHandler interface {
	HandleCommand(ctx context.Context, view StateView, cmd protocol.CommandMsg) ([]protocol.Delta, error)
}

// NopCommandHandler acknowledges every command and emits no deltas.
type NopCommandHandler struct{}

func (NopCommandHandler) HandleCommand(context.Context, StateView, protocol.CommandMsg) ([]protocol.Delta, error) {
	return nil, nil
}

// HandlerFunc adapts a function to CommandHandler.
type HandlerFunc func(ctx context.Context, view StateView, cmd protocol.CommandMsg) ([]protocol.Delta, error)

func (f HandlerFunc) HandleCommand(ctx context.Context, view StateView, cmd protocol.CommandMsg) ([]protocol.Delta, error) {
	return f(ctx, view, cmd)
}
