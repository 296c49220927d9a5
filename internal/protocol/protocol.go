package protocol

import "encoding/json"

const Version = "1.0"

// Client -> server message types.
const (
	TypeCommand        = "COMMAND"
	TypeGetState       = "GET_STATE"
	TypeGetStateAtTurn = "GET_STATE_AT_TURN"
	TypePing           = "PING"
	TypeSubscribe      = "SUBSCRIBE"
	TypeListSessions   = "LIST_SESSIONS"
	TypeLoadSession    = "LOAD_SESSION"
	TypeNewSession     = "NEW_SESSION"
)

// Server -> client message types.
const (
	TypeEvent         = "EVENT"
	TypeEvents        = "EVENTS"
	TypeState         = "STATE"
	TypePong          = "PONG"
	TypeError         = "ERROR"
	TypeSessionList   = "SESSION_LIST"
	TypeSessionLoaded = "SESSION_LOADED"
	TypeAck           = "ACK"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
