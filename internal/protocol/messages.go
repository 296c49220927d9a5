package protocol

// COMMAND (client -> server): free-form player/GM input, routed to the
// command handler which eventually emits deltas back into the sequencer.
type CommandMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	CommandID       string         `json:"command_id"`
	Command         string         `json:"command"`
	Params          map[string]any `json:"params,omitempty"`
}

// GET_STATE (client -> server)
type GetStateMsg struct {
	Type string `json:"type"`
}

// GET_STATE_AT_TURN (client -> server)
type GetStateAtTurnMsg struct {
	Type string `json:"type"`
	Turn uint64 `json:"turn"`
}

// PING (client -> server)
type PingMsg struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// SUBSCRIBE (client -> server): restricts which event kinds this connection
// receives. An empty list means all kinds.
type SubscribeMsg struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types"`
}

// LIST_SESSIONS (client -> server)
type ListSessionsMsg struct {
	Type string `json:"type"`
}

// LOAD_SESSION (client -> server)
type LoadSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NEW_SESSION (client -> server)
type NewSessionMsg struct {
	Type              string `json:"type"`
	ThemeName         string `json:"theme_name"`
	PlayerName        string `json:"player_name"`
	CharacterTemplate string `json:"character_template,omitempty"`
}

// Event kinds carried by EVENT/EVENTS.
const (
	EventDelta         = "delta"
	EventTurnCommitted = "turn_committed"
	EventDeltaRejected = "delta_rejected"
	EventTurnGap       = "turn_gap"
)

// Event is one item in the outbound event stream. Kind selects which of the
// optional fields are populated.
type Event struct {
	Kind     string `json:"kind"`
	Turn     uint64 `json:"turn"`
	Delta    *Delta `json:"delta,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	DeltaID  string `json:"delta_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Event           Event  `json:"event"`
}

// EVENTS (server -> client)
type EventsMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version,omitempty"`
	Events          []Event `json:"events"`
}

// STATE (server -> client)
type StateMsg struct {
	Type  string `json:"type"`
	Turn  uint64 `json:"turn"`
	State any    `json:"state"`
}

// PONG (server -> client)
type PongMsg struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	ServerTime string `json:"server_time"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// SessionInfo is one row in SESSION_LIST.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	ThemeName   string `json:"theme_name"`
	PlayerName  string `json:"player_name"`
	CurrentTurn uint64 `json:"current_turn"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// SESSION_LIST (server -> client)
type SessionListMsg struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// SESSION_LOADED (server -> client)
type SessionLoadedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Turn      uint64 `json:"turn"`
	State     any    `json:"state"`
}

// ACK (server -> client)
type AckMsg struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}
