package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"questforge/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	deltaSchema := compile("delta.schema.json")
	turnDeltasSchema := compile("turn_deltas.schema.json")
	commandSchema := compile("command.schema.json")
	eventSchema := compile("event.schema.json")
	eventsSchema := compile("events.schema.json")
	stateSchema := compile("state.schema.json")
	errorSchema := compile("error.schema.json")
	ackSchema := compile("ack.schema.json")
	newSessionSchema := compile("new_session.schema.json")
	sessionListSchema := compile("session_list.schema.json")
	sessionLoadedSchema := compile("session_loaded.schema.json")

	var delta any
	_ = json.Unmarshal([]byte(`{
	  "id":"4b1c9a52-7c2e-4c19-9c2d-2f6f0a9a11aa",
	  "turn":12,
	  "timestamp":"2026-03-01T12:00:00Z",
	  "source":"player_action",
	  "target":"npc:innkeeper",
	  "path":"inventory[*]",
	  "op":"push",
	  "value":"silver key",
	  "description":"the innkeeper pockets the key"
	}`), &delta)
	validate(deltaSchema, delta)

	var batch any
	_ = json.Unmarshal([]byte(`{
	  "turn":12,
	  "deltas":[{
	    "id":"d1","turn":12,"timestamp":"2026-03-01T12:00:00Z",
	    "source":"gm_narration","target":"scene","path":"mood","op":"set","value":"tense",
	    "previous_value":"calm","has_previous":true
	  }],
	  "checksum":"0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"
	}`), &batch)
	validate(turnDeltasSchema, batch)

	var cmd any
	_ = json.Unmarshal([]byte(`{
	  "type":"COMMAND",
	  "protocol_version":"1.0",
	  "command_id":"cmd-1",
	  "command":"I search the desk",
	  "params":{"skill":"investigation"}
	}`), &cmd)
	validate(commandSchema, cmd)

	var event any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENT",
	  "protocol_version":"1.0",
	  "event":{
	    "kind":"turn_committed",
	    "turn":12,
	    "checksum":"0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"
	  }
	}`), &event)
	validate(eventSchema, event)

	var events any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENTS",
	  "protocol_version":"1.0",
	  "events":[
	    {"kind":"delta","turn":12,"delta":{
	      "id":"d1","turn":12,"timestamp":"2026-03-01T12:00:00Z",
	      "source":"system","target":"world","path":"clock","op":"increment","value":1
	    }},
	    {"kind":"delta_rejected","turn":12,"delta_id":"d2","code":"E_TYPE_MISMATCH","message":"increment of non-number"}
	  ]
	}`), &events)
	validate(eventsSchema, events)

	var state any
	_ = json.Unmarshal([]byte(`{
	  "type":"STATE",
	  "turn":13,
	  "state":{"world":{"clock":4},"player":{"hp":9},"scene":{"mood":"tense"},"npcs":{}}
	}`), &state)
	validate(stateSchema, state)

	var errMsg any
	_ = json.Unmarshal([]byte(`{
	  "type":"ERROR",
	  "code":"E_STALE_TURN",
	  "message":"delta for turn 3, current turn 5",
	  "details":{"delta_id":"d9"}
	}`), &errMsg)
	validate(errorSchema, errMsg)

	var ack any
	_ = json.Unmarshal([]byte(`{"type":"ACK","command_id":"cmd-1","success":true}`), &ack)
	validate(ackSchema, ack)

	var newSession any
	_ = json.Unmarshal([]byte(`{
	  "type":"NEW_SESSION",
	  "theme_name":"The Sunken Crypt",
	  "player_name":"Aria",
	  "character_template":"rogue"
	}`), &newSession)
	validate(newSessionSchema, newSession)

	var list any
	_ = json.Unmarshal([]byte(`{
	  "type":"SESSION_LIST",
	  "sessions":[{
	    "session_id":"4b1c9a52-7c2e-4c19-9c2d-2f6f0a9a11aa",
	    "theme_name":"The Sunken Crypt",
	    "player_name":"Aria",
	    "current_turn":13,
	    "created_at":"2026-03-01T11:00:00Z",
	    "updated_at":"2026-03-01T12:00:00Z"
	  }]
	}`), &list)
	validate(sessionListSchema, list)

	var loaded any
	_ = json.Unmarshal([]byte(`{
	  "type":"SESSION_LOADED",
	  "session_id":"4b1c9a52-7c2e-4c19-9c2d-2f6f0a9a11aa",
	  "turn":13,
	  "state":{"world":{},"player":{},"scene":{},"npcs":{}}
	}`), &loaded)
	validate(sessionLoadedSchema, loaded)

	var getState any
	_ = json.Unmarshal([]byte(`{"type":"GET_STATE"}`), &getState)
	validate(compile("get_state.schema.json"), getState)

	var getStateAt any
	_ = json.Unmarshal([]byte(`{"type":"GET_STATE_AT_TURN","turn":7}`), &getStateAt)
	validate(compile("get_state_at_turn.schema.json"), getStateAt)

	var ping any
	_ = json.Unmarshal([]byte(`{"type":"PING","timestamp":"2026-03-01T12:00:00Z"}`), &ping)
	validate(compile("ping.schema.json"), ping)

	var pong any
	_ = json.Unmarshal([]byte(`{
	  "type":"PONG",
	  "timestamp":"2026-03-01T12:00:00Z",
	  "server_time":"2026-03-01T12:00:00.000128Z"
	}`), &pong)
	validate(compile("pong.schema.json"), pong)

	var subscribe any
	_ = json.Unmarshal([]byte(`{"type":"SUBSCRIBE","event_types":["turn_committed","delta_rejected"]}`), &subscribe)
	validate(compile("subscribe.schema.json"), subscribe)

	var listSessions any
	_ = json.Unmarshal([]byte(`{"type":"LIST_SESSIONS"}`), &listSessions)
	validate(compile("list_sessions.schema.json"), listSessions)

	var loadSession any
	_ = json.Unmarshal([]byte(`{"type":"LOAD_SESSION","session_id":"4b1c9a52-7c2e-4c19-9c2d-2f6f0a9a11aa"}`), &loadSession)
	validate(compile("load_session.schema.json"), loadSession)
}

// Marshaled Go messages must themselves satisfy the wire contract.
func TestSchemas_GoTypesRoundTrip(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", name))
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}
	check := func(schema *jsonschema.Schema, v any) {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := schema.Validate(doc); err != nil {
			t.Fatalf("schema rejects %T: %v\n%s", v, err, b)
		}
	}

	d := protocol.Delta{
		ID:        "d1",
		Turn:      3,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:    protocol.SourceNPCAction,
		Target:    "npc:guard_7",
		Op:        protocol.OpPull,
		Path:      "effects",
		Value:     "stunned",
	}
	check(compile("delta.schema.json"), d)

	check(compile("event.schema.json"), protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Event:           protocol.Event{Kind: protocol.EventDelta, Turn: 3, Delta: &d},
	})

	check(compile("ack.schema.json"), protocol.AckMsg{
		Type: protocol.TypeAck, CommandID: "c1", Success: false,
		Code: protocol.ErrTurnGap, Message: "turn 9 beyond lookahead",
	})

	check(compile("error.schema.json"), protocol.ErrorMsg{
		Type: protocol.TypeError, Code: protocol.ErrSessionNotFound, Message: "unknown session",
	})

	check(compile("pong.schema.json"), protocol.PongMsg{
		Type:       protocol.TypePong,
		Timestamp:  "2026-03-01T12:00:00Z",
		ServerTime: "2026-03-01T12:00:00.000128Z",
	})

	check(compile("subscribe.schema.json"), protocol.SubscribeMsg{
		Type:       protocol.TypeSubscribe,
		EventTypes: []string{protocol.EventTurnCommitted},
	})

	check(compile("get_state_at_turn.schema.json"), protocol.GetStateAtTurnMsg{
		Type: protocol.TypeGetStateAtTurn, Turn: 7,
	})
}
