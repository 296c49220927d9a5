package session

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"questforge/internal/engine"
	"questforge/internal/persistence/indexdb"
	turnlog "questforge/internal/persistence/log"
	"questforge/internal/persistence/snapshot"
	"questforge/internal/protocol"
	"questforge/internal/tuning"
)

// Envelope is one raw client message handed to the session loop.
type Envelope struct {
	SubID string
	Raw   []byte
}

// Subscriber is one attached connection. Out is written by the session loop
// with marshaled server messages; slow consumers lose messages rather than
// stalling the loop.
type Subscriber struct {
	ID    string
	Out   chan []byte
	kinds map[string]bool // nil means all event kinds
}

type attachReq struct {
	sub  *Subscriber
	resp chan struct{}
}

type submitReq struct {
	delta protocol.Delta
	resp  chan submitResp
}

type submitResp struct {
	effective *protocol.Delta
	err       error
}

type closeTurnReq struct {
	resp chan closeTurnResp
}

type viewReq struct {
	resp chan StateView
}

type closeTurnResp struct {
	batch protocol.TurnDeltas
	err   error
}

// Session owns one game's state tree and turn counter. A single goroutine
// (Run) consumes the channels; everything else talks to it through them.
type Session struct {
	ID         string
	ThemeName  string
	PlayerName string
	CreatedAt  time.Time

	log     *log.Logger
	tune    tuning.Tuning
	handler CommandHandler

	seq  *engine.Sequencer
	hist *engine.History

	sessionDir string
	turns      *turnlog.TurnLogger  // nil when persistence is off
	index      *indexdb.SQLiteIndex // nil-safe

	inbox     chan Envelope
	attach    chan attachReq
	detach    chan string
	submit    chan submitReq
	closeTurn chan closeTurnReq
	view      chan viewReq
	stop      chan struct{}

	subs map[string]*Subscriber

	lastActive atomic.Int64  // unix nanos
	openTurn   atomic.Uint64 // mirror of seq.OpenTurn for readers outside the loop
}

// Config assembles a session. Dir may be empty to run memory-only (tests,
// replay); Index may be nil.
type Config struct {
	ID         string
	ThemeName  string
	PlayerName string
	Tune       tuning.Tuning
	Handler    CommandHandler
	Logger     *log.Logger
	Dir        string
	Index      *indexdb.SQLiteIndex

	// Resume point; zero values start a fresh session at turn 0.
	InitialState any
	OpenTurn     uint64
	History      *engine.History
}

func New(cfg Config) *Session {
	if cfg.Handler == nil {
		cfg.Handler = NopCommandHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[session "+cfg.ID+"] ", log.LstdFlags|log.Lmicroseconds)
	}
	initial := cfg.InitialState
	if initial == nil {
		initial = engine.NewSessionState()
	}
	openTurn := cfg.OpenTurn
	if openTurn == 0 {
		// Turns are 1-based; turn 0 is the genesis boundary.
		openTurn = 1
	}
	hist := cfg.History
	if hist == nil {
		hist = engine.NewHistory(engine.SnapshotPolicy{
			EveryTurns:  cfg.Tune.SnapshotEveryTurns,
			EveryDeltas: cfg.Tune.SnapshotEveryDeltas,
		}, engine.Snapshot{Turn: openTurn - 1, State: initial})
	}

	s := &Session{
		ID:         cfg.ID,
		ThemeName:  cfg.ThemeName,
		PlayerName: cfg.PlayerName,
		CreatedAt:  time.Now().UTC(),
		log:        cfg.Logger,
		tune:       cfg.Tune,
		handler:    cfg.Handler,
		seq:        engine.NewSequencer(engine.SequencerConfig{Lookahead: cfg.Tune.TurnLookahead}, initial, openTurn),
		hist:       hist,
		sessionDir: cfg.Dir,
		index:      cfg.Index,
		inbox:      make(chan Envelope, 256),
		attach:     make(chan attachReq),
		detach:     make(chan string),
		submit:     make(chan submitReq),
		closeTurn:  make(chan closeTurnReq),
		view:       make(chan viewReq),
		stop:       make(chan struct{}),
		subs:       make(map[string]*Subscriber),
	}
	if cfg.Dir != "" {
		s.turns = turnlog.NewTurnLogger(cfg.Dir)
	}
	s.touch()
	s.openTurn.Store(openTurn)
	return s
}

// Inbox receives raw client messages.
func (s *Session) Inbox() chan<- Envelope { return s.inbox }

// Attach registers a subscriber and blocks until the loop has seen it.
func (s *Session) Attach(sub *Subscriber) {
	resp := make(chan struct{})
	select {
	case s.attach <- attachReq{sub: sub, resp: resp}:
		<-resp
	case <-s.stop:
	}
}

// Detach removes a subscriber.
func (s *Session) Detach(id string) {
	select {
	case s.detach <- id:
	case <-s.stop:
	}
}

// SubmitDelta hands a delta to the sequencer from outside the command path
// (a second GM process, tests). It reports the recorded effective delta when
// the id was already committed.
func (s *Session) SubmitDelta(d protocol.Delta) (*protocol.Delta, error) {
	resp := make(chan submitResp, 1)
	select {
	case s.submit <- submitReq{delta: d, resp: resp}:
	case <-s.stop:
		return nil, context.Canceled
	}
	r := <-resp
	return r.effective, r.err
}

// CloseTurn forces the open turn to commit.
func (s *Session) CloseTurn() (protocol.TurnDeltas, error) {
	resp := make(chan closeTurnResp, 1)
	select {
	case s.closeTurn <- closeTurnReq{resp: resp}:
	case <-s.stop:
		return protocol.TurnDeltas{}, context.Canceled
	}
	r := <-resp
	return r.batch, r.err
}

// View returns the committed state tree and open turn. The tree is
// copy-on-write committed data; callers must not mutate it.
func (s *Session) View() StateView {
	resp := make(chan StateView, 1)
	select {
	case s.view <- viewReq{resp: resp}:
		return <-resp
	case <-s.stop:
		return StateView{SessionID: s.ID}
	}
}

// OpenTurn reports the currently open turn. The sequencer itself belongs to
// the loop goroutine; this mirror is what the manager and transports read.
func (s *Session) OpenTurn() uint64 { return s.openTurn.Load() }

// LastActive reports when the loop last did client-visible work. Read by the
// manager's eviction sweep.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Done is closed once the session no longer serves requests; senders to
// Inbox must select on it so a stopped session cannot block them.
func (s *Session) Done() <-chan struct{} { return s.stop }

// Run consumes the session's channels until ctx is done or Stop is called.
// It is the only goroutine that touches the sequencer and history.
func (s *Session) Run(ctx context.Context) error {
	defer s.Stop() // unblocks API callers once the loop is gone
	defer func() {
		if s.turns != nil {
			if err := s.turns.Close(); err != nil {
				s.log.Printf("close turn log: %v", err)
			}
		}
	}()

	timeout := time.Duration(s.tune.TurnTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	armIfPending := func() {
		if s.seq.PendingCount() > 0 && !timerArmed {
			timer.Reset(timeout)
			timerArmed = true
		}
	}
	disarm := func() {
		if timerArmed && !timer.Stop() {
			<-timer.C
		}
		timerArmed = false
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil

		case req := <-s.attach:
			s.subs[req.sub.ID] = req.sub
			close(req.resp)

		case id := <-s.detach:
			delete(s.subs, id)

		case env := <-s.inbox:
			s.touch()
			s.handleEnvelope(ctx, env)
			disarm()
			armIfPending()

		case req := <-s.submit:
			s.touch()
			eff, err := s.seq.Submit(req.delta)
			req.resp <- submitResp{effective: eff, err: err}
			if err != nil {
				s.reportSubmitError(req.delta, err)
			}
			armIfPending()

		case req := <-s.view:
			req.resp <- StateView{SessionID: s.ID, Turn: s.seq.OpenTurn(), State: s.seq.State()}

		case req := <-s.closeTurn:
			s.touch()
			disarm()
			res, err := s.seq.CloseTurn()
			if err != nil {
				req.resp <- closeTurnResp{err: err}
				continue
			}
			s.afterCommit(res)
			req.resp <- closeTurnResp{batch: res.Batch}
			armIfPending()

		case <-timer.C:
			timerArmed = false
			if s.seq.PendingCount() == 0 {
				continue
			}
			s.log.Printf("turn %d force-closed after %s with %d pending deltas",
				s.seq.OpenTurn(), timeout, s.seq.PendingCount())
			res, err := s.seq.CloseTurn()
			if err != nil {
				s.log.Printf("force-close turn: %v", err)
				continue
			}
			s.afterCommit(res)
			armIfPending()
		}
	}
}

func (s *Session) handleEnvelope(ctx context.Context, env Envelope) {
	base, err := protocol.DecodeBase(env.Raw)
	if err != nil {
		s.sendTo(env.SubID, protocol.ErrorMsg{
			Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "undecodable message",
		})
		return
	}

	switch base.Type {
	case protocol.TypeCommand:
		var cmd protocol.CommandMsg
		if err := json.Unmarshal(env.Raw, &cmd); err != nil {
			s.sendTo(env.SubID, protocol.ErrorMsg{
				Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "bad COMMAND payload",
			})
			return
		}
		s.handleCommand(ctx, env.SubID, cmd)

	case protocol.TypeGetState:
		s.sendTo(env.SubID, protocol.StateMsg{
			Type:  protocol.TypeState,
			Turn:  s.seq.OpenTurn(),
			State: s.seq.State(),
		})

	case protocol.TypeGetStateAtTurn:
		var req protocol.GetStateAtTurnMsg
		if err := json.Unmarshal(env.Raw, &req); err != nil {
			s.sendTo(env.SubID, protocol.ErrorMsg{
				Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "bad GET_STATE_AT_TURN payload",
			})
			return
		}
		st, err := s.hist.StateAt(req.Turn)
		if err != nil {
			s.sendTo(env.SubID, protocol.ErrorMsg{
				Type: protocol.TypeError, Code: protocol.ErrNotFound, Message: err.Error(),
			})
			return
		}
		s.sendTo(env.SubID, protocol.StateMsg{Type: protocol.TypeState, Turn: req.Turn, State: st})

	case protocol.TypePing:
		var ping protocol.PingMsg
		_ = json.Unmarshal(env.Raw, &ping)
		s.sendTo(env.SubID, protocol.PongMsg{
			Type:       protocol.TypePong,
			Timestamp:  ping.Timestamp,
			ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		})

	case protocol.TypeSubscribe:
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(env.Raw, &sub); err != nil {
			s.sendTo(env.SubID, protocol.ErrorMsg{
				Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "bad SUBSCRIBE payload",
			})
			return
		}
		if sc := s.subs[env.SubID]; sc != nil {
			if len(sub.EventTypes) == 0 {
				sc.kinds = nil
			} else {
				sc.kinds = make(map[string]bool, len(sub.EventTypes))
				for _, k := range sub.EventTypes {
					sc.kinds[k] = true
				}
			}
		}

	default:
		s.sendTo(env.SubID, protocol.ErrorMsg{
			Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest,
			Message: "unexpected message type " + base.Type,
		})
	}
}

// handleCommand runs the command handler against the committed state, feeds
// the resulting deltas into the open turn and, when any were accepted,
// commits the turn. One answered command is one turn.
func (s *Session) handleCommand(ctx context.Context, subID string, cmd protocol.CommandMsg) {
	if cmd.ProtocolVersion != "" && cmd.ProtocolVersion != protocol.Version {
		s.sendTo(subID, protocol.AckMsg{
			Type: protocol.TypeAck, CommandID: cmd.CommandID, Success: false,
			Code: protocol.ErrProtoBadRequest, Message: "unsupported protocol_version",
		})
		return
	}

	view := StateView{SessionID: s.ID, Turn: s.seq.OpenTurn(), State: s.seq.State()}
	deltas, err := s.handler.HandleCommand(ctx, view, cmd)
	if err != nil {
		s.sendTo(subID, protocol.AckMsg{
			Type: protocol.TypeAck, CommandID: cmd.CommandID, Success: false,
			Code: protocol.ErrInternal, Message: err.Error(),
		})
		return
	}

	for _, d := range deltas {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.Turn == 0 {
			d.Turn = s.seq.OpenTurn()
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = time.Now().UTC()
		}
		if _, err := s.seq.Submit(d); err != nil {
			s.reportSubmitError(d, err)
		}
	}

	if s.seq.PendingCount() > 0 {
		res, err := s.seq.CloseTurn()
		if err != nil {
			s.sendTo(subID, protocol.AckMsg{
				Type: protocol.TypeAck, CommandID: cmd.CommandID, Success: false,
				Code: engine.ErrorCode(err), Message: err.Error(),
			})
			return
		}
		s.afterCommit(res)
	}

	s.sendTo(subID, protocol.AckMsg{Type: protocol.TypeAck, CommandID: cmd.CommandID, Success: true})
}

// afterCommit persists a committed batch and fans events out to subscribers.
// Empty batches are logged too: resume derives the open turn from the last
// logged batch, so skipping them would hand out already-used turn numbers.
func (s *Session) afterCommit(res engine.CommitResult) {
	s.openTurn.Store(s.seq.OpenTurn())
	if s.turns != nil {
		if err := s.turns.WriteTurn(res.Batch); err != nil {
			s.log.Printf("write turn %d: %v", res.Batch.Turn, err)
		}
	}
	if s.index != nil {
		s.index.RecordTurn(s.ID, res.Batch)
		s.index.RecordSession(s.ID, s.ThemeName, s.PlayerName, s.seq.OpenTurn(), res.Batch.Checksum)
	}
	if snap := s.hist.Record(res.Batch, res.State); snap != nil {
		if s.sessionDir != "" {
			path := snapshot.PathFor(s.sessionDir, snap.Turn)
			if err := snapshot.Write(path, s.ID, snap.Turn, snap.State); err != nil {
				s.log.Printf("write snapshot turn %d: %v", snap.Turn, err)
			} else if s.index != nil {
				s.index.RecordSnapshot(s.ID, snap.Turn, path, res.Batch.Checksum)
			}
		}
		if s.tune.RetainSnapshots > 0 {
			s.hist.Compact(s.tune.RetainSnapshots)
		}
	}

	events := make([]protocol.Event, 0, len(res.Batch.Deltas)+len(res.Rejected)+1)
	for i := range res.Batch.Deltas {
		d := res.Batch.Deltas[i]
		events = append(events, protocol.Event{Kind: protocol.EventDelta, Turn: res.Batch.Turn, Delta: &d})
	}
	for _, rej := range res.Rejected {
		events = append(events, protocol.Event{
			Kind:    protocol.EventDeltaRejected,
			Turn:    res.Batch.Turn,
			DeltaID: rej.Delta.ID,
			Code:    engine.ErrorCode(rej.Err),
			Message: rej.Err.Error(),
		})
	}
	events = append(events, protocol.Event{
		Kind:     protocol.EventTurnCommitted,
		Turn:     res.Batch.Turn,
		Checksum: res.Batch.Checksum,
	})
	s.broadcast(events)
}

// reportSubmitError tells subscribers about a delta the sequencer refused.
func (s *Session) reportSubmitError(d protocol.Delta, err error) {
	kind := protocol.EventDeltaRejected
	if code := engine.ErrorCode(err); code == protocol.ErrTurnGap {
		kind = protocol.EventTurnGap
	}
	s.broadcast([]protocol.Event{{
		Kind:    kind,
		Turn:    d.Turn,
		DeltaID: d.ID,
		Code:    engine.ErrorCode(err),
		Message: err.Error(),
	}})
}

func (s *Session) broadcast(events []protocol.Event) {
	if len(events) == 0 || len(s.subs) == 0 {
		return
	}
	for _, sub := range s.subs {
		filtered := events
		if sub.kinds != nil {
			filtered = nil
			for _, ev := range events {
				if sub.kinds[ev.Kind] {
					filtered = append(filtered, ev)
				}
			}
			if len(filtered) == 0 {
				continue
			}
		}
		var payload any
		if len(filtered) == 1 {
			payload = protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: filtered[0]}
		} else {
			payload = protocol.EventsMsg{Type: protocol.TypeEvents, ProtocolVersion: protocol.Version, Events: filtered}
		}
		b, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		select {
		case sub.Out <- b:
		default:
			// Slow consumer; it can recover with GET_STATE.
		}
	}
}

func (s *Session) sendTo(subID string, v any) {
	sub := s.subs[subID]
	if sub == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sub.Out <- b:
	default:
	}
}
