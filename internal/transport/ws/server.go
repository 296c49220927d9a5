package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"questforge/internal/persistence/indexdb"
	"questforge/internal/protocol"
	"questforge/internal/session"
	"questforge/internal/tuning"
)

// Server upgrades client connections and routes their messages. Session
// lifecycle messages (NEW_SESSION, LOAD_SESSION, LIST_SESSIONS) are handled
// here; everything else goes to the connection's current session.
type Server struct {
	mgr  *session.Manager
	tune tuning.Tuning
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(mgr *session.Manager, tune tuning.Tuning, logger *log.Logger) *Server {
	return &Server{
		mgr:  mgr,
		tune: tune,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connID := uuid.NewString()
		out := make(chan []byte, s.tune.MaxSubscriberQueue)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		var current *session.Session
		detach := func() {
			if current != nil {
				current.Detach(connID)
				current = nil
			}
		}
		defer detach()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.send(out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "undecodable message",
				})
				continue
			}
			if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
				s.send(out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "unsupported protocol_version",
				})
				continue
			}

			switch base.Type {
			case protocol.TypeNewSession:
				var req protocol.NewSessionMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					s.send(out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "bad NEW_SESSION payload",
					})
					continue
				}
				sess, err := s.mgr.Create(req.ThemeName, req.PlayerName, req.CharacterTemplate)
				if err != nil {
					s.send(out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: protocol.ErrInternal, Message: err.Error(),
					})
					continue
				}
				detach()
				current = sess
				sess.Attach(&session.Subscriber{ID: connID, Out: out})
				s.sendLoaded(out, sess)

			case protocol.TypeLoadSession:
				var req protocol.LoadSessionMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					s.send(out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "bad LOAD_SESSION payload",
					})
					continue
				}
				sess, err := s.mgr.Load(req.SessionID)
				if err != nil {
					code := protocol.ErrInternal
					if errors.Is(err, session.ErrSessionNotFound) {
						code = protocol.ErrSessionNotFound
					}
					s.send(out, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: err.Error()})
					continue
				}
				detach()
				current = sess
				sess.Attach(&session.Subscriber{ID: connID, Out: out})
				s.sendLoaded(out, sess)

			case protocol.TypeListSessions:
				infos, err := s.mgr.List(ctx)
				if err != nil {
					s.send(out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: protocol.ErrInternal, Message: err.Error(),
					})
					continue
				}
				s.send(out, protocol.SessionListMsg{
					Type:     protocol.TypeSessionList,
					Sessions: toWireSessions(infos),
				})

			default:
				if current == nil {
					s.send(out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: protocol.ErrNoSession,
						Message: "no session loaded on this connection",
					})
					continue
				}
				// The session can stop underneath us (idle eviction); its
				// inbox is then never drained, so the send must not block.
				stopped := false
				select {
				case <-current.Done():
					stopped = true
				default:
					select {
					case current.Inbox() <- session.Envelope{SubID: connID, Raw: msg}:
					case <-current.Done():
						stopped = true
					}
				}
				if stopped {
					detach()
					s.send(out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: protocol.ErrSessionNotFound,
						Message: "session stopped; load it again",
					})
				}
			}
		}
	}
}

func (s *Server) sendLoaded(out chan []byte, sess *session.Session) {
	view := sess.View()
	s.send(out, protocol.SessionLoadedMsg{
		Type:      protocol.TypeSessionLoaded,
		SessionID: sess.ID,
		Turn:      view.Turn,
		State:     view.State,
	})
}

func (s *Server) send(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
		if s.log != nil {
			s.log.Printf("dropping outbound message on slow connection")
		}
	}
}

func toWireSessions(infos []indexdb.SessionInfo) []protocol.SessionInfo {
	out := make([]protocol.SessionInfo, 0, len(infos))
	for _, si := range infos {
		out = append(out, protocol.SessionInfo{
			SessionID:   si.SessionID,
			ThemeName:   si.ThemeName,
			PlayerName:  si.PlayerName,
			CurrentTurn: si.Turn,
			CreatedAt:   si.CreatedAt,
			UpdatedAt:   si.UpdatedAt,
		})
	}
	return out
}
