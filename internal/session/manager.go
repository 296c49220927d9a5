package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"questforge/internal/engine"
	"questforge/internal/persistence/indexdb"
	turnlog "questforge/internal/persistence/log"
	"questforge/internal/persistence/snapshot"
	"questforge/internal/state"
	"questforge/internal/tuning"
)

// ErrSessionNotFound reports a load of an id with no on-disk trace.
var ErrSessionNotFound = fmt.Errorf("session not found")

type managed struct {
	sess   *Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the registry of live sessions and their persistence wiring.
// Sessions are started on demand and evicted when idle.
type Manager struct {
	mu   sync.Mutex
	live map[string]*managed

	dataDir string
	tune    tuning.Tuning
	handler CommandHandler
	index   *indexdb.SQLiteIndex // nil disables the read model
	log     *log.Logger
}

func NewManager(dataDir string, tune tuning.Tuning, handler CommandHandler, index *indexdb.SQLiteIndex, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[sessions] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manager{
		live:    make(map[string]*managed),
		dataDir: dataDir,
		tune:    tune,
		handler: handler,
		index:   index,
		log:     logger,
	}
}

func (m *Manager) sessionDir(id string) string {
	if m.dataDir == "" {
		return ""
	}
	return filepath.Join(m.dataDir, "sessions", id)
}

// Create starts a fresh session at turn 1 and registers it.
func (m *Manager) Create(themeName, playerName, characterTemplate string) (*Session, error) {
	id := uuid.NewString()
	dir := m.sessionDir(id)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	initial := engine.NewSessionState()
	initial["player"] = map[string]any{"name": playerName}
	if characterTemplate != "" {
		initial["player"].(map[string]any)["template"] = characterTemplate
	}
	initial["world"] = map[string]any{"theme": themeName}

	sess := New(Config{
		ID:           id,
		ThemeName:    themeName,
		PlayerName:   playerName,
		Tune:         m.tune,
		Handler:      m.handler,
		Dir:          dir,
		Index:        m.index,
		InitialState: state.MustNormalize(initial),
	})
	m.start(sess)
	if m.index != nil {
		m.index.RecordSession(id, themeName, playerName, sess.OpenTurn(), "")
	}
	m.log.Printf("created session %s theme=%q player=%q", id, themeName, playerName)
	return sess, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.live[id]
	if !ok {
		return nil, false
	}
	return md.sess, true
}

// Load returns the live session or resumes it from disk: nearest snapshot,
// then replay of the turn log with per-turn checksum verification.
func (m *Manager) Load(id string) (*Session, error) {
	if sess, ok := m.Get(id); ok {
		return sess, nil
	}
	dir := m.sessionDir(id)
	if dir == "" {
		return nil, ErrSessionNotFound
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrSessionNotFound
	}

	var (
		tree     any = engine.NewSessionState()
		snapTurn uint64
	)
	if path := snapshot.Latest(dir); path != "" {
		hdr, st, err := snapshot.Read(path)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", path, err)
		}
		tree = st
		snapTurn = hdr.Turn
	}

	batches, err := turnlog.ReadTurns(dir, snapTurn)
	if err != nil {
		return nil, fmt.Errorf("read turn log: %w", err)
	}

	hist := engine.NewHistory(engine.SnapshotPolicy{
		EveryTurns:  m.tune.SnapshotEveryTurns,
		EveryDeltas: m.tune.SnapshotEveryDeltas,
	}, engine.Snapshot{Turn: snapTurn, State: tree})

	openTurn := snapTurn + 1
	for _, batch := range batches {
		next, err := engine.ApplyBatch(tree, batch)
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		if batch.Checksum != "" {
			got, err := state.Digest(next)
			if err != nil {
				return nil, err
			}
			if got != batch.Checksum {
				return nil, fmt.Errorf("replay turn %d: checksum mismatch: want %s got %s", batch.Turn, batch.Checksum, got)
			}
		}
		tree = next
		hist.Record(batch, tree)
		openTurn = batch.Turn + 1
	}

	themeName, playerName := m.sessionNames(id)
	sess := New(Config{
		ID:           id,
		ThemeName:    themeName,
		PlayerName:   playerName,
		Tune:         m.tune,
		Handler:      m.handler,
		Dir:          dir,
		Index:        m.index,
		InitialState: tree,
		OpenTurn:     openTurn,
		History:      hist,
	})
	m.start(sess)
	m.log.Printf("resumed session %s at turn %d (%d replayed)", id, openTurn, len(batches))
	return sess, nil
}

func (m *Manager) sessionNames(id string) (theme, player string) {
	if m.index == nil {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	si, err := m.index.GetSession(ctx, id)
	if err != nil {
		return "", ""
	}
	return si.ThemeName, si.PlayerName
}

// List returns known sessions from the read model, with live sessions
// included even when the index is disabled.
func (m *Manager) List(ctx context.Context) ([]indexdb.SessionInfo, error) {
	if m.index != nil {
		return m.index.ListSessions(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]indexdb.SessionInfo, 0, len(m.live))
	for id, md := range m.live {
		out = append(out, indexdb.SessionInfo{
			SessionID:  id,
			ThemeName:  md.sess.ThemeName,
			PlayerName: md.sess.PlayerName,
			Turn:       md.sess.OpenTurn(),
			CreatedAt:  md.sess.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return out, nil
}

func (m *Manager) start(sess *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	md := &managed{sess: sess, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.live[sess.ID] = md
	m.mu.Unlock()
	go func() {
		defer close(md.done)
		if err := sess.Run(ctx); err != nil && err != context.Canceled {
			m.log.Printf("session %s stopped: %v", sess.ID, err)
		}
	}()
}

// EvictIdle stops sessions that have seen no traffic for maxIdle. Their
// state stays reconstructable from disk.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	var victims []*managed
	for id, md := range m.live {
		if time.Since(md.sess.LastActive()) > maxIdle {
			victims = append(victims, md)
			delete(m.live, id)
		}
	}
	m.mu.Unlock()

	for _, md := range victims {
		md.cancel()
		<-md.done
		m.log.Printf("evicted idle session %s", md.sess.ID)
	}
	return len(victims)
}

// Close stops every live session and waits for their loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	victims := make([]*managed, 0, len(m.live))
	for id, md := range m.live {
		victims = append(victims, md)
		delete(m.live, id)
	}
	m.mu.Unlock()

	for _, md := range victims {
		md.cancel()
		<-md.done
	}
}
