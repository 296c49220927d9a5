package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"questforge/internal/protocol"
)

// SQLiteIndex is a secondary read model over the session directories: which
// sessions exist, how far each has advanced, and where their snapshots live.
// The per-session turn logs remain the source of truth; writes here are
// queued and may be dropped under pressure.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqSession reqKind = iota + 1
	reqTurn
	reqSnapshot
)

type req struct {
	kind reqKind

	session  sessionRow
	turn     turnRow
	snapshot snapshotRow
}

type sessionRow struct {
	SessionID  string
	ThemeName  string
	PlayerName string
	CreatedAt  string
	UpdatedAt  string
	Turn       uint64
	Checksum   string
}

type turnRow struct {
	SessionID string
	Turn      uint64
	Deltas    int
	Checksum  string
	RawJSON   string
}

type snapshotRow struct {
	SessionID string
	Turn      uint64
	Path      string
	Checksum  string
}

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	SessionID  string
	ThemeName  string
	PlayerName string
	Turn       uint64
	Checksum   string
	CreatedAt  string
	UpdatedAt  string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Generous buffer: turn commits are bursty when a client floods
		// commands, and the session loop must never stall on the index.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			theme_name TEXT NOT NULL,
			player_name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			current_turn INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			deltas INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, turn)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, turn);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			path TEXT NOT NULL,
			checksum TEXT NOT NULL,
			PRIMARY KEY (session_id, turn)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordSession upserts the session row. updatedAt/createdAt are assigned
// here so all index timestamps share one clock and format.
func (s *SQLiteIndex) RecordSession(sessionID, themeName, playerName string, turn uint64, checksum string) {
	if s == nil || s.closed.Load() {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	r := sessionRow{
		SessionID:  sessionID,
		ThemeName:  themeName,
		PlayerName: playerName,
		CreatedAt:  now,
		UpdatedAt:  now,
		Turn:       turn,
		Checksum:   checksum,
	}
	select {
	case s.ch <- req{kind: reqSession, session: r}:
	default:
		// Drop if the indexer falls behind; turn logs remain the source of truth.
	}
}

// RecordTurn records a committed batch.
func (s *SQLiteIndex) RecordTurn(sessionID string, batch protocol.TurnDeltas) {
	if s == nil || s.closed.Load() {
		return
	}
	raw, _ := json.Marshal(batch)
	r := turnRow{
		SessionID: sessionID,
		Turn:      batch.Turn,
		Deltas:    len(batch.Deltas),
		Checksum:  batch.Checksum,
		RawJSON:   string(raw),
	}
	select {
	case s.ch <- req{kind: reqTurn, turn: r}:
	default:
	}
}

// RecordSnapshot records where a snapshot file landed.
func (s *SQLiteIndex) RecordSnapshot(sessionID string, turn uint64, path, checksum string) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{SessionID: sessionID, Turn: turn, Path: path, Checksum: checksum}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
	}
}

// ListSessions returns all known sessions, most recently updated first.
func (s *SQLiteIndex) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, theme_name, player_name, current_turn, checksum, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.SessionID, &si.ThemeName, &si.PlayerName, &si.Turn, &si.Checksum, &si.CreatedAt, &si.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// GetSession returns a single session row, or sql.ErrNoRows.
func (s *SQLiteIndex) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	var si SessionInfo
	if s == nil {
		return si, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, theme_name, player_name, current_turn, checksum, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	err := row.Scan(&si.SessionID, &si.ThemeName, &si.PlayerName, &si.Turn, &si.Checksum, &si.CreatedAt, &si.UpdatedAt)
	return si, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSession, _ := s.db.Prepare(`INSERT INTO sessions(session_id,theme_name,player_name,created_at,updated_at,current_turn,checksum)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			theme_name=excluded.theme_name,
			player_name=excluded.player_name,
			updated_at=excluded.updated_at,
			current_turn=excluded.current_turn,
			checksum=excluded.checksum`)
	insertTurn, _ := s.db.Prepare(`INSERT OR REPLACE INTO turns(session_id,turn,deltas,checksum,raw_json) VALUES(?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(session_id,turn,path,checksum) VALUES(?,?,?,?)`)
	defer func() {
		if insertSession != nil {
			_ = insertSession.Close()
		}
		if insertTurn != nil {
			_ = insertTurn.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSession:
			se := r.session
			if insertSession != nil {
				if _, err := tx.Stmt(insertSession).Exec(
					se.SessionID, se.ThemeName, se.PlayerName, se.CreatedAt, se.UpdatedAt, int64(se.Turn), se.Checksum,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqTurn:
			tr := r.turn
			if insertTurn != nil {
				if _, err := tx.Stmt(insertTurn).Exec(
					tr.SessionID, int64(tr.Turn), tr.Deltas, tr.Checksum, tr.RawJSON,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					sn.SessionID, int64(sn.Turn), sn.Path, sn.Checksum,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
