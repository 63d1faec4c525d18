// Package rollout persists a session's event stream to disk: an
// append-only JSONL log as the durable record, plus a sqlite index for
// fast list/resume queries over that log without re-scanning it.
//
// The JSONL append-only shape is written directly from spec §6's
// persisted-state layout (no teacher file appends JSONL directly; the
// closest analogue, internal/sessions/memory.go, persists to an
// in-memory map instead). The sqlite index is grounded on
// internal/memory/backend/sqlitevec/backend.go's New/init/sql.Open
// pattern, narrowed from a vector-memory schema to a session/event index.
package rollout

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Sink appends every event from a session to a JSONL file, one JSON object
// per line, and is safe for concurrent Append calls.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewSink opens (creating if absent) the JSONL log at path for appending.
func NewSink(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: open sink: %w", err)
	}
	return &Sink{file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one event as a JSON line, flushing immediately so a crash
// right after Append returns never loses the event.
func (s *Sink) Append(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rollout: marshal event: %w", err)
	}
	if _, err := s.w.Write(body); err != nil {
		return fmt.Errorf("rollout: write event: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("rollout: flush: %w", err)
	}
	return s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// Index is a sqlite-backed catalog of rollout files, letting a client list
// and resume past sessions without re-reading every JSONL file in full.
type Index struct {
	db *sql.DB
}

// Config configures the sqlite index.
type Config struct {
	Path string // ":memory:" for an ephemeral index
}

// NewIndex opens (creating if absent) the sqlite index at cfg.Path.
func NewIndex(cfg Config) (*Index, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open index: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			rollout_path TEXT NOT NULL,
			cwd TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_task_summary TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("rollout: create sessions table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_cwd ON sessions(cwd)",
	}
	for _, stmt := range indexes {
		if _, err := idx.db.Exec(stmt); err != nil {
			return fmt.Errorf("rollout: create index: %w", err)
		}
	}
	return nil
}

// SessionRecord is one row of the sessions index.
type SessionRecord struct {
	ID              string
	RolloutPath     string
	Cwd             string
	LastTaskSummary string
}

// Upsert records or updates a session's index entry, called after a turn
// completes so list/resume reflects the session's latest state.
func (idx *Index) Upsert(rec SessionRecord) error {
	// Nanosecond timestamps keep List's order stable for upserts made
	// within the same second (CURRENT_TIMESTAMP only has 1 s resolution).
	now := time.Now().UTC().Format("2006-01-02 15:04:05.000000000")
	_, err := idx.db.Exec(`
		INSERT INTO sessions (id, rollout_path, cwd, last_task_summary, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rollout_path = excluded.rollout_path,
			cwd = excluded.cwd,
			last_task_summary = excluded.last_task_summary,
			updated_at = excluded.updated_at
	`, rec.ID, rec.RolloutPath, rec.Cwd, rec.LastTaskSummary, now)
	if err != nil {
		return fmt.Errorf("rollout: upsert session: %w", err)
	}
	return nil
}

// List returns sessions most-recently-updated first, capped at limit (0
// means unlimited).
func (idx *Index) List(limit int) ([]SessionRecord, error) {
	query := "SELECT id, rollout_path, cwd, last_task_summary FROM sessions ORDER BY updated_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("rollout: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.RolloutPath, &rec.Cwd, &rec.LastTaskSummary); err != nil {
			return nil, fmt.Errorf("rollout: scan session row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one session's index entry by ID.
func (idx *Index) Get(id string) (*SessionRecord, error) {
	row := idx.db.QueryRow("SELECT id, rollout_path, cwd, last_task_summary FROM sessions WHERE id = ?", id)
	var rec SessionRecord
	if err := row.Scan(&rec.ID, &rec.RolloutPath, &rec.Cwd, &rec.LastTaskSummary); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("rollout: get session: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
