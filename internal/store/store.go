// Package store is the durable layer: decisions, events, fingerprint
// snapshots/locks, reviews, and guardrail counters in a single SQLite
// database. All creates are conditional; decision verdict content is never
// rewritten after insert.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a conditional create loses to an existing row
// with the same key. For events this signals idempotent replay, not data loss.
var ErrConflict = errors.New("record already exists")

// ErrNotFound is returned when a keyed read matches no row.
var ErrNotFound = errors.New("record not found")

// Store manages engine state in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
}

// Open opens or creates the engine database and applies the schema.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db dir: %w", err)
	}

	// Pragmas go through the DSN so every pooled connection gets them; a
	// plain Exec would configure only the one connection it ran on.
	dsn := "file:" + absPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{DBPath: absPath, db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS decisions (
	decision_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	traveler_id TEXT,
	lead_id TEXT,
	fingerprint TEXT NOT NULL,
	topic TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	state TEXT NOT NULL,
	outcome TEXT NOT NULL,
	headline TEXT,
	summary TEXT,
	confidence REAL,
	verdict_json TEXT NOT NULL,
	input_snapshot_json TEXT NOT NULL,
	logic_version TEXT NOT NULL,
	prompt_version TEXT,
	ai_used INTEGER NOT NULL,
	ai_trace_json TEXT,
	needs_review INTEGER NOT NULL DEFAULT 0,
	review_reason TEXT,
	review_status TEXT,
	supersedes_decision_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_traveler ON decisions(traveler_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_topic ON decisions(topic, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_review ON decisions(needs_review, created_at);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	session_id TEXT,
	traveler_id TEXT,
	decision_id TEXT,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_traveler ON events(traveler_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at);

CREATE TABLE IF NOT EXISTS snapshots (
	fingerprint TEXT PRIMARY KEY,
	decision_id TEXT,
	completed_at TEXT,
	lock_owner TEXT,
	lock_acquired_at TEXT,
	lock_expires_at TEXT
);

CREATE TABLE IF NOT EXISTS reviews (
	review_id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	decision_id TEXT,
	reason TEXT NOT NULL,
	explanation TEXT NOT NULL,
	context_json TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_topic ON reviews(topic, created_at);

CREATE TABLE IF NOT EXISTS guard_counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
