// Package activitylog persists engine events to a local SQLite database so
// the desktop shell's activity-log presentation survives a restart. The
// shell itself is out of scope; this package only durably records what it
// would read.
package activitylog

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// Entry is one durable activity-log row.
type Entry struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Detail    string `json:"detail"`
}

// Store wraps a SQLite-backed append-only event log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the activity log at path and runs its schema.
// Use ":memory:" for an in-memory database (useful in tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Keep a single writer connection to avoid SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a new event. detail is marshaled to JSON for storage.
func (s *Store) Record(ctx context.Context, kind, source string, detail any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, kind, source, detail) VALUES (?, ?, ?, ?)`,
		s.now().UTC().Unix(), kind, source, string(payload),
	)
	return err
}

// Recent returns the most recent limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, kind, source, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Source, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup prunes rows older than retention.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) error {
	cutoff := s.now().UTC().Add(-retention).Unix()
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	return err
}
