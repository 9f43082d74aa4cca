// Package sqlite is an embedded, single-node implementation of storage.Store
// on modernc.org/sqlite. It shares the Postgres backend's sentinel errors and
// transition rules; metadata merges happen in Go inside a transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/threadbox/internal/storage"
)

// timeLayout is fixed-width so that lexical order on the TEXT columns is
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is a SQLite-backed storage.Store.
type DB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ storage.Store = (*DB)(nil)

// Open creates (if needed) and migrates the database file at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	database, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection serializes every read-modify-write below.
	database.SetMaxOpenConns(1)

	s := &DB{db: database, path: path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *DB) Path() string {
	return s.path
}

// Ping checks that the database is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *DB) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close", "error", err)
	}
}

func (s *DB) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			thread_name TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'idle'
				CHECK (state IN ('idle', 'starting', 'completed', 'error')),
			metadata TEXT NOT NULL DEFAULT '{}',
			created_on TEXT NOT NULL,
			edited_on TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_on TEXT NOT NULL,
			edited_on TEXT NOT NULL,
			FOREIGN KEY(thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS logs_thread_created_idx ON logs (thread_id, created_on, id);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			edited_on TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
	}
	return m, nil
}
