// ABOUTME: SQLite-backed call audit log using modernc.org/sqlite
// ABOUTME: Records every dispatch with caller attribution and outcome

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/conclave-sh/conclave/internal/router"
)

// CallEntry is one persisted dispatch record.
type CallEntry struct {
	ID         string    `json:"id"`
	Caller     string    `json:"caller"`
	Server     string    `json:"server"`
	Action     string    `json:"action"`
	Name       string    `json:"name"`
	Approved   bool      `json:"approved"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// CallFilter narrows ListCalls results.
type CallFilter struct {
	Server string
	Caller string
	Since  time.Time
	Limit  int // default 100, max 1000
}

// SQLiteStore persists the call log. It satisfies the router's Recorder
// interface so dispatches audit themselves.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// an ephemeral store. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			caller TEXT NOT NULL,
			server TEXT NOT NULL,
			action TEXT NOT NULL,
			name TEXT NOT NULL,
			approved INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON calls(timestamp);
		CREATE INDEX IF NOT EXISTS idx_calls_server ON calls(server);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// RecordCall implements the router's Recorder interface.
func (s *SQLiteStore) RecordCall(ctx context.Context, rec router.CallRecord) error {
	entry := CallEntry{
		ID:         uuid.New().String(),
		Caller:     rec.Caller,
		Server:     rec.Server,
		Action:     rec.Action,
		Name:       rec.Name,
		Approved:   rec.Approved,
		Error:      rec.Error,
		DurationMS: rec.Duration.Milliseconds(),
		Timestamp:  rec.At.UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, caller, server, action, name, approved, error, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Caller, entry.Server, entry.Action, entry.Name,
		entry.Approved, entry.Error, entry.DurationMS, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// ListCalls returns call records matching the filter, newest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, filter CallFilter) ([]CallEntry, error) {
	query := `SELECT id, caller, server, action, name, approved, error, duration_ms, timestamp
		FROM calls WHERE 1=1`
	var args []any

	if filter.Server != "" {
		query += " AND server = ?"
		args = append(args, filter.Server)
	}
	if filter.Caller != "" {
		query += " AND caller = ?"
		args = append(args, filter.Caller)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	var entries []CallEntry
	for rows.Next() {
		var e CallEntry
		if err := rows.Scan(&e.ID, &e.Caller, &e.Server, &e.Action, &e.Name,
			&e.Approved, &e.Error, &e.DurationMS, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
