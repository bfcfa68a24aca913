// ABOUTME: SQLite transcript ledger for completed conversation turns.
// ABOUTME: Diagnostics-only persistence; session state itself stays in memory.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded turn.
type Entry struct {
	SessionID  string
	Role       string
	Text       string
	CallID     string
	ResponseID string
	Timestamp  time.Time
}

// Ledger appends completed turns to a local SQLite file. It is write-mostly;
// the only reader is the history subcommand.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger at path, creating parent directories and
// the schema as needed.
func Open(path string) (*Ledger, error) {
	logger := slog.Default().With("component", "ledger")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			response_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	logger.Info("ledger opened", "path", path)
	return &Ledger{db: db, logger: logger}, nil
}

// RecordTurn appends one turn to the transcript.
func (l *Ledger) RecordTurn(ctx context.Context, e *Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, role, text, call_id, response_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Role, e.Text, e.CallID, e.ResponseID, ts)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// SessionTranscript returns up to limit turns for a session in append order.
func (l *Ledger) SessionTranscript(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, role, text, call_id, response_id, created_at
		 FROM turns WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.SessionID, &e.Role, &e.Text, &e.CallID, &e.ResponseID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
