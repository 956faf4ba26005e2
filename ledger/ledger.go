// Package ledger records dependency install attempts in a SQLite database.
//
// The ledger is an audit trail for the dependency resolver: every package the
// sandbox tried to install on behalf of a submission is written here together
// with its size and outcome. Execution results are never stored.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the final state of one install attempt.
type Outcome string

const (
	OutcomeInstalled Outcome = "installed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one recorded install attempt.
type Entry struct {
	ID        int64
	Module    string
	Package   string
	SizeBytes int64
	Outcome   Outcome
	Error     string
	CreatedAt time.Time
}

// Store is a SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path and runs migrations.
// Use ":memory:" for an in-memory ledger.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends e to the ledger. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installs (module, package, size_bytes, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Module, e.Package, e.SizeBytes, string(e.Outcome), e.Error,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting install: %w", err)
	}
	return nil
}

// List returns the most recent entries first. A non-positive limit defaults to 50.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module, package, size_bytes, outcome, error, created_at
		FROM installs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying installs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			outcome   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Module, &e.Package, &e.SizeBytes, &outcome, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning install: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
