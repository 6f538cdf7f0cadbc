// Package contacts stores optional follow-up contact emails. Contacts live
// in their own SQLite database, physically and logically isolated from the
// anonymized experiment logs: the main data directory never links a
// participant id to an email outside this table.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists contact emails in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the contacts database.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create contacts directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open contacts database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping contacts database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize contacts schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS contacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL,
		email TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_participant ON contacts(participant_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save appends one contact row. Rows are never updated or deduplicated.
func (s *Store) Save(ctx context.Context, participantID, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (participant_id, email, created_at) VALUES (?, ?, ?)`,
		participantID, email, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save contact for %s: %w", participantID, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
