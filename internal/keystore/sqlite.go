package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    key_value TEXT PRIMARY KEY,
    user_id   INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    purpose   TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

// SQLiteStore persists credentials in a local SQLite database. Lookups are
// cheap enough to run per cache miss; writes only happen through the
// management helpers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path with WAL
// journaling and a busy timeout, and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, int((5 * time.Second).Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}

	// Single writer; readers share the one connection to avoid lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*Credential, error) {
	var cred Credential
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, is_active, purpose FROM api_keys WHERE key_value = ?`, key,
	).Scan(&cred.UserID, &active, &cred.Purpose)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("keystore: select: %w", err)
	}

	cred.Active = active != 0
	if !cred.Active {
		return nil, ErrNotFound
	}
	return &cred, nil
}

// AddKey inserts or replaces a key.
func (s *SQLiteStore) AddKey(ctx context.Context, key string, cred Credential) error {
	active := 0
	if cred.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_value, user_id, is_active, purpose) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_value) DO UPDATE SET user_id=excluded.user_id, is_active=excluded.is_active, purpose=excluded.purpose`,
		key, cred.UserID, active, cred.Purpose,
	)
	if err != nil {
		return fmt.Errorf("keystore: insert: %w", err)
	}
	return nil
}

// Revoke marks a key inactive. Revoking an unknown key is a no-op.
func (s *SQLiteStore) Revoke(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE key_value = ?`, key,
	); err != nil {
		return fmt.Errorf("keystore: revoke: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
