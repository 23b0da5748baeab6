package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Watermarks and Drafts on a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// Single writer. This also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	// Other processes on the same file wait for the write lock instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Get returns the value stored under key, or def when the key is absent.
func (s *SQLiteStore) Get(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Set durably replaces the value under key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return s.Transaction(ctx, []Pair{{Key: key, Value: value}})
}

// Transaction writes every pair or none of them.
func (s *SQLiteStore) Transaction(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, "REPLACE INTO state (key, value) VALUES (?, ?)")
	if err != nil {
		return &PersistenceError{Op: "prepare", Err: err}
	}
	defer stmt.Close()

	for _, p := range pairs {
		if _, err := stmt.ExecContext(ctx, p.Key, p.Value); err != nil {
			return &PersistenceError{Op: fmt.Sprintf("write %q", p.Key), Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// PutDraft stores text as the draft for messageID, replacing any earlier draft.
func (s *SQLiteStore) PutDraft(ctx context.Context, messageID, text string) error {
	_, err := s.db.ExecContext(ctx,
		"REPLACE INTO drafts (message_id, text, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		messageID, text,
	)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("draft %s", messageID), Err: err}
	}
	return nil
}

// GetDraft returns the cached draft for messageID or ErrDraftNotFound.
func (s *SQLiteStore) GetDraft(ctx context.Context, messageID string) (string, error) {
	var text string
	err := s.db.GetContext(ctx, &text, "SELECT text FROM drafts WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("draft %s: %w", messageID, ErrDraftNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading draft %s: %w", messageID, err)
	}
	return text, nil
}

// DeleteDraft removes the draft for messageID. Deleting a missing draft is not an error.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM drafts WHERE message_id = ?", messageID)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("delete draft %s", messageID), Err: err}
	}
	return nil
}

// AcquireLease takes the named lease for owner until ttl elapses. It fails
// with ErrLeaseHeld while a different owner holds an unexpired lease; an
// owner may renew its own lease.
func (s *SQLiteStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE leases.expires_at <= ? OR leases.owner = excluded.owner`,
		name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("lease %s", name), Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("lease %s", name), Err: err}
	}
	if n == 0 {
		return fmt.Errorf("lease %s: %w", name, ErrLeaseHeld)
	}
	return nil
}

// ReleaseLease drops the named lease if owner still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE name = ? AND owner = ?", name, owner)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("release lease %s", name), Err: err}
	}
	return nil
}

var (
	_ Watermarks = (*SQLiteStore)(nil)
	_ Drafts     = (*SQLiteStore)(nil)
	_ Leases     = (*SQLiteStore)(nil)
)
