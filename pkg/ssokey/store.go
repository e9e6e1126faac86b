// Package ssokey stores the per-user server-side key material that a
// successful SSO login releases. The key itself is opaque to this service;
// clients combine it with a local secret to unlock their vault.
package ssokey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a user has no stored key
var ErrNotFound = errors.New("sso key not found")

// Key is one user's server-side key material
type Key struct {
	UserID   string
	Data     string
	Created  time.Time
	Modified time.Time
}

// Store persists server-side keys in SQL
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a key store backed by db
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the sso_keys table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sso_keys (
			user_id TEXT PRIMARY KEY,
			key_data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sso_keys: %w", err)
	}
	return nil
}

// SetForUser stores or replaces a user's key
func (s *Store) SetForUser(ctx context.Context, userID, data string) error {
	now := s.now().UTC()
	query := `
		INSERT INTO sso_keys (user_id, key_data, created_at, modified_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET key_data = $2, modified_at = $3`
	if _, err := s.db.ExecContext(ctx, query, userID, data, now); err != nil {
		return fmt.Errorf("set sso key: %w", err)
	}
	return nil
}

// GetForUser returns a user's key. Callers gate this behind a spent
// get-key handoff token; the store itself enforces nothing.
func (s *Store) GetForUser(ctx context.Context, userID string) (*Key, error) {
	query := `SELECT user_id, key_data, created_at, modified_at FROM sso_keys WHERE user_id = $1`
	row := s.db.QueryRowContext(ctx, query, userID)

	var k Key
	err := row.Scan(&k.UserID, &k.Data, &k.Created, &k.Modified)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sso key: %w", err)
	}
	return &k, nil
}

// DeleteForUser removes a user's key, for example on account recovery
// when fresh key material replaces it.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_keys WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete sso key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete sso key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
