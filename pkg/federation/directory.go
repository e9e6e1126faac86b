package federation

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
)

// SQLDirectory reads users from the application's users table. Only active
// accounts are visible to the federation flows.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a directory backed by db
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// Migrate creates the users table if it does not exist
func (d *SQLDirectory) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

// ByID returns the active user with the given id
func (d *SQLDirectory) ByID(ctx context.Context, id string) (*User, error) {
	return d.scan(ctx, `SELECT id, username FROM users WHERE id = $1 AND active = TRUE`, id)
}

// ByEmail returns the active user whose username matches, ignoring case
func (d *SQLDirectory) ByEmail(ctx context.Context, email string) (*User, error) {
	return d.scan(ctx, `SELECT id, username FROM users WHERE LOWER(username) = LOWER($1) AND active = TRUE`, email)
}

func (d *SQLDirectory) scan(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// RedirectRegistrar hands unregistered recover flows to the application's
// self-registration page
type RedirectRegistrar struct {
	// BaseURL is the registration page, e.g. https://app.example.com/register
	BaseURL string
}

// BeginRegistration returns the registration URL carrying the verified email
func (r *RedirectRegistrar) BeginRegistration(ctx context.Context, email string) (string, error) {
	return r.BaseURL + "?email=" + url.QueryEscape(email), nil
}
