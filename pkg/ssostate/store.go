package ssostate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TTLs holds the per-flow lifetime of state rows
type TTLs struct {
	Login       time.Duration
	SetSettings time.Duration
	Recover     time.Duration
}

// For returns the lifetime for a flow type
func (t TTLs) For(typ Type) time.Duration {
	switch typ {
	case TypeSetSettings:
		return t.SetSettings
	case TypeRecover:
		return t.Recover
	default:
		return t.Login
	}
}

// Store persists single-use state rows in SQL
type Store struct {
	db   *sql.DB
	ttls TTLs
	now  func() time.Time
}

// NewStore creates a state store backed by db
func NewStore(db *sql.DB, ttls TTLs) *Store {
	return &Store{db: db, ttls: ttls, now: time.Now}
}

// Migrate creates the sso_states table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sso_states (
			id TEXT PRIMARY KEY,
			nonce TEXT NOT NULL,
			state TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			settings_id TEXT NOT NULL,
			user_id TEXT,
			user_agent TEXT NOT NULL,
			ip TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sso_states: %w", err)
	}
	return nil
}

// Create generates a fresh state row for one authorization round-trip. The
// state and nonce values are generated server-side; the expiry is derived
// from the flow type.
func (s *Store) Create(ctx context.Context, typ Type, settingsID, userID, userAgent, ip string) (*State, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid state type %q", typ)
	}
	value, err := NewSecureValue()
	if err != nil {
		return nil, err
	}
	nonce, err := NewSecureValue()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	st := &State{
		ID:         uuid.NewString(),
		Nonce:      nonce,
		Value:      value,
		Type:       typ,
		SettingsID: settingsID,
		UserID:     userID,
		UserAgent:  userAgent,
		IP:         ip,
		Created:    now,
		Expires:    now.Add(s.ttls.For(typ)),
	}
	query := `
		INSERT INTO sso_states (id, nonce, state, type, settings_id, user_id, user_agent, ip, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.ExecContext(ctx, query,
		st.ID, st.Nonce, st.Value, st.Type, st.SettingsID, nullable(st.UserID),
		st.UserAgent, st.IP, st.Created, st.Expires)
	if err != nil {
		return nil, fmt.Errorf("insert sso state: %w", err)
	}
	return st, nil
}

// GetActiveOrFail loads the unconsumed row matching a browser-supplied state
// value and flow type. A consumed, absent or malformed value yields
// ErrNotFound either way; expiry is checked at assertion time so that a
// stale round-trip still burns the row.
func (s *Store) GetActiveOrFail(ctx context.Context, value string, typ Type) (*State, error) {
	if err := ValidateValue(value); err != nil {
		return nil, ErrNotFound
	}
	query := `
		SELECT id, nonce, state, type, settings_id, user_id, user_agent, ip, created_at, expires_at, consumed_at
		FROM sso_states
		WHERE state = $1 AND type = $2 AND consumed_at IS NULL`
	row := s.db.QueryRowContext(ctx, query, value, typ)

	var st State
	var userID sql.NullString
	var consumedAt sql.NullTime
	err := row.Scan(&st.ID, &st.Nonce, &st.Value, &st.Type, &st.SettingsID,
		&userID, &st.UserAgent, &st.IP, &st.Created, &st.Expires, &consumedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sso state: %w", err)
	}
	st.UserID = userID.String
	if consumedAt.Valid {
		t := consumedAt.Time
		st.ConsumedAt = &t
	}
	return &st, nil
}

// AssertAndConsume validates a loaded row against the asserting request and
// consumes it. The row is burned on every outcome: a failed assertion still
// marks the row consumed, so a captured state value is dead after its first
// presentation. When two requests race on the same row, the conditional
// update lets exactly one of them through.
func (s *Store) AssertAndConsume(ctx context.Context, st *State, userID, settingsID string, rc RequestContext) error {
	assertErr := s.assert(st, userID, settingsID, rc)

	consumed, err := s.consume(ctx, st.ID)
	if err != nil {
		return err
	}
	if !consumed {
		// lost a race; the other request owns the outcome
		return ErrNotFound
	}
	return assertErr
}

func (s *Store) assert(st *State, userID, settingsID string, rc RequestContext) error {
	if st.Expired(s.now().UTC()) {
		return ErrExpired
	}
	if st.UserID != "" && !strings.EqualFold(st.UserID, userID) {
		return ErrUserMismatch
	}
	if st.SettingsID != settingsID {
		return ErrSettingsMismatch
	}
	if rc.CheckIP && st.IP != rc.IP {
		return ErrClientMismatch
	}
	if rc.CheckUserAgent && st.UserAgent != rc.UserAgent {
		return ErrClientMismatch
	}
	return nil
}

func (s *Store) consume(ctx context.Context, id string) (bool, error) {
	query := `UPDATE sso_states SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, s.now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("consume sso state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume sso state: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired removes rows past their expiry. It backs the periodic
// reaper; correctness never depends on it running.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_states WHERE expires_at < $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sso states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sso states: %w", err)
	}
	return n, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
