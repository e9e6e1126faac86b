package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore keeps handoff tokens in the primary database. The default
// backend; deployments with Redis available use RedisStore instead.
type SQLStore struct {
	db   *sql.DB
	ttls TTLs
	now  func() time.Time
}

// NewSQLStore creates a SQL-backed token store
func NewSQLStore(db *sql.DB, ttls TTLs) *SQLStore {
	return &SQLStore{db: db, ttls: ttls, now: time.Now}
}

// Migrate creates the sso_handoff_tokens table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sso_handoff_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sso_handoff_tokens: %w", err)
	}
	return nil
}

// Create issues a fresh active token
func (s *SQLStore) Create(ctx context.Context, typ Type, userID string, data Data) (*Token, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid handoff token type %q", typ)
	}
	value, err := NewTokenValue()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	tok := &Token{
		Value:   value,
		UserID:  userID,
		Type:    typ,
		Data:    data,
		Active:  true,
		Created: now,
		Expires: now.Add(s.ttls.For(typ)),
	}
	blob, err := json.Marshal(tok.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal handoff token data: %w", err)
	}
	query := `
		INSERT INTO sso_handoff_tokens (token, user_id, type, data, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)`
	_, err = s.db.ExecContext(ctx, query, tok.Value, tok.UserID, tok.Type, string(blob), tok.Created, tok.Expires)
	if err != nil {
		return nil, fmt.Errorf("insert handoff token: %w", err)
	}
	return tok, nil
}

// ConsumeOrFail deactivates and returns the matching active token. The
// conditional update is the race arbiter: a concurrent spend of the same
// value flips active first and this call reports ErrNotFound. An expired
// token is deactivated too but never returned.
func (s *SQLStore) ConsumeOrFail(ctx context.Context, value string, typ Type) (*Token, error) {
	query := `
		SELECT token, user_id, type, data, active, created_at, expires_at
		FROM sso_handoff_tokens
		WHERE token = $1 AND type = $2 AND active = TRUE`
	row := s.db.QueryRowContext(ctx, query, value, typ)

	var tok Token
	var blob string
	err := row.Scan(&tok.Value, &tok.UserID, &tok.Type, &blob, &tok.Active, &tok.Created, &tok.Expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query handoff token: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &tok.Data); err != nil {
		return nil, fmt.Errorf("unmarshal handoff token data: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sso_handoff_tokens SET active = FALSE WHERE token = $1 AND active = TRUE`, value)
	if err != nil {
		return nil, fmt.Errorf("consume handoff token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume handoff token: %w", err)
	}
	if n != 1 {
		return nil, ErrNotFound
	}
	tok.Active = false

	if tok.Expired(s.now().UTC()) {
		return nil, ErrNotFound
	}
	return &tok, nil
}

// DeleteExpired removes tokens past their lifetime. Spent tokens linger
// until expiry so a replay still hits the conditional update, not a gap.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_handoff_tokens WHERE expires_at < $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired handoff tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired handoff tokens: %w", err)
	}
	return n, nil
}
