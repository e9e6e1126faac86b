package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record matches the lookup
	ErrNotFound = errors.New("sso settings not found")
	// ErrNotDraft is returned when a dry run targets a non-draft record
	ErrNotDraft = errors.New("sso settings are not a draft")
	// ErrNotActive is returned when no active configuration exists
	ErrNotActive = errors.New("no active sso settings")
	// ErrInvalidProvider is returned for an unsupported provider value
	ErrInvalidProvider = errors.New("unsupported sso provider")
)

// Store persists provider configurations
type Store struct {
	db *sql.DB
}

// NewStore creates a settings store on an existing database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the settings table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sso_settings (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			client_secret TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			modified_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create sso_settings table: %w", err)
	}
	return nil
}

// CreateDraft inserts a new draft configuration
func (s *Store) CreateDraft(ctx context.Context, provider Provider, data *Data, createdBy string) (*Settings, error) {
	if !provider.Valid() {
		return nil, ErrInvalidProvider
	}
	if data == nil {
		return nil, fmt.Errorf("settings data is required")
	}

	dataJSON, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &Settings{
		ID:         uuid.NewString(),
		Provider:   provider,
		Status:     StatusDraft,
		Data:       data,
		CreatedBy:  createdBy,
		ModifiedBy: createdBy,
		Created:    now,
		Modified:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_settings (id, provider, status, data, client_secret, created_by, modified_by, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, string(record.Provider), string(record.Status), dataJSON,
		data.ClientSecret, createdBy, createdBy, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert sso settings: %w", err)
	}

	return record, nil
}

// GetActiveOrFail returns the active configuration for end-user logins.
// withData controls whether the client secret is loaded.
func (s *Store) GetActiveOrFail(ctx context.Context, withData bool) (*Settings, error) {
	record, err := s.scanOne(ctx, `
		SELECT id, provider, status, data, client_secret, created_by, modified_by, created_at, modified_at
		FROM sso_settings
		WHERE status = $1
	`, string(StatusActive))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotActive
		}
		return nil, err
	}
	if !withData {
		record.Data.ClientSecret = ""
	}
	return record, nil
}

// GetDraftByIDOrFail returns a draft configuration for an admin dry run.
// A non-draft record fails with ErrNotDraft so a dry run can never target
// the live configuration.
func (s *Store) GetDraftByIDOrFail(ctx context.Context, id string, withData bool) (*Settings, error) {
	record, err := s.scanOne(ctx, `
		SELECT id, provider, status, data, client_secret, created_by, modified_by, created_at, modified_at
		FROM sso_settings
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	if !record.IsDraft() {
		return nil, ErrNotDraft
	}
	if !withData {
		record.Data.ClientSecret = ""
	}
	return record, nil
}

// GetByID returns any record without status filtering
func (s *Store) GetByID(ctx context.Context, id string) (*Settings, error) {
	return s.scanOne(ctx, `
		SELECT id, provider, status, data, client_secret, created_by, modified_by, created_at, modified_at
		FROM sso_settings
		WHERE id = $1
	`, id)
}

// Activate promotes a draft to active and supersedes any previously active
// record in one transaction, so at most one configuration is ever live.
// Superseded records are kept for audit.
func (s *Store) Activate(ctx context.Context, id, modifiedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activation: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sso_settings WHERE id = $1`, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load sso settings: %w", err)
	}
	if Status(status) != StatusDraft {
		return ErrNotDraft
	}

	// A single configuration is live per install, so switching provider
	// supersedes the old provider's record too.
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sso_settings SET status = $1, modified_by = $2, modified_at = $3
		WHERE status = $4
	`, string(StatusSuperseded), modifiedBy, now, string(StatusActive)); err != nil {
		return fmt.Errorf("supersede active settings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sso_settings SET status = $1, modified_by = $2, modified_at = $3
		WHERE id = $4
	`, string(StatusActive), modifiedBy, now, id); err != nil {
		return fmt.Errorf("activate settings: %w", err)
	}

	return tx.Commit()
}

// List returns all records, newest first, without secrets
func (s *Store) List(ctx context.Context) ([]*Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, status, data, client_secret, created_by, modified_by, created_at, modified_at
		FROM sso_settings
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sso settings: %w", err)
	}
	defer rows.Close()

	var records []*Settings
	for rows.Next() {
		record, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		record.Data.ClientSecret = ""
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOne(ctx context.Context, query string, args ...interface{}) (*Settings, error) {
	record, err := scanSettings(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func scanSettings(row rowScanner) (*Settings, error) {
	var (
		record   Settings
		provider string
		status   string
		dataJSON string
		secret   string
	)
	err := row.Scan(&record.ID, &provider, &status, &dataJSON, &secret,
		&record.CreatedBy, &record.ModifiedBy, &record.Created, &record.Modified)
	if err != nil {
		return nil, err
	}

	record.Provider = Provider(provider)
	record.Status = Status(status)

	data := &Data{}
	if err := json.Unmarshal([]byte(dataJSON), data); err != nil {
		return nil, fmt.Errorf("unmarshal settings data: %w", err)
	}
	data.ClientSecret = secret
	record.Data = data

	return &record, nil
}

func marshalData(data *Data) (string, error) {
	// The secret lives in its own column, never inside the JSON blob
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal settings data: %w", err)
	}
	return string(b), nil
}
