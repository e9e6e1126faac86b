package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var frozen = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newSQLTestStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLStore(db, TTLs{
		GetKey:           time.Minute,
		ActivateSettings: 5 * time.Minute,
		Recover:          30 * time.Minute,
	})
	store.now = func() time.Time { return frozen }
	return store, mock
}

func tokenColumns() []string {
	return []string{"token", "user_id", "type", "data", "active", "created_at", "expires_at"}
}

func TestSQLCreate(t *testing.T) {
	store, mock := newSQLTestStore(t)

	mock.ExpectExec("INSERT INTO sso_handoff_tokens").
		WithArgs(sqlmock.AnyArg(), "user-1", "get-key", sqlmock.AnyArg(),
			frozen, frozen.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tok, err := store.Create(context.Background(), TypeGetKey, "user-1",
		Data{IP: "10.0.0.1", UserAgent: "Mozilla/5.0"})
	require.NoError(t, err)

	assert.NotEmpty(t, tok.Value)
	assert.True(t, tok.Active)
	assert.Equal(t, frozen.Add(time.Minute), tok.Expires)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCreate_PerTypeTTL(t *testing.T) {
	store, mock := newSQLTestStore(t)

	mock.ExpectExec("INSERT INTO sso_handoff_tokens").
		WithArgs(sqlmock.AnyArg(), "admin-1", "activate-settings", sqlmock.AnyArg(),
			frozen, frozen.Add(5*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tok, err := store.Create(context.Background(), TypeActivateSettings, "admin-1",
		Data{IP: "10.0.0.1", UserAgent: "Mozilla/5.0", SettingsID: "settings-1"})
	require.NoError(t, err)
	assert.Equal(t, frozen.Add(5*time.Minute), tok.Expires)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConsumeOrFail(t *testing.T) {
	store, mock := newSQLTestStore(t)

	rows := sqlmock.NewRows(tokenColumns()).
		AddRow("tok-1", "user-1", "get-key",
			`{"ip":"10.0.0.1","user_agent":"Mozilla/5.0"}`,
			true, frozen.Add(-10*time.Second), frozen.Add(50*time.Second))
	mock.ExpectQuery("SELECT (.+) FROM sso_handoff_tokens").
		WithArgs("tok-1", "get-key").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE sso_handoff_tokens SET active = FALSE").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tok, err := store.ConsumeOrFail(context.Background(), "tok-1", TypeGetKey)
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.UserID)
	assert.Equal(t, "10.0.0.1", tok.Data.IP)
	assert.False(t, tok.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConsumeOrFail_AlreadySpent(t *testing.T) {
	store, mock := newSQLTestStore(t)

	// a spent token misses the active = TRUE filter
	mock.ExpectQuery("SELECT (.+) FROM sso_handoff_tokens").
		WithArgs("tok-1", "get-key").
		WillReturnRows(sqlmock.NewRows(tokenColumns()))

	_, err := store.ConsumeOrFail(context.Background(), "tok-1", TypeGetKey)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConsumeOrFail_LostRace(t *testing.T) {
	store, mock := newSQLTestStore(t)

	rows := sqlmock.NewRows(tokenColumns()).
		AddRow("tok-1", "user-1", "get-key", `{}`,
			true, frozen, frozen.Add(time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM sso_handoff_tokens").
		WithArgs("tok-1", "get-key").
		WillReturnRows(rows)
	// the other request flipped active between our read and update
	mock.ExpectExec("UPDATE sso_handoff_tokens SET active = FALSE").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.ConsumeOrFail(context.Background(), "tok-1", TypeGetKey)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConsumeOrFail_ExpiredBurnsAndFails(t *testing.T) {
	store, mock := newSQLTestStore(t)

	rows := sqlmock.NewRows(tokenColumns()).
		AddRow("tok-1", "user-1", "get-key", `{}`,
			true, frozen.Add(-2*time.Minute), frozen.Add(-time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM sso_handoff_tokens").
		WithArgs("tok-1", "get-key").
		WillReturnRows(rows)
	// the expired token is still deactivated before the miss is reported
	mock.ExpectExec("UPDATE sso_handoff_tokens SET active = FALSE").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.ConsumeOrFail(context.Background(), "tok-1", TypeGetKey)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDeleteExpired(t *testing.T) {
	store, mock := newSQLTestStore(t)

	mock.ExpectExec("DELETE FROM sso_handoff_tokens WHERE expires_at").
		WithArgs(frozen).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssertToken(t *testing.T) {
	tok := func() *Token {
		return &Token{
			Value:  "tok-1",
			UserID: "user-1",
			Type:   TypeGetKey,
			Data:   Data{IP: "10.0.0.1", UserAgent: "Mozilla/5.0"},
		}
	}
	rc := RequestContext{IP: "10.0.0.1", UserAgent: "Mozilla/5.0", CheckIP: true, CheckUserAgent: true}

	tests := []struct {
		name    string
		userID  string
		rc      RequestContext
		wantErr error
	}{
		{name: "success", userID: "user-1", rc: rc},
		{name: "user match is case insensitive", userID: "USER-1", rc: rc},
		{name: "unknown caller accepted for recover", userID: "", rc: rc},
		{name: "user mismatch", userID: "user-2", rc: rc, wantErr: ErrUserMismatch},
		{
			name:    "ip mismatch",
			userID:  "user-1",
			rc:      RequestContext{IP: "10.0.0.99", UserAgent: "Mozilla/5.0", CheckIP: true, CheckUserAgent: true},
			wantErr: ErrClientMismatch,
		},
		{
			name:   "ip check toggled off",
			userID: "user-1",
			rc:     RequestContext{IP: "10.0.0.99", UserAgent: "Mozilla/5.0", CheckIP: false, CheckUserAgent: true},
		},
		{
			name:    "user agent mismatch",
			userID:  "user-1",
			rc:      RequestContext{IP: "10.0.0.1", UserAgent: "curl/8.0", CheckIP: true, CheckUserAgent: true},
			wantErr: ErrClientMismatch,
		},
		{
			name:   "user agent check toggled off",
			userID: "user-1",
			rc:     RequestContext{IP: "10.0.0.1", UserAgent: "curl/8.0", CheckIP: true, CheckUserAgent: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertToken(tok(), tt.userID, tt.rc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
