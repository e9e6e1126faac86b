package ssostate

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var frozen = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, TTLs{
		Login:       10 * time.Minute,
		SetSettings: 10 * time.Minute,
		Recover:     10 * time.Minute,
	})
	store.now = func() time.Time { return frozen }
	return store, mock
}

func stateColumns() []string {
	return []string{"id", "nonce", "state", "type", "settings_id", "user_id",
		"user_agent", "ip", "created_at", "expires_at", "consumed_at"}
}

func TestNewSecureValue(t *testing.T) {
	a, err := NewSecureValue()
	require.NoError(t, err)
	b, err := NewSecureValue()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NoError(t, ValidateValue(a))
	// 32 bytes of entropy, unpadded base64url
	assert.Len(t, a, 43)
}

func TestValidateValue(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr error
	}{
		{name: "well formed", value: "AAAAAAAAAAAAAAAAAAAAAA", wantErr: nil},
		{name: "not base64url", value: "not//valid==", wantErr: ErrMalformedValue},
		{name: "too short", value: "c2hvcnQ", wantErr: ErrMalformedValue},
		{name: "empty", value: "", wantErr: ErrMalformedValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValue(tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO sso_states").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "login",
			"settings-1", "user-1", "Mozilla/5.0", "10.0.0.1",
			frozen, frozen.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	st, err := store.Create(context.Background(), TypeLogin, "settings-1", "user-1", "Mozilla/5.0", "10.0.0.1")
	require.NoError(t, err)

	assert.NotEmpty(t, st.ID)
	assert.NotEmpty(t, st.Value)
	assert.NotEmpty(t, st.Nonce)
	assert.NotEqual(t, st.Value, st.Nonce)
	assert.Equal(t, frozen.Add(10*time.Minute), st.Expires)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_RecoverHasNoUser(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO sso_states").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "recover",
			"settings-1", nil, "Mozilla/5.0", "10.0.0.1",
			frozen, frozen.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	st, err := store.Create(context.Background(), TypeRecover, "settings-1", "", "Mozilla/5.0", "10.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, st.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_InvalidType(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), Type("bogus"), "settings-1", "user-1", "", "")
	assert.Error(t, err)
}

func TestGetActiveOrFail(t *testing.T) {
	store, mock := newTestStore(t)

	value, err := NewSecureValue()
	require.NoError(t, err)

	rows := sqlmock.NewRows(stateColumns()).
		AddRow("id-1", "nonce-1", value, "login", "settings-1", "user-1",
			"Mozilla/5.0", "10.0.0.1", frozen, frozen.Add(10*time.Minute), nil)
	mock.ExpectQuery("SELECT (.+) FROM sso_states").
		WithArgs(value, "login").
		WillReturnRows(rows)

	st, err := store.GetActiveOrFail(context.Background(), value, TypeLogin)
	require.NoError(t, err)
	assert.Equal(t, "id-1", st.ID)
	assert.Equal(t, "user-1", st.UserID)
	assert.Nil(t, st.ConsumedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveOrFail_AbsentAndConsumedLookAlike(t *testing.T) {
	store, mock := newTestStore(t)

	value, err := NewSecureValue()
	require.NoError(t, err)

	// an absent row and a consumed row both miss the conditional query,
	// so the caller sees the same error for either
	mock.ExpectQuery("SELECT (.+) FROM sso_states").
		WithArgs(value, "login").
		WillReturnRows(sqlmock.NewRows(stateColumns()))

	_, err = store.GetActiveOrFail(context.Background(), value, TypeLogin)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveOrFail_MalformedValueSkipsQuery(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetActiveOrFail(context.Background(), "not a token", TypeLogin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func activeState(userID string) *State {
	return &State{
		ID:         "id-1",
		Nonce:      "nonce-1",
		Value:      "value-1",
		Type:       TypeLogin,
		SettingsID: "settings-1",
		UserID:     userID,
		UserAgent:  "Mozilla/5.0",
		IP:         "10.0.0.1",
		Created:    frozen.Add(-time.Minute),
		Expires:    frozen.Add(9 * time.Minute),
	}
}

func expectConsume(mock sqlmock.Sqlmock, affected int64) {
	mock.ExpectExec("UPDATE sso_states SET consumed_at").
		WithArgs(frozen, "id-1").
		WillReturnResult(sqlmock.NewResult(0, affected))
}

func TestAssertAndConsume(t *testing.T) {
	rc := RequestContext{IP: "10.0.0.1", UserAgent: "Mozilla/5.0", CheckIP: true, CheckUserAgent: true}

	tests := []struct {
		name       string
		state      *State
		userID     string
		settingsID string
		rc         RequestContext
		wantErr    error
	}{
		{
			name:       "success",
			state:      activeState("user-1"),
			userID:     "user-1",
			settingsID: "settings-1",
			rc:         rc,
		},
		{
			name: "expired",
			state: func() *State {
				st := activeState("user-1")
				st.Expires = frozen.Add(-time.Second)
				return st
			}(),
			userID:     "user-1",
			settingsID: "settings-1",
			rc:         rc,
			wantErr:    ErrExpired,
		},
		{
			name:       "user mismatch",
			state:      activeState("user-1"),
			userID:     "user-2",
			settingsID: "settings-1",
			rc:         rc,
			wantErr:    ErrUserMismatch,
		},
		{
			name:       "recover state binds to any user",
			state:      activeState(""),
			userID:     "user-2",
			settingsID: "settings-1",
			rc:         rc,
		},
		{
			name:       "settings mismatch",
			state:      activeState("user-1"),
			userID:     "user-1",
			settingsID: "settings-2",
			rc:         rc,
			wantErr:    ErrSettingsMismatch,
		},
		{
			name:       "ip mismatch",
			state:      activeState("user-1"),
			userID:     "user-1",
			settingsID: "settings-1",
			rc:         RequestContext{IP: "10.0.0.99", UserAgent: "Mozilla/5.0", CheckIP: true, CheckUserAgent: true},
			wantErr:    ErrClientMismatch,
		},
		{
			name:       "ip mismatch ignored when toggled off",
			state:      activeState("user-1"),
			userID:     "user-1",
			settingsID: "settings-1",
			rc:         RequestContext{IP: "10.0.0.99", UserAgent: "Mozilla/5.0", CheckIP: false, CheckUserAgent: true},
		},
		{
			name:       "user agent mismatch",
			state:      activeState("user-1"),
			userID:     "user-1",
			settingsID: "settings-1",
			rc:         RequestContext{IP: "10.0.0.1", UserAgent: "curl/8.0", CheckIP: true, CheckUserAgent: true},
			wantErr:    ErrClientMismatch,
		},
		{
			name:       "user agent mismatch ignored when toggled off",
			state:      activeState("user-1"),
			userID:     "user-1",
			settingsID: "settings-1",
			rc:         RequestContext{IP: "10.0.0.1", UserAgent: "curl/8.0", CheckIP: true, CheckUserAgent: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newTestStore(t)
			// the row is consumed no matter how the assertion ends
			expectConsume(mock, 1)

			err := store.AssertAndConsume(context.Background(), tt.state, tt.userID, tt.settingsID, tt.rc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAssertAndConsume_CaseInsensitiveUserMatch(t *testing.T) {
	store, mock := newTestStore(t)
	expectConsume(mock, 1)

	st := activeState("User-1")
	err := store.AssertAndConsume(context.Background(), st, "user-1", "settings-1",
		RequestContext{IP: "10.0.0.1", UserAgent: "Mozilla/5.0", CheckIP: true, CheckUserAgent: true})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssertAndConsume_LostRace(t *testing.T) {
	store, mock := newTestStore(t)
	// a concurrent request consumed the row first; assertions passed but
	// this caller must not win
	expectConsume(mock, 0)

	st := activeState("user-1")
	err := store.AssertAndConsume(context.Background(), st, "user-1", "settings-1",
		RequestContext{IP: "10.0.0.1", UserAgent: "Mozilla/5.0", CheckIP: true, CheckUserAgent: true})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sso_states WHERE expires_at").
		WithArgs(frozen).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTTLsFor(t *testing.T) {
	ttls := TTLs{Login: time.Minute, SetSettings: 2 * time.Minute, Recover: 3 * time.Minute}

	assert.Equal(t, time.Minute, ttls.For(TypeLogin))
	assert.Equal(t, 2*time.Minute, ttls.For(TypeSetSettings))
	assert.Equal(t, 3*time.Minute, ttls.For(TypeRecover))
}
