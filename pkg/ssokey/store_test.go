package ssokey

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

	store := NewStore(db)
	store.now = func() time.Time { return frozen }
	return store, mock
}

func TestSetForUser(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO sso_keys").
		WithArgs("user-1", "key-material", frozen).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.SetForUser(context.Background(), "user-1", "key-material")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForUser(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"user_id", "key_data", "created_at", "modified_at"}).
		AddRow("user-1", "key-material", frozen, frozen)
	mock.ExpectQuery("SELECT (.+) FROM sso_keys").
		WithArgs("user-1").
		WillReturnRows(rows)

	k, err := store.GetForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "key-material", k.Data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForUser_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM sso_keys").
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "key_data", "created_at", "modified_at"}))

	_, err := store.GetForUser(context.Background(), "user-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteForUser(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sso_keys").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DeleteForUser(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteForUser_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM sso_keys").
		WithArgs("user-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteForUser(context.Background(), "user-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
