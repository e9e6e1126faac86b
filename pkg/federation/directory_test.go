package federation

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *SQLDirectory {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	dir := NewSQLDirectory(db)
	require.NoError(t, dir.Migrate(context.Background()))

	_, err = db.Exec(`INSERT INTO users (id, username, active) VALUES
		('user-1', 'ada@x.com', TRUE),
		('user-2', 'gone@x.com', FALSE)`)
	require.NoError(t, err)
	return dir
}

func TestDirectoryByID(t *testing.T) {
	dir := newTestDirectory(t)

	u, err := dir.ByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@x.com", u.Username)

	_, err = dir.ByID(context.Background(), "user-2")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = dir.ByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDirectoryByEmail(t *testing.T) {
	dir := newTestDirectory(t)

	u, err := dir.ByEmail(context.Background(), "Ada@X.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)

	_, err = dir.ByEmail(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRedirectRegistrar(t *testing.T) {
	r := &RedirectRegistrar{BaseURL: "https://app.example.com/register"}

	got, err := r.BeginRegistration(context.Background(), "new@x.com")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/register?email=new%40x.com", got)
}
