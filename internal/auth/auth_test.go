package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/gamewarden/internal/db"
)

func newService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	s := NewService(database, time.Hour)
	require.NoError(t, s.EnsureOperator("admin", "hunter2"))
	return s
}

func TestLoginValidateLogout(t *testing.T) {
	s := newService(t)

	_, err := s.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login("nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := s.Login("admin", "hunter2")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	op, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", op.Username)

	require.NoError(t, s.Logout(token))
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestEnsureOperatorOnlySeedsEmptyTable(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.EnsureOperator("other", "secret"))
	_, err := s.Login("other", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenExpiry(t *testing.T) {
	s := newService(t)
	token, err := s.Login("admin", "hunter2")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := s.PruneExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
