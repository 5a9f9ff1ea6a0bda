package tokenstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kendra/internal/db"
	"kendra/internal/migrate"
	"kendra/internal/tokenstore"
)

func openStore(t *testing.T, workspace string) *tokenstore.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return tokenstore.New(conn)
}

func TestTokenSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()

	first := openStore(t, workspace)
	require.NoError(t, first.Set(ctx, "abc123"))

	second := openStore(t, workspace)
	got, err := second.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
}

func TestSetIsIdempotentAndImmediatelyVisible(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Set(ctx, "one"))
	require.NoError(t, s.Set(ctx, "one"))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	require.NoError(t, s.Set(ctx, "two"))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Set(ctx, "tok"))
	require.NoError(t, s.Clear(ctx))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTokenSourceReadsJWTExpiry(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Empty(t, tok.AccessToken)

	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, signed))

	tok, err = s.Token()
	require.NoError(t, err)
	assert.Equal(t, signed, tok.AccessToken)
	assert.True(t, tok.Expiry.Equal(exp))
	assert.False(t, tok.Valid())

	require.NoError(t, s.Set(ctx, "opaque-token"))
	tok, err = s.Token()
	require.NoError(t, err)
	assert.True(t, tok.Expiry.IsZero())
	assert.True(t, tok.Valid())
}
