// Package tokenstore persists the bearer credential in the workspace
// SQLite database under a single fixed key.
package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// DefaultKey is the kv row holding the bearer token.
const DefaultKey = "auth_token"

// Store reads and writes the token row directly on every call; there is
// no in-memory cache, so a Set is visible to any Store sharing the file.
type Store struct {
	DB  *sql.DB
	Key string
	Now func() time.Time
}

var _ oauth2.TokenSource = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{DB: db, Key: DefaultKey, Now: time.Now}
}

func (s *Store) key() string {
	if s.Key == "" {
		return DefaultKey
	}
	return s.Key
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get returns the stored token, or "" when none is held.
func (s *Store) Get(ctx context.Context) (string, error) {
	var token string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, s.key()).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// Set stores token, replacing any previous value.
func (s *Store) Set(ctx context.Context, token string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		s.key(), token, s.now().UTC().Format(time.RFC3339))
	return err
}

// Clear removes the token. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, s.key())
	return err
}

// Token implements oauth2.TokenSource. An empty store yields a token
// with no AccessToken. When the value is a JWT carrying exp, Expiry is
// filled in so callers can detect expiry locally; the signature is not
// checked here.
func (s *Store) Token() (*oauth2.Token, error) {
	raw, err := s.Get(context.Background())
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if raw == "" {
		return tok, nil
	}
	if exp, ok := jwtExpiry(raw); ok {
		tok.Expiry = exp
	}
	return tok, nil
}

func jwtExpiry(raw string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
