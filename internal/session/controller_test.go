package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"kendra/internal/clock"
	"kendra/internal/notify"
	kendrasdk "kendra/sdk/go"
)

type memStore struct {
	mu    sync.Mutex
	token string
}

func (s *memStore) Get(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *memStore) Set(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *memStore) Clear(context.Context) error { return s.Set(context.Background(), "") }

func (s *memStore) Token() (*oauth2.Token, error) {
	t, _ := s.Get(context.Background())
	return &oauth2.Token{AccessToken: t}, nil
}

type fakeGateway struct {
	mu        sync.Mutex
	me        func(ctx context.Context) (kendrasdk.UserProfile, error)
	meCalls   int
	logoutErr error
}

func (g *fakeGateway) Me(ctx context.Context) (kendrasdk.UserProfile, error) {
	g.mu.Lock()
	g.meCalls++
	fn := g.me
	g.mu.Unlock()
	if fn == nil {
		return kendrasdk.UserProfile{ID: "u1", Name: "Ada", Email: "ada@example.com"}, nil
	}
	return fn(ctx)
}

func (g *fakeGateway) Logout(context.Context) error { return g.logoutErr }

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.meCalls
}

func newController(store TokenStore, gw Gateway) (*Controller, *clock.FakeClock, *notify.Queue) {
	fc := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := notify.NewQueue(fc, notify.DefaultTTL, nil)
	c := NewController(store, gw, Options{Clock: fc, Notifier: q})
	return c, fc, q
}

func TestInitConsumesTokenParam(t *testing.T) {
	store := &memStore{}
	c, _, _ := newController(store, &fakeGateway{})
	u, err := url.Parse("https://app.example.com/dashboard?token=abc123&tab=issues")
	require.NoError(t, err)

	cb, err := c.Init(context.Background(), u)
	require.NoError(t, err)

	got, _ := store.Get(context.Background())
	assert.Equal(t, "abc123", got)
	assert.False(t, cb.URL.Query().Has("token"))
	assert.Equal(t, "issues", cb.URL.Query().Get("tab"))
	assert.Equal(t, "/dashboard", cb.URL.Path)
	assert.Equal(t, StatusAuthenticated, c.Status())
	assert.Equal(t, "Ada", c.Session().User.Name)
}

func TestUnauthorizedResponseEndsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"user": map[string]any{"id": "u1"}})
	})
	mux.HandleFunc("GET /api/repositories", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Token expired"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := &memStore{token: "t-1"}
	client := kendrasdk.New(srv.URL, store)
	c, _, _ := newController(store, client)
	client.OnSessionExpired = c.Expire

	s, err := c.CheckSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAuthenticated, s.Status)

	_, err = client.ListRepositories(context.Background())
	require.ErrorIs(t, err, kendrasdk.ErrSessionExpired)
	got, _ := store.Get(context.Background())
	assert.Empty(t, got)
	assert.Equal(t, StatusUnauthenticated, c.Status())
}

func TestCheckSessionWithoutTokenSkipsBackend(t *testing.T) {
	gw := &fakeGateway{}
	c, _, _ := newController(&memStore{}, gw)
	s, err := c.CheckSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusUnauthenticated, s.Status)
	assert.Zero(t, gw.calls())
}

func TestCheckSessionFailureClearsToken(t *testing.T) {
	store := &memStore{token: "t"}
	gw := &fakeGateway{me: func(context.Context) (kendrasdk.UserProfile, error) {
		return kendrasdk.UserProfile{}, &kendrasdk.NetworkError{Method: "GET", Path: "/api/auth/me", Err: errors.New("refused")}
	}}
	c, _, _ := newController(store, gw)
	s, err := c.CheckSession(context.Background())
	assert.True(t, kendrasdk.IsNetwork(err))
	assert.Equal(t, StatusUnauthenticated, s.Status)
	got, _ := store.Get(context.Background())
	assert.Empty(t, got)
}

func TestLogoutIsLocalEvenWhenRemoteFails(t *testing.T) {
	store := &memStore{token: "t"}
	c, _, _ := newController(store, &fakeGateway{logoutErr: errors.New("down")})
	_, err := c.CheckSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, StatusUnauthenticated, c.Status())
	got, _ := store.Get(context.Background())
	assert.Empty(t, got)
}

func TestLogoutWinsOverInFlightCheck(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{me: func(context.Context) (kendrasdk.UserProfile, error) {
		close(entered)
		<-release
		return kendrasdk.UserProfile{ID: "u1"}, nil
	}}
	c, _, _ := newController(&memStore{token: "t"}, gw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.CheckSession(context.Background())
	}()
	<-entered
	require.NoError(t, c.Logout(context.Background()))
	close(release)
	<-done
	assert.Equal(t, StatusUnauthenticated, c.Status())
}

func TestPollStopsOnceAuthenticated(t *testing.T) {
	store := &memStore{}
	c, fc, _ := newController(store, &fakeGateway{})
	p := c.Poll(context.Background())

	fc.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, p.Ticks())
	assert.Equal(t, StatusUnauthenticated, c.Status())

	require.NoError(t, store.Set(context.Background(), "late-token"))
	fc.Advance(500 * time.Millisecond)

	select {
	case <-p.Done():
	default:
		t.Fatal("poll should have finished")
	}
	assert.Equal(t, 2, p.Ticks())
	assert.Equal(t, StatusAuthenticated, p.Result())
	assert.Zero(t, fc.Pending())
}

func TestPollIsBounded(t *testing.T) {
	gw := &fakeGateway{}
	c, fc, _ := newController(&memStore{}, gw)
	p := c.Poll(context.Background())

	fc.Advance(30 * time.Second)
	<-p.Done()
	assert.Equal(t, 10, p.Ticks())
	assert.Equal(t, StatusUnauthenticated, p.Result())
	assert.Zero(t, fc.Pending())
}

func TestPollCanBeStopped(t *testing.T) {
	c, fc, _ := newController(&memStore{}, &fakeGateway{})
	p := c.Poll(context.Background())
	fc.Advance(time.Second)
	c.StopPolling()
	fc.Advance(10 * time.Second)

	assert.Equal(t, 2, p.Ticks())
	assert.Zero(t, fc.Pending())
	p.Stop()
}

func TestInitReportsCallbackErrorAndStartsPoll(t *testing.T) {
	c, fc, q := newController(&memStore{}, &fakeGateway{})
	u, _ := url.Parse("https://app.example.com/login?error=oauth_failed&message=access_denied")

	cb, err := c.Init(context.Background(), u)
	require.NoError(t, err)
	assert.Empty(t, cb.URL.RawQuery)
	assert.Equal(t, "access denied", cb.Error)

	toasts := q.Drain()
	require.Len(t, toasts, 1)
	assert.Equal(t, notify.KindError, toasts[0].Kind)
	assert.Equal(t, "Error: access denied", toasts[0].Message)
	assert.Equal(t, 2, fc.Pending())
	require.NotNil(t, c.Polling())

	c.StopPolling()
	assert.Nil(t, c.Polling())
	assert.Equal(t, 1, fc.Pending())
}

func TestInitAnnouncesGitHubLink(t *testing.T) {
	c, _, q := newController(&memStore{token: "t"}, &fakeGateway{})
	u, _ := url.Parse("https://app.example.com/dashboard?github_connected=true&username=octocat")

	cb, err := c.Init(context.Background(), u)
	require.NoError(t, err)
	assert.True(t, cb.GitHubConnected)
	assert.Empty(t, cb.URL.RawQuery)

	toasts := q.Drain()
	require.Len(t, toasts, 1)
	assert.Equal(t, "GitHub connected as @octocat!", toasts[0].Message)
	assert.Equal(t, StatusAuthenticated, c.Status())
}

func TestLoginRejectsEmptyToken(t *testing.T) {
	c, _, _ := newController(&memStore{}, &fakeGateway{})
	_, err := c.Login(context.Background(), "  ")
	assert.ErrorIs(t, err, kendrasdk.ErrNoToken)
}
