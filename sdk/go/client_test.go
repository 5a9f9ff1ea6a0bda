package kendrasdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, token string, h http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})), &hits
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRequestAttachesBearerAndBody(t *testing.T) {
	c, _ := newTestClient(t, "tok-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"endpoint":"https://x","method":"GET","headers":{}}`, string(body))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Request(context.Background(), http.MethodPost, "/api/x",
		ProbeRequest{Endpoint: "https://x", Method: "GET", Headers: map[string]string{}},
		http.Header{"X-Extra": []string{"yes"}}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestRequestSendsStringBodyVerbatim(t *testing.T) {
	c, _ := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"raw":1}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.Request(context.Background(), http.MethodPost, "/api/x", `{"raw":1}`, nil, nil))
}

func TestNoTokenFailsWithoutNetwork(t *testing.T) {
	c, hits := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_, err := c.ListRepositories(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestUnauthorizedExpiresSession(t *testing.T) {
	c, _ := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
	})
	var expired int
	c.OnSessionExpired = func(context.Context) { expired++ }
	_, err := c.Me(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, expired)
}

func TestLocallyExpiredTokenSkipsNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	tok := &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)}
	c := New(srv.URL, oauth2.StaticTokenSource(tok))
	var expired bool
	c.OnSessionExpired = func(context.Context) { expired = true }

	_, err := c.Me(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, expired)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestTokenNearExpiryIsStillSent(t *testing.T) {
	c, hits := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": "u1", "name": "Ada", "email": "ada@example.com"}})
	})
	c.Tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(8 * time.Second)})
	var expired bool
	c.OnSessionExpired = func(context.Context) { expired = true }

	user, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.False(t, expired)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestTokenExpiresAtExactInstant(t *testing.T) {
	c, hits := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": "u1"}})
	})
	exp := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.Tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "edge", Expiry: exp})

	c.Now = func() time.Time { return exp.Add(-time.Millisecond) }
	_, err := c.Me(context.Background())
	require.NoError(t, err)

	c.Now = func() time.Time { return exp }
	_, err = c.Me(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestAPIErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		name string
		body any
		want string
	}{
		{"flat error", map[string]any{"error": "GitHub not connected"}, "GitHub not connected"},
		{"nested error", map[string]any{"error": map[string]any{"message": "bad repo"}}, "bad repo"},
		{"message field", map[string]any{"message": "rate limited"}, "rate limited"},
		{"no field", map[string]any{"detail": "x"}, "API error: 500 Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusInternalServerError, tc.body)
			})
			_, err := c.ListRepositories(context.Background())
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
			assert.Equal(t, tc.want, apiErr.Message)
			assert.Equal(t, tc.want, Message(err, "fallback"))
		})
	}
}

func TestNotFoundHelper(t *testing.T) {
	c, _ := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Issue not found"})
	})
	_, err := c.GetIssue(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestNetworkErrorIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	c := New(url, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))

	_, err := c.ListRepositories(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Equal(t, "Network error. Please check your connection.", Message(err, "x"))
}

func TestMalformedSuccessBodyIsRejected(t *testing.T) {
	c, _ := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
	})
	_, err := c.ListRepositories(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "invalid response")
}

func TestEnvelopesDecode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": "u1", "name": "Ada", "email": "ada@example.com"}})
	})
	mux.HandleFunc("GET /api/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CRITICAL", r.URL.Query().Get("severity"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"issues": []map[string]any{{"_id": "i1", "title": "SQLi", "issueType": "injection", "severity": "CRITICAL", "status": "open"}}})
	})
	mux.HandleFunc("GET /api/pull-requests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	mux.HandleFunc("GET /api/stats/security-posture", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"posture": nil})
	})
	mux.HandleFunc("POST /api/repositories/{owner}/{repo}/sync", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"repository": map[string]any{"_id": "r1", "repoOwner": r.PathValue("owner"), "repoName": r.PathValue("repo")}})
	})
	mux.HandleFunc("POST /api/issues/{id}/fix", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"prNumber": 42})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))
	ctx := context.Background()

	user, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)

	issues, err := c.ListIssues(ctx, IssueListOptions{Severity: SeverityCritical, Limit: 10})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "injection", issues[0].Type)

	prs, err := c.ListPullRequests(ctx, PRListOptions{})
	require.NoError(t, err)
	assert.Empty(t, prs)
	assert.NotNil(t, prs)

	posture, err := c.SecurityPosture(ctx)
	require.NoError(t, err)
	assert.Nil(t, posture)

	repo, err := c.SyncRepository(ctx, "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, "api", repo.Name)

	fix, err := c.FixIssue(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 42, fix.PRNumber)
}

func TestConnectGitHubURLCarriesToken(t *testing.T) {
	c := New("https://api.example.com/", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "a b"}))
	got, err := c.ConnectGitHubURL()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/auth/github/connect?token=a+b", got)

	c.Tokens = nil
	_, err = c.ConnectGitHubURL()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestSyncResultCount(t *testing.T) {
	assert.Equal(t, 3, SyncResult{Synced: 3}.Count())
	assert.Equal(t, 2, SyncResult{Repositories: make([]Repository, 2)}.Count())
	assert.Zero(t, SyncResult{}.Count())
}
