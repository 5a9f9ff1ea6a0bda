package mockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	kendrasdk "kendra/sdk/go"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := NewStore(nil)
	store.AddRemote(
		RemoteRepo{Owner: "acme", Name: "api", Language: "Go"},
		RemoteRepo{Owner: "acme", Name: "web", Language: "TypeScript"},
		RemoteRepo{Owner: "acme", Name: "legacy", Fail: "Repository archived"},
	)
	handler, err := New(Config{Store: store, Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func devLogin(t *testing.T, baseURL string) DevLoginResponse {
	t.Helper()
	body, _ := json.Marshal(DevLoginRequest{Name: "Ada Lovelace", Email: "ada@example.com"})
	resp, err := http.Post(baseURL+"/api/auth/dev/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out DevLoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out
}

func clientFor(baseURL, token string) *kendrasdk.Client {
	return kendrasdk.New(baseURL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}

func connectGitHub(t *testing.T, c *kendrasdk.Client) url.Values {
	t.Helper()
	target, err := c.ConnectGitHubURL()
	require.NoError(t, err)
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := noFollow.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func TestRejectsMissingOrBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/repositories")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = clientFor(srv.URL, "not-a-jwt").ListRepositories(context.Background())
	assert.ErrorIs(t, err, kendrasdk.ErrSessionExpired)
}

func TestEndToEndFlow(t *testing.T) {
	srv, store := newTestServer(t)
	login := devLogin(t, srv.URL)
	c := clientFor(srv.URL, login.Token)
	ctx := context.Background()

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", me.Email)

	_, err = c.SyncRepositories(ctx)
	var apiErr *kendrasdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "GitHub not connected", apiErr.Message)

	params := connectGitHub(t, c)
	assert.Equal(t, "true", params.Get("github_connected"))
	assert.Equal(t, "ada-lovelace", params.Get("username"))
	status, err := c.GitHubStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsConnected)

	sync, err := c.SyncRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sync.Synced)
	require.Len(t, sync.Errors, 1)
	assert.Equal(t, "acme/legacy", sync.Errors[0].Repo)

	_, err = c.SecurityPosture(ctx)
	assert.True(t, kendrasdk.IsNotFound(err))

	repoID := sync.Repositories[0].ID
	analysis, err := c.AnalyzeRepository(ctx, repoID)
	require.NoError(t, err)
	assert.Equal(t, 3, analysis.IssuesFound)
	assert.Equal(t, 1, analysis.Critical)

	posture, err := c.SecurityPosture(ctx)
	require.NoError(t, err)
	require.NotNil(t, posture)
	assert.Equal(t, 60, posture.Score)

	issues, err := c.ListIssues(ctx, kendrasdk.IssueListOptions{RepositoryID: repoID, Severity: kendrasdk.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, issues, 1)

	fix, err := c.FixIssue(ctx, issues[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fix.PRNumber)
	_, err = c.FixIssue(ctx, issues[0].ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	prs, err := c.ListPullRequests(ctx, kendrasdk.PRListOptions{Status: kendrasdk.PROpen})
	require.NoError(t, err)
	require.Len(t, prs, 1)
	require.NoError(t, store.SetReview(prs[0].ID, kendrasdk.ReviewApproved))
	prSync, err := c.SyncPullRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, prSync.Synced)
	pr, err := c.GetPullRequest(ctx, prs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, kendrasdk.PRMerged, pr.Status)
	fixed, err := c.GetIssue(ctx, issues[0].ID)
	require.NoError(t, err)
	assert.Equal(t, kendrasdk.IssueResolved, fixed.Status)

	snap, err := c.RepositorySnapshot(ctx, repoID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PullRequests.Merged)
	assert.Equal(t, 1, snap.Issues.Resolved)

	logs, err := c.ListAuditLogs(ctx, kendrasdk.AuditListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "fixer-agent", logs[0].AgentName)
	st, err := c.AuditStats(ctx, repoID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Pending)

	require.NoError(t, c.Logout(ctx))
	_, err = c.Me(ctx)
	assert.ErrorIs(t, err, kendrasdk.ErrSessionExpired)
}

func TestRepositoryMaintenance(t *testing.T) {
	srv, _ := newTestServer(t)
	c := clientFor(srv.URL, devLogin(t, srv.URL).Token)
	ctx := context.Background()
	connectGitHub(t, c)

	repo, err := c.SyncRepository(ctx, "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/api", repo.URL)

	_, err = c.SyncRepository(ctx, "acme", "nope")
	assert.True(t, kendrasdk.IsNotFound(err))

	inactive := false
	updated, err := c.UpdateRepository(ctx, repo.ID, kendrasdk.RepositoryUpdate{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	require.NoError(t, c.DeleteRepository(ctx, repo.ID))
	repos, err := c.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestConnectWithBadTokenRedirectsWithError(t *testing.T) {
	srv, _ := newTestServer(t)
	params := connectGitHub(t, clientFor(srv.URL, "bogus"))
	assert.Equal(t, "invalid_token", params.Get("error"))
	assert.Empty(t, params.Get("github_connected"))
}

func TestExpiredTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	user := kendrasdk.UserProfile{ID: "u1", Email: "x@example.com"}
	token, _, err := MintToken(testSecret, user, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	resp, err := func() (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return http.DefaultClient.Do(req)
	}()
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Invalid or expired token", body["error"])
}

func TestProbeScoring(t *testing.T) {
	rep, err := Probe(kendrasdk.ProbeRequest{Endpoint: "http://shop.example.com/orders?id=4", Method: "delete"}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "DELETE", rep.Method)
	assert.Len(t, rep.Findings, 4)
	assert.Equal(t, 100-25-10-25-5, rep.Score)

	rep, err = Probe(kendrasdk.ProbeRequest{Endpoint: "https://shop.example.com/health", Method: "GET", Headers: map[string]string{"authorization": "Bearer x"}}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Empty(t, rep.Findings)
	assert.Equal(t, 100, rep.Score)

	_, err = Probe(kendrasdk.ProbeRequest{Endpoint: "not a url"}, time.Now())
	assert.Error(t, err)
}
