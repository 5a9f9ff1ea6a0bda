package kendrasdk

import (
	"context"
	"net/http"
	"net/url"
)

func escape(id string) string { return url.PathEscape(id) }

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (UserProfile, error) {
	var resp userEnvelope
	if err := c.get(ctx, "/api/auth/me", nil, &resp); err != nil {
		return UserProfile{}, err
	}
	return *resp.User, nil
}

// Logout ends the session server side.
func (c *Client) Logout(ctx context.Context) error {
	return c.send(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// GitHubStatus reports whether the VCS account is linked.
func (c *Client) GitHubStatus(ctx context.Context) (GitHubStatus, error) {
	var resp GitHubStatus
	err := c.get(ctx, "/api/auth/github/status", nil, &resp)
	return resp, err
}

// GitHubDebug returns diagnostic link information.
func (c *Client) GitHubDebug(ctx context.Context) (GitHubDebug, error) {
	var resp debugEnvelope
	if err := c.get(ctx, "/api/auth/github/debug", nil, &resp); err != nil {
		return GitHubDebug{}, err
	}
	return *resp.Debug, nil
}

// DisconnectGitHub removes the VCS link.
func (c *Client) DisconnectGitHub(ctx context.Context) error {
	return c.send(ctx, http.MethodPost, "/api/auth/github/disconnect", nil, nil)
}

// ConnectGitHubURL is the browser destination that starts VCS linking. The
// backend reads the token from the query because the browser cannot attach
// an Authorization header on navigation.
func (c *Client) ConnectGitHubURL() (string, error) {
	tok, err := c.token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return c.base() + "/api/auth/github/connect?token=" + url.QueryEscape(tok.AccessToken), nil
}

// ListRepositories returns every tracked repository.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var resp repositoriesEnvelope
	if err := c.get(ctx, "/api/repositories", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Repositories, nil
}

// SyncRepositories imports all repositories from the linked VCS account.
func (c *Client) SyncRepositories(ctx context.Context) (SyncResult, error) {
	var resp SyncResult
	err := c.send(ctx, http.MethodPost, "/api/repositories/sync", nil, &resp)
	return resp, err
}

// SyncRepository imports or refreshes one owner/name repository.
func (c *Client) SyncRepository(ctx context.Context, owner, name string) (Repository, error) {
	var resp repositoryEnvelope
	path := "/api/repositories/" + escape(owner) + "/" + escape(name) + "/sync"
	if err := c.send(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return Repository{}, err
	}
	return *resp.Repository, nil
}

// UpdateRepository applies a partial patch.
func (c *Client) UpdateRepository(ctx context.Context, id string, patch RepositoryUpdate) (Repository, error) {
	var resp repositoryEnvelope
	if err := c.send(ctx, http.MethodPatch, "/api/repositories/"+escape(id), patch, &resp); err != nil {
		return Repository{}, err
	}
	return *resp.Repository, nil
}

// DeleteRepository stops tracking a repository.
func (c *Client) DeleteRepository(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/repositories/"+escape(id), nil, nil)
}

// ListIssues returns issues matching opts.
func (c *Client) ListIssues(ctx context.Context, opts IssueListOptions) ([]Issue, error) {
	var resp issuesEnvelope
	if err := c.get(ctx, "/api/issues", opts.values(), &resp); err != nil {
		return nil, err
	}
	if resp.Issues == nil {
		return []Issue{}, nil
	}
	return resp.Issues, nil
}

// GetIssue returns one issue.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp issueEnvelope
	if err := c.get(ctx, "/api/issues/"+escape(id), nil, &resp); err != nil {
		return Issue{}, err
	}
	return *resp.Issue, nil
}

// UpdateIssue applies a partial patch.
func (c *Client) UpdateIssue(ctx context.Context, id string, patch IssueUpdate) (Issue, error) {
	var resp issueEnvelope
	if err := c.send(ctx, http.MethodPatch, "/api/issues/"+escape(id), patch, &resp); err != nil {
		return Issue{}, err
	}
	return *resp.Issue, nil
}

// AnalyzeRepository runs analysis on a repository.
func (c *Client) AnalyzeRepository(ctx context.Context, repoID string) (AnalyzeResult, error) {
	var resp AnalyzeResult
	err := c.send(ctx, http.MethodPost, "/api/issues/analyze/"+escape(repoID), nil, &resp)
	return resp, err
}

// FixIssue asks the backend to open a remediation pull request.
func (c *Client) FixIssue(ctx context.Context, issueID string) (FixResult, error) {
	var resp fixEnvelope
	if err := c.send(ctx, http.MethodPost, "/api/issues/"+escape(issueID)+"/fix", nil, &resp); err != nil {
		return FixResult{}, err
	}
	return FixResult(resp), nil
}

// IssueStats summarises issues for a repository.
func (c *Client) IssueStats(ctx context.Context, repoID string) (IssueStats, error) {
	var resp statsEnvelope[IssueStats]
	if err := c.get(ctx, "/api/issues/stats/"+escape(repoID), nil, &resp); err != nil {
		return IssueStats{}, err
	}
	return *resp.Stats, nil
}

// Threats lists security advisories for a repository.
func (c *Client) Threats(ctx context.Context, repoID string) ([]Threat, error) {
	var resp threatsEnvelope
	if err := c.get(ctx, "/api/issues/threats/"+escape(repoID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Threats == nil {
		return []Threat{}, nil
	}
	return resp.Threats, nil
}

// TestEndpoint asks the backend to probe an HTTP endpoint.
func (c *Client) TestEndpoint(ctx context.Context, probe ProbeRequest) (ProbeReport, error) {
	var resp probeEnvelope
	if err := c.send(ctx, http.MethodPost, "/api/issues/test-endpoint", probe, &resp); err != nil {
		return ProbeReport{}, err
	}
	return *resp.Results, nil
}

// PenTestReport returns the generated report for a repository.
func (c *Client) PenTestReport(ctx context.Context, repoID string) (PenTestReport, error) {
	var resp reportEnvelope
	if err := c.get(ctx, "/api/issues/pen-test-report/"+escape(repoID), nil, &resp); err != nil {
		return PenTestReport{}, err
	}
	return *resp.Report, nil
}

// ListPullRequests returns pull requests matching opts.
func (c *Client) ListPullRequests(ctx context.Context, opts PRListOptions) ([]PullRequest, error) {
	var resp pullRequestsEnvelope
	if err := c.get(ctx, "/api/pull-requests", opts.values(), &resp); err != nil {
		return nil, err
	}
	if resp.PullRequests == nil {
		return []PullRequest{}, nil
	}
	return resp.PullRequests, nil
}

// GetPullRequest returns one pull request.
func (c *Client) GetPullRequest(ctx context.Context, id string) (PullRequest, error) {
	var resp pullRequestEnvelope
	if err := c.get(ctx, "/api/pull-requests/"+escape(id), nil, &resp); err != nil {
		return PullRequest{}, err
	}
	return *resp.PullRequest, nil
}

// SyncPullRequests refreshes pull request state from the VCS.
func (c *Client) SyncPullRequests(ctx context.Context) (PRSyncResult, error) {
	var resp PRSyncResult
	err := c.send(ctx, http.MethodPost, "/api/pull-requests/sync", nil, &resp)
	return resp, err
}

// PullRequestStats summarises pull requests for a repository.
func (c *Client) PullRequestStats(ctx context.Context, repoID string) (PRStats, error) {
	var resp statsEnvelope[PRStats]
	if err := c.get(ctx, "/api/pull-requests/stats/"+escape(repoID), nil, &resp); err != nil {
		return PRStats{}, err
	}
	return *resp.Stats, nil
}

// ListAuditLogs returns audit entries matching opts.
func (c *Client) ListAuditLogs(ctx context.Context, opts AuditListOptions) ([]AuditLogEntry, error) {
	var resp auditLogsEnvelope
	if err := c.get(ctx, "/api/audit", opts.values(), &resp); err != nil {
		return nil, err
	}
	if resp.Logs == nil {
		return []AuditLogEntry{}, nil
	}
	return resp.Logs, nil
}

// GetAuditLog returns one audit entry.
func (c *Client) GetAuditLog(ctx context.Context, id string) (AuditLogEntry, error) {
	var resp auditLogEnvelope
	if err := c.get(ctx, "/api/audit/"+escape(id), nil, &resp); err != nil {
		return AuditLogEntry{}, err
	}
	return *resp.Log, nil
}

// AuditStats summarises the audit log, scoped to repoID when non-empty.
func (c *Client) AuditStats(ctx context.Context, repoID string) (AuditStats, error) {
	var resp statsEnvelope[AuditStats]
	q := url.Values{}
	setIf(q, "repositoryId", repoID)
	if err := c.get(ctx, "/api/audit/stats", q, &resp); err != nil {
		return AuditStats{}, err
	}
	return *resp.Stats, nil
}

// SecurityPosture returns the posture summary. A nil result with a nil
// error means the backend has none.
func (c *Client) SecurityPosture(ctx context.Context) (*SecurityPosture, error) {
	var resp postureEnvelope
	if err := c.get(ctx, "/api/stats/security-posture", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Posture, nil
}

// RepositorySnapshot returns the per-repository stats view.
func (c *Client) RepositorySnapshot(ctx context.Context, repoID string) (RepositorySnapshot, error) {
	var resp statsEnvelope[RepositorySnapshot]
	if err := c.get(ctx, "/api/stats/"+escape(repoID), nil, &resp); err != nil {
		return RepositorySnapshot{}, err
	}
	return *resp.Stats, nil
}
