package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"kendra/internal/dashboard"
	"kendra/internal/logging"
	"kendra/internal/notify"
	"kendra/internal/orchestrator"
	"kendra/internal/session"
	kendrasdk "kendra/sdk/go"
)

// API is the part of the gateway client the engine triggers operations on.
type API interface {
	GitHubStatus(ctx context.Context) (kendrasdk.GitHubStatus, error)
	GitHubDebug(ctx context.Context) (kendrasdk.GitHubDebug, error)
	DisconnectGitHub(ctx context.Context) error
	ConnectGitHubURL() (string, error)
	SyncRepositories(ctx context.Context) (kendrasdk.SyncResult, error)
	SyncPullRequests(ctx context.Context) (kendrasdk.PRSyncResult, error)
	AnalyzeRepository(ctx context.Context, repoID string) (kendrasdk.AnalyzeResult, error)
	FixIssue(ctx context.Context, issueID string) (kendrasdk.FixResult, error)
	RepositorySnapshot(ctx context.Context, repoID string) (kendrasdk.RepositorySnapshot, error)
	TestEndpoint(ctx context.Context, probe kendrasdk.ProbeRequest) (kendrasdk.ProbeReport, error)
}

// Dashboard is refreshed after operations that change backend state.
type Dashboard interface {
	Refresh(ctx context.Context) (dashboard.Snapshot, error)
	Latest() (dashboard.Snapshot, bool)
}

var (
	// ErrGitHubNotLinked means the VCS account is not linked, so sync
	// was not attempted.
	ErrGitHubNotLinked = errors.New("github not linked")

	// ErrNotAuthenticated is returned by Bootstrap when no valid session
	// exists after consuming the callback.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ValidationError is raised before any request is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

type Deps struct {
	API       API
	Ops       *orchestrator.Orchestrator
	Dashboard Dashboard
	Session   *session.Controller
	Notifier  orchestrator.Notifier
	Logger    *slog.Logger
}

type Engine struct {
	api      API
	ops      *orchestrator.Orchestrator
	dash     Dashboard
	session  *session.Controller
	notifier orchestrator.Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	linked    bool
	login     string
	snapshots map[string]kendrasdk.RepositorySnapshot
}

func New(d Deps) *Engine {
	return &Engine{
		api:       d.API,
		ops:       d.Ops,
		dash:      d.Dashboard,
		session:   d.Session,
		notifier:  d.Notifier,
		logger:    logging.Or(d.Logger),
		snapshots: map[string]kendrasdk.RepositorySnapshot{},
	}
}

// SyncRepositories imports every repository from the linked GitHub account,
// then refreshes pull requests and the dashboard. It is guarded by the
// all-repos key.
func (e *Engine) SyncRepositories(ctx context.Context) (kendrasdk.SyncResult, error) {
	var result kendrasdk.SyncResult
	err := e.ops.Run(ctx, orchestrator.Operation{
		Key:          orchestrator.Key{EntityID: orchestrator.AllRepos, Kind: orchestrator.KindSync},
		Fallback:     "Failed to sync repositories",
		ErrorMessage: syncErrorMessage,
		Work: func(ctx context.Context) ([]notify.Message, error) {
			if err := e.ensureGitHub(ctx); err != nil {
				return nil, err
			}
			res, err := e.api.SyncRepositories(ctx)
			if err != nil {
				if githubLost(err) {
					e.setLinked(false, "")
				}
				return nil, err
			}
			result = res
			e.logger.Info("repositories synced", "synced", res.Count(), "errors", len(res.Errors))
			e.syncPullRequestsQuietly(ctx)
			e.refresh(ctx)
			return syncMessages(res), nil
		},
	})
	return result, err
}

// syncPullRequestsQuietly follows a repository sync. It shares the all-prs
// key with SyncPullRequests and is skipped while that one runs.
func (e *Engine) syncPullRequestsQuietly(ctx context.Context) {
	key := orchestrator.Key{EntityID: orchestrator.AllPRs, Kind: orchestrator.KindPRSync}
	err := e.ops.Exclusive(key, func() error {
		_, err := e.api.SyncPullRequests(ctx)
		return err
	})
	switch {
	case errors.Is(err, orchestrator.ErrOperationInProgress):
		e.logger.Debug("pull request sync already running, skipped")
	case err != nil:
		e.logger.Warn("pull request sync after repository sync failed", "err", err)
	}
}

func syncMessages(res kendrasdk.SyncResult) []notify.Message {
	var msgs []notify.Message
	if n := res.Count(); n == 0 {
		msgs = append(msgs, notify.Info("No repositories found in your GitHub account"))
	} else {
		msgs = append(msgs, notify.Success(fmt.Sprintf("Successfully synced %d repositories from GitHub!", n)))
	}
	if n := len(res.Errors); n > 0 {
		msgs = append(msgs, notify.Info(fmt.Sprintf("%d repositories had sync issues", n)))
	}
	return msgs
}

func syncErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrGitHubNotLinked):
		return "Please connect GitHub first"
	case githubLost(err):
		return "GitHub connection lost. Please reconnect."
	}
	return ""
}

func githubLost(err error) bool {
	var apiErr *kendrasdk.APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "GitHub not connected")
}

// ensureGitHub consults the debug endpoint unless the link is already
// known. A failed probe counts as not linked, except for session expiry.
func (e *Engine) ensureGitHub(ctx context.Context) error {
	if e.GitHubLinked() {
		return nil
	}
	dbg, err := e.api.GitHubDebug(ctx)
	if err != nil {
		if errors.Is(err, kendrasdk.ErrSessionExpired) {
			return err
		}
		e.logger.Info("github debug probe failed", "err", err)
		return ErrGitHubNotLinked
	}
	if !dbg.IsGitHubConnected {
		return ErrGitHubNotLinked
	}
	e.setLinked(true, dbg.Username)
	return nil
}

// AnalyzeRepository runs analysis on one repository, guarded by its id.
func (e *Engine) AnalyzeRepository(ctx context.Context, repoID string) (kendrasdk.AnalyzeResult, error) {
	var result kendrasdk.AnalyzeResult
	name := e.repositoryName(repoID)
	err := e.ops.Run(ctx, orchestrator.Operation{
		Key:      orchestrator.Key{EntityID: repoID, Kind: orchestrator.KindAnalyze},
		Fallback: "Failed to analyze repository",
		Work: func(ctx context.Context) ([]notify.Message, error) {
			res, err := e.api.AnalyzeRepository(ctx, repoID)
			if err != nil {
				return nil, err
			}
			result = res
			if snap, err := e.api.RepositorySnapshot(ctx, repoID); err != nil {
				e.logger.Debug("repository snapshot unavailable", "repo", repoID, "err", err)
			} else {
				e.mu.Lock()
				e.snapshots[repoID] = snap
				e.mu.Unlock()
			}
			e.refresh(ctx)
			if res.IssuesFound == 0 {
				return []notify.Message{notify.Info(fmt.Sprintf(
					"Analysis complete! No issues found in %s. This could mean the code is clean or the AI needs more context.", name))}, nil
			}
			return []notify.Message{notify.Success(fmt.Sprintf(
				"Analysis complete! Found %d issues (%d critical)", res.IssuesFound, res.Critical))}, nil
		},
	})
	return result, err
}

func (e *Engine) repositoryName(repoID string) string {
	if e.dash != nil {
		if snap, ok := e.dash.Latest(); ok {
			for _, r := range snap.Repositories {
				if r.ID == repoID {
					return r.Name
				}
			}
		}
	}
	return repoID
}

// Snapshot returns the per-repository stats captured by the last analysis.
func (e *Engine) Snapshot(repoID string) (kendrasdk.RepositorySnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.snapshots[repoID]
	return s, ok
}

// FixIssue asks the backend to open a remediation pull request, guarded by
// the issue id.
func (e *Engine) FixIssue(ctx context.Context, issueID string) (kendrasdk.FixResult, error) {
	var result kendrasdk.FixResult
	err := e.ops.Run(ctx, orchestrator.Operation{
		Key:      orchestrator.Key{EntityID: issueID, Kind: orchestrator.KindFix},
		Fallback: "Failed to generate fix",
		Work: func(ctx context.Context) ([]notify.Message, error) {
			res, err := e.api.FixIssue(ctx, issueID)
			if err != nil {
				return nil, err
			}
			result = res
			e.refresh(ctx)
			return []notify.Message{notify.Success(fmt.Sprintf("Fix created! PR #%d is ready for review", res.PRNumber))}, nil
		},
	})
	return result, err
}

// SyncPullRequests refreshes pull request state, guarded by the all-prs key.
func (e *Engine) SyncPullRequests(ctx context.Context) (kendrasdk.PRSyncResult, error) {
	var result kendrasdk.PRSyncResult
	err := e.ops.Run(ctx, orchestrator.Operation{
		Key:      orchestrator.Key{EntityID: orchestrator.AllPRs, Kind: orchestrator.KindPRSync},
		Fallback: "Failed to sync pull requests",
		Work: func(ctx context.Context) ([]notify.Message, error) {
			res, err := e.api.SyncPullRequests(ctx)
			if err != nil {
				return nil, err
			}
			result = res
			e.refresh(ctx)
			if res.Synced == 0 {
				return []notify.Message{notify.Info("No pull requests to sync")}, nil
			}
			return []notify.Message{notify.Success(fmt.Sprintf("Synced %d pull requests", res.Synced))}, nil
		},
	})
	return result, err
}

// TestEndpoint validates the probe input locally, then asks the backend to
// probe it. headersJSON may be empty.
func (e *Engine) TestEndpoint(ctx context.Context, endpoint, method, headersJSON string) (kendrasdk.ProbeReport, error) {
	probe, err := ParseProbe(endpoint, method, headersJSON)
	if err != nil {
		e.publish(notify.Error(err.Error()))
		return kendrasdk.ProbeReport{}, err
	}
	rep, err := e.api.TestEndpoint(ctx, probe)
	if err != nil {
		e.publish(notify.Error(kendrasdk.Message(err, "Failed to test endpoint")))
		return kendrasdk.ProbeReport{}, err
	}
	e.publish(notify.Success(fmt.Sprintf("Endpoint tested! Security score: %d/100", rep.Score)))
	return rep, nil
}

// ParseProbe builds a probe request, failing with a ValidationError on a
// blank endpoint or headers that are not a JSON object of strings.
func ParseProbe(endpoint, method, headersJSON string) (kendrasdk.ProbeRequest, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return kendrasdk.ProbeRequest{}, &ValidationError{Field: "endpoint", Message: "Please enter an endpoint URL"}
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	headers := map[string]string{}
	if raw := strings.TrimSpace(headersJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return kendrasdk.ProbeRequest{}, &ValidationError{Field: "headers", Message: "Invalid JSON in headers field"}
		}
		if headers == nil {
			headers = map[string]string{}
		}
	}
	return kendrasdk.ProbeRequest{Endpoint: endpoint, Method: method, Headers: headers}, nil
}

// GitHubStatus asks the backend for the link state and caches it.
func (e *Engine) GitHubStatus(ctx context.Context) (kendrasdk.GitHubStatus, error) {
	st, err := e.api.GitHubStatus(ctx)
	if err != nil {
		return st, err
	}
	e.setLinked(st.IsConnected, st.Username)
	return st, nil
}

// GitHubDebug returns diagnostic link information.
func (e *Engine) GitHubDebug(ctx context.Context) (kendrasdk.GitHubDebug, error) {
	dbg, err := e.api.GitHubDebug(ctx)
	if err != nil {
		return dbg, err
	}
	e.setLinked(dbg.IsGitHubConnected, dbg.Username)
	return dbg, nil
}

// ConnectGitHubURL returns the browser destination that links GitHub.
func (e *Engine) ConnectGitHubURL() (string, error) {
	u, err := e.api.ConnectGitHubURL()
	if err != nil {
		if errors.Is(err, kendrasdk.ErrNoToken) {
			e.publish(notify.Error("Please login first"))
		} else {
			e.publish(notify.Error(kendrasdk.Message(err, "Failed to connect GitHub")))
		}
		return "", err
	}
	return u, nil
}

// DisconnectGitHub unlinks the account.
func (e *Engine) DisconnectGitHub(ctx context.Context) error {
	if err := e.api.DisconnectGitHub(ctx); err != nil {
		e.publish(notify.Error(kendrasdk.Message(err, "Failed to disconnect GitHub")))
		return err
	}
	e.setLinked(false, "")
	e.publish(notify.Success("GitHub disconnected"))
	return nil
}

func (e *Engine) GitHubLinked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linked
}

func (e *Engine) GitHubLogin() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.login
}

func (e *Engine) setLinked(linked bool, login string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linked = linked
	if linked && login != "" {
		e.login = login
	}
	if !linked {
		e.login = ""
	}
}

// Bootstrap is what loading the dashboard does: consume callback
// parameters, check the session, read the GitHub link, then refresh.
type Bootstrap struct {
	Callback session.Callback
	Session  session.Session
	GitHub   kendrasdk.GitHubStatus
	Snapshot dashboard.Snapshot
}

func (e *Engine) Bootstrap(ctx context.Context, incoming *url.URL) (Bootstrap, error) {
	var out Bootstrap
	cb, err := e.session.Init(ctx, incoming)
	out.Callback = cb
	if cb.GitHubConnected {
		e.setLinked(true, cb.Username)
	}
	out.Session = e.session.Session()
	if out.Session.Status != session.StatusAuthenticated {
		if err != nil && !errors.Is(err, kendrasdk.ErrSessionExpired) {
			e.publish(notify.Error(bootstrapMessage(err)))
		}
		return out, ErrNotAuthenticated
	}

	if st, err := e.GitHubStatus(ctx); err != nil {
		e.logger.Info("github status unavailable", "err", err)
	} else {
		out.GitHub = st
	}

	snap, err := e.dash.Refresh(ctx)
	if err != nil {
		if !errors.Is(err, kendrasdk.ErrSessionExpired) {
			e.publish(notify.Error(bootstrapMessage(err)))
		}
		return out, err
	}
	out.Snapshot = snap
	return out, nil
}

func bootstrapMessage(err error) string {
	if kendrasdk.IsNetwork(err) {
		return "Cannot connect to server. Please try again."
	}
	return kendrasdk.Message(err, "Failed to load dashboard")
}

func (e *Engine) refresh(ctx context.Context) {
	if e.dash == nil {
		return
	}
	if _, err := e.dash.Refresh(ctx); err != nil {
		e.logger.Warn("dashboard refresh after operation failed", "err", err)
	}
}

func (e *Engine) publish(msgs ...notify.Message) {
	if e.notifier != nil {
		e.notifier.Publish(msgs...)
	}
}
