// Package mockapi is an in-memory implementation of the Kendra backend
// REST surface, used by `kd serve-mock` and end-to-end tests.
package mockapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kendra/internal/logging"
	kendrasdk "kendra/sdk/go"
)

// Config for the mock HTTP API handler.
type Config struct {
	Store  *Store
	Auth   AuthConfig
	Logger *slog.Logger
}

// apiError renders as {"error": "...", "code": "..."}.
type apiError struct {
	status  int
	Message string `json:"error" example:"Repository not found"`
	Code    string `json:"code" example:"not_found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Message: message, Code: code}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return newAPIError(se.Status, "", se.Message)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error())
}

type response[T any] struct {
	Body T
}

func reply[T any](v T, err error) (*response[T], error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &response[T]{Body: v}, nil
}

// New returns an HTTP handler exposing the mock API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		cfg.Store = NewStore(nil)
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("mock api requires a jwt secret")
	}
	logger := logging.Or(cfg.Logger)

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		if len(errs) > 0 && errs[0] != nil {
			msg = msg + ": " + errs[0].Error()
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Store))
	hcfg := huma.DefaultConfig("Kendra mock API", "1.0.0")
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)

	registerConnect(router, cfg.Store, cfg.Auth)
	registerAuth(api, cfg.Store, cfg.Auth)
	registerRepositories(api, cfg.Store)
	registerIssues(api, cfg.Store)
	registerPullRequests(api, cfg.Store)
	registerAudit(api, cfg.Store)
	registerStats(api, cfg.Store)
	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("mock request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		})
	}
}

func op(id, method, path, summary string, errs ...int) huma.Operation {
	return huma.Operation{OperationID: id, Method: method, Path: path, Summary: summary, Errors: errs}
}

type idInput struct {
	ID string `path:"id"`
}

type repoIDInput struct {
	RepoID string `path:"repoId"`
}

type messageBody struct {
	Message string `json:"message"`
}

type DevLoginRequest struct {
	UserID     string `json:"userId,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

type DevLoginResponse struct {
	Token     string                `json:"token"`
	ExpiresAt time.Time             `json:"expiresAt"`
	User      kendrasdk.UserProfile `json:"user"`
}

type userBody struct {
	User kendrasdk.UserProfile `json:"user"`
}

type debugBody struct {
	Debug kendrasdk.GitHubDebug `json:"debug"`
}

func registerAuth(api huma.API, store *Store, authCfg AuthConfig) {
	huma.Register(api, op("dev-login", http.MethodPost, "/api/auth/dev/login", "DEV ONLY: mint a JWT for local testing", http.StatusBadRequest),
		func(ctx context.Context, input *struct{ Body DevLoginRequest }) (*response[DevLoginResponse], error) {
			email := strings.TrimSpace(input.Body.Email)
			if email == "" {
				return nil, newAPIError(http.StatusBadRequest, "", "email is required")
			}
			user := kendrasdk.UserProfile{ID: strings.TrimSpace(input.Body.UserID), Name: strings.TrimSpace(input.Body.Name), Email: email}
			if user.ID == "" {
				user.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+strings.ToLower(email))).String()
			}
			ttl := authCfg.TokenTTL
			if input.Body.TTLSeconds > 0 {
				ttl = time.Duration(input.Body.TTLSeconds) * time.Second
			}
			token, exp, err := MintToken(authCfg.JWTSecret, user, ttl, store.now())
			return reply(DevLoginResponse{Token: token, ExpiresAt: exp, User: user}, err)
		})

	huma.Register(api, op("me", http.MethodGet, "/api/auth/me", "Current user", http.StatusUnauthorized),
		func(ctx context.Context, _ *struct{}) (*response[userBody], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			return reply(userBody{User: p.User}, nil)
		})

	huma.Register(api, op("logout", http.MethodPost, "/api/auth/logout", "Revoke the current token"),
		func(ctx context.Context, _ *struct{}) (*response[messageBody], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			store.Revoke(p.TokenID)
			return reply(messageBody{Message: "Logged out"}, nil)
		})

	huma.Register(api, op("github-status", http.MethodGet, "/api/auth/github/status", "GitHub link status"),
		func(ctx context.Context, _ *struct{}) (*response[kendrasdk.GitHubStatus], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			login, ok := store.GitHubLogin(p.User.ID)
			return reply(kendrasdk.GitHubStatus{IsConnected: ok, Username: login}, nil)
		})

	huma.Register(api, op("github-disconnect", http.MethodPost, "/api/auth/github/disconnect", "Unlink GitHub"),
		func(ctx context.Context, _ *struct{}) (*response[messageBody], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			store.UnlinkGitHub(p.User.ID)
			return reply(messageBody{Message: "GitHub disconnected"}, nil)
		})

	huma.Register(api, op("github-debug", http.MethodGet, "/api/auth/github/debug", "GitHub link diagnostics"),
		func(ctx context.Context, _ *struct{}) (*response[debugBody], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			login, ok := store.GitHubLogin(p.User.ID)
			dbg := kendrasdk.GitHubDebug{IsGitHubConnected: ok, Username: login, HasAccessToken: ok}
			if ok {
				dbg.Scopes = []string{"repo", "read:user"}
			}
			return reply(debugBody{Debug: dbg}, nil)
		})
}

// registerConnect handles the browser redirect that links GitHub. The
// linked login is derived from the user's name.
func registerConnect(r chi.Router, store *Store, authCfg AuthConfig) {
	r.Get("/api/auth/github/connect", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		target := q.Get("redirect")
		if target == "" {
			target = "/dashboard"
		}
		back, err := url.Parse(target)
		if err != nil {
			http.Error(w, "invalid redirect", http.StatusBadRequest)
			return
		}
		params := back.Query()
		p, err := authenticateJWT(q.Get("token"), authCfg.JWTSecret, store.now())
		if err != nil || store.Revoked(p.TokenID) {
			params.Set("error", "invalid_token")
			params.Set("message", "Invalid_or_expired_token")
		} else {
			login := githubLogin(p.User)
			store.LinkGitHub(p.User.ID, login)
			params.Set("github_connected", "true")
			params.Set("username", login)
		}
		back.RawQuery = params.Encode()
		http.Redirect(w, req, back.String(), http.StatusFound)
	})
}

func githubLogin(u kendrasdk.UserProfile) string {
	login := strings.ToLower(strings.Join(strings.Fields(u.Name), "-"))
	if login == "" {
		login, _, _ = strings.Cut(strings.ToLower(u.Email), "@")
	}
	if login == "" {
		return "octocat"
	}
	return login
}

type reposBody struct {
	Repositories []kendrasdk.Repository `json:"repositories"`
}

type repoBody struct {
	Repository kendrasdk.Repository `json:"repository"`
}

func registerRepositories(api huma.API, store *Store) {
	huma.Register(api, op("list-repositories", http.MethodGet, "/api/repositories", "List repositories"),
		func(ctx context.Context, _ *struct{}) (*response[reposBody], error) {
			return reply(reposBody{Repositories: store.Repositories()}, nil)
		})

	huma.Register(api, op("sync-repositories", http.MethodPost, "/api/repositories/sync", "Sync all repositories from GitHub", http.StatusBadRequest),
		func(ctx context.Context, _ *struct{}) (*response[kendrasdk.SyncResult], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := store.SyncAll(p.User.ID)
			return reply(res, err)
		})

	huma.Register(api, op("sync-repository", http.MethodPost, "/api/repositories/{owner}/{repo}/sync", "Sync one repository", http.StatusNotFound),
		func(ctx context.Context, input *struct {
			Owner string `path:"owner"`
			Repo  string `path:"repo"`
		}) (*response[repoBody], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			r, err := store.SyncOne(p.User.ID, input.Owner, input.Repo)
			return reply(repoBody{Repository: r}, err)
		})

	huma.Register(api, op("update-repository", http.MethodPatch, "/api/repositories/{id}", "Update a repository", http.StatusNotFound),
		func(ctx context.Context, input *struct {
			ID   string `path:"id"`
			Body kendrasdk.RepositoryUpdate
		}) (*response[repoBody], error) {
			r, err := store.UpdateRepository(input.ID, input.Body)
			return reply(repoBody{Repository: r}, err)
		})

	huma.Register(api, op("delete-repository", http.MethodDelete, "/api/repositories/{id}", "Delete a repository", http.StatusNotFound),
		func(ctx context.Context, input *idInput) (*response[messageBody], error) {
			return reply(messageBody{Message: "Repository deleted"}, store.DeleteRepository(input.ID))
		})
}

type issuesBody struct {
	Issues []kendrasdk.Issue `json:"issues"`
}

type issueBody struct {
	Issue kendrasdk.Issue `json:"issue"`
}

type issueStatsBody struct {
	Stats kendrasdk.IssueStats `json:"stats"`
}

type threatsBody struct {
	Threats []kendrasdk.Threat `json:"threats"`
}

type probeBody struct {
	Results kendrasdk.ProbeReport `json:"results"`
}

type reportBody struct {
	Report kendrasdk.PenTestReport `json:"report"`
}

func registerIssues(api huma.API, store *Store) {
	huma.Register(api, op("list-issues", http.MethodGet, "/api/issues", "List issues"),
		func(ctx context.Context, input *struct {
			RepositoryID string `query:"repositoryId"`
			Severity     string `query:"severity"`
			Status       string `query:"status"`
			Page         int    `query:"page"`
			Limit        int    `query:"limit"`
		}) (*response[issuesBody], error) {
			issues := store.Issues(IssueFilter{
				RepositoryID: input.RepositoryID,
				Severity:     input.Severity,
				Status:       input.Status,
				Page:         input.Page,
				Limit:        input.Limit,
			})
			return reply(issuesBody{Issues: issues}, nil)
		})

	huma.Register(api, op("get-issue", http.MethodGet, "/api/issues/{id}", "Fetch an issue", http.StatusNotFound),
		func(ctx context.Context, input *idInput) (*response[issueBody], error) {
			i, err := store.Issue(input.ID)
			return reply(issueBody{Issue: i}, err)
		})

	huma.Register(api, op("update-issue", http.MethodPatch, "/api/issues/{id}", "Update an issue", http.StatusNotFound),
		func(ctx context.Context, input *struct {
			ID   string `path:"id"`
			Body kendrasdk.IssueUpdate
		}) (*response[issueBody], error) {
			i, err := store.UpdateIssue(input.ID, input.Body)
			return reply(issueBody{Issue: i}, err)
		})

	huma.Register(api, op("analyze-repository", http.MethodPost, "/api/issues/analyze/{repoId}", "Analyze a repository", http.StatusNotFound),
		func(ctx context.Context, input *repoIDInput) (*response[kendrasdk.AnalyzeResult], error) {
			res, err := store.Analyze(input.RepoID)
			return reply(res, err)
		})

	huma.Register(api, op("fix-issue", http.MethodPost, "/api/issues/{id}/fix", "Open a remediation pull request", http.StatusNotFound, http.StatusConflict),
		func(ctx context.Context, input *idInput) (*response[kendrasdk.FixResult], error) {
			res, err := store.Fix(input.ID)
			return reply(res, err)
		})

	huma.Register(api, op("issue-stats", http.MethodGet, "/api/issues/stats/{repoId}", "Issue stats for a repository", http.StatusNotFound),
		func(ctx context.Context, input *repoIDInput) (*response[issueStatsBody], error) {
			st, err := store.IssueStats(input.RepoID)
			return reply(issueStatsBody{Stats: st}, err)
		})

	huma.Register(api, op("threats", http.MethodGet, "/api/issues/threats/{repoId}", "Threats for a repository", http.StatusNotFound),
		func(ctx context.Context, input *repoIDInput) (*response[threatsBody], error) {
			t, err := store.Threats(input.RepoID)
			return reply(threatsBody{Threats: t}, err)
		})

	huma.Register(api, op("test-endpoint", http.MethodPost, "/api/issues/test-endpoint", "Probe an HTTP endpoint", http.StatusBadRequest),
		func(ctx context.Context, input *struct{ Body kendrasdk.ProbeRequest }) (*response[probeBody], error) {
			rep, err := Probe(input.Body, store.now())
			return reply(probeBody{Results: rep}, err)
		})

	huma.Register(api, op("pen-test-report", http.MethodGet, "/api/issues/pen-test-report/{repoId}", "Penetration test report", http.StatusNotFound),
		func(ctx context.Context, input *repoIDInput) (*response[reportBody], error) {
			rep, err := store.Report(input.RepoID)
			return reply(reportBody{Report: rep}, err)
		})
}

type prsBody struct {
	PullRequests []kendrasdk.PullRequest `json:"pullRequests"`
}

type prBody struct {
	PullRequest kendrasdk.PullRequest `json:"pullRequest"`
}

type prStatsBody struct {
	Stats kendrasdk.PRStats `json:"stats"`
}

func registerPullRequests(api huma.API, store *Store) {
	huma.Register(api, op("list-pull-requests", http.MethodGet, "/api/pull-requests", "List pull requests"),
		func(ctx context.Context, input *struct {
			RepositoryID string `query:"repositoryId"`
			Status       string `query:"status"`
		}) (*response[prsBody], error) {
			return reply(prsBody{PullRequests: store.PullRequests(PRFilter{RepositoryID: input.RepositoryID, Status: input.Status})}, nil)
		})

	huma.Register(api, op("sync-pull-requests", http.MethodPost, "/api/pull-requests/sync", "Sync pull requests from GitHub", http.StatusBadRequest),
		func(ctx context.Context, _ *struct{}) (*response[kendrasdk.PRSyncResult], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := store.SyncPullRequests(p.User.ID)
			return reply(res, err)
		})

	huma.Register(api, op("pull-request-stats", http.MethodGet, "/api/pull-requests/stats/{repoId}", "Pull request stats for a repository", http.StatusNotFound),
		func(ctx context.Context, input *repoIDInput) (*response[prStatsBody], error) {
			st, err := store.PRStats(input.RepoID)
			return reply(prStatsBody{Stats: st}, err)
		})

	huma.Register(api, op("get-pull-request", http.MethodGet, "/api/pull-requests/{id}", "Fetch a pull request", http.StatusNotFound),
		func(ctx context.Context, input *idInput) (*response[prBody], error) {
			pr, err := store.PullRequest(input.ID)
			return reply(prBody{PullRequest: pr}, err)
		})
}

type logsBody struct {
	Logs []kendrasdk.AuditLogEntry `json:"logs"`
}

type logBody struct {
	Log kendrasdk.AuditLogEntry `json:"log"`
}

type auditStatsBody struct {
	Stats kendrasdk.AuditStats `json:"stats"`
}

func registerAudit(api huma.API, store *Store) {
	huma.Register(api, op("list-audit-logs", http.MethodGet, "/api/audit", "List audit logs"),
		func(ctx context.Context, input *struct {
			AgentName string `query:"agentName"`
			RiskLevel string `query:"riskLevel"`
			Limit     int    `query:"limit"`
		}) (*response[logsBody], error) {
			logs := store.AuditLogs(AuditFilter{AgentName: input.AgentName, RiskLevel: input.RiskLevel, Limit: input.Limit})
			return reply(logsBody{Logs: logs}, nil)
		})

	huma.Register(api, op("audit-stats", http.MethodGet, "/api/audit/stats", "Audit statistics"),
		func(ctx context.Context, input *struct {
			RepositoryID string `query:"repositoryId"`
		}) (*response[auditStatsBody], error) {
			return reply(auditStatsBody{Stats: store.AuditStats(input.RepositoryID)}, nil)
		})

	huma.Register(api, op("get-audit-log", http.MethodGet, "/api/audit/{id}", "Fetch an audit log", http.StatusNotFound),
		func(ctx context.Context, input *idInput) (*response[logBody], error) {
			l, err := store.AuditLog(input.ID)
			return reply(logBody{Log: l}, err)
		})
}

type postureBody struct {
	Posture kendrasdk.SecurityPosture `json:"posture"`
}

type snapshotBody struct {
	Stats kendrasdk.RepositorySnapshot `json:"stats"`
}

func registerStats(api huma.API, store *Store) {
	huma.Register(api, op("security-posture", http.MethodGet, "/api/stats/security-posture", "Global security posture", http.StatusNotFound),
		func(ctx context.Context, _ *struct{}) (*response[postureBody], error) {
			p := store.Posture()
			if p == nil {
				return nil, newAPIError(http.StatusNotFound, "", "No security posture computed yet")
			}
			return reply(postureBody{Posture: *p}, nil)
		})

	huma.Register(api, op("repository-snapshot", http.MethodGet, "/api/stats/{repoId}", "Per-repository snapshot", http.StatusNotFound),
		func(ctx context.Context, input *repoIDInput) (*response[snapshotBody], error) {
			snap, err := store.Snapshot(input.RepoID)
			return reply(snapshotBody{Stats: snap}, err)
		})
}
