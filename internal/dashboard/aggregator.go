// Package dashboard fetches the backend collections in parallel and derives
// the summary statistics and filtered views the dashboard shows.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kendra/internal/logging"
	kendrasdk "kendra/sdk/go"
)

// DefaultAuditLimit bounds the audit page fetched on refresh.
const DefaultAuditLimit = 50

// API is the part of the gateway client the aggregator reads from.
type API interface {
	ListRepositories(ctx context.Context) ([]kendrasdk.Repository, error)
	ListIssues(ctx context.Context, opts kendrasdk.IssueListOptions) ([]kendrasdk.Issue, error)
	ListPullRequests(ctx context.Context, opts kendrasdk.PRListOptions) ([]kendrasdk.PullRequest, error)
	ListAuditLogs(ctx context.Context, opts kendrasdk.AuditListOptions) ([]kendrasdk.AuditLogEntry, error)
	SecurityPosture(ctx context.Context) (*kendrasdk.SecurityPosture, error)
}

// Snapshot is the result of one refresh. Posture is nil when the backend
// has not computed one.
type Snapshot struct {
	Repositories []kendrasdk.Repository     `json:"repositories"`
	Issues       []kendrasdk.Issue          `json:"issues"`
	PullRequests []kendrasdk.PullRequest    `json:"pullRequests"`
	AuditLogs    []kendrasdk.AuditLogEntry  `json:"auditLogs"`
	Posture      *kendrasdk.SecurityPosture `json:"posture,omitempty"`
	Stats        Stats                      `json:"stats"`
	FetchedAt    time.Time                  `json:"fetchedAt"`
}

type Options struct {
	AuditLimit int
	Logger     *slog.Logger
	Now        func() time.Time
}

type Aggregator struct {
	api        API
	auditLimit int
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	latest *Snapshot
}

func New(api API, opts Options) *Aggregator {
	a := &Aggregator{
		api:        api,
		auditLimit: opts.AuditLimit,
		logger:     logging.Or(opts.Logger),
		now:        opts.Now,
	}
	if a.auditLimit <= 0 {
		a.auditLimit = DefaultAuditLimit
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Refresh fetches every collection concurrently. The snapshot is returned
// only once all required fetches succeeded; the posture fetch may fail
// without failing the refresh.
func (a *Aggregator) Refresh(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		repos, err := a.api.ListRepositories(gctx)
		if err != nil {
			return fmt.Errorf("list repositories: %w", err)
		}
		snap.Repositories = repos
		return nil
	})
	g.Go(func() error {
		issues, err := a.api.ListIssues(gctx, kendrasdk.IssueListOptions{})
		if err != nil {
			return fmt.Errorf("list issues: %w", err)
		}
		snap.Issues = issues
		return nil
	})
	g.Go(func() error {
		prs, err := a.api.ListPullRequests(gctx, kendrasdk.PRListOptions{})
		if err != nil {
			return fmt.Errorf("list pull requests: %w", err)
		}
		snap.PullRequests = prs
		return nil
	})
	g.Go(func() error {
		logs, err := a.api.ListAuditLogs(gctx, kendrasdk.AuditListOptions{Limit: a.auditLimit})
		if err != nil {
			return fmt.Errorf("list audit logs: %w", err)
		}
		snap.AuditLogs = logs
		return nil
	})
	g.Go(func() error {
		posture, err := a.api.SecurityPosture(gctx)
		if err != nil {
			a.logger.Debug("security posture unavailable", "err", err)
			return nil
		}
		snap.Posture = posture
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.Warn("dashboard refresh failed", "err", err)
		return Snapshot{}, err
	}

	snap.Stats = ComputeStats(snap.Repositories, snap.Issues, snap.PullRequests)
	snap.FetchedAt = a.now()
	a.mu.Lock()
	a.latest = &snap
	a.mu.Unlock()
	a.logger.Debug("dashboard refreshed",
		"repositories", len(snap.Repositories),
		"issues", len(snap.Issues),
		"pull_requests", len(snap.PullRequests),
		"audit_logs", len(snap.AuditLogs))
	return snap, nil
}

// Latest returns the last successful snapshot.
func (a *Aggregator) Latest() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return Snapshot{}, false
	}
	return *a.latest, true
}
