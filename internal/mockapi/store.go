package mockapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kendrasdk "kendra/sdk/go"
)

// Error carries the HTTP status a store failure maps to.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func notFound(what string) error {
	return &Error{Status: http.StatusNotFound, Message: what + " not found"}
}

func badRequest(msg string) error {
	return &Error{Status: http.StatusBadRequest, Message: msg}
}

var errGitHubNotConnected = &Error{Status: http.StatusBadRequest, Message: "GitHub not connected"}

// RemoteRepo is a repository visible in the simulated GitHub account.
// A non-empty Fail makes its sync report an error.
type RemoteRepo struct {
	Owner     string
	Name      string
	Language  string
	Framework string
	Fail      string
}

type auditRecord struct {
	kendrasdk.AuditLogEntry
	repoID string
}

// Store is the in-memory state behind the mock backend. The zero value is
// not usable; use NewStore.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	revoked map[string]bool
	github  map[string]string
	remote  []RemoteRepo
	repos   []*kendrasdk.Repository
	issues  []*kendrasdk.Issue
	prs     []*kendrasdk.PullRequest
	audit   []*auditRecord
	posture *kendrasdk.SecurityPosture
	nextPR  int

	// Analyzer produces the findings for a repository. Nil means
	// DefaultFindings.
	Analyzer func(kendrasdk.Repository) []kendrasdk.Issue
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:     now,
		revoked: map[string]bool{},
		github:  map[string]string{},
		nextPR:  1,
	}
}

// AddRemote makes repositories available to sync.
func (s *Store) AddRemote(repos ...RemoteRepo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = append(s.remote, repos...)
}

func (s *Store) Revoke(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = true
}

func (s *Store) Revoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[jti]
}

func (s *Store) LinkGitHub(userID, login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.github[userID] = login
}

func (s *Store) UnlinkGitHub(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.github, userID)
}

func (s *Store) GitHubLogin(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	login, ok := s.github[userID]
	return login, ok
}

func (s *Store) SyncAll(userID string) (kendrasdk.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.github[userID]; !ok {
		return kendrasdk.SyncResult{}, errGitHubNotConnected
	}
	res := kendrasdk.SyncResult{Repositories: []kendrasdk.Repository{}}
	for _, rr := range s.remote {
		if rr.Fail != "" {
			res.Errors = append(res.Errors, kendrasdk.SyncError{Repo: rr.Owner + "/" + rr.Name, Error: rr.Fail})
			continue
		}
		res.Repositories = append(res.Repositories, *s.upsertRepoLocked(rr))
		res.Synced++
	}
	s.appendAuditLocked("", "sync-agent", "sync_repositories", "LOW", true, map[string]any{"synced": res.Synced, "errors": len(res.Errors)})
	return res, nil
}

func (s *Store) SyncOne(userID, owner, name string) (kendrasdk.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.github[userID]; !ok {
		return kendrasdk.Repository{}, errGitHubNotConnected
	}
	for _, rr := range s.remote {
		if !strings.EqualFold(rr.Owner, owner) || !strings.EqualFold(rr.Name, name) {
			continue
		}
		if rr.Fail != "" {
			return kendrasdk.Repository{}, &Error{Status: http.StatusBadGateway, Message: rr.Fail}
		}
		repo := s.upsertRepoLocked(rr)
		s.appendAuditLocked(repo.ID, "sync-agent", "sync_repository", "LOW", true, map[string]any{"repository": owner + "/" + name})
		return *repo, nil
	}
	return kendrasdk.Repository{}, notFound("Repository " + owner + "/" + name)
}

func (s *Store) upsertRepoLocked(rr RemoteRepo) *kendrasdk.Repository {
	for _, r := range s.repos {
		if strings.EqualFold(r.Owner, rr.Owner) && strings.EqualFold(r.Name, rr.Name) {
			r.Language = rr.Language
			r.Framework = rr.Framework
			return r
		}
	}
	r := &kendrasdk.Repository{
		ID:        uuid.NewString(),
		Owner:     rr.Owner,
		Name:      rr.Name,
		URL:       "https://github.com/" + rr.Owner + "/" + rr.Name,
		Platform:  "github",
		Language:  rr.Language,
		Framework: rr.Framework,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	}
	s.repos = append(s.repos, r)
	return r
}

func (s *Store) Repositories() []kendrasdk.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kendrasdk.Repository, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, *r)
	}
	return out
}

func (s *Store) UpdateRepository(id string, patch kendrasdk.RepositoryUpdate) (kendrasdk.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repoLocked(id)
	if r == nil {
		return kendrasdk.Repository{}, notFound("Repository")
	}
	if patch.IsActive != nil {
		r.IsActive = *patch.IsActive
	}
	if patch.Language != nil {
		r.Language = *patch.Language
	}
	if patch.Framework != nil {
		r.Framework = *patch.Framework
	}
	return *r, nil
}

func (s *Store) DeleteRepository(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, r := range s.repos {
		if r.ID == id {
			idx = i
		}
	}
	if idx < 0 {
		return notFound("Repository")
	}
	s.repos = append(s.repos[:idx], s.repos[idx+1:]...)
	issues := s.issues[:0]
	for _, i := range s.issues {
		if i.RepositoryID != id {
			issues = append(issues, i)
		}
	}
	s.issues = issues
	prs := s.prs[:0]
	for _, pr := range s.prs {
		if pr.RepositoryID != id {
			prs = append(prs, pr)
		}
	}
	s.prs = prs
	s.recomputePostureLocked()
	return nil
}

func (s *Store) repoLocked(id string) *kendrasdk.Repository {
	for _, r := range s.repos {
		if r.ID == id {
			return r
		}
	}
	return nil
}

type IssueFilter struct {
	RepositoryID string
	Severity     string
	Status       string
	Page         int
	Limit        int
}

func (s *Store) Issues(f IssueFilter) []kendrasdk.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []kendrasdk.Issue{}
	for _, i := range s.issues {
		if f.RepositoryID != "" && i.RepositoryID != f.RepositoryID {
			continue
		}
		if f.Severity != "" && !strings.EqualFold(string(i.Severity), f.Severity) {
			continue
		}
		if f.Status != "" && string(i.Status) != f.Status {
			continue
		}
		out = append(out, *i)
	}
	return paginate(out, f.Page, f.Limit)
}

func paginate[T any](items []T, page, limit int) []T {
	if limit <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Store) Issue(id string) (kendrasdk.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.issueLocked(id); i != nil {
		return *i, nil
	}
	return kendrasdk.Issue{}, notFound("Issue")
}

func (s *Store) issueLocked(id string) *kendrasdk.Issue {
	for _, i := range s.issues {
		if i.ID == id {
			return i
		}
	}
	return nil
}

func (s *Store) UpdateIssue(id string, patch kendrasdk.IssueUpdate) (kendrasdk.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.issueLocked(id)
	if i == nil {
		return kendrasdk.Issue{}, notFound("Issue")
	}
	if patch.Status != nil {
		i.Status = *patch.Status
	}
	if patch.Severity != nil {
		switch *patch.Severity {
		case kendrasdk.SeverityCritical, kendrasdk.SeverityHigh, kendrasdk.SeverityMedium, kendrasdk.SeverityLow:
			i.Severity = *patch.Severity
		default:
			return kendrasdk.Issue{}, badRequest("Invalid severity")
		}
	}
	s.recomputePostureLocked()
	return *i, nil
}

// Analyze replaces the actionable findings of a repository with a fresh
// analysis run.
func (s *Store) Analyze(repoID string) (kendrasdk.AnalyzeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo := s.repoLocked(repoID)
	if repo == nil {
		return kendrasdk.AnalyzeResult{}, notFound("Repository")
	}
	analyzer := s.Analyzer
	if analyzer == nil {
		analyzer = DefaultFindings
	}
	kept := s.issues[:0]
	for _, i := range s.issues {
		if i.RepositoryID != repoID || i.Status != kendrasdk.IssueOpen {
			kept = append(kept, i)
		}
	}
	s.issues = kept

	now := s.now().UTC()
	res := kendrasdk.AnalyzeResult{Issues: []kendrasdk.Issue{}}
	for _, found := range analyzer(*repo) {
		found.ID = uuid.NewString()
		found.RepositoryID = repoID
		found.CreatedAt = now
		if found.Status == "" {
			found.Status = kendrasdk.IssueOpen
		}
		issue := found
		s.issues = append(s.issues, &issue)
		res.Issues = append(res.Issues, issue)
		res.IssuesFound++
		if issue.Severity == kendrasdk.SeverityCritical {
			res.Critical++
		}
	}
	repo.LastAnalyzedAt = &now
	s.appendAuditLocked(repoID, "analyzer-agent", "analyze_repository", "MEDIUM", true, map[string]any{"issuesFound": res.IssuesFound})
	s.recomputePostureLocked()
	return res, nil
}

// DefaultFindings is the canned analysis used when no Analyzer is set.
func DefaultFindings(repo kendrasdk.Repository) []kendrasdk.Issue {
	ext := extension(repo.Language)
	confidence := 0.92
	return []kendrasdk.Issue{
		{
			Title:        "SQL injection in query builder",
			Type:         "injection",
			Severity:     kendrasdk.SeverityCritical,
			Description:  "User input is concatenated into a SQL statement.",
			Confidence:   &confidence,
			FilePath:     "src/db/query" + ext,
			LineNumber:   42,
			Explanation:  "The request parameter reaches the query string without parameter binding.",
			SuggestedFix: "Use parameterised queries.",
		},
		{
			Title:        "Hardcoded secret in configuration",
			Type:         "secrets",
			Severity:     kendrasdk.SeverityHigh,
			Description:  "An API key is committed to the repository.",
			FilePath:     "config/settings" + ext,
			LineNumber:   7,
			SuggestedFix: "Load the key from the environment and rotate it.",
		},
		{
			Title:        "Missing security headers",
			Type:         "misconfiguration",
			Severity:     kendrasdk.SeverityMedium,
			Description:  "Responses do not set Content-Security-Policy.",
			FilePath:     "src/server" + ext,
			SuggestedFix: "Add a security headers middleware.",
		},
	}
}

func extension(language string) string {
	switch strings.ToLower(language) {
	case "go":
		return ".go"
	case "python":
		return ".py"
	case "typescript":
		return ".ts"
	default:
		return ".js"
	}
}

func (s *Store) Fix(issueID string) (kendrasdk.FixResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.issueLocked(issueID)
	if i == nil {
		return kendrasdk.FixResult{}, notFound("Issue")
	}
	if i.Status != kendrasdk.IssueOpen {
		return kendrasdk.FixResult{}, &Error{Status: http.StatusConflict, Message: "Issue is not open"}
	}
	repo := s.repoLocked(i.RepositoryID)
	if repo == nil {
		return kendrasdk.FixResult{}, notFound("Repository")
	}
	n := s.nextPR
	s.nextPR++
	files := 1
	pr := &kendrasdk.PullRequest{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		Number:       n,
		Title:        "Fix: " + i.Title,
		Status:       kendrasdk.PROpen,
		ReviewStatus: kendrasdk.ReviewPending,
		URL:          fmt.Sprintf("%s/pull/%d", repo.URL, n),
		Branch:       fmt.Sprintf("kendra/fix-%d", n),
		FilesChanged: &files,
		CreatedAt:    s.now().UTC(),
	}
	s.prs = append(s.prs, pr)
	i.Status = kendrasdk.IssuePRCreated
	s.appendAuditLocked(repo.ID, "fixer-agent", "create_fix_pr", "HIGH", false, map[string]any{"issueId": i.ID, "prNumber": n})
	s.recomputePostureLocked()
	return kendrasdk.FixResult{PRNumber: n, PRURL: pr.URL, Message: "Pull request created"}, nil
}

func (s *Store) IssueStats(repoID string) (kendrasdk.IssueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repoLocked(repoID) == nil {
		return kendrasdk.IssueStats{}, notFound("Repository")
	}
	return s.issueStatsLocked(repoID), nil
}

func (s *Store) issueStatsLocked(repoID string) kendrasdk.IssueStats {
	st := kendrasdk.IssueStats{BySeverity: map[kendrasdk.Severity]int{}}
	for _, i := range s.issues {
		if i.RepositoryID != repoID {
			continue
		}
		st.Total++
		switch i.Status {
		case kendrasdk.IssueOpen:
			st.Open++
		case kendrasdk.IssueResolved:
			st.Resolved++
		}
		st.BySeverity[i.Severity]++
	}
	return st
}

func (s *Store) Threats(repoID string) ([]kendrasdk.Threat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repoLocked(repoID) == nil {
		return nil, notFound("Repository")
	}
	out := []kendrasdk.Threat{}
	for _, i := range s.issues {
		if i.RepositoryID != repoID || i.Status != kendrasdk.IssueOpen {
			continue
		}
		if i.Severity != kendrasdk.SeverityCritical && i.Severity != kendrasdk.SeverityHigh {
			continue
		}
		out = append(out, kendrasdk.Threat{
			ID:          "threat-" + i.ID,
			Title:       i.Title,
			Severity:    i.Severity,
			Category:    i.Type,
			Endpoint:    i.FilePath,
			Description: i.Description,
			Remediation: i.SuggestedFix,
			Timestamp:   i.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) Report(repoID string) (kendrasdk.PenTestReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repoLocked(repoID) == nil {
		return kendrasdk.PenTestReport{}, notFound("Repository")
	}
	rep := kendrasdk.PenTestReport{RepositoryID: repoID, GeneratedAt: s.now().UTC(), Findings: []kendrasdk.ProbeFinding{}}
	var open []*kendrasdk.Issue
	critical := 0
	for _, i := range s.issues {
		if i.RepositoryID != repoID || i.Status != kendrasdk.IssueOpen {
			continue
		}
		open = append(open, i)
		if i.Severity == kendrasdk.SeverityCritical {
			critical++
		}
		rec := i.SuggestedFix
		if rec == "" {
			rec = "Review and remediate"
		}
		rep.Findings = append(rep.Findings, kendrasdk.ProbeFinding{
			Severity:       string(i.Severity),
			Category:       i.Type,
			Issue:          i.Title,
			Recommendation: rec,
		})
	}
	rep.Score = score(open)
	rep.Summary = fmt.Sprintf("%d open findings (%d critical)", len(open), critical)
	return rep, nil
}

type PRFilter struct {
	RepositoryID string
	Status       string
}

func (s *Store) PullRequests(f PRFilter) []kendrasdk.PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []kendrasdk.PullRequest{}
	for _, pr := range s.prs {
		if f.RepositoryID != "" && pr.RepositoryID != f.RepositoryID {
			continue
		}
		if f.Status != "" && pr.Status != f.Status {
			continue
		}
		out = append(out, *pr)
	}
	return out
}

func (s *Store) PullRequest(id string) (kendrasdk.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.prs {
		if pr.ID == id {
			return *pr, nil
		}
	}
	return kendrasdk.PullRequest{}, notFound("Pull request")
}

// SetReview changes the review status of a pull request; approved PRs are
// merged by the next sync.
func (s *Store) SetReview(id, review string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.prs {
		if pr.ID == id {
			pr.ReviewStatus = review
			return nil
		}
	}
	return notFound("Pull request")
}

func (s *Store) SyncPullRequests(userID string) (kendrasdk.PRSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.github[userID]; !ok {
		return kendrasdk.PRSyncResult{}, errGitHubNotConnected
	}
	for _, pr := range s.prs {
		if pr.Status == kendrasdk.PROpen && pr.ReviewStatus == kendrasdk.ReviewApproved {
			pr.Status = kendrasdk.PRMerged
			for _, i := range s.issues {
				if i.RepositoryID == pr.RepositoryID && i.Status == kendrasdk.IssuePRCreated && "Fix: "+i.Title == pr.Title {
					i.Status = kendrasdk.IssueResolved
				}
			}
		}
	}
	s.recomputePostureLocked()
	return kendrasdk.PRSyncResult{Synced: len(s.prs)}, nil
}

func (s *Store) PRStats(repoID string) (kendrasdk.PRStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repoLocked(repoID) == nil {
		return kendrasdk.PRStats{}, notFound("Repository")
	}
	return s.prStatsLocked(repoID), nil
}

func (s *Store) prStatsLocked(repoID string) kendrasdk.PRStats {
	var st kendrasdk.PRStats
	for _, pr := range s.prs {
		if pr.RepositoryID != repoID {
			continue
		}
		st.Total++
		switch pr.Status {
		case kendrasdk.PROpen:
			st.Open++
		case kendrasdk.PRMerged:
			st.Merged++
		case kendrasdk.PRClosed:
			st.Closed++
		}
	}
	return st
}

type AuditFilter struct {
	AgentName string
	RiskLevel string
	Limit     int
}

// AuditLogs returns matching entries, newest first.
func (s *Store) AuditLogs(f AuditFilter) []kendrasdk.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []kendrasdk.AuditLogEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		a := s.audit[i]
		if f.AgentName != "" && a.AgentName != f.AgentName {
			continue
		}
		if f.RiskLevel != "" && !strings.EqualFold(a.RiskLevel, f.RiskLevel) {
			continue
		}
		out = append(out, a.AuditLogEntry)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *Store) AuditLog(id string) (kendrasdk.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audit {
		if a.ID == id {
			return a.AuditLogEntry, nil
		}
	}
	return kendrasdk.AuditLogEntry{}, notFound("Audit log")
}

func (s *Store) AuditStats(repoID string) kendrasdk.AuditStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := kendrasdk.AuditStats{ByRiskLevel: map[string]int{}}
	for _, a := range s.audit {
		if repoID != "" && a.repoID != repoID {
			continue
		}
		st.Total++
		if a.Approved {
			st.Approved++
		} else {
			st.Pending++
		}
		st.ByRiskLevel[a.RiskLevel]++
	}
	return st
}

func (s *Store) appendAuditLocked(repoID, agent, action, risk string, approved bool, details map[string]any) {
	if repoID != "" {
		details["repositoryId"] = repoID
	}
	raw, _ := json.Marshal(details)
	s.audit = append(s.audit, &auditRecord{
		AuditLogEntry: kendrasdk.AuditLogEntry{
			ID:        uuid.NewString(),
			AgentName: agent,
			Action:    action,
			RiskLevel: risk,
			Approved:  approved,
			Timestamp: s.now().UTC(),
			Details:   raw,
		},
		repoID: repoID,
	})
}

// Posture is nil until the first analysis ran.
func (s *Store) Posture() *kendrasdk.SecurityPosture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posture == nil {
		return nil
	}
	p := *s.posture
	return &p
}

func (s *Store) recomputePostureLocked() {
	scanned := 0
	for _, r := range s.repos {
		if r.LastAnalyzedAt != nil {
			scanned++
		}
	}
	if scanned == 0 {
		s.posture = nil
		return
	}
	var open []*kendrasdk.Issue
	critical := 0
	for _, i := range s.issues {
		if i.Status != kendrasdk.IssueOpen {
			continue
		}
		open = append(open, i)
		if i.Severity == kendrasdk.SeverityCritical {
			critical++
		}
	}
	sc := score(open)
	s.posture = &kendrasdk.SecurityPosture{
		Score:               sc,
		Grade:               grade(sc),
		RepositoriesScanned: scanned,
		OpenIssues:          len(open),
		CriticalIssues:      critical,
		UpdatedAt:           s.now().UTC(),
	}
}

func (s *Store) Snapshot(repoID string) (kendrasdk.RepositorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repoLocked(repoID) == nil {
		return kendrasdk.RepositorySnapshot{}, notFound("Repository")
	}
	return kendrasdk.RepositorySnapshot{
		RepositoryID: repoID,
		Issues:       s.issueStatsLocked(repoID),
		PullRequests: s.prStatsLocked(repoID),
		UpdatedAt:    s.now().UTC(),
	}, nil
}

var severityWeight = map[kendrasdk.Severity]int{
	kendrasdk.SeverityCritical: 25,
	kendrasdk.SeverityHigh:     10,
	kendrasdk.SeverityMedium:   5,
	kendrasdk.SeverityLow:      1,
}

func score(issues []*kendrasdk.Issue) int {
	sc := 100
	for _, i := range issues {
		sc -= severityWeight[i.Severity]
	}
	if sc < 0 {
		return 0
	}
	return sc
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
