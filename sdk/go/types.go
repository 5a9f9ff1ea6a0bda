package kendrasdk

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Severity of a detected issue.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// IssueStatus values the backend uses; others may appear.
type IssueStatus string

const (
	IssueOpen      IssueStatus = "open"
	IssueResolved  IssueStatus = "resolved"
	IssueIgnored   IssueStatus = "ignored"
	IssuePRCreated IssueStatus = "pr-created"
)

// PR status and review status values.
const (
	PROpen   = "open"
	PRMerged = "merged"
	PRClosed = "closed"

	ReviewPending          = "pending"
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes-requested"
)

// UserProfile is the authenticated user.
type UserProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Repository is a tracked VCS repository.
type Repository struct {
	ID             string     `json:"_id"`
	Owner          string     `json:"repoOwner"`
	Name           string     `json:"repoName"`
	URL            string     `json:"repoUrl"`
	Platform       string     `json:"platform"`
	Language       string     `json:"language,omitempty"`
	Framework      string     `json:"framework,omitempty"`
	IsActive       bool       `json:"isActive"`
	LastAnalyzedAt *time.Time `json:"lastAnalyzedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Issue is a finding produced by repository analysis.
type Issue struct {
	ID           string      `json:"_id"`
	RepositoryID string      `json:"repositoryId"`
	Title        string      `json:"title"`
	Type         string      `json:"issueType"`
	Severity     Severity    `json:"severity"`
	Status       IssueStatus `json:"status"`
	Description  string      `json:"description"`
	Confidence   *float64    `json:"aiConfidence,omitempty"`
	FilePath     string      `json:"filePath,omitempty"`
	LineNumber   int         `json:"lineNumber,omitempty"`
	Explanation  string      `json:"aiExplanation,omitempty"`
	SuggestedFix string      `json:"suggestedFix,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// PullRequest is a remediation PR opened by the backend.
type PullRequest struct {
	ID           string    `json:"_id"`
	RepositoryID string    `json:"repositoryId"`
	Number       int       `json:"prNumber"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	ReviewStatus string    `json:"reviewStatus"`
	URL          string    `json:"prUrl"`
	Branch       string    `json:"branch"`
	FilesChanged *int      `json:"filesChanged,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditLogEntry records an agent action. Read-only to clients.
type AuditLogEntry struct {
	ID        string          `json:"_id"`
	AgentName string          `json:"agentName"`
	Action    string          `json:"action"`
	RiskLevel string          `json:"riskLevel"`
	Approved  bool            `json:"approved"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// SecurityPosture is the server-computed health summary.
type SecurityPosture struct {
	Score               int       `json:"score"`
	Grade               string    `json:"grade"`
	RepositoriesScanned int       `json:"repositoriesScanned"`
	OpenIssues          int       `json:"openIssues"`
	CriticalIssues      int       `json:"criticalIssues"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// GitHubStatus is the VCS link state.
type GitHubStatus struct {
	IsConnected bool   `json:"isConnected"`
	Username    string `json:"username,omitempty"`
}

// GitHubDebug is diagnostic link information.
type GitHubDebug struct {
	IsGitHubConnected bool     `json:"isGitHubConnected"`
	Username          string   `json:"username,omitempty"`
	HasAccessToken    bool     `json:"hasAccessToken"`
	Scopes            []string `json:"scopes,omitempty"`
}

// SyncError describes a repository that failed to sync.
type SyncError struct {
	Repo  string `json:"repo,omitempty"`
	Error string `json:"error,omitempty"`
}

// SyncResult is returned by repository sync.
type SyncResult struct {
	Synced       int          `json:"synced"`
	Repositories []Repository `json:"repositories,omitempty"`
	Errors       []SyncError  `json:"errors,omitempty"`
}

// Count is the number of synced repositories, falling back to the
// returned list when the backend omits synced.
func (r SyncResult) Count() int {
	if r.Synced > 0 {
		return r.Synced
	}
	return len(r.Repositories)
}

// AnalyzeResult is returned by repository analysis.
type AnalyzeResult struct {
	IssuesFound int     `json:"issuesFound"`
	Critical    int     `json:"critical"`
	Issues      []Issue `json:"issues,omitempty"`
}

// FixResult is returned by issue remediation.
type FixResult struct {
	PRNumber int    `json:"prNumber"`
	PRURL    string `json:"prUrl,omitempty"`
	Message  string `json:"message,omitempty"`
}

// PRSyncResult is returned by pull request sync.
type PRSyncResult struct {
	Synced int `json:"synced"`
}

// IssueStats summarises issues for one repository.
type IssueStats struct {
	Total      int              `json:"total"`
	Open       int              `json:"open"`
	Resolved   int              `json:"resolved"`
	BySeverity map[Severity]int `json:"bySeverity,omitempty"`
}

// PRStats summarises pull requests for one repository.
type PRStats struct {
	Total  int `json:"total"`
	Open   int `json:"open"`
	Merged int `json:"merged"`
	Closed int `json:"closed"`
}

// AuditStats summarises the audit log.
type AuditStats struct {
	Total       int            `json:"total"`
	Approved    int            `json:"approved"`
	Pending     int            `json:"pending"`
	ByRiskLevel map[string]int `json:"byRiskLevel,omitempty"`
}

// RepositorySnapshot is the per-repository stats view.
type RepositorySnapshot struct {
	RepositoryID string     `json:"repositoryId"`
	Issues       IssueStats `json:"issues"`
	PullRequests PRStats    `json:"pullRequests"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Threat is a security advisory for a repository.
type Threat struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Severity    Severity  `json:"severity"`
	Category    string    `json:"category"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Description string    `json:"description"`
	Strategy    string    `json:"strategy,omitempty"`
	Remediation string    `json:"remediation,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProbeRequest asks the backend to probe an HTTP endpoint.
type ProbeRequest struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
}

// ProbeFinding is one observation from an endpoint probe.
type ProbeFinding struct {
	Severity       string `json:"severity"`
	Category       string `json:"category"`
	Issue          string `json:"issue"`
	Recommendation string `json:"recommendation"`
}

// ProbeReport is the endpoint probe result; Score is 0-100.
type ProbeReport struct {
	Endpoint  string         `json:"endpoint"`
	Method    string         `json:"method"`
	Timestamp time.Time      `json:"timestamp"`
	Findings  []ProbeFinding `json:"findings"`
	Score     int            `json:"score"`
}

// PenTestReport is the generated penetration test report.
type PenTestReport struct {
	RepositoryID string         `json:"repositoryId"`
	GeneratedAt  time.Time      `json:"generatedAt"`
	Score        int            `json:"score"`
	Summary      string         `json:"summary"`
	Findings     []ProbeFinding `json:"findings"`
}

// RepositoryUpdate is a partial repository patch.
type RepositoryUpdate struct {
	IsActive  *bool   `json:"isActive,omitempty"`
	Language  *string `json:"language,omitempty"`
	Framework *string `json:"framework,omitempty"`
}

// IssueUpdate is a partial issue patch.
type IssueUpdate struct {
	Status   *IssueStatus `json:"status,omitempty"`
	Severity *Severity    `json:"severity,omitempty"`
}

// IssueListOptions filters the issue list. Zero values are omitted.
type IssueListOptions struct {
	RepositoryID string
	Severity     Severity
	Status       IssueStatus
	Page         int
	Limit        int
}

func (o IssueListOptions) values() url.Values {
	v := url.Values{}
	setIf(v, "repositoryId", o.RepositoryID)
	setIf(v, "severity", string(o.Severity))
	setIf(v, "status", string(o.Status))
	setIntIf(v, "page", o.Page)
	setIntIf(v, "limit", o.Limit)
	return v
}

// PRListOptions filters the pull request list.
type PRListOptions struct {
	RepositoryID string
	Status       string
}

func (o PRListOptions) values() url.Values {
	v := url.Values{}
	setIf(v, "repositoryId", o.RepositoryID)
	setIf(v, "status", o.Status)
	return v
}

// AuditListOptions filters the audit log list.
type AuditListOptions struct {
	AgentName string
	RiskLevel string
	Limit     int
}

func (o AuditListOptions) values() url.Values {
	v := url.Values{}
	setIf(v, "agentName", o.AgentName)
	setIf(v, "riskLevel", o.RiskLevel)
	setIntIf(v, "limit", o.Limit)
	return v
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func setIntIf(v url.Values, key string, value int) {
	if value > 0 {
		v.Set(key, strconv.Itoa(value))
	}
}

// Response envelopes. Each validates what callers rely on.

type validator interface {
	validate() error
}

type userEnvelope struct {
	User *UserProfile `json:"user"`
}

func (e *userEnvelope) validate() error {
	if e.User == nil {
		return fmt.Errorf("missing user")
	}
	if e.User.ID == "" {
		return fmt.Errorf("user without id")
	}
	return nil
}

type repositoriesEnvelope struct {
	Repositories []Repository `json:"repositories"`
}

func (e *repositoriesEnvelope) validate() error {
	if e.Repositories == nil {
		return fmt.Errorf("missing repositories")
	}
	for _, r := range e.Repositories {
		if r.ID == "" {
			return fmt.Errorf("repository without id")
		}
	}
	return nil
}

type repositoryEnvelope struct {
	Repository *Repository `json:"repository"`
}

func (e *repositoryEnvelope) validate() error {
	if e.Repository == nil || e.Repository.ID == "" {
		return fmt.Errorf("missing repository")
	}
	return nil
}

type issuesEnvelope struct {
	Issues []Issue `json:"issues"`
}

func (e *issuesEnvelope) validate() error {
	for _, i := range e.Issues {
		if i.ID == "" {
			return fmt.Errorf("issue without id")
		}
	}
	return nil
}

type issueEnvelope struct {
	Issue *Issue `json:"issue"`
}

func (e *issueEnvelope) validate() error {
	if e.Issue == nil || e.Issue.ID == "" {
		return fmt.Errorf("missing issue")
	}
	return nil
}

type pullRequestsEnvelope struct {
	PullRequests []PullRequest `json:"pullRequests"`
}

func (e *pullRequestsEnvelope) validate() error {
	for _, pr := range e.PullRequests {
		if pr.ID == "" {
			return fmt.Errorf("pull request without id")
		}
	}
	return nil
}

type pullRequestEnvelope struct {
	PullRequest *PullRequest `json:"pullRequest"`
}

func (e *pullRequestEnvelope) validate() error {
	if e.PullRequest == nil || e.PullRequest.ID == "" {
		return fmt.Errorf("missing pullRequest")
	}
	return nil
}

type auditLogsEnvelope struct {
	Logs []AuditLogEntry `json:"logs"`
}

func (e *auditLogsEnvelope) validate() error {
	for _, l := range e.Logs {
		if l.ID == "" {
			return fmt.Errorf("audit log without id")
		}
	}
	return nil
}

type auditLogEnvelope struct {
	Log *AuditLogEntry `json:"log"`
}

func (e *auditLogEnvelope) validate() error {
	if e.Log == nil || e.Log.ID == "" {
		return fmt.Errorf("missing log")
	}
	return nil
}

type postureEnvelope struct {
	Posture *SecurityPosture `json:"posture"`
}

type debugEnvelope struct {
	Debug *GitHubDebug `json:"debug"`
}

func (e *debugEnvelope) validate() error {
	if e.Debug == nil {
		return fmt.Errorf("missing debug")
	}
	return nil
}

type fixEnvelope FixResult

func (e *fixEnvelope) validate() error {
	if e.PRNumber <= 0 {
		return fmt.Errorf("missing prNumber")
	}
	return nil
}

type statsEnvelope[T any] struct {
	Stats *T `json:"stats"`
}

func (e *statsEnvelope[T]) validate() error {
	if e.Stats == nil {
		return fmt.Errorf("missing stats")
	}
	return nil
}

type threatsEnvelope struct {
	Threats []Threat `json:"threats"`
}

type probeEnvelope struct {
	Results *ProbeReport `json:"results"`
}

func (e *probeEnvelope) validate() error {
	if e.Results == nil {
		return fmt.Errorf("missing results")
	}
	return nil
}

type reportEnvelope struct {
	Report *PenTestReport `json:"report"`
}

func (e *reportEnvelope) validate() error {
	if e.Report == nil {
		return fmt.Errorf("missing report")
	}
	return nil
}
