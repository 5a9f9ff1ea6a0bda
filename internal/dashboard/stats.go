package dashboard

import (
	"strings"

	kendrasdk "kendra/sdk/go"
)

type Stats struct {
	TotalRepos     int `json:"totalRepos"`
	ActiveRepos    int `json:"activeRepos"`
	OpenIssues     int `json:"openIssues"`
	OpenPRs        int `json:"openPRs"`
	CriticalIssues int `json:"criticalIssues"`
}

// ComputeStats derives the summary counters from the fetched collections.
func ComputeStats(repos []kendrasdk.Repository, issues []kendrasdk.Issue, prs []kendrasdk.PullRequest) Stats {
	s := Stats{TotalRepos: len(repos)}
	for _, r := range repos {
		if r.IsActive {
			s.ActiveRepos++
		}
	}
	for _, i := range issues {
		if Actionable(i.Status) {
			s.OpenIssues++
		}
		if i.Severity == kendrasdk.SeverityCritical && i.Status != kendrasdk.IssueResolved {
			s.CriticalIssues++
		}
	}
	for _, pr := range prs {
		if pr.Status == kendrasdk.PROpen {
			s.OpenPRs++
		}
	}
	return s
}

// Actionable reports whether an issue with status still needs attention.
func Actionable(status kendrasdk.IssueStatus) bool {
	switch status {
	case kendrasdk.IssueResolved, kendrasdk.IssueIgnored, kendrasdk.IssuePRCreated:
		return false
	}
	return true
}

// SeverityAll disables the severity filter.
const SeverityAll = "all"

type Filter struct {
	Search   string
	Severity string
}

// FilterIssues returns the actionable issues whose title, type or file path
// contains Search (case-insensitive) and whose severity matches.
func FilterIssues(issues []kendrasdk.Issue, f Filter) []kendrasdk.Issue {
	needle := strings.ToLower(strings.TrimSpace(f.Search))
	severity := strings.ToUpper(strings.TrimSpace(f.Severity))
	out := make([]kendrasdk.Issue, 0, len(issues))
	for _, i := range issues {
		if !Actionable(i.Status) {
			continue
		}
		if severity != "" && severity != strings.ToUpper(SeverityAll) && string(i.Severity) != severity {
			continue
		}
		if needle != "" && !matches(i, needle) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func matches(i kendrasdk.Issue, needle string) bool {
	for _, field := range []string{i.Title, i.Type, i.FilePath} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
