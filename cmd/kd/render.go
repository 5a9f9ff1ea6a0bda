package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"kendra/internal/dashboard"
	"kendra/internal/notify"
	"kendra/internal/orchestrator"
	kendrasdk "kendra/sdk/go"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	severityStyles = map[kendrasdk.Severity]lipgloss.Style{
		kendrasdk.SeverityCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		kendrasdk.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		kendrasdk.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		kendrasdk.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
)

// reportedError marks an error the user already saw as a notification.
type reportedError struct{ error }

func (r reportedError) Unwrap() error { return r.error }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err}
}

// printToast writes a notification to stderr so JSON output stays clean.
func printToast(t notify.Toast) {
	var line string
	switch t.Kind {
	case notify.KindSuccess:
		line = successStyle.Render("✔ " + t.Message)
	case notify.KindError:
		line = errorStyle.Render("✖ " + t.Message)
	default:
		line = infoStyle.Render("ℹ " + t.Message)
	}
	fmt.Fprintln(os.Stderr, line)
}

func keyList(keys []orchestrator.Key) string {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func row(cells ...any) table.Row { return table.Row(cells) }

func severity(s kendrasdk.Severity) string {
	if st, ok := severityStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

func when(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func renderDashboard(user *kendrasdk.UserProfile, gh kendrasdk.GitHubStatus, snap dashboard.Snapshot, issues []kendrasdk.Issue) {
	if user != nil {
		fmt.Println(headerStyle.Render("Kendra") + dimStyle.Render("  "+user.Name+" <"+user.Email+">"))
	}
	if gh.IsConnected {
		fmt.Println(dimStyle.Render("GitHub: @" + gh.Username))
	} else {
		fmt.Println(dimStyle.Render("GitHub: not connected (kd github connect)"))
	}
	fmt.Println()

	st := snap.Stats
	tw := newTable("REPOSITORIES", "ACTIVE", "OPEN ISSUES", "CRITICAL", "OPEN PRS", "POSTURE")
	posture := "n/a"
	if snap.Posture != nil {
		posture = fmt.Sprintf("%d (%s)", snap.Posture.Score, snap.Posture.Grade)
	}
	tw.AppendRow(row(st.TotalRepos, st.ActiveRepos, st.OpenIssues, st.CriticalIssues, st.OpenPRs, posture))
	tw.Render()

	if len(issues) == 0 {
		fmt.Println(dimStyle.Render("No issues match."))
		return
	}
	renderIssues(issues)
}

func renderRepositories(repos []kendrasdk.Repository) {
	tw := newTable("ID", "REPOSITORY", "LANGUAGE", "ACTIVE", "LAST ANALYZED")
	for _, r := range repos {
		tw.AppendRow(row(r.ID, r.Owner+"/"+r.Name, r.Language, r.IsActive, when(r.LastAnalyzedAt)))
	}
	tw.Render()
}

func renderIssues(issues []kendrasdk.Issue) {
	tw := newTable("ID", "SEVERITY", "STATUS", "TITLE", "LOCATION")
	for _, i := range issues {
		loc := i.FilePath
		if loc != "" && i.LineNumber > 0 {
			loc = fmt.Sprintf("%s:%d", loc, i.LineNumber)
		}
		tw.AppendRow(row(i.ID, severity(i.Severity), i.Status, truncate(i.Title, 60), loc))
	}
	tw.Render()
}

func renderPullRequests(prs []kendrasdk.PullRequest) {
	tw := newTable("ID", "PR", "STATUS", "REVIEW", "TITLE", "BRANCH")
	for _, p := range prs {
		tw.AppendRow(row(p.ID, fmt.Sprintf("#%d", p.Number), p.Status, p.ReviewStatus, truncate(p.Title, 50), p.Branch))
	}
	tw.Render()
}

func renderAudit(entries []kendrasdk.AuditLogEntry) {
	tw := newTable("ID", "TIME", "AGENT", "ACTION", "RISK", "APPROVED")
	for _, e := range entries {
		tw.AppendRow(row(e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.AgentName, e.Action, e.RiskLevel, e.Approved))
	}
	tw.Render()
}

func renderFindings(findings []kendrasdk.ProbeFinding) {
	if len(findings) == 0 {
		fmt.Println(dimStyle.Render("No findings."))
		return
	}
	tw := newTable("SEVERITY", "CATEGORY", "ISSUE", "RECOMMENDATION")
	for _, f := range findings {
		tw.AppendRow(row(severity(kendrasdk.Severity(strings.ToUpper(f.Severity))), f.Category, f.Issue, f.Recommendation))
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
