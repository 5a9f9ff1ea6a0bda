package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kendra/internal/app"
	kendrasdk "kendra/sdk/go"
)

func reposCmd() *cobra.Command {
	repos := &cobra.Command{Use: "repos", Short: "Manage repositories"}
	repos.AddCommand(reposListCmd())
	repos.AddCommand(reposSyncCmd())
	repos.AddCommand(reposSyncOneCmd())
	repos.AddCommand(reposAnalyzeCmd())
	repos.AddCommand(reposUpdateCmd())
	repos.AddCommand(reposDeleteCmd())
	return repos
}

func reposListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Client.ListRepositories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRepositories(items)
				return nil
			})
		},
	}
}

func reposSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Import every repository from the linked GitHub account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.SyncRepositories(ctx)
				if err != nil {
					return reported(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				renderRepositories(res.Repositories)
				for _, e := range res.Errors {
					fmt.Println(dimStyle.Render(e.Repo + ": " + e.Error))
				}
				return nil
			})
		},
	}
}

func reposSyncOneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-one <owner/name>",
		Short: "Import or refresh a single repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, ok := strings.Cut(args[0], "/")
			if !ok || owner == "" || name == "" {
				return fmt.Errorf("expected owner/name, got %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				r, err := a.Client.SyncRepository(ctx, owner, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func reposAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <repoId>",
		Short: "Run security analysis on a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.AnalyzeRepository(ctx, args[0])
				if err != nil {
					return reported(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if len(res.Issues) > 0 {
					renderIssues(res.Issues)
				}
				return nil
			})
		},
	}
}

func reposUpdateCmd() *cobra.Command {
	var active bool
	var language, framework string
	cmd := &cobra.Command{
		Use:   "update <repoId>",
		Short: "Update repository settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch kendrasdk.RepositoryUpdate
			if cmd.Flags().Changed("active") {
				patch.IsActive = &active
			}
			if cmd.Flags().Changed("language") {
				patch.Language = &language
			}
			if cmd.Flags().Changed("framework") {
				patch.Framework = &framework
			}
			if patch == (kendrasdk.RepositoryUpdate{}) {
				return fmt.Errorf("nothing to update; use --active, --language or --framework")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				r, err := a.Client.UpdateRepository(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "whether the repository is monitored")
	cmd.Flags().StringVar(&language, "language", "", "primary language")
	cmd.Flags().StringVar(&framework, "framework", "", "framework")
	return cmd
}

func reposDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <repoId>",
		Short: "Stop tracking a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Client.DeleteRepository(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func issuesCmd() *cobra.Command {
	issues := &cobra.Command{Use: "issues", Short: "Inspect and remediate issues"}
	issues.AddCommand(issuesListCmd())
	issues.AddCommand(issuesShowCmd())
	issues.AddCommand(issuesFixCmd())
	issues.AddCommand(issuesUpdateCmd())
	issues.AddCommand(issuesStatsCmd())
	issues.AddCommand(issuesThreatsCmd())
	issues.AddCommand(issuesReportCmd())
	return issues
}

func issuesListCmd() *cobra.Command {
	var opts kendrasdk.IssueListOptions
	var sev, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Severity = kendrasdk.Severity(strings.ToUpper(sev))
			opts.Status = kendrasdk.IssueStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Client.ListIssues(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderIssues(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.RepositoryID, "repo", "", "repository id")
	cmd.Flags().StringVar(&sev, "severity", "", "CRITICAL, HIGH, MEDIUM or LOW")
	cmd.Flags().StringVar(&status, "status", "", "open, resolved, ignored or pr-created")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size")
	return cmd
}

func issuesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <issueId>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				i, err := a.Client.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
}

func issuesFixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix <issueId>",
		Short: "Open a remediation pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.FixIssue(ctx, args[0])
				if err != nil {
					return reported(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.PRURL != "" {
					fmt.Println(res.PRURL)
				}
				return nil
			})
		},
	}
}

func issuesUpdateCmd() *cobra.Command {
	var status, sev string
	cmd := &cobra.Command{
		Use:   "update <issueId>",
		Short: "Change issue status or severity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch kendrasdk.IssueUpdate
			if status != "" {
				s := kendrasdk.IssueStatus(status)
				patch.Status = &s
			}
			if sev != "" {
				s := kendrasdk.Severity(strings.ToUpper(sev))
				patch.Severity = &s
			}
			if patch.Status == nil && patch.Severity == nil {
				return fmt.Errorf("nothing to update; use --status or --severity")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				i, err := a.Client.UpdateIssue(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open, resolved, ignored or pr-created")
	cmd.Flags().StringVar(&sev, "severity", "", "CRITICAL, HIGH, MEDIUM or LOW")
	return cmd
}

func issuesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <repoId>",
		Short: "Issue counts for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Client.IssueStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func issuesThreatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threats <repoId>",
		Short: "Threat advisories for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Client.Threats(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("SEVERITY", "CATEGORY", "TITLE", "REMEDIATION")
				for _, th := range items {
					tw.AppendRow(row(severity(th.Severity), th.Category, truncate(th.Title, 50), truncate(th.Remediation, 60)))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func issuesReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <repoId>",
		Short: "Penetration test report for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Client.PenTestReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("score %d/100  %s\n", rep.Score, rep.Summary)
				renderFindings(rep.Findings)
				return nil
			})
		},
	}
}

func prsCmd() *cobra.Command {
	prs := &cobra.Command{Use: "prs", Short: "Remediation pull requests"}
	prs.AddCommand(prsListCmd())
	prs.AddCommand(&cobra.Command{
		Use:   "show <prId>",
		Short: "Show a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Client.GetPullRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	prs.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Refresh pull request state from GitHub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.SyncPullRequests(ctx)
				if err != nil {
					return reported(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				return nil
			})
		},
	})
	prs.AddCommand(&cobra.Command{
		Use:   "stats <repoId>",
		Short: "Pull request counts for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Client.PullRequestStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	return prs
}

func prsListCmd() *cobra.Command {
	var opts kendrasdk.PRListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pull requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Client.ListPullRequests(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderPullRequests(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.RepositoryID, "repo", "", "repository id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "open, merged or closed")
	return cmd
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Agent audit log"}
	audit.AddCommand(auditListCmd())
	audit.AddCommand(&cobra.Command{
		Use:   "show <entryId>",
		Short: "Show an audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, err := a.Client.GetAuditLog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	})
	var repoID string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Audit log counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Client.AuditStats(ctx, repoID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	stats.Flags().StringVar(&repoID, "repo", "", "limit to one repository")
	audit.AddCommand(stats)
	return audit
}

func auditListCmd() *cobra.Command {
	var opts kendrasdk.AuditListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if opts.Limit <= 0 {
					opts.Limit = a.Config.Dashboard.AuditLimit
				}
				items, err := a.Client.ListAuditLogs(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderAudit(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentName, "agent", "", "agent name")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "", "risk level")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries (default from kendra.yml)")
	return cmd
}

func githubCmd() *cobra.Command {
	gh := &cobra.Command{Use: "github", Short: "GitHub account link"}
	gh.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether GitHub is linked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.GitHubStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	gh.AddCommand(&cobra.Command{
		Use:   "connect",
		Short: "Print the URL that links GitHub to this account",
		Long: `Print the URL that links GitHub to this account. Open it in a browser; once the
backend redirects back, pass the final URL to 'kd login --callback-url'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				u, err := a.Engine.ConnectGitHubURL()
				if err != nil {
					return reported(err)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"url": u})
				}
				fmt.Println(u)
				return nil
			})
		},
	})
	gh.AddCommand(&cobra.Command{
		Use:   "disconnect",
		Short: "Unlink GitHub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return reported(a.Engine.DisconnectGitHub(ctx))
			})
		},
	})
	gh.AddCommand(&cobra.Command{
		Use:   "debug",
		Short: "Show diagnostic link information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				d, err := a.Engine.GitHubDebug(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})
	return gh
}
