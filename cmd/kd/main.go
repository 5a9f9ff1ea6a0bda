package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kendra/internal/app"
	"kendra/internal/config"
	"kendra/internal/dashboard"
	"kendra/internal/db"
	"kendra/internal/engine"
	"kendra/internal/logging"
	"kendra/internal/mockapi"
	kendrasdk "kendra/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "kd",
	Short: "Kendra security dashboard CLI",
	Long: `kd drives the Kendra security backend from the terminal.
- Session: login stores a bearer token in the workspace (.kendra/kendra.db); every call uses it and a 401 clears it.
- Dashboard: repositories, issues, pull requests, audit log and security posture fetched together.
- Operations: sync, analyze, fix and PR sync run at most once per target; results show up as notifications.
- Journal: every settled operation is recorded, view it with 'kd log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var r reportedError
		if !errors.As(err, &r) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		}
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KENDRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("api-url", "", "backend base URL (overrides kendra.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "write debug logs")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(reposCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(prsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(githubCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(postureCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveMockCmd())
}

func loginCmd() *cobra.Command {
	var token, callbackURL string
	var wait bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a session token",
		Long: `Store a session token, either directly (--token) or from the URL the backend
redirected the browser to (--callback-url). The callback parameters token, error,
message, github_connected and username are consumed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (token == "") == (callbackURL == "") {
				return fmt.Errorf("exactly one of --token or --callback-url is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if token != "" {
					s, err := a.Session.Login(ctx, token)
					if err != nil {
						return fmt.Errorf("login failed: %s", kendrasdk.Message(err, "invalid token"))
					}
					return printJSONOrTable(s.User)
				}
				u, err := url.Parse(callbackURL)
				if err != nil {
					return fmt.Errorf("invalid --callback-url: %w", err)
				}
				cb, err := a.Session.Init(ctx, u)
				if err != nil {
					a.Logger.Info("session check after callback failed", "err", err)
				}
				if p := a.Session.Polling(); wait && p != nil {
					select {
					case <-p.Done():
					case <-ctx.Done():
						p.Stop()
						return ctx.Err()
					}
				}
				s := a.Session.Session()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"status": s.Status, "user": s.User, "url": cb.URL.String()})
				}
				fmt.Printf("status: %s\n", s.Status)
				if s.User != nil {
					fmt.Printf("user:   %s <%s>\n", s.User.Name, s.User.Email)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "URL the backend redirected to")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the bounded session poll to settle")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Validate the stored token and show the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Session.CheckSession(ctx)
				if err != nil {
					return fmt.Errorf("%s", kendrasdk.Message(err, "session check failed"))
				}
				if s.User == nil {
					return fmt.Errorf("not logged in; use kd login")
				}
				return printJSONOrTable(s.User)
			})
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out")
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	var search, severity string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Load the dashboard: stats, posture and actionable issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				boot, err := a.Engine.Bootstrap(ctx, nil)
				if errors.Is(err, engine.ErrNotAuthenticated) {
					return fmt.Errorf("not logged in; use kd login")
				}
				if err != nil {
					return reported(err)
				}
				snap := boot.Snapshot
				issues := dashboard.FilterIssues(snap.Issues, dashboard.Filter{Search: search, Severity: severity})
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"user":     boot.Session.User,
						"github":   boot.GitHub,
						"stats":    snap.Stats,
						"posture":  snap.Posture,
						"issues":   issues,
						"snapshot": snap,
						"toasts":   a.Toasts.Drain(),
					})
				}
				renderDashboard(boot.Session.User, boot.GitHub, snap, issues)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "case-insensitive match on title, description or file path")
	cmd.Flags().StringVar(&severity, "severity", dashboard.SeverityAll, "severity filter (all, CRITICAL, HIGH, MEDIUM, LOW)")
	return cmd
}

func probeCmd() *cobra.Command {
	var endpoint, method, headers string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Security-test an HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Engine.TestEndpoint(ctx, endpoint, method, headers)
				if err != nil {
					return reported(err)
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("%s %s  score %d/100\n", rep.Method, rep.Endpoint, rep.Score)
				renderFindings(rep.Findings)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint URL")
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method")
	cmd.Flags().StringVar(&headers, "headers", "", `headers as a JSON object, e.g. {"Authorization":"Bearer x"}`)
	return cmd
}

func postureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "posture",
		Short: "Show the security posture",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Client.SecurityPosture(ctx)
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("No security posture computed yet")
					return nil
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <repoId>",
		Short: "Show per-repository stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Client.RepositorySnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default kendra.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate kendra.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Operation journal"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest settled operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, err := a.Journal.Tail(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("ID", "TIME", "KIND", "ENTITY", "STATE", "MESSAGE")
				for _, e := range entries {
					tw.AppendRow(row(e.ID, e.TS, e.Kind, e.EntityID, e.State, e.Message))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func serveMockCmd() *cobra.Command {
	var addr, secret string
	var seed, linkGitHub bool
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run an in-memory backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Mock.Addr
			}
			if secret == "" {
				secret = cfg.Mock.Secret
			}
			logger, err := logging.New(viper.GetBool("debug"), cfg.Log.File)
			if err != nil {
				return err
			}

			store := mockapi.NewStore(nil)
			if seed {
				store.AddRemote(
					mockapi.RemoteRepo{Owner: "kendra-demo", Name: "payments-api", Language: "Go", Framework: "chi"},
					mockapi.RemoteRepo{Owner: "kendra-demo", Name: "storefront", Language: "TypeScript", Framework: "React"},
					mockapi.RemoteRepo{Owner: "kendra-demo", Name: "ml-pipeline", Language: "Python", Framework: "FastAPI"},
				)
			}
			demo := kendrasdk.UserProfile{ID: "demo-user", Name: "Demo User", Email: "demo@kendra.dev"}
			if linkGitHub {
				store.LinkGitHub(demo.ID, "demo-user")
			}
			token, exp, err := mockapi.MintToken(secret, demo, 24*time.Hour, time.Now())
			if err != nil {
				return err
			}

			handler, err := mockapi.New(mockapi.Config{Store: store, Auth: mockapi.AuthConfig{JWTSecret: secret}, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Kendra mock API on http://%s\n", addr)
			fmt.Printf("Dev token for %s (expires %s):\n  kd login --api-url http://%s --token %s\n", demo.Email, exp.Format(time.RFC3339), addr, token)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from kendra.yml)")
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret (default from kendra.yml)")
	cmd.Flags().BoolVar(&seed, "seed", true, "seed demo repositories on the fake GitHub account")
	cmd.Flags().BoolVar(&linkGitHub, "link-github", false, "start with GitHub linked for the demo user")
	return cmd
}

// --- helpers ---

func overrides() app.Overrides {
	return app.Overrides{
		BaseURL: viper.GetString("api-url"),
		Debug:   viper.GetBool("debug"),
	}
}

// withApp opens the workspace and runs fn, printing notifications as they
// are raised.
func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), overrides())
	if err != nil {
		return err
	}
	defer a.Close()
	unsubscribe := a.Toasts.Subscribe(printToast)
	defer unsubscribe()
	stopWatch := context.AfterFunc(ctx, func() {
		if keys := a.Ops.Running(); len(keys) > 0 {
			fmt.Fprintln(os.Stderr, dimStyle.Render("interrupted, cancelling "+keyList(keys)))
		}
	})
	defer stopWatch()
	return fn(ctx, a)
}
