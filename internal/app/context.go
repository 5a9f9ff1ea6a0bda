package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"kendra/internal/clock"
	"kendra/internal/config"
	"kendra/internal/dashboard"
	"kendra/internal/db"
	"kendra/internal/engine"
	"kendra/internal/events"
	"kendra/internal/logging"
	"kendra/internal/migrate"
	"kendra/internal/notify"
	"kendra/internal/orchestrator"
	"kendra/internal/session"
	"kendra/internal/tokenstore"
	kendrasdk "kendra/sdk/go"
)

// Overrides are command-line values that win over kendra.yml.
type Overrides struct {
	BaseURL string
	Debug   bool
	LogFile string
}

// ResolveConfig loads kendra.yml from the workspace, falling back to the
// built-in defaults when it is missing, and applies overrides.
func ResolveConfig(workspace string, o Overrides) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if o.BaseURL != "" {
		cfg.API.BaseURL = strings.TrimRight(o.BaseURL, "/")
	}
	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Context holds every wired component for one CLI invocation.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Tokens    *tokenstore.Store
	Client    *kendrasdk.Client
	Toasts    *notify.Queue
	Journal   events.Writer
	Ops       *orchestrator.Orchestrator
	Dashboard *dashboard.Aggregator
	Session   *session.Controller
	Engine    *engine.Engine
}

// Open opens the workspace store, runs migrations and wires the session
// controller, API client, notification queue and operation engine together.
// The controller is the only component that writes the token; the client
// reaches it through the OnSessionExpired hook.
func Open(ctx context.Context, workspace string, o Overrides) (*Context, error) {
	cfg, err := ResolveConfig(workspace, o)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(o.Debug, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	clk := clock.Real()
	tokens := tokenstore.New(conn)
	client := kendrasdk.New(cfg.API.BaseURL, tokens)
	client.Timeout = cfg.API.Timeout
	client.Now = clk.Now
	client.Logger = logger.With("component", "api")

	toasts := notify.NewQueue(clk, cfg.Notify.TTL, logger)
	journal := events.Writer{DB: conn}
	ops := orchestrator.New(toasts, journal, logger.With("component", "orchestrator"))
	agg := dashboard.New(client, dashboard.Options{AuditLimit: cfg.Dashboard.AuditLimit, Logger: logger})
	ctrl := session.NewController(tokens, client, session.Options{
		Clock:        clk,
		Logger:       logger.With("component", "session"),
		Notifier:     toasts,
		PollInterval: cfg.Session.PollInterval,
		PollWindow:   cfg.Session.PollWindow,
	})
	client.OnSessionExpired = ctrl.Expire

	eng := engine.New(engine.Deps{
		API:       client,
		Ops:       ops,
		Dashboard: agg,
		Session:   ctrl,
		Notifier:  toasts,
		Logger:    logger.With("component", "engine"),
	})

	logger.Debug("workspace opened", "db", db.Path(workspace), "api", cfg.API.BaseURL)
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Tokens:    tokens,
		Client:    client,
		Toasts:    toasts,
		Journal:   journal,
		Ops:       ops,
		Dashboard: agg,
		Session:   ctrl,
		Engine:    eng,
	}, nil
}

// Close stops any session poll and closes the store.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	c.Session.StopPolling()
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
