// Package session owns the authentication state of the dashboard and is the
// only writer of the persisted bearer token.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"kendra/internal/clock"
	"kendra/internal/logging"
	"kendra/internal/notify"
	kendrasdk "kendra/sdk/go"
)

type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
)

// Session is a snapshot of the controller state.
type Session struct {
	Token  string                 `json:"-"`
	User   *kendrasdk.UserProfile `json:"user,omitempty"`
	Status Status                 `json:"status"`
}

// TokenStore persists the bearer token.
type TokenStore interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Gateway is the part of the API client the controller needs.
type Gateway interface {
	Me(ctx context.Context) (kendrasdk.UserProfile, error)
	Logout(ctx context.Context) error
}

type Notifier interface {
	Publish(msgs ...notify.Message)
}

type Options struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	Notifier     Notifier
	PollInterval time.Duration
	PollWindow   time.Duration
}

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollWindow   = 5 * time.Second
)

type Controller struct {
	store    TokenStore
	api      Gateway
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier
	interval time.Duration
	window   time.Duration

	mu     sync.Mutex
	sess   Session
	epoch  uint64
	poller *Poller
}

func NewController(store TokenStore, api Gateway, opts Options) *Controller {
	c := &Controller{
		store:    store,
		api:      api,
		clock:    opts.Clock,
		logger:   logging.Or(opts.Logger),
		notifier: opts.Notifier,
		interval: opts.PollInterval,
		window:   opts.PollWindow,
		sess:     Session{Status: StatusUnauthenticated},
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.interval <= 0 {
		c.interval = DefaultPollInterval
	}
	if c.window <= 0 {
		c.window = DefaultPollWindow
	}
	return c
}

// Session returns the current snapshot.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

func (c *Controller) Status() Status { return c.Session().Status }

// CheckSession validates the stored token against the backend. Any failure
// clears the token and leaves the session unauthenticated; the error is
// returned for logging only.
func (c *Controller) CheckSession(ctx context.Context) (Session, error) {
	token, err := c.store.Get(ctx)
	if err != nil {
		c.transition(c.currentEpoch(), Session{Status: StatusUnauthenticated})
		return c.Session(), err
	}
	if token == "" {
		c.transition(c.currentEpoch(), Session{Status: StatusUnauthenticated})
		return c.Session(), nil
	}

	epoch := c.currentEpoch()
	c.transition(epoch, Session{Token: token, Status: StatusAuthenticating})
	c.logger.Debug("checking session", "token", logging.TokenPrefix(token))

	// the gateway may call Expire from inside Me, so no lock is held here
	user, err := c.api.Me(ctx)
	if err != nil {
		if !errors.Is(err, kendrasdk.ErrSessionExpired) {
			if clearErr := c.store.Clear(ctx); clearErr != nil {
				c.logger.Warn("failed to clear token", "err", clearErr)
			}
		}
		c.transition(epoch, Session{Status: StatusUnauthenticated})
		c.logger.Info("session check failed", "err", err)
		return c.Session(), err
	}
	if !c.transition(epoch, Session{Token: token, User: &user, Status: StatusAuthenticated}) {
		c.logger.Debug("session check result discarded after logout")
	}
	return c.Session(), nil
}

// Expire invalidates the session after the backend rejected the token. It
// is installed as the API client's OnSessionExpired hook.
func (c *Controller) Expire(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("failed to clear expired token", "err", err)
	}
	c.reset()
	c.logger.Info("session expired")
}

// Logout ends the session. The remote call is best-effort; locally the
// session is always unauthenticated once Logout returns.
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.api.Logout(ctx); err != nil {
		c.logger.Info("remote logout failed", "err", err)
	}
	c.StopPolling()
	err := c.store.Clear(ctx)
	c.reset()
	return err
}

// Login stores a token obtained out of band and validates it.
func (c *Controller) Login(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return c.Session(), kendrasdk.ErrNoToken
	}
	if err := c.store.Set(ctx, token); err != nil {
		return c.Session(), err
	}
	return c.CheckSession(ctx)
}

func (c *Controller) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// transition applies s unless the session was reset since epoch was read.
func (c *Controller) transition(epoch uint64, s Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.sess = s
	return true
}

func (c *Controller) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.sess = Session{Status: StatusUnauthenticated}
}

func (c *Controller) publish(msgs ...notify.Message) {
	if c.notifier != nil {
		c.notifier.Publish(msgs...)
	}
}

// Callback parameters carried on the URL after an external redirect.
const (
	ParamToken           = "token"
	ParamError           = "error"
	ParamMessage         = "message"
	ParamGitHubConnected = "github_connected"
	ParamUsername        = "username"
)

var callbackParams = []string{ParamToken, ParamError, ParamMessage, ParamGitHubConnected, ParamUsername}

// Callback describes what Init consumed from the incoming URL.
type Callback struct {
	// URL is the incoming URL with every callback parameter removed.
	URL             *url.URL
	TokenReceived   bool
	Error           string
	GitHubConnected bool
	Username        string
}

// Redirected reports whether the URL came back from an external auth step.
func (cb Callback) Redirected() bool {
	return cb.TokenReceived || cb.GitHubConnected || cb.Error != ""
}

// Init consumes the callback parameters of u, persists a received token,
// emits the matching notifications and checks the session. When the URL
// came back from an external step and the session is not yet
// authenticated, a bounded poll is started.
func (c *Controller) Init(ctx context.Context, u *url.URL) (Callback, error) {
	cb := ConsumeCallback(u)
	if cb.TokenReceived {
		token := u.Query().Get(ParamToken)
		if err := c.store.Set(ctx, token); err != nil {
			return cb, err
		}
		c.logger.Info("token received from callback", "token", logging.TokenPrefix(token))
	}
	if cb.Error != "" {
		c.publish(notify.Error("Error: " + cb.Error))
	}
	if cb.GitHubConnected {
		if cb.Username != "" {
			c.publish(notify.Success("GitHub connected as @" + cb.Username + "!"))
		} else {
			c.publish(notify.Success("GitHub connected!"))
		}
	}

	s, err := c.CheckSession(ctx)
	if cb.Redirected() && s.Status != StatusAuthenticated {
		c.Poll(ctx)
	}
	return cb, err
}

// ConsumeCallback reads the callback parameters of u and returns them with
// a copy of u that no longer carries any of them. u is not modified.
func ConsumeCallback(u *url.URL) Callback {
	if u == nil {
		return Callback{}
	}
	q := u.Query()
	cb := Callback{
		TokenReceived:   q.Get(ParamToken) != "",
		GitHubConnected: q.Get(ParamGitHubConnected) == "true",
		Username:        q.Get(ParamUsername),
	}
	if e := q.Get(ParamError); e != "" {
		msg := q.Get(ParamMessage)
		if msg == "" {
			msg = e
		}
		cb.Error = strings.ReplaceAll(msg, "_", " ")
	}
	for _, p := range callbackParams {
		q.Del(p)
	}
	stripped := *u
	stripped.RawQuery = q.Encode()
	cb.URL = &stripped
	return cb
}
