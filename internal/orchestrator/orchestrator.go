// Package orchestrator runs user-triggered backend operations with at most
// one execution in flight per (entity, kind) key.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"kendra/internal/logging"
	"kendra/internal/notify"
	kendrasdk "kendra/sdk/go"
)

// ErrOperationInProgress is returned when the key already has a running
// operation. Callers ignore it; it is never shown to the user.
var ErrOperationInProgress = errors.New("operation in progress")

type Kind string

const (
	KindSync    Kind = "sync"
	KindAnalyze Kind = "analyze"
	KindFix     Kind = "fix"
	KindPRSync  Kind = "pr-sync"
)

// Entity ids for operations that span every entity of a type.
const (
	AllRepos = "all-repos"
	AllPRs   = "all-prs"
)

type Key struct {
	EntityID string
	Kind     Kind
}

func (k Key) String() string { return string(k.Kind) + ":" + k.EntityID }

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Notifier receives the outcome messages of settled operations.
type Notifier interface {
	Publish(msgs ...notify.Message)
}

// Journal records settled operations. It is optional.
type Journal interface {
	Append(ctx context.Context, kind, entityID, state, message string) error
}

// Operation is one guarded unit of work. Work returns the messages to show
// on success. On failure exactly one error message is shown: ErrorMessage(err)
// when set, otherwise the best message carried by err, otherwise Fallback.
type Operation struct {
	Key          Key
	Fallback     string
	Work         func(ctx context.Context) ([]notify.Message, error)
	ErrorMessage func(err error) string
}

type Orchestrator struct {
	notifier Notifier
	journal  Journal
	logger   *slog.Logger

	mu      sync.Mutex
	records map[Key]State
}

func New(notifier Notifier, journal Journal, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		notifier: notifier,
		journal:  journal,
		logger:   logging.Or(logger),
		records:  map[Key]State{},
	}
}

// Run executes op unless its key is already running, in which case it
// returns ErrOperationInProgress without calling op.Work. The guard is
// released on every exit path.
func (o *Orchestrator) Run(ctx context.Context, op Operation) error {
	if !o.acquire(op.Key) {
		o.logger.Debug("operation already running", "key", op.Key.String())
		return ErrOperationInProgress
	}
	defer o.release(op.Key)

	o.logger.Info("operation started", "key", op.Key.String())
	msgs, err := op.Work(ctx)
	if err != nil {
		o.set(op.Key, StateFailed)
		text := o.errorText(op, err)
		o.logger.Warn("operation failed", "key", op.Key.String(), "err", err)
		o.publish(notify.Error(text))
		o.record(ctx, op.Key, StateFailed, text)
		return err
	}
	o.set(op.Key, StateSucceeded)
	o.logger.Info("operation succeeded", "key", op.Key.String())
	o.publish(msgs...)
	o.record(ctx, op.Key, StateSucceeded, joinTexts(msgs))
	return nil
}

// Exclusive holds key while fn runs, without notifications or a journal
// entry. It returns ErrOperationInProgress when key is already held, by
// Run or by another Exclusive call.
func (o *Orchestrator) Exclusive(key Key, fn func() error) error {
	if !o.acquire(key) {
		o.logger.Debug("operation already running", "key", key.String())
		return ErrOperationInProgress
	}
	defer o.release(key)
	return fn()
}

// State returns the current state for key; settled keys read as idle.
func (o *Orchestrator) State(key Key) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.records[key]; ok {
		return s
	}
	return StateIdle
}

// Running lists keys with an operation in flight, sorted.
func (o *Orchestrator) Running() []Key {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Key, 0, len(o.records))
	for k, s := range o.records {
		if s == StateRunning {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (o *Orchestrator) acquire(key Key) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.records[key]; busy {
		return false
	}
	o.records[key] = StateRunning
	return true
}

func (o *Orchestrator) set(key Key, s State) {
	o.mu.Lock()
	o.records[key] = s
	o.mu.Unlock()
}

func (o *Orchestrator) release(key Key) {
	o.mu.Lock()
	delete(o.records, key)
	o.mu.Unlock()
}

func (o *Orchestrator) errorText(op Operation, err error) string {
	if op.ErrorMessage != nil {
		if text := op.ErrorMessage(err); text != "" {
			return text
		}
	}
	return kendrasdk.Message(err, op.Fallback)
}

func (o *Orchestrator) publish(msgs ...notify.Message) {
	if o.notifier == nil || len(msgs) == 0 {
		return
	}
	o.notifier.Publish(msgs...)
}

func (o *Orchestrator) record(ctx context.Context, key Key, s State, message string) {
	if o.journal == nil {
		return
	}
	// the journal outlives a cancelled request context
	if err := o.journal.Append(context.WithoutCancel(ctx), string(key.Kind), key.EntityID, string(s), message); err != nil {
		o.logger.Warn("journal append failed", "key", key.String(), "err", err)
	}
}

func joinTexts(msgs []notify.Message) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m.Text
	}
	return out
}
