// Package notify holds short-lived user-facing messages describing the
// outcome of operations.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kendra/internal/clock"
	"kendra/internal/logging"
)

// DefaultTTL is how long a toast stays live.
const DefaultTTL = 5 * time.Second

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Message is a toast that has not been emitted yet.
type Message struct {
	Kind Kind
	Text string
}

func Success(text string) Message { return Message{Kind: KindSuccess, Text: text} }
func Error(text string) Message   { return Message{Kind: KindError, Text: text} }
func Info(text string) Message    { return Message{Kind: KindInfo, Text: text} }

// Toast is an emitted message.
type Toast struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Queue keeps toasts in insertion order and retires each one after its TTL,
// independent of whether anyone has read it.
type Queue struct {
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	toasts []Toast
	subs   map[int]func(Toast)
	nextID int
}

// NewQueue builds a queue. A zero ttl means DefaultTTL.
func NewQueue(c clock.Clock, ttl time.Duration, logger *slog.Logger) *Queue {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{
		clock:  c,
		ttl:    ttl,
		logger: logging.Or(logger),
		subs:   map[int]func(Toast){},
	}
}

// Emit appends a toast and schedules its retirement.
func (q *Queue) Emit(kind Kind, message string) Toast {
	now := q.clock.Now()
	t := Toast{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(q.ttl),
	}
	q.mu.Lock()
	q.toasts = append(q.toasts, t)
	subs := make([]func(Toast), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	q.clock.AfterFunc(q.ttl, func() { q.retire(t.ID) })
	q.logger.Debug("toast emitted", "id", t.ID, "kind", kind, "message", message)
	for _, fn := range subs {
		fn(t)
	}
	return t
}

// Publish emits every message in order.
func (q *Queue) Publish(msgs ...Message) {
	for _, m := range msgs {
		q.Emit(m.Kind, m.Text)
	}
}

// Drain returns the live toasts in insertion order. Reading does not
// remove them; toasts leave the queue only by expiring.
func (q *Queue) Drain() []Toast {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Toast, 0, len(q.toasts))
	for _, t := range q.toasts {
		if now.Before(t.ExpiresAt) {
			out = append(out, t)
		}
	}
	return out
}

// Subscribe registers fn to be called for every subsequent toast. The
// returned func unregisters it.
func (q *Queue) Subscribe(fn func(Toast)) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

func (q *Queue) retire(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.toasts {
		if t.ID == id {
			q.toasts = append(q.toasts[:i], q.toasts[i+1:]...)
			return
		}
	}
}
