package session

import (
	"context"
	"sync"

	"kendra/internal/clock"
)

// Poller re-checks the session on a fixed interval for a bounded number of
// ticks. It finishes early once the session is authenticated, and can be
// stopped by its owner at any time.
type Poller struct {
	c        *Controller
	ctx      context.Context
	maxTicks int

	mu     sync.Mutex
	ticks  int
	timer  *clock.Timer
	closed bool
	done   chan struct{}
	result Status
}

// Poll starts polling, replacing any poll already running.
func (c *Controller) Poll(ctx context.Context) *Poller {
	limit := int(c.window / c.interval)
	if limit < 1 {
		limit = 1
	}
	p := &Poller{c: c, ctx: ctx, maxTicks: limit, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.poller
	c.poller = p
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	p.mu.Lock()
	p.timer = c.clock.AfterFunc(c.interval, p.tick)
	p.mu.Unlock()
	c.logger.Debug("session poll started", "interval", c.interval, "max_ticks", limit)
	return p
}

// Polling returns the current poll, or nil when none was started.
func (c *Controller) Polling() *Poller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller
}

// StopPolling cancels the current poll, if any.
func (c *Controller) StopPolling() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (p *Poller) tick() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.ticks++
	n := p.ticks
	p.mu.Unlock()

	if p.ctx.Err() != nil {
		p.finish(p.c.Status())
		return
	}
	s, err := p.c.CheckSession(p.ctx)
	if err != nil {
		p.c.logger.Debug("session poll tick failed", "tick", n, "err", err)
	}
	if s.Status == StatusAuthenticated || n >= p.maxTicks {
		p.finish(s.Status)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.timer = p.c.clock.AfterFunc(p.c.interval, p.tick)
	}
}

// Stop cancels the pending tick. It is safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.finish(p.c.Status())
}

func (p *Poller) finish(s Status) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.result = s
	close(p.done)
	p.mu.Unlock()

	p.c.mu.Lock()
	if p.c.poller == p {
		p.c.poller = nil
	}
	p.c.mu.Unlock()
	p.c.logger.Debug("session poll finished", "status", s)
}

// Done is closed when polling ends.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Result is the session status when polling ended.
func (p *Poller) Result() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Ticks reports how many checks have run.
func (p *Poller) Ticks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}
