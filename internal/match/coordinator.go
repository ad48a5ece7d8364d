package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/timers"
)

// Reference timings.
const (
	DefaultSearchTimeout   = 30 * time.Second
	DefaultFoundDwell      = 3 * time.Second
	DefaultConnectingDwell = 2 * time.Second
)

const (
	timerTimeout    = "search-timeout"
	timerFound      = "found-dwell"
	timerConnecting = "connecting-dwell"
)

// Config configures a [Coordinator].
type Config struct {
	// Backend is asked first on every search.
	Backend Backend

	// Fallback is used when Backend reports [ErrTransport]. Leave nil to
	// fail instead; production deployments should not simulate partners.
	Fallback Backend

	// Self is the searching user, passed on every request.
	Self Identity

	SearchTimeout   time.Duration
	FoundDwell      time.Duration
	ConnectingDwell time.Duration

	// Clock drives all timers. Defaults to the wall clock.
	Clock clock.Clock
}

// Coordinator runs the matchmaking state machine for one user:
//
//	Idle → Searching → Found → Connecting → Matched
//	          ↓
//	        Failed → (Retry) → Searching
//
// Failed is left only through an explicit [Coordinator.Retry]. All methods
// are safe for concurrent use.
type Coordinator struct {
	backend  Backend
	fallback Backend
	self     Identity
	timeout  time.Duration
	found    time.Duration
	connect  time.Duration

	mu      sync.Mutex
	timers  *timers.Registry
	clk     clock.Clock
	state   State
	persona Persona
	match   *Match
	err     error
	started time.Time
	elapsed time.Duration
	gen     uint64
	cancel  context.CancelFunc
	notify  chan struct{}
	events  chan Event
	wg      sync.WaitGroup
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		backend:  cfg.Backend,
		fallback: cfg.Fallback,
		self:     cfg.Self,
		timeout:  orDefault(cfg.SearchTimeout, DefaultSearchTimeout),
		found:    orDefault(cfg.FoundDwell, DefaultFoundDwell),
		connect:  orDefault(cfg.ConnectingDwell, DefaultConnectingDwell),
		notify:   make(chan struct{}),
		events:   make(chan Event, 16),
	}
	c.timers = timers.New(cfg.Clock, &c.mu)
	c.clk = c.timers.Clock()
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Events returns the transition stream. Closed by Close.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Match returns the resolved match once Found, or nil.
func (c *Coordinator) Match() *Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.match
}

// Err returns the reason for StateFailed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SearchElapsed returns the time spent searching. It grows while Searching
// and is frozen once the search resolves.
func (c *Coordinator) SearchElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSearching {
		return c.clk.Since(c.started)
	}
	return c.elapsed
}

// StartSearch begins searching as persona. Calling it while a search is in
// flight (Searching, Found or Connecting) is a no-op. A failed search must
// be restarted with [Coordinator.Retry].
func (c *Coordinator) StartSearch(ctx context.Context, persona Persona) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSearching, StateFound, StateConnecting:
		return nil
	case StateIdle:
	case StateClosed:
		return ErrClosed
	default:
		slog.Error("match: start search in wrong state", "state", c.state)
		return fmt.Errorf("%w: start search while %s", ErrInvalidState, c.state)
	}
	if persona == "" {
		persona = DefaultPersona
	}
	c.persona = persona
	c.beginLocked(ctx)
	return nil
}

// Retry leaves StateFailed, resets the elapsed search time and searches
// again, re-checking backend availability.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state != StateFailed {
		return fmt.Errorf("%w: retry while %s", ErrInvalidState, c.state)
	}
	c.beginLocked(ctx)
	return nil
}

// Wait blocks until the coordinator reaches Matched, Failed or Closed, or ctx
// is done.
func (c *Coordinator) Wait(ctx context.Context) (*Match, error) {
	for {
		c.mu.Lock()
		state, m, err, notify := c.state, c.match, c.err, c.notify
		c.mu.Unlock()

		switch state {
		case StateMatched:
			return m, nil
		case StateFailed:
			return nil, err
		case StateClosed:
			return nil, ErrClosed
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close cancels every timer and the in-flight search and releases the
// backends. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.timers.StopAll()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	c.setStateLocked(StateClosed, nil)
	c.mu.Unlock()

	c.wg.Wait()
	var errs []error
	if c.backend != nil {
		errs = append(errs, c.backend.Close())
	}
	if c.fallback != nil {
		errs = append(errs, c.fallback.Close())
	}
	close(c.events)
	return errors.Join(errs...)
}

func (c *Coordinator) beginLocked(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.match = nil
	c.err = nil
	c.started = c.clk.Now()
	c.elapsed = 0
	c.setStateLocked(StateSearching, nil)

	c.timers.After(timerTimeout, c.timeout, func() {
		if c.gen != gen || c.state != StateSearching {
			return
		}
		c.failLocked(fmt.Errorf("%w after %s", ErrTimeout, c.timeout))
	})

	req := Request{Self: c.self, Persona: c.persona}
	c.wg.Add(1)
	go c.run(sctx, gen, req)
}

// run asks the backends and applies the outcome unless the search was
// superseded in the meantime.
func (c *Coordinator) run(ctx context.Context, gen uint64, req Request) {
	defer c.wg.Done()

	out, err := c.search(ctx, req)
	if err != nil {
		c.resolve(gen, Outcome{Err: err})
		return
	}
	select {
	case o := <-out:
		c.resolve(gen, o)
	case <-ctx.Done():
	}
}

func (c *Coordinator) search(ctx context.Context, req Request) (<-chan Outcome, error) {
	if c.backend == nil {
		if c.fallback == nil {
			return nil, fmt.Errorf("%w: no backend configured", ErrTransport)
		}
		return c.fallback.Search(ctx, req)
	}
	out, err := c.backend.Search(ctx, req)
	if err == nil || !errors.Is(err, ErrTransport) || c.fallback == nil {
		return out, err
	}
	slog.Warn("match: backend unreachable, using local simulation", "err", err)
	return c.fallback.Search(ctx, req)
}

func (c *Coordinator) resolve(gen uint64, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.state != StateSearching {
		return
	}
	if o.Err != nil || o.Match == nil {
		err := o.Err
		if err == nil {
			err = ErrNoMatch
		}
		c.failLocked(err)
		return
	}

	c.freezeLocked()
	c.match = o.Match
	c.setStateLocked(StateFound, nil)
	slog.Info("match: partner found", "session_id", o.Match.SessionID, "partner", o.Match.Partner.Username, "simulated", o.Match.Simulated)

	c.timers.After(timerFound, c.found, func() {
		if c.gen != gen || c.state != StateFound {
			return
		}
		c.setStateLocked(StateConnecting, nil)
		c.timers.After(timerConnecting, c.connect, func() {
			if c.gen != gen || c.state != StateConnecting {
				return
			}
			c.setStateLocked(StateMatched, nil)
		})
	})
}

func (c *Coordinator) failLocked(err error) {
	c.freezeLocked()
	c.err = err
	c.setStateLocked(StateFailed, err)
	slog.Info("match: search failed", "err", err, "elapsed", c.elapsed)
}

// freezeLocked ends the search phase: elapsed stops, the timeout and the
// backend request are canceled.
func (c *Coordinator) freezeLocked() {
	c.elapsed = c.clk.Since(c.started)
	c.timers.Cancel(timerTimeout)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Coordinator) setStateLocked(s State, err error) {
	c.state = s
	close(c.notify)
	c.notify = make(chan struct{})

	ev := Event{State: s, Match: c.match, Err: err}
	select {
	case c.events <- ev:
	default:
		slog.Warn("match: observer behind, event dropped", "state", s)
	}
}
