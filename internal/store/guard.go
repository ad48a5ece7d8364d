package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	// Default: 3.
	MaxFailures int

	// CoolDown is how long the breaker stays open. Default: 30s.
	CoolDown time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Breaker stops calling a failing dependency for a while. It is the only
// place in the system that decides to skip work automatically, and it never
// repeats a call: a rejected call fails fast with [ErrUnavailable].
type Breaker struct {
	maxFailures int
	coolDown    time.Duration
	clk         clock.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{maxFailures: cfg.MaxFailures, coolDown: cfg.CoolDown, clk: cfg.Clock}
	if b.maxFailures <= 0 {
		b.maxFailures = 3
	}
	if b.coolDown <= 0 {
		b.coolDown = 30 * time.Second
	}
	if b.clk == nil {
		b.clk = clock.New()
	}
	return b
}

// State returns the current mode. An open breaker whose cool-down elapsed
// reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clk.Since(b.openedAt) >= b.coolDown {
		return BreakerHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. Errors matching ignore (such as
// [ErrNotFound]) count as successes.
func (b *Breaker) Do(fn func() error, ignore ...error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()

	failed := err != nil
	for _, target := range ignore {
		if errors.Is(err, target) {
			failed = false
		}
	}
	b.record(probe, failed)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clk.Since(b.openedAt) < b.coolDown {
			return false, ErrUnavailable
		}
		b.state = BreakerHalfOpen
		slog.Info("store: breaker half-open")
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return false, ErrUnavailable
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(probe, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if failed {
			b.state, b.openedAt = BreakerOpen, b.clk.Now()
			slog.Warn("store: breaker re-opened after failed probe")
			return
		}
		b.state, b.failures = BreakerClosed, 0
		slog.Info("store: breaker closed")
		return
	}
	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.maxFailures {
		b.state, b.openedAt = BreakerOpen, b.clk.Now()
		slog.Warn("store: breaker opened", "consecutive_failures", b.failures)
	}
}

// DefaultCallTimeout bounds every guarded call.
const DefaultCallTimeout = 2 * time.Second

// Guard wraps a [Store] with a [Breaker] and a per-call timeout so a slow or
// failing database degrades persistence without stalling calls.
type Guard struct {
	next    Store
	breaker *Breaker
	timeout time.Duration
}

var _ Store = (*Guard)(nil)

// NewGuard wraps next. A zero timeout uses [DefaultCallTimeout].
func NewGuard(next Store, b *Breaker, timeout time.Duration) *Guard {
	if b == nil {
		b = NewBreaker(BreakerConfig{})
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Guard{next: next, breaker: b, timeout: timeout}
}

// Breaker returns the guard's breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

func (g *Guard) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := g.breaker.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	}, ErrNotFound)
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// RecordMatch implements [MatchStore].
func (g *Guard) RecordMatch(ctx context.Context, r MatchRecord) error {
	return g.do(ctx, "store: record match", func(ctx context.Context) error {
		return g.next.RecordMatch(ctx, r)
	})
}

// LoadSessionContext implements [SessionStore].
func (g *Guard) LoadSessionContext(ctx context.Context, sessionID, selfID string) (SessionContext, error) {
	var sc SessionContext
	err := g.do(ctx, "store: load session context", func(ctx context.Context) error {
		var err error
		sc, err = g.next.LoadSessionContext(ctx, sessionID, selfID)
		return err
	})
	return sc, err
}

// RecordSessionOutcome implements [SessionStore].
func (g *Guard) RecordSessionOutcome(ctx context.Context, o Outcome) error {
	return g.do(ctx, "store: record outcome", func(ctx context.Context) error {
		return g.next.RecordSessionOutcome(ctx, o)
	})
}

// Ping bypasses the breaker so health checks see the real state.
func (g *Guard) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.Ping(cctx)
}

// Close implements [Store].
func (g *Guard) Close() error { return g.next.Close() }
