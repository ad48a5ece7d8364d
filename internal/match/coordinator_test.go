package match_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/match"
	"github.com/MrWong99/realtalk/pkg/signaling"
	sigmock "github.com/MrWong99/realtalk/pkg/signaling/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, c *match.Coordinator, want match.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.State() == want })
}

// advance moves the mock clock in small steps so chained timers get a
// chance to run between steps.
func advance(clk *clock.Mock, d time.Duration) {
	const step = 100 * time.Millisecond
	for d > 0 {
		s := min(step, d)
		clk.Add(s)
		d -= s
		time.Sleep(time.Millisecond)
	}
}

// scripted is a Backend whose outcome the test delivers by hand.
type scripted struct {
	mu       sync.Mutex
	err      error
	requests []match.Request
	outs     []chan match.Outcome
	closed   int
}

func (s *scripted) Search(_ context.Context, req match.Request) (<-chan match.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan match.Outcome, 1)
	s.outs = append(s.outs, out)
	return out, nil
}

func (s *scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *scripted) searches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scripted) resolve(o match.Outcome) {
	s.mu.Lock()
	out := s.outs[len(s.outs)-1]
	s.mu.Unlock()
	out <- o
}

func newCoordinator(t *testing.T, b, fallback match.Backend, clk clock.Clock) *match.Coordinator {
	t.Helper()
	c := match.NewCoordinator(match.Config{
		Backend:  b,
		Fallback: fallback,
		Self:     match.Identity{UserID: "me", Username: "Me"},
		Clock:    clk,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCoordinator_FoundConnectingMatched(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	b := &scripted{}
	c := newCoordinator(t, b, nil, clk)

	if err := c.StartSearch(context.Background(), match.PersonaMyMask); err != nil {
		t.Fatalf("StartSearch: %v", err)
	}
	waitFor(t, "search request", func() bool { return b.searches() == 1 })
	if got := b.requests[0]; got.Persona != match.PersonaMyMask || got.Self.UserID != "me" {
		t.Errorf("request = %+v", got)
	}

	advance(clk, 4*time.Second)
	if got := c.SearchElapsed(); got != 4*time.Second {
		t.Errorf("SearchElapsed = %v, want 4s", got)
	}

	b.resolve(match.Outcome{Match: &match.Match{SessionID: "room", Partner: match.Identity{Username: "Alex"}}})
	waitState(t, c, match.StateFound)
	if m := c.Match(); m == nil || m.Partner.Username != "Alex" {
		t.Fatalf("Match = %+v", m)
	}

	advance(clk, 10*time.Second)
	if got := c.SearchElapsed(); got != 4*time.Second {
		t.Errorf("SearchElapsed after found = %v, want frozen 4s", got)
	}

	// The dwell timers advance Found → Connecting → Matched.
	waitState(t, c, match.StateMatched)
	m, err := c.Wait(context.Background())
	if err != nil || m.SessionID != "room" {
		t.Fatalf("Wait = %+v, %v", m, err)
	}

	// The search timeout was canceled by the match.
	advance(clk, 30*time.Second)
	if c.State() != match.StateMatched {
		t.Errorf("state = %v, want matched", c.State())
	}
}

func TestCoordinator_DwellTimes(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	b := &scripted{}
	c := newCoordinator(t, b, nil, clk)

	_ = c.StartSearch(context.Background(), "")
	waitFor(t, "search request", func() bool { return b.searches() == 1 })
	b.resolve(match.Outcome{Match: &match.Match{SessionID: "room"}})
	waitState(t, c, match.StateFound)

	advance(clk, 2900*time.Millisecond)
	if c.State() != match.StateFound {
		t.Fatalf("state = %v before found dwell elapsed", c.State())
	}
	advance(clk, 200*time.Millisecond)
	waitState(t, c, match.StateConnecting)
	advance(clk, 1800*time.Millisecond)
	if c.State() != match.StateConnecting {
		t.Fatalf("state = %v before connecting dwell elapsed", c.State())
	}
	advance(clk, 300*time.Millisecond)
	waitState(t, c, match.StateMatched)
}

func TestCoordinator_TimeoutPreemptsPendingResolution(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	b := &scripted{}
	c := newCoordinator(t, b, nil, clk)

	_ = c.StartSearch(context.Background(), "")
	waitFor(t, "search request", func() bool { return b.searches() == 1 })

	advance(clk, match.DefaultSearchTimeout)
	waitState(t, c, match.StateFailed)
	if !errors.Is(c.Err(), match.ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", c.Err())
	}

	// A late result is discarded.
	b.resolve(match.Outcome{Match: &match.Match{SessionID: "late"}})
	time.Sleep(20 * time.Millisecond)
	if c.State() != match.StateFailed || c.Match() != nil {
		t.Errorf("late result applied: state=%v match=%+v", c.State(), c.Match())
	}
}

func TestCoordinator_StartSearchWhileSearchingIsNoop(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	b := &scripted{}
	c := newCoordinator(t, b, nil, clk)

	_ = c.StartSearch(context.Background(), "")
	waitFor(t, "search request", func() bool { return b.searches() == 1 })
	advance(clk, 10*time.Second)
	if err := c.StartSearch(context.Background(), match.PersonaCrazySelf); err != nil {
		t.Fatalf("second StartSearch: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if b.searches() != 1 {
		t.Errorf("backend asked %d times, want 1", b.searches())
	}
	if c.SearchElapsed() != 10*time.Second {
		t.Errorf("elapsed reset by no-op StartSearch: %v", c.SearchElapsed())
	}
}

func TestCoordinator_RetryResetsElapsedAndNoStaleTimeout(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	b := &scripted{}
	c := newCoordinator(t, b, nil, clk)

	if err := c.Retry(context.Background()); !errors.Is(err, match.ErrInvalidState) {
		t.Fatalf("Retry while idle err = %v, want ErrInvalidState", err)
	}

	_ = c.StartSearch(context.Background(), "")
	waitFor(t, "search request", func() bool { return b.searches() == 1 })
	advance(clk, 5*time.Second)
	b.resolve(match.Outcome{Err: match.ErrNoMatch})
	waitState(t, c, match.StateFailed)

	if err := c.StartSearch(context.Background(), ""); !errors.Is(err, match.ErrInvalidState) {
		t.Errorf("StartSearch while failed err = %v, want ErrInvalidState", err)
	}
	// No automatic retry.
	advance(clk, time.Minute)
	if b.searches() != 1 || c.State() != match.StateFailed {
		t.Fatalf("coordinator retried on its own")
	}

	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if c.SearchElapsed() != 0 {
		t.Errorf("SearchElapsed after retry = %v, want 0", c.SearchElapsed())
	}
	waitFor(t, "second request", func() bool { return b.searches() == 2 })

	// 25s into the second search: the first search's timeout would have
	// fired long ago had it not been canceled.
	advance(clk, 25*time.Second)
	if c.State() != match.StateSearching {
		t.Fatalf("state = %v, want searching", c.State())
	}
	advance(clk, 5*time.Second)
	waitState(t, c, match.StateFailed)
	if !errors.Is(c.Err(), match.ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", c.Err())
	}
}

func TestCoordinator_TransportErrorFallsBackToSimulation(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	live := &scripted{err: errors.Join(match.ErrTransport, signaling.ErrConnect)}
	sim := match.NewSimulatedBackend(match.SimulationConfig{MatchProbability: 1, MinDelay: 3 * time.Second, MaxDelay: 3 * time.Second}, clk, rand.New(rand.NewPCG(1, 2)))
	c := newCoordinator(t, live, sim, clk)

	_ = c.StartSearch(context.Background(), "")
	waitFor(t, "live attempt", func() bool { return live.searches() == 1 })
	time.Sleep(5 * time.Millisecond)
	advance(clk, 3*time.Second)
	waitState(t, c, match.StateFound)
	if m := c.Match(); m == nil || !m.Simulated {
		t.Errorf("Match = %+v, want simulated partner", m)
	}
}

func TestCoordinator_TransportErrorWithoutFallbackFails(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	live := &scripted{err: match.ErrTransport}
	c := newCoordinator(t, live, nil, clk)

	_ = c.StartSearch(context.Background(), "")
	waitState(t, c, match.StateFailed)
	if !errors.Is(c.Err(), match.ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", c.Err())
	}

	// Retry re-checks the live backend.
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, "second live attempt", func() bool { return live.searches() == 2 })
}

func TestCoordinator_SimulatedNoMatchFailsWithinDelayWindow(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	sim := match.NewSimulatedBackend(match.SimulationConfig{MatchProbability: 0, MinDelay: 3 * time.Second, MaxDelay: 8 * time.Second}, clk, rand.New(rand.NewPCG(7, 7)))
	c := newCoordinator(t, nil, sim, clk)

	_ = c.StartSearch(context.Background(), "")
	time.Sleep(5 * time.Millisecond)
	advance(clk, 2900*time.Millisecond)
	if c.State() != match.StateSearching {
		t.Fatalf("failed before the minimum delay: %v", c.State())
	}
	advance(clk, 5200*time.Millisecond)
	waitState(t, c, match.StateFailed)
	if !errors.Is(c.Err(), match.ErrNoMatch) {
		t.Errorf("Err = %v, want ErrNoMatch", c.Err())
	}
	// The clock advances in 100ms steps, so allow one step of slack.
	if e := c.SearchElapsed(); e < 3*time.Second || e > 8*time.Second+100*time.Millisecond {
		t.Errorf("SearchElapsed = %v, want within the 3s-8s delay window", e)
	}

	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if c.SearchElapsed() != 0 || c.State() != match.StateSearching {
		t.Errorf("after retry: elapsed=%v state=%v", c.SearchElapsed(), c.State())
	}
}

func TestCoordinator_CloseCancelsTimers(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	b := &scripted{}
	c := match.NewCoordinator(match.Config{Backend: b, Clock: clk})

	_ = c.StartSearch(context.Background(), "")
	waitFor(t, "search request", func() bool { return b.searches() == 1 })
	b.resolve(match.Outcome{Match: &match.Match{SessionID: "room"}})
	waitState(t, c, match.StateFound)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	advance(clk, time.Minute)
	if c.State() != match.StateClosed {
		t.Errorf("state = %v after close, want closed", c.State())
	}
	if err := c.StartSearch(context.Background(), ""); !errors.Is(err, match.ErrClosed) {
		t.Errorf("StartSearch after close err = %v", err)
	}
	if _, err := c.Wait(context.Background()); !errors.Is(err, match.ErrClosed) {
		t.Errorf("Wait after close err = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if b.closed != 1 {
		t.Errorf("backend closed %d times, want 1", b.closed)
	}

	var last match.Event
	for ev := range c.Events() {
		last = ev
	}
	if last.State != match.StateClosed {
		t.Errorf("last event = %v, want closed", last.State)
	}
}

func TestLiveBackend_OverSignaling(t *testing.T) {
	t.Parallel()

	ch := sigmock.New()
	b := match.NewLiveBackend("ws://hub.test/ws", func() signaling.Channel { return ch })
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := b.Search(ctx, match.Request{Persona: match.PersonaCrazySelf, Self: match.Identity{UserID: "u1", Username: "Kim"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	sent := ch.SentOfType(signaling.TypeFindMatch)
	if len(sent) != 1 || sent[0].Personality != "crazy-self" || sent[0].UserID != "u1" {
		t.Fatalf("findMatch = %+v", sent)
	}

	ch.Inject(signaling.Message{Type: signaling.TypeMatchFound, SessionID: "room-7", UserID: "u2", Username: "Alex", Personality: "real-me", Initiator: true})
	select {
	case o := <-out:
		if o.Err != nil || o.Match.SessionID != "room-7" || o.Match.Partner.Persona != match.PersonaRealMe || !o.Match.Initiator {
			t.Errorf("outcome = %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
	}
}

func TestLiveBackend_ServerTimeoutAndCancel(t *testing.T) {
	t.Parallel()

	ch := sigmock.New()
	b := match.NewLiveBackend("ws://hub.test/ws", func() signaling.Channel { return ch })
	t.Cleanup(func() { _ = b.Close() })

	out, err := b.Search(context.Background(), match.Request{Persona: match.DefaultPersona})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	ch.Inject(signaling.Message{Type: signaling.TypeMatchTimeout})
	if o := <-out; !errors.Is(o.Err, match.ErrNoMatch) {
		t.Errorf("outcome err = %v, want ErrNoMatch", o.Err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := b.Search(ctx, match.Request{}); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	cancel()
	waitFor(t, "cancelSearch", func() bool { return len(ch.SentOfType(signaling.TypeCancelSearch)) == 1 })
	if ch.CallCountConnect != 1 {
		t.Errorf("Connect called %d times, want 1 (channel reused)", ch.CallCountConnect)
	}
}

func TestLiveBackend_Unreachable(t *testing.T) {
	t.Parallel()

	ch := sigmock.New()
	ch.ConnectError = signaling.ErrConnect
	b := match.NewLiveBackend("ws://nowhere/ws", func() signaling.Channel { return ch })
	_, err := b.Search(context.Background(), match.Request{})
	if !errors.Is(err, match.ErrTransport) || !errors.Is(err, signaling.ErrConnect) {
		t.Fatalf("Search err = %v, want ErrTransport wrapping ErrConnect", err)
	}
}

func TestLiveBackend_LostConnection(t *testing.T) {
	t.Parallel()

	var made []*sigmock.Channel
	var mu sync.Mutex
	b := match.NewLiveBackend("ws://hub.test/ws", func() signaling.Channel {
		mu.Lock()
		defer mu.Unlock()
		c := sigmock.New()
		made = append(made, c)
		return c
	})
	t.Cleanup(func() { _ = b.Close() })

	out, err := b.Search(context.Background(), match.Request{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	mu.Lock()
	first := made[0]
	mu.Unlock()
	first.Drop(errors.New("reset"))
	if o := <-out; !errors.Is(o.Err, match.ErrTransport) {
		t.Fatalf("outcome err = %v, want ErrTransport", o.Err)
	}

	// The lost channel was dropped before the outcome was delivered, so
	// the next search dials afresh.
	if _, err := b.Search(context.Background(), match.Request{}); err != nil {
		t.Fatalf("Search after loss: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(made) != 2 {
		t.Errorf("expected a fresh channel after loss, made %d", len(made))
	}
}
