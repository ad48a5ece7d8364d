package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/drift"
	"github.com/MrWong99/realtalk/internal/match"
	"github.com/MrWong99/realtalk/internal/store"
	"github.com/MrWong99/realtalk/internal/timers"
	"github.com/MrWong99/realtalk/pkg/peer"
)

// DefaultWelcomeDelay is the pause between the call becoming active and the
// conversation-started notification.
const DefaultWelcomeDelay = 3 * time.Second

const timerWelcome = "welcome"

// ErrEnded is returned by operations on a finished call.
var ErrEnded = errors.New("conversation: call ended")

// CallConfig wires a [Call].
type CallConfig struct {
	// Match is the resolved pairing handed over by the coordinator.
	Match match.Match

	// SelfID identifies the local user.
	SelfID string

	// Peer runs the audio link. The call owns it and terminates it.
	Peer *peer.Session

	// Store is optional. Loading context and recording the outcome are best
	// effort; failures are logged.
	Store store.SessionStore

	Engine drift.EngineConfig

	// InitialDrift seeds the meter and the engine baseline.
	InitialDrift float64

	// Simulator produces samples when set. Leave nil when a scoring model
	// feeds [Call.Observe].
	Simulator *drift.SimulatorConfig

	// Achievements emits random notifications when set.
	Achievements *drift.AchievementConfig

	// WelcomeDelay defaults to [DefaultWelcomeDelay].
	WelcomeDelay time.Duration

	Clock clock.Clock
	Rand  *rand.Rand
}

// EventKind tags a call [Event].
type EventKind int

const (
	// EventSession: the session state changed.
	EventSession EventKind = iota
	// EventLink: the audio link state or level changed.
	EventLink
	// EventDrift: a new drift reading.
	EventDrift
	// EventFeedback: a notification was shown, superseded or expired.
	EventFeedback
)

// Event is one entry on the [Call.Events] stream.
type Event struct {
	Kind     EventKind
	Session  Snapshot
	Link     peer.State
	Drift    drift.Reading
	Feedback drift.Notice
	Err      error
}

// Call runs one conversation from handoff to outcome.
type Call struct {
	cfg     CallConfig
	session *Session
	peer    *peer.Session
	engine  *drift.Engine
	meter   *drift.Meter
	sim     *drift.Simulator
	achieve *drift.Achievements
	welcome time.Duration

	mu       sync.Mutex
	timers   *timers.Registry
	clk      clock.Clock
	started  bool
	ended    bool
	reason   store.EndReason
	sum      float64
	count    int
	events   chan Event
	closed   bool
	done     chan struct{}
	outcome  store.Outcome
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	endOnce  sync.Once
	recorded chan struct{}
}

// NewCall prepares a call. The session starts in StateConnecting because the
// coordinator already went through Found.
func NewCall(cfg CallConfig) *Call {
	c := &Call{
		cfg:  cfg,
		peer: cfg.Peer,
		session: NewSession(cfg.Match.SessionID, Participants{
			SelfID:        cfg.SelfID,
			PartnerID:     cfg.Match.Partner.UserID,
			PartnerName:   cfg.Match.Partner.Username,
			PartnerAvatar: cfg.Match.Partner.Avatar,
		}, cfg.Clock),
		welcome:  cfg.WelcomeDelay,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		recorded: make(chan struct{}),
	}
	if c.welcome <= 0 {
		c.welcome = DefaultWelcomeDelay
	}
	c.timers = timers.New(cfg.Clock, &c.mu)
	c.clk = c.timers.Clock()

	ecfg := cfg.Engine
	if ecfg.Clock == nil {
		ecfg.Clock = c.clk
	}
	if ecfg.Rand == nil {
		ecfg.Rand = cfg.Rand
	}
	c.engine = drift.NewEngine(ecfg)
	c.meter = drift.NewMeter(cfg.InitialDrift, c.clk)
	if cfg.Simulator != nil {
		scfg := *cfg.Simulator
		scfg.Initial = cfg.InitialDrift
		c.sim = drift.NewSimulator(scfg, c.clk, cfg.Rand)
	}
	if cfg.Achievements != nil {
		c.achieve = drift.NewAchievements(*cfg.Achievements, c.engine, c.clk, cfg.Rand)
	}
	_ = c.session.AdvanceTo(StateConnecting)
	return c
}

// Session returns a snapshot of the conversation.
func (c *Call) Session() Snapshot { return c.session.Snapshot() }

// Link returns the audio link state.
func (c *Call) Link() peer.State { return c.peer.State() }

// Drift returns the meter reading.
func (c *Call) Drift() drift.Reading { return c.meter.Reading() }

// Feedback returns the engine, for its active event and history.
func (c *Call) Feedback() *drift.Engine { return c.engine }

// Events streams session, link, drift and feedback changes. Closed once the
// call has ended and every producer stopped.
func (c *Call) Events() <-chan Event { return c.events }

// Done is closed when the call ends.
func (c *Call) Done() <-chan struct{} { return c.done }

// Start loads the partner context, then initiates the audio link as the
// initiator or responder chosen by the match. It returns once negotiation
// is under way; the call becomes active when the link connects.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.ended {
		c.mu.Unlock()
		return fmt.Errorf("%w: start called twice", peer.ErrInvalidState)
	}
	c.started = true
	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	// Counted before unlocking so a concurrent end waits for the watchers.
	c.wg.Add(2)
	c.mu.Unlock()

	c.loadContext(ctx)

	go c.watchPeer(rctx)
	go c.watchFeedback()

	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return fmt.Errorf("conversation: start: %w", peer.ErrTerminated)
	}

	role := peer.Responder
	if c.cfg.Match.Initiator {
		role = peer.Initiator
	}
	info := peer.Info{SessionID: c.session.ID(), SelfID: c.cfg.SelfID, PartnerID: c.session.Snapshot().Participants.PartnerID}
	if err := c.peer.Initiate(ctx, info, role); err != nil {
		c.end(store.EndFailed, err)
		return fmt.Errorf("conversation: start: %w", err)
	}
	return nil
}

func (c *Call) loadContext(ctx context.Context) {
	if c.cfg.Store == nil || c.cfg.Match.Simulated {
		return
	}
	sc, err := c.cfg.Store.LoadSessionContext(ctx, c.session.ID(), c.cfg.SelfID)
	if err != nil {
		slog.Warn("conversation: session context unavailable", "session_id", c.session.ID(), "err", err)
		return
	}
	c.session.SetPartner(sc.PartnerID, sc.PartnerName, sc.PartnerAvatar)
}

// Observe feeds one score from a scoring collaborator. Out-of-range values
// are returned as [*drift.ContractViolation].
func (c *Call) Observe(s drift.Sample) error {
	c.mu.Lock()
	active := !c.ended && c.session.State() == StateActive
	c.mu.Unlock()
	if !active {
		return nil
	}
	if _, err := c.engine.Observe(s); err != nil {
		return err
	}

	c.mu.Lock()
	c.sum += s.Value
	c.count++
	c.mu.Unlock()

	c.emit(Event{Kind: EventDrift, Drift: c.meter.Update(s.Value)})
	return nil
}

// ToggleMute flips the local microphone.
func (c *Call) ToggleMute() (bool, error) { return c.peer.ToggleLocalMute() }

// Hangup ends the call locally and waits for the outcome to be recorded.
func (c *Call) Hangup(ctx context.Context) (store.Outcome, error) {
	c.end(store.EndHangup, nil)
	return c.Wait(ctx)
}

// Wait blocks until the call ended and its outcome was recorded.
func (c *Call) Wait(ctx context.Context) (store.Outcome, error) {
	select {
	case <-c.recorded:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outcome, nil
	case <-ctx.Done():
		return store.Outcome{}, ctx.Err()
	}
}

func (c *Call) watchPeer(ctx context.Context) {
	defer c.wg.Done()
	for ev := range c.peer.Events() {
		c.emit(Event{Kind: EventLink, Link: ev.State, Err: ev.Err})
		if ev.Kind != peer.EventState {
			continue
		}
		switch ev.State.Phase {
		case peer.PhaseConnected:
			c.activate(ctx)
		case peer.PhaseDisconnected:
			go c.end(store.EndPartnerLeft, ev.Err)
		case peer.PhaseFailed:
			go c.end(store.EndFailed, ev.Err)
		}
	}
}

func (c *Call) watchFeedback() {
	defer c.wg.Done()
	for n := range c.engine.Notices() {
		c.emit(Event{Kind: EventFeedback, Feedback: n})
	}
}

func (c *Call) activate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.session.State() != StateConnecting {
		return
	}
	if err := c.session.Advance(StateActive); err != nil {
		slog.Error("conversation: activate", "err", err)
		return
	}
	c.emitLocked(Event{Kind: EventSession, Session: c.session.Snapshot()})
	slog.Info("conversation: call active", "session_id", c.session.ID())

	if _, err := c.engine.Observe(drift.Sample{Value: c.cfg.InitialDrift, At: c.clk.Now()}); err != nil {
		slog.Error("conversation: initial drift rejected", "err", err)
	}
	c.timers.After(timerWelcome, c.welcome, func() { c.engine.Welcome() })
	if c.achieve != nil {
		c.achieve.Start()
	}
	if c.sim != nil {
		c.wg.Add(1)
		go c.pumpSimulator(ctx)
		c.sim.Start()
	}
}

func (c *Call) pumpSimulator(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case s, ok := <-c.sim.Samples():
			if !ok {
				return
			}
			if err := c.Observe(s); err != nil {
				slog.Error("conversation: simulated sample rejected", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// end finishes the call once: stops the producers and timers, terminates the
// link, freezes the session and records the outcome.
func (c *Call) end(reason store.EndReason, cause error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		c.reason = reason
		c.timers.StopAll()
		cancel := c.cancel
		c.mu.Unlock()

		if c.achieve != nil {
			c.achieve.Stop()
		}
		if c.sim != nil {
			c.sim.Stop()
		}
		c.meter.Close()

		if err := c.peer.Terminate(); err != nil {
			slog.Warn("conversation: link teardown", "session_id", c.session.ID(), "err", err)
		}
		final := StateEnded
		if reason == store.EndFailed {
			final = StateFailed
		}
		if err := c.session.AdvanceTo(final); err != nil {
			slog.Error("conversation: end", "err", err)
		}
		c.emit(Event{Kind: EventSession, Session: c.session.Snapshot(), Err: cause})
		close(c.done)

		history := c.engine.History()
		c.engine.Close()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()

		o := c.buildOutcome(len(history))
		c.mu.Lock()
		c.outcome = o
		c.closed = true
		close(c.events)
		c.mu.Unlock()

		c.record(o)
		close(c.recorded)
		slog.Info("conversation: call ended", "session_id", o.SessionID, "reason", reason, "duration", o.Duration, "feedback", o.FeedbackCount)
	})
}

func (c *Call) buildOutcome(feedback int) store.Outcome {
	snap := c.session.Snapshot()
	last, _ := c.engine.Last()

	c.mu.Lock()
	defer c.mu.Unlock()
	avg := c.cfg.InitialDrift
	if c.count > 0 {
		avg = c.sum / float64(c.count)
	}
	if c.count == 0 {
		last = c.cfg.InitialDrift
	}
	return store.Outcome{
		SessionID:     snap.ID,
		SelfID:        snap.Participants.SelfID,
		PartnerID:     snap.Participants.PartnerID,
		StartedAt:     snap.StartedAt,
		EndedAt:       snap.EndedAt,
		Duration:      snap.Elapsed,
		FinalDrift:    last,
		AverageDrift:  avg,
		FeedbackCount: feedback,
		EndReason:     c.reason,
	}
}

func (c *Call) record(o store.Outcome) {
	if c.cfg.Store == nil || c.cfg.Match.Simulated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.Store.RecordSessionOutcome(ctx, o); err != nil {
		slog.Warn("conversation: outcome not recorded", "session_id", o.SessionID, "err", err)
	}
}

func (c *Call) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

func (c *Call) emitLocked(ev Event) {
	if c.closed {
		return
	}
	if ev.Kind != EventSession {
		ev.Session = c.session.Snapshot()
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("conversation: observer behind, event dropped", "kind", ev.Kind)
	}
}
