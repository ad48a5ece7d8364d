package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/config"
	"github.com/MrWong99/realtalk/internal/conversation"
	"github.com/MrWong99/realtalk/internal/drift"
	"github.com/MrWong99/realtalk/internal/match"
	"github.com/MrWong99/realtalk/internal/observe"
	"github.com/MrWong99/realtalk/internal/store"
	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
	"github.com/MrWong99/realtalk/pkg/peer"
	"github.com/MrWong99/realtalk/pkg/peer/pion"
	"github.com/MrWong99/realtalk/pkg/signaling"
)

// Client errors.
var (
	// ErrBusy is returned when a search or call is already in progress.
	ErrBusy = errors.New("app: a conversation is already in progress")

	// ErrNoCall is returned by Hangup without an active call.
	ErrNoCall = errors.New("app: no active call")

	// ErrNoLoopback means a simulated partner was matched but the client
	// has no way to talk to one.
	ErrNoLoopback = errors.New("app: simulated partner without a loopback")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("app: client closed")
)

// ClientConfig holds the dependencies of a [Client].
type ClientConfig struct {
	Config *config.Config

	// Self is the local user.
	Self match.Identity

	Microphone capture.Microphone

	// NewChannel creates signaling channels. Defaults to websockets.
	NewChannel func() signaling.Channel

	// NewTransport creates the audio transport of a live call. Defaults to
	// a pion peer connection with the configured ICE servers.
	NewTransport func() (peer.Transport, error)

	// Loopback connects a call with a simulated partner.
	Loopback func(m match.Match) (peer.Transport, signaling.Channel, error)

	// Store is optional.
	Store store.SessionStore

	// Metrics is optional.
	Metrics *observe.Metrics

	// OnMatchEvent observes the matchmaking transitions of [Client.Search].
	OnMatchEvent func(match.Event)

	Clock clock.Clock
	Rand  *rand.Rand
}

// CallInfo describes the active call.
type CallInfo struct {
	SessionID string
	Partner   match.Identity
	Simulated bool
	StartedAt time.Time
}

// Client runs one user's conversations, one at a time: a search hands its
// match to [Client.Converse], which owns the call until it ends.
// All exported methods are safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	app    *config.Config
	device *capture.Device
	clk    clock.Clock

	mu        sync.Mutex
	searching bool
	starting  bool
	call      *conversation.Call
	info      CallInfo
	closed    bool
	wg        sync.WaitGroup
}

// NewClient creates a client. cfg.Config defaults to [config.Default].
func NewClient(cfg ClientConfig) *Client {
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NewChannel == nil {
		cfg.NewChannel = func() signaling.Channel { return signaling.NewWebSocket() }
	}
	if cfg.NewTransport == nil {
		ice := cfg.Config.Signaling.ICEServers
		cfg.NewTransport = func() (peer.Transport, error) { return pion.New(pion.Config{ICEServers: ice}) }
	}
	format := audio.Format{SampleRate: cfg.Config.Capture.SampleRate, Channels: cfg.Config.Capture.Channels}
	return &Client{
		cfg:    cfg,
		app:    cfg.Config,
		device: capture.New(cfg.Microphone, capture.WithFormat(format)),
		clk:    cfg.Clock,
	}
}

// Device returns the capture device shared by every call.
func (c *Client) Device() *capture.Device { return c.device }

// Search looks for a partner as persona and blocks until a match was handed
// off, the search failed or ctx is done. The hub is asked first; the local
// simulation answers when the hub is unreachable and simulation is enabled.
func (c *Client) Search(ctx context.Context, persona match.Persona) (*match.Match, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClientClosed
	case c.searching || c.starting || c.call != nil:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.searching = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.searching = false
		c.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "match.search")
	defer span.End()

	mc := c.app.Match
	var fallback match.Backend
	if mc.Simulation.Enabled {
		fallback = match.NewSimulatedBackend(match.SimulationConfig{
			MatchProbability: mc.Simulation.MatchProbability,
			MinDelay:         mc.Simulation.MinDelay,
			MaxDelay:         mc.Simulation.MaxDelay,
		}, c.clk, c.cfg.Rand)
	}
	coord := match.NewCoordinator(match.Config{
		Backend:         match.NewLiveBackend(c.app.Signaling.Endpoint, c.cfg.NewChannel),
		Fallback:        fallback,
		Self:            c.cfg.Self,
		SearchTimeout:   mc.SearchTimeout,
		FoundDwell:      mc.FoundDwell,
		ConnectingDwell: mc.ConnectingDwell,
		Clock:           c.clk,
	})

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range coord.Events() {
			if c.cfg.OnMatchEvent != nil {
				c.cfg.OnMatchEvent(ev)
			}
		}
	}()
	defer func() {
		if err := coord.Close(); err != nil {
			observe.Logger(ctx).Warn("app: matchmaking teardown", "err", err)
		}
		<-forwarded
	}()

	if err := coord.StartSearch(ctx, persona); err != nil {
		return nil, err
	}
	m, err := coord.Wait(ctx)
	if err != nil {
		return nil, err
	}
	observe.Logger(ctx).Info("app: matched", "session_id", m.SessionID, "partner", m.Partner.Username, "simulated", m.Simulated)
	out := *m
	return &out, nil
}

// Converse starts the call for m and returns once negotiation is under way.
// The call stays owned by the client until it ends. Close and Hangup reach
// the call while it is still negotiating.
func (c *Client) Converse(ctx context.Context, m match.Match) (*conversation.Call, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClientClosed
	case c.searching || c.starting || c.call != nil:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.starting = true
	c.mu.Unlock()

	call, err := c.prepare(m)

	c.mu.Lock()
	c.starting = false
	switch {
	case err != nil:
		c.mu.Unlock()
		return nil, err
	case c.closed:
		c.mu.Unlock()
		_, _ = call.Hangup(ctx)
		return nil, ErrClientClosed
	}
	c.call = call
	c.info = CallInfo{SessionID: m.SessionID, Partner: m.Partner, Simulated: m.Simulated, StartedAt: c.clk.Now()}
	c.wg.Add(1)
	go c.track(call)
	c.mu.Unlock()

	if err := call.Start(ctx); err != nil {
		return nil, err
	}
	observe.Logger(observe.WithSessionID(ctx, m.SessionID)).Info("app: call started", "initiator", m.Initiator, "simulated", m.Simulated)
	return call, nil
}

// prepare builds the call for m without starting it.
func (c *Client) prepare(m match.Match) (*conversation.Call, error) {
	tr, ch, err := c.linkFor(m)
	if err != nil {
		return nil, err
	}
	ps := peer.New(peer.Config{
		Transport:     tr,
		Device:        c.device,
		Channel:       ch,
		Endpoint:      c.app.Signaling.Endpoint,
		LevelInterval: c.app.Capture.LevelInterval,
		Clock:         c.clk,
	})
	return conversation.NewCall(c.callConfig(m, ps)), nil
}

func (c *Client) linkFor(m match.Match) (peer.Transport, signaling.Channel, error) {
	if m.Simulated {
		if c.cfg.Loopback == nil {
			return nil, nil, ErrNoLoopback
		}
		return c.cfg.Loopback(m)
	}
	tr, err := c.cfg.NewTransport()
	if err != nil {
		return nil, nil, fmt.Errorf("app: create transport: %w", err)
	}
	return tr, c.cfg.NewChannel(), nil
}

func (c *Client) callConfig(m match.Match, ps *peer.Session) conversation.CallConfig {
	d := c.app.Drift
	cc := conversation.CallConfig{
		Match:        m,
		SelfID:       c.cfg.Self.UserID,
		Peer:         ps,
		Store:        c.cfg.Store,
		Engine:       drift.EngineConfig{DisplayWindow: c.app.Feedback.DisplayWindow},
		InitialDrift: d.Initial,
		WelcomeDelay: c.app.Feedback.WelcomeDelay,
		Clock:        c.clk,
		Rand:         c.cfg.Rand,
	}
	if d.Simulator.Enabled {
		cc.Simulator = &drift.SimulatorConfig{
			Interval:          d.Simulator.Interval,
			ChangeProbability: d.Simulator.ChangeProbability,
			MaxStep:           d.Simulator.MaxStep,
		}
	}
	if d.Achievements.Enabled {
		cc.Achievements = &drift.AchievementConfig{
			MinInterval: d.Achievements.MinInterval,
			MaxInterval: d.Achievements.MaxInterval,
			Probability: d.Achievements.Probability,
		}
	}
	return cc
}

// track waits for call to end, records its metrics and frees the client.
func (c *Client) track(call *conversation.Call) {
	defer c.wg.Done()
	o, err := call.Wait(context.Background())
	if err == nil && c.cfg.Metrics != nil {
		ctx := context.Background()
		c.cfg.Metrics.RecordCall(ctx, o.Duration.Seconds(), string(o.EndReason))
		for _, ev := range call.Feedback().History() {
			c.cfg.Metrics.RecordFeedback(ctx, string(ev.Category))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == call {
		c.call = nil
		c.info = CallInfo{}
	}
}

// Active returns the active call's info.
func (c *Client) Active() (CallInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.call != nil
}

// Hangup ends the active call and returns its outcome.
func (c *Client) Hangup(ctx context.Context) (store.Outcome, error) {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call == nil {
		return store.Outcome{}, ErrNoCall
	}
	return call.Hangup(ctx)
}

// Close hangs up the active call and waits for its bookkeeping. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	call := c.call
	c.mu.Unlock()

	var err error
	if call != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = call.Hangup(ctx)
		cancel()
	}
	c.wg.Wait()
	return err
}
