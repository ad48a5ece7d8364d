// Package peer implements the peer-to-peer audio session of one conversation:
// negotiation over a signaling channel, local capture, mute handling, level
// sampling, and ordered teardown.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/timers"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
	"github.com/MrWong99/realtalk/pkg/signaling"
)

// Sentinel errors.
var (
	// ErrNegotiation means the peer connection could not be established or
	// failed. It is terminal for the session and never retried.
	ErrNegotiation = errors.New("peer: negotiation failed")

	// ErrInvalidState is a contract violation: an operation was called in
	// a phase that does not allow it.
	ErrInvalidState = errors.New("peer: operation not allowed in current state")

	// ErrTerminated is returned by Initiate when the session was torn down
	// while it was still in flight.
	ErrTerminated = errors.New("peer: session terminated")

	// ErrPartnerLeft explains a disconnect caused by the partner leaving.
	ErrPartnerLeft = errors.New("peer: partner left")
)

// DefaultLevelInterval samples the local level at 20 Hz.
const DefaultLevelInterval = 50 * time.Millisecond

const levelTimer = "level"

// Config holds the collaborators of a [Session]. Each is owned exclusively
// by the session for its lifetime.
type Config struct {
	Transport Transport
	Device    *capture.Device
	Channel   signaling.Channel

	// Endpoint is the signaling endpoint dialed by Initiate.
	Endpoint string

	// LevelInterval is the level sampling period. Must be at most 66ms
	// (15 Hz); defaults to [DefaultLevelInterval].
	LevelInterval time.Duration

	// Clock drives level sampling. Defaults to the wall clock.
	Clock clock.Clock
}

// Session is one peer audio link. All methods are safe for concurrent use.
type Session struct {
	transport Transport
	device    *capture.Device
	channel   signaling.Channel
	endpoint  string
	interval  time.Duration

	mu         sync.Mutex
	timers     *timers.Registry
	state      State
	info       Info
	role       Role
	started    bool
	terminated bool
	offered    bool
	answered   bool
	joined     bool
	handle     *capture.Handle
	cancel     context.CancelFunc
	events     chan Event
	wg         sync.WaitGroup
	termOnce   sync.Once
	termErr    error
}

// New creates a session in [PhaseNew].
func New(cfg Config) *Session {
	interval := cfg.LevelInterval
	if interval <= 0 || interval > 66*time.Millisecond {
		interval = DefaultLevelInterval
	}
	s := &Session{
		transport: cfg.Transport,
		device:    cfg.Device,
		channel:   cfg.Channel,
		endpoint:  cfg.Endpoint,
		interval:  interval,
		events:    make(chan Event, 64),
	}
	s.timers = timers.New(cfg.Clock, &s.mu)
	return s
}

// Events returns the observer stream. It is closed by Terminate.
// Notifications are dropped when the observer falls behind.
func (s *Session) Events() <-chan Event { return s.events }

// State returns a snapshot of the link.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the conversation identity passed to Initiate.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Initiate acquires local audio, opens the signaling channel, joins the
// conversation room and, for the initiator, sends exactly one offer. The
// responder answers the first offer that arrives. Negotiation completes
// asynchronously; watch [Session.Events] for [PhaseConnected].
//
// Initiate may be called once. If [Session.Terminate] runs while Initiate is
// suspended, the late results are released and [ErrTerminated] is returned.
func (s *Session) Initiate(ctx context.Context, info Info, role Role) error {
	s.mu.Lock()
	if s.started || s.terminated {
		s.mu.Unlock()
		slog.Error("peer: initiate called twice", "session_id", info.SessionID)
		return fmt.Errorf("%w: initiate in phase %s", ErrInvalidState, s.state.Phase)
	}
	s.started = true
	s.info = info
	s.role = role
	s.setPhaseLocked(PhaseConnecting, nil)
	s.mu.Unlock()

	log := slog.With("session_id", info.SessionID, "role", role)

	h, err := s.device.StartCapture(ctx)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("peer: acquire local audio: %w", err)
	}
	if s.discardIfTerminated(func() { _ = h.Stop() }) {
		return ErrTerminated
	}

	if err := s.channel.Connect(ctx, s.endpoint); err != nil {
		if s.discardIfTerminated(func() { _ = h.Stop() }) {
			return ErrTerminated
		}
		_ = h.Stop()
		s.fail(err)
		return fmt.Errorf("peer: open signaling: %w", err)
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		_ = h.Stop()
		_ = s.channel.Close()
		return ErrTerminated
	}
	s.handle = h
	s.joined = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.channel.Send(signaling.Message{Type: signaling.TypeJoin, SessionID: info.SessionID, UserID: info.SelfID})
	s.timers.Every(levelTimer, s.interval, s.sampleLevelLocked)
	s.wg.Add(2)
	go s.pumpAudio(h)
	go s.dispatch(loopCtx)
	s.mu.Unlock()

	if role != Initiator {
		log.Debug("peer: awaiting offer")
		return nil
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		s.fail(fmt.Errorf("%w: create offer: %w", ErrNegotiation, err))
		return fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}
	s.offered = true
	s.channel.Send(signaling.Message{Type: signaling.TypeOffer, SessionID: info.SessionID, Offer: &offer})
	log.Debug("peer: offer sent")
	return nil
}

// ToggleLocalMute flips the outgoing track and broadcasts the new mute
// status. The local state changes even when the broadcast is dropped.
// Only allowed while connected.
func (s *Session) ToggleLocalMute() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != PhaseConnected {
		return s.state.LocalMuted, fmt.Errorf("%w: toggle mute in phase %s", ErrInvalidState, s.state.Phase)
	}
	s.state.LocalMuted = !s.state.LocalMuted
	s.transport.SetLocalEnabled(!s.state.LocalMuted)
	s.channel.Send(signaling.MuteStatus(s.info.SessionID, s.state.LocalMuted))
	s.emitLocked(Event{Kind: EventState, State: s.state})
	return s.state.LocalMuted, nil
}

// Terminate closes the peer link, stops local capture and closes the
// signaling channel, in that order. Every step runs even when an earlier one
// fails; all failures are joined. Calling Terminate again is a no-op.
func (s *Session) Terminate() error {
	s.termOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		s.timers.StopAll()
		if s.cancel != nil {
			s.cancel()
		}
		s.state.LocalLevel = 0
		s.setPhaseLocked(PhaseClosed, nil)
		sessionID := s.info.SessionID
		joined := s.joined
		s.mu.Unlock()

		var errs []error
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer: close link: %w", err))
		}
		if err := s.device.StopCapture(); err != nil {
			errs = append(errs, fmt.Errorf("peer: stop capture: %w", err))
		}
		if joined {
			s.channel.Send(signaling.Message{Type: signaling.TypeLeave, SessionID: sessionID})
		}
		if err := s.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer: close signaling: %w", err))
		}

		s.wg.Wait()
		close(s.events)
		s.termErr = errors.Join(errs...)
	})
	return s.termErr
}

// discardIfTerminated runs release and reports true when the session was
// torn down while the caller was suspended.
func (s *Session) discardIfTerminated(release func()) bool {
	s.mu.Lock()
	dead := s.terminated
	s.mu.Unlock()
	if dead {
		release()
	}
	return dead
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.setPhaseLocked(PhaseFailed, err)
}

// setPhaseLocked moves the link forward and notifies observers. Backward or
// repeated transitions are ignored.
func (s *Session) setPhaseLocked(p Phase, err error) bool {
	if !s.state.Phase.canMove(p) {
		return false
	}
	s.state.Phase = p
	if p != PhaseClosed && p != PhaseConnecting {
		slog.Info("peer: link phase changed", "session_id", s.info.SessionID, "phase", p, "err", err)
	}
	s.emitLocked(Event{Kind: EventState, State: s.state, Err: err})
	return true
}

func (s *Session) emitLocked(ev Event) {
	if s.state.Phase == PhaseClosed && ev.Kind == EventLevel {
		return
	}
	select {
	case s.events <- ev:
	default:
		if ev.Kind == EventState {
			slog.Warn("peer: observer behind, state event dropped", "session_id", s.info.SessionID, "phase", ev.State.Phase)
		}
	}
}

// sampleLevelLocked runs on the level timer with s.mu held.
func (s *Session) sampleLevelLocked() {
	if s.handle == nil || s.terminated {
		return
	}
	s.state.LocalLevel = s.device.SampleLevel()
	s.emitLocked(Event{Kind: EventLevel, State: s.state})
}

func (s *Session) pumpAudio(h *capture.Handle) {
	defer s.wg.Done()
	for f := range h.Frames() {
		if err := s.transport.SendAudio(f); err != nil {
			slog.Debug("peer: send audio", "err", err)
		}
	}
	err := h.Err()
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.handle != h {
		return
	}
	s.timers.Cancel(levelTimer)
	s.handle = nil
	s.state.LocalLevel = 0
	s.setPhaseLocked(PhaseFailed, fmt.Errorf("peer: local audio lost: %w", err))
}

// dispatch is the single loop that applies signaling and transport events.
func (s *Session) dispatch(ctx context.Context) {
	defer s.wg.Done()

	sig := s.channel.Events()
	tr := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sig:
			if !ok {
				sig = nil
				continue
			}
			s.handleSignal(ctx, ev)
		case ev, ok := <-tr:
			if !ok {
				tr = nil
				continue
			}
			s.handleTransport(ev)
		}
	}
}

func (s *Session) handleSignal(ctx context.Context, ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventClosed:
		if ev.Err != nil {
			slog.Warn("peer: signaling lost", "session_id", s.Info().SessionID, "err", ev.Err)
		}
		return
	case signaling.EventErrored:
		slog.Debug("peer: signaling error", "err", ev.Err)
		return
	case signaling.EventMessage:
	default:
		return
	}

	msg := ev.Message
	switch msg.Type {
	case signaling.TypeOffer:
		s.handleOffer(ctx, msg)
	case signaling.TypeAnswer:
		s.handleAnswer(ctx, msg)
	case signaling.TypeICECandidate:
		if msg.Candidate == nil {
			return
		}
		if err := s.transport.AddICECandidate(*msg.Candidate); err != nil {
			slog.Warn("peer: add remote candidate", "session_id", msg.SessionID, "err", err)
		}
	case signaling.TypeMuteStatus:
		if msg.IsMuted == nil {
			return
		}
		s.mu.Lock()
		if !s.state.Phase.Terminal() && s.state.RemoteMuted != *msg.IsMuted {
			s.state.RemoteMuted = *msg.IsMuted
			s.emitLocked(Event{Kind: EventState, State: s.state})
		}
		s.mu.Unlock()
	case signaling.TypePeerLeft:
		s.mu.Lock()
		s.setPhaseLocked(PhaseDisconnected, ErrPartnerLeft)
		s.mu.Unlock()
	}
}

func (s *Session) handleOffer(ctx context.Context, msg signaling.Message) {
	s.mu.Lock()
	ignore := msg.Offer == nil || s.role == Initiator || s.answered ||
		s.state.Phase != PhaseConnecting
	if !ignore {
		s.answered = true
	}
	sessionID := s.info.SessionID
	s.mu.Unlock()
	if ignore {
		slog.Debug("peer: ignoring offer", "session_id", sessionID)
		return
	}

	answer, err := s.transport.AcceptOffer(ctx, *msg.Offer)
	if err != nil {
		s.fail(fmt.Errorf("%w: accept offer: %w", ErrNegotiation, err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.channel.Send(signaling.Message{Type: signaling.TypeAnswer, SessionID: sessionID, Answer: &answer})
}

func (s *Session) handleAnswer(ctx context.Context, msg signaling.Message) {
	s.mu.Lock()
	ignore := msg.Answer == nil || s.role != Initiator || !s.offered || s.answered ||
		s.state.Phase != PhaseConnecting
	if !ignore {
		s.answered = true
	}
	s.mu.Unlock()
	if ignore {
		return
	}
	if err := s.transport.AcceptAnswer(ctx, *msg.Answer); err != nil {
		s.fail(fmt.Errorf("%w: accept answer: %w", ErrNegotiation, err))
	}
}

func (s *Session) handleTransport(ev TransportEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	switch ev.Kind {
	case TransportLocalCandidate:
		c := ev.Candidate
		s.channel.Send(signaling.Message{Type: signaling.TypeICECandidate, SessionID: s.info.SessionID, Candidate: &c})
	case TransportStateChanged:
		var err error
		switch ev.Phase {
		case PhaseFailed:
			err = fmt.Errorf("%w: ice failed", ErrNegotiation)
		case PhaseConnecting, PhaseNew, PhaseClosed:
			return
		}
		s.setPhaseLocked(ev.Phase, err)
	}
}
