// Package conversation holds the data model of one matched conversation and
// the [Call] that runs it: the peer audio link, the drift feedback pipeline
// and the final outcome record.
package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrTransition is a contract violation: the requested state change would
// move the session backwards or out of a terminal state.
var ErrTransition = errors.New("conversation: invalid state transition")

// State is the lifecycle state of a [Session].
type State int

const (
	StateSearching State = iota
	StateFound
	StateConnecting
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Ended or Failed.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// canMove allows the forward chain Searching → Found → Connecting → Active
// → Ended, and Failed from any non-terminal state.
func (s State) canMove(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return next == s+1
}

// Participants names both sides of a conversation.
type Participants struct {
	SelfID      string
	PartnerID   string
	PartnerName string

	// PartnerAvatar is optional.
	PartnerAvatar string
}

// Snapshot is a read-only copy of a [Session].
type Snapshot struct {
	ID           string
	Participants Participants
	State        State
	StartedAt    time.Time
	EndedAt      time.Time
	Elapsed      time.Duration
}

// Session is one matched conversation. Its state only moves forward. The
// elapsed time starts at zero when the session becomes active and is frozen
// when it ends or fails. Safe for concurrent use.
type Session struct {
	id  string
	clk clock.Clock

	mu           sync.Mutex
	participants Participants
	state        State
	startedAt    time.Time
	endedAt      time.Time
}

// NewSession creates a session in StateSearching. A nil clk uses the wall
// clock.
func NewSession(id string, p Participants, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{id: id, participants: p, clk: clk}
}

// ID returns the match identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session to next. Entering Active resets the elapsed
// time; entering Ended or Failed freezes it.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.canMove(next) {
		return fmt.Errorf("%w: %s to %s", ErrTransition, s.state, next)
	}
	now := s.clk.Now()
	switch next {
	case StateActive:
		s.startedAt = now
	case StateEnded, StateFailed:
		s.endedAt = now
	}
	s.state = next
	return nil
}

// AdvanceTo walks forward through every intermediate state up to target.
func (s *Session) AdvanceTo(target State) error {
	for {
		cur := s.State()
		if cur == target {
			return nil
		}
		if target == StateFailed || cur > target {
			return s.Advance(target)
		}
		if err := s.Advance(cur + 1); err != nil {
			return err
		}
	}
}

// SetPartner fills in partner details loaded after creation. Empty fields
// keep their value.
func (s *Session) SetPartner(id, name, avatar string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.participants.PartnerID = id
	}
	if name != "" {
		s.participants.PartnerName = name
	}
	if avatar != "" {
		s.participants.PartnerAvatar = avatar
	}
}

// Elapsed returns the active time of the conversation.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	switch {
	case s.startedAt.IsZero():
		return 0
	case s.state.Terminal():
		return s.endedAt.Sub(s.startedAt)
	default:
		return s.clk.Since(s.startedAt)
	}
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		Participants: s.participants,
		State:        s.state,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		Elapsed:      s.elapsedLocked(),
	}
}
