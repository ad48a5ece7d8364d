package peer

import "fmt"

// Phase is the connection phase of a peer audio link.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
	PhaseClosed
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further negotiation can happen in p.
func (p Phase) Terminal() bool {
	return p == PhaseDisconnected || p == PhaseFailed || p == PhaseClosed
}

// canMove reports whether the link may go from p to next. Phases only move
// forward; the terminal failure phases may still be closed.
func (p Phase) canMove(next Phase) bool {
	switch p {
	case PhaseNew:
		return next == PhaseConnecting || next == PhaseFailed || next == PhaseClosed
	case PhaseConnecting:
		return next == PhaseConnected || next == PhaseDisconnected || next == PhaseFailed || next == PhaseClosed
	case PhaseConnected:
		return next == PhaseDisconnected || next == PhaseFailed || next == PhaseClosed
	case PhaseDisconnected, PhaseFailed:
		return next == PhaseClosed
	default:
		return false
	}
}

// Role decides which side produces the offer.
type Role int

const (
	Initiator Role = iota
	Responder
)

// String returns the lower-case role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is a read-only snapshot of an audio link.
type State struct {
	Phase       Phase
	LocalMuted  bool
	RemoteMuted bool

	// LocalLevel is the smoothed microphone level in [0,1].
	LocalLevel float64
}

// Info identifies the conversation a link belongs to.
type Info struct {
	SessionID string
	SelfID    string
	PartnerID string
}

// EventKind tags an [Event].
type EventKind int

const (
	// EventState is emitted on phase and mute changes.
	EventState EventKind = iota
	// EventLevel is emitted on every level sample.
	EventLevel
)

// Event is a state notification for observers of a [Session].
type Event struct {
	Kind  EventKind
	State State

	// Err explains a transition to PhaseFailed or PhaseDisconnected.
	Err error
}
