// Package match drives the matchmaking handshake of one user: search, found,
// connecting and the handoff to the audio session, with a hard search
// timeout and an optional local simulation when no backend is reachable.
package match

import (
	"errors"
	"fmt"
)

// Sentinel errors. A coordinator in [StateFailed] reports one of these.
var (
	// ErrTimeout means no match resolved within the search timeout.
	ErrTimeout = errors.New("match: search timed out")

	// ErrNoMatch means the backend finished the search without a partner.
	ErrNoMatch = errors.New("match: no partner available")

	// ErrTransport means the matchmaking backend is unreachable or was lost.
	ErrTransport = errors.New("match: matchmaking backend unreachable")

	// ErrInvalidState is a contract violation: the operation is not allowed
	// in the coordinator's current state.
	ErrInvalidState = errors.New("match: operation not allowed in current state")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("match: coordinator closed")
)

// Persona is the self-presentation mode a user searches with.
type Persona string

// Known personas.
const (
	PersonaRealMe    Persona = "real-me"
	PersonaMyMask    Persona = "my-mask"
	PersonaCrazySelf Persona = "crazy-self"
)

// DefaultPersona is used when none was chosen.
const DefaultPersona = PersonaRealMe

// Personas lists the known personas.
var Personas = []Persona{PersonaRealMe, PersonaMyMask, PersonaCrazySelf}

// ParsePersona validates s. The empty string maps to [DefaultPersona].
func ParsePersona(s string) (Persona, error) {
	if s == "" {
		return DefaultPersona, nil
	}
	for _, p := range Personas {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("match: unknown persona %q", s)
}

// Identity describes a participant.
type Identity struct {
	UserID   string
	Username string
	Avatar   string
	Persona  Persona
}

// Match is a resolved pairing.
type Match struct {
	// SessionID identifies the conversation room shared by both partners.
	SessionID string
	Partner   Identity

	// Initiator is true when this side must produce the connection offer.
	Initiator bool

	// Simulated is true for partners invented by the local simulation.
	Simulated bool
}

// State is the coordinator state.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateFound
	StateConnecting
	// StateMatched means the match was handed off to the conversation.
	StateMatched
	StateFailed
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	case StateConnecting:
		return "connecting"
	case StateMatched:
		return "matched"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event notifies observers of a state transition.
type Event struct {
	State State
	Match *Match

	// Err explains StateFailed.
	Err error
}
