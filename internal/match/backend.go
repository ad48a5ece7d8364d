package match

import "context"

// Request is one search request.
type Request struct {
	Self    Identity
	Persona Persona
}

// Outcome is the result of a search. Exactly one of Match and Err is set.
type Outcome struct {
	Match *Match
	Err   error
}

// Backend is a matchmaking capability. [LiveBackend] talks to the signaling
// service; [SimulatedBackend] invents partners locally.
type Backend interface {
	// Search starts a request and returns a channel that receives exactly
	// one Outcome, unless ctx is canceled first. A backend that cannot be
	// reached returns an error wrapping [ErrTransport].
	Search(ctx context.Context, req Request) (<-chan Outcome, error)

	// Close releases the backend. Idempotent.
	Close() error
}
