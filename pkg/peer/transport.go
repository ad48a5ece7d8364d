package peer

import (
	"context"

	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/signaling"
)

// TransportEventKind tags a [TransportEvent].
type TransportEventKind int

const (
	// TransportStateChanged reports a new connection phase.
	TransportStateChanged TransportEventKind = iota
	// TransportLocalCandidate carries a gathered local ICE candidate to be
	// trickled to the partner.
	TransportLocalCandidate
)

// TransportEvent is one element of a transport's event stream.
type TransportEvent struct {
	Kind      TransportEventKind
	Phase     Phase
	Candidate signaling.ICECandidate
}

// Transport abstracts the peer connection. It decouples the session state
// machine from the WebRTC stack so the session can be tested without one;
// [github.com/MrWong99/realtalk/pkg/peer/pion] provides the real thing.
type Transport interface {
	// CreateOffer creates the local SDP offer.
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)

	// AcceptOffer applies the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)

	// AcceptAnswer applies the remote answer to a previously created offer.
	AcceptAnswer(ctx context.Context, answer signaling.SessionDescription) error

	// AddICECandidate adds a remote ICE candidate.
	AddICECandidate(candidate signaling.ICECandidate) error

	// SendAudio sends one captured frame to the partner.
	SendAudio(frame audio.AudioFrame) error

	// SetLocalEnabled enables or disables the outgoing track. A disabled
	// track keeps the link alive but carries silence.
	SetLocalEnabled(enabled bool)

	// RemoteAudio delivers decoded audio received from the partner.
	RemoteAudio() <-chan audio.AudioFrame

	// Events delivers phase changes and local candidates. Single consumer.
	Events() <-chan TransportEvent

	// Close tears down the peer connection. Idempotent.
	Close() error
}
