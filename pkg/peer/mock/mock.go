// Package mock provides a scriptable [peer.Transport] for unit tests.
//
// Set the exported Error fields to make negotiation steps fail and drive the
// connection with [Transport.SetPhase] and [Transport.EmitCandidate]. Two
// mock transports joined with [Pair] reach PhaseConnected on their own once
// the answer is applied.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/peer"
	"github.com/MrWong99/realtalk/pkg/signaling"
)

// Transport is a mock implementation of [peer.Transport]. Safe for
// concurrent use.
type Transport struct {
	mu sync.Mutex

	// CreateOfferError is returned by CreateOffer when non-nil.
	CreateOfferError error
	// AcceptOfferError is returned by AcceptOffer when non-nil.
	AcceptOfferError error
	// AcceptAnswerError is returned by AcceptAnswer when non-nil.
	AcceptAnswerError error
	// CloseError is returned by Close.
	CloseError error

	// AutoConnect moves the transport to PhaseConnected as soon as the
	// negotiation completes (answer created or applied).
	AutoConnect bool

	CallCountCreateOffer  int
	CallCountAcceptOffer  int
	CallCountAcceptAnswer int
	CallCountClose        int

	// RemoteCandidates holds every candidate passed to AddICECandidate.
	RemoteCandidates []signaling.ICECandidate

	// EnabledHistory records every SetLocalEnabled argument.
	EnabledHistory []bool

	sent    []audio.AudioFrame
	remote  chan audio.AudioFrame
	events  chan peer.TransportEvent
	closed  bool
	partner *Transport
}

var _ peer.Transport = (*Transport)(nil)

// New returns a mock transport.
func New() *Transport {
	return &Transport{
		remote: make(chan audio.AudioFrame, 16),
		events: make(chan peer.TransportEvent, 32),
	}
}

// Pair returns two transports that deliver SendAudio to each other and
// connect automatically.
func Pair() (*Transport, *Transport) {
	a, b := New(), New()
	a.AutoConnect, b.AutoConnect = true, true
	a.partner, b.partner = b, a
	return a, b
}

// CreateOffer implements [peer.Transport].
func (t *Transport) CreateOffer(_ context.Context) (signaling.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountCreateOffer++
	if t.CreateOfferError != nil {
		return signaling.SessionDescription{}, t.CreateOfferError
	}
	return signaling.SessionDescription{Type: "offer", SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=mock offer\r\n"}, nil
}

// AcceptOffer implements [peer.Transport].
func (t *Transport) AcceptOffer(_ context.Context, _ signaling.SessionDescription) (signaling.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountAcceptOffer++
	if t.AcceptOfferError != nil {
		return signaling.SessionDescription{}, t.AcceptOfferError
	}
	t.connectedLocked()
	return signaling.SessionDescription{Type: "answer", SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=mock answer\r\n"}, nil
}

// AcceptAnswer implements [peer.Transport].
func (t *Transport) AcceptAnswer(_ context.Context, _ signaling.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountAcceptAnswer++
	if t.AcceptAnswerError != nil {
		return t.AcceptAnswerError
	}
	t.connectedLocked()
	return nil
}

func (t *Transport) connectedLocked() {
	if t.AutoConnect {
		t.emitLocked(peer.TransportEvent{Kind: peer.TransportStateChanged, Phase: peer.PhaseConnected})
	}
}

// AddICECandidate implements [peer.Transport].
func (t *Transport) AddICECandidate(c signaling.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RemoteCandidates = append(t.RemoteCandidates, c)
	return nil
}

// SendAudio implements [peer.Transport].
func (t *Transport) SendAudio(f audio.AudioFrame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.sent = append(t.sent, f)
	partner := t.partner
	t.mu.Unlock()

	if partner != nil {
		partner.PushRemote(f)
	}
	return nil
}

// SetLocalEnabled implements [peer.Transport].
func (t *Transport) SetLocalEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EnabledHistory = append(t.EnabledHistory, enabled)
}

// RemoteAudio implements [peer.Transport].
func (t *Transport) RemoteAudio() <-chan audio.AudioFrame { return t.remote }

// Events implements [peer.Transport].
func (t *Transport) Events() <-chan peer.TransportEvent { return t.events }

// Close implements [peer.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	if !t.closed {
		t.closed = true
		close(t.events)
		close(t.remote)
	}
	return t.CloseError
}

// Counts is a snapshot of the call counters.
type Counts struct {
	CreateOffer, AcceptOffer, AcceptAnswer, Close int
}

// Counts returns the call counters, read under the mock's lock.
func (t *Transport) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counts{
		CreateOffer:  t.CallCountCreateOffer,
		AcceptOffer:  t.CallCountAcceptOffer,
		AcceptAnswer: t.CallCountAcceptAnswer,
		Close:        t.CallCountClose,
	}
}

// Candidates returns a copy of the remote candidates added so far.
func (t *Transport) Candidates() []signaling.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]signaling.ICECandidate, len(t.RemoteCandidates))
	copy(out, t.RemoteCandidates)
	return out
}

// Sent returns a copy of the frames passed to SendAudio.
func (t *Transport) Sent() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.AudioFrame, len(t.sent))
	copy(out, t.sent)
	return out
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SetPhase emits a connection phase change.
func (t *Transport) SetPhase(p peer.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(peer.TransportEvent{Kind: peer.TransportStateChanged, Phase: p})
}

// EmitCandidate emits a gathered local candidate.
func (t *Transport) EmitCandidate(c signaling.ICECandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(peer.TransportEvent{Kind: peer.TransportLocalCandidate, Candidate: c})
}

// PushRemote delivers a frame on RemoteAudio, dropping it when full.
func (t *Transport) PushRemote(f audio.AudioFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.remote <- f:
	default:
	}
}

func (t *Transport) emitLocked(ev peer.TransportEvent) {
	if t.closed {
		return
	}
	t.events <- ev
}
