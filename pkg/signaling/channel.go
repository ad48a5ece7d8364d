package signaling

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrConnect means the transport could not be opened. It is distinct
	// from a [EventClosed] event, which reports losing an open transport.
	ErrConnect = errors.New("signaling: connect failed")

	// ErrNotOpen is logged when a message is sent on a channel that is not
	// open. Send never returns it.
	ErrNotOpen = errors.New("signaling: channel not open")

	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("signaling: channel already connected")
)

// EventKind tags an [Event].
type EventKind int

const (
	// EventOpened is delivered once after a successful Connect.
	EventOpened EventKind = iota
	// EventMessage carries one inbound message.
	EventMessage
	// EventClosed is delivered once when the transport ends. Err is nil
	// for a local or orderly remote close.
	EventClosed
	// EventErrored reports a non-fatal problem such as a malformed inbound
	// payload. The channel stays open.
	EventErrored
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Event is one element of a channel's event stream.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// Channel is a bidirectional message channel to the signaling service.
//
// Events returns the same stream on every call and must have exactly one
// consumer. The stream is closed after the [EventClosed] event. Connection
// retries are never automatic; the owner decides what to do after
// [ErrConnect] or EventClosed.
type Channel interface {
	// Connect opens the transport. Failures wrap [ErrConnect].
	Connect(ctx context.Context, endpoint string) error

	// Send queues msg. It is fire-and-forget: when the channel is not open
	// the message is dropped and a warning is logged.
	Send(msg Message)

	// Events returns the inbound event stream.
	Events() <-chan Event

	// Close releases the transport. Idempotent.
	Close() error
}
