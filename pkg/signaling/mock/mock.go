// Package mock provides an in-memory [signaling.Channel] for unit tests.
//
// Two mocks can be joined with [Link] so that whatever one sends arrives on
// the other's event stream, which lets two peer sessions negotiate without a
// server.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/realtalk/pkg/signaling"
)

// Channel is a mock implementation of [signaling.Channel]. Safe for
// concurrent use.
type Channel struct {
	mu sync.Mutex

	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Endpoints records the endpoint passed to each Connect call.
	Endpoints []string

	sent    []signaling.Message
	dropped []signaling.Message
	events chan signaling.Event
	open   bool
	closed bool
	peer   *Channel
}

var _ signaling.Channel = (*Channel)(nil)

// New returns an unconnected mock channel.
func New() *Channel {
	return &Channel{events: make(chan signaling.Event, 64)}
}

// Link joins a and b so each one's Send is delivered to the other.
func Link(a, b *Channel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Connect implements [signaling.Channel].
func (c *Channel) Connect(_ context.Context, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountConnect++
	c.Endpoints = append(c.Endpoints, endpoint)
	if c.ConnectError != nil {
		return c.ConnectError
	}
	if c.open {
		return signaling.ErrAlreadyConnected
	}
	if c.closed {
		return signaling.ErrConnect
	}
	c.open = true
	c.events <- signaling.Event{Kind: signaling.EventOpened}
	return nil
}

// Send implements [signaling.Channel]. Messages sent while not open are
// recorded in Dropped instead of Sent.
func (c *Channel) Send(msg signaling.Message) {
	c.mu.Lock()
	if !c.open {
		c.dropped = append(c.dropped, msg)
		c.mu.Unlock()
		return
	}
	c.sent = append(c.sent, msg)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.Inject(msg)
	}
}

// Events implements [signaling.Channel].
func (c *Channel) Events() <-chan signaling.Event { return c.events }

// Close implements [signaling.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.finishLocked(nil)
	return nil
}

// Sent returns a copy of every message sent while open, in order.
func (c *Channel) Sent() []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Dropped returns a copy of every message sent while not open.
func (c *Channel) Dropped() []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Message, len(c.dropped))
	copy(out, c.dropped)
	return out
}

// SentOfType returns the sent messages with the given type.
func (c *Channel) SentOfType(t signaling.Type) []signaling.Message {
	var out []signaling.Message
	for _, m := range c.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// IsOpen reports whether the channel is connected and not closed.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Inject delivers msg as an inbound message. Ignored after close.
func (c *Channel) Inject(msg signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- signaling.Event{Kind: signaling.EventMessage, Message: msg}
}

// InjectError delivers a non-fatal error event.
func (c *Channel) InjectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- signaling.Event{Kind: signaling.EventErrored, Err: err}
}

// Drop simulates the server going away with err.
func (c *Channel) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(err)
}

func (c *Channel) finishLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.open = false
	c.events <- signaling.Event{Kind: signaling.EventClosed, Err: err}
	close(c.events)
}
