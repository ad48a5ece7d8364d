package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/realtalk/pkg/signaling"
)

// LiveBackend requests matches from the signaling service. It owns one
// signaling channel at a time and opens a new one when the previous was lost.
type LiveBackend struct {
	endpoint   string
	newChannel func() signaling.Channel

	mu      sync.Mutex
	ch      signaling.Channel
	pending chan Outcome
	closed  bool
	wg      sync.WaitGroup
}

var _ Backend = (*LiveBackend)(nil)

// NewLiveBackend creates a backend dialing endpoint with channels from
// newChannel.
func NewLiveBackend(endpoint string, newChannel func() signaling.Channel) *LiveBackend {
	return &LiveBackend{endpoint: endpoint, newChannel: newChannel}
}

// Search implements [Backend]. It connects on first use; a connect failure
// wraps [ErrTransport].
func (b *LiveBackend) Search(ctx context.Context, req Request) (<-chan Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.ch == nil {
		c := b.newChannel()
		if err := c.Connect(ctx, b.endpoint); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		b.ch = c
		b.wg.Add(1)
		go b.read(c)
	}

	out := make(chan Outcome, 1)
	b.pending = out
	b.ch.Send(signaling.Message{
		Type:        signaling.TypeFindMatch,
		Personality: string(req.Persona),
		UserID:      req.Self.UserID,
		Username:    req.Self.Username,
		Avatar:      req.Self.Avatar,
	})

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.pending != out {
			return
		}
		b.pending = nil
		if b.ch != nil {
			b.ch.Send(signaling.Message{Type: signaling.TypeCancelSearch})
		}
	})
	return out, nil
}

// Close implements [Backend].
func (b *LiveBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ch := b.ch
	b.ch = nil
	b.pending = nil
	b.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	b.wg.Wait()
	return err
}

func (b *LiveBackend) read(c signaling.Channel) {
	defer b.wg.Done()
	for ev := range c.Events() {
		switch ev.Kind {
		case signaling.EventMessage:
			b.handle(ev.Message)
		case signaling.EventErrored:
			slog.Debug("match: signaling error", "err", ev.Err)
		case signaling.EventClosed:
			b.mu.Lock()
			lost := b.ch == c
			if lost {
				b.ch = nil
			}
			b.mu.Unlock()
			if lost {
				slog.Warn("match: matchmaking connection lost", "err", ev.Err)
				b.deliver(Outcome{Err: fmt.Errorf("%w: connection lost", ErrTransport)})
				_ = c.Close()
			}
		}
	}
}

func (b *LiveBackend) handle(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeMatchFound:
		b.deliver(Outcome{Match: &Match{
			SessionID: msg.SessionID,
			Partner: Identity{
				UserID:   msg.UserID,
				Username: msg.Username,
				Avatar:   msg.Avatar,
				Persona:  Persona(msg.Personality),
			},
			Initiator: msg.Initiator,
		}})
	case signaling.TypeMatchTimeout:
		b.deliver(Outcome{Err: ErrNoMatch})
	case signaling.TypeError:
		b.deliver(Outcome{Err: fmt.Errorf("match: server rejected search: %s", msg.Reason)})
	}
}

// deliver hands o to the pending search, if any. Unsolicited results are
// dropped.
func (b *LiveBackend) deliver(o Outcome) {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.mu.Unlock()
	if p == nil {
		slog.Debug("match: result without pending search dropped")
		return
	}
	p <- o
}
