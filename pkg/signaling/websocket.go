package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const (
	stateIdle = iota
	stateDialing
	stateOpen
	stateClosed
)

// WebSocketOption configures a [WebSocket].
type WebSocketOption func(*WebSocket)

// WithHTTPHeader sets headers sent with the websocket handshake.
func WithHTTPHeader(h http.Header) WebSocketOption {
	return func(w *WebSocket) { w.header = h }
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) WebSocketOption {
	return func(w *WebSocket) { w.client = c }
}

// WithBuffer sets the capacity of the outbound queue and the event stream.
func WithBuffer(n int) WebSocketOption {
	return func(w *WebSocket) { w.buffer = n }
}

// WebSocket is a [Channel] over a JSON text websocket.
type WebSocket struct {
	header http.Header
	client *http.Client
	buffer int

	mu        sync.Mutex
	state     int
	connected bool
	conn      *websocket.Conn
	cancel    context.CancelFunc
	stopDial  context.CancelFunc

	events chan Event
	out    chan Message
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Channel = (*WebSocket)(nil)

// NewWebSocket creates an unconnected websocket channel.
func NewWebSocket(opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{buffer: 64}
	for _, o := range opts {
		o(w)
	}
	w.buffer = max(w.buffer, 1)
	w.events = make(chan Event, w.buffer)
	w.out = make(chan Message, w.buffer)
	return w
}

// Connect dials endpoint. The dial honours ctx and is abandoned by Close;
// the open channel does not honour ctx and lives until Close or until the
// server goes away.
func (w *WebSocket) Connect(ctx context.Context, endpoint string) error {
	w.mu.Lock()
	switch w.state {
	case stateOpen, stateDialing:
		w.mu.Unlock()
		return ErrAlreadyConnected
	case stateClosed:
		w.mu.Unlock()
		return fmt.Errorf("%w: channel closed", ErrConnect)
	}
	dialCtx, stopDial := context.WithCancel(ctx)
	defer stopDial()
	w.stopDial = stopDial
	w.state = stateDialing
	w.mu.Unlock()

	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: w.header,
		HTTPClient: w.client,
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopDial = nil
	if w.state == stateClosed {
		if err == nil {
			_ = conn.CloseNow()
		}
		return fmt.Errorf("%w: channel closed while dialing", ErrConnect)
	}
	if err != nil {
		w.state = stateIdle
		return fmt.Errorf("%w: dial %s: %w", ErrConnect, endpoint, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.conn = conn
	w.cancel = cancel
	w.state = stateOpen
	w.connected = true
	w.events <- Event{Kind: EventOpened}

	w.wg.Add(2)
	go w.readLoop(loopCtx)
	go w.writeLoop(loopCtx)
	return nil
}

// Send implements [Channel].
func (w *WebSocket) Send(msg Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateOpen {
		slog.Warn("signaling: dropping message", "type", msg.Type, "session_id", msg.SessionID, "err", ErrNotOpen)
		return
	}
	select {
	case w.out <- msg:
	default:
		slog.Warn("signaling: outbound queue full, dropping message", "type", msg.Type, "session_id", msg.SessionID)
	}
}

// Events implements [Channel].
func (w *WebSocket) Events() <-chan Event { return w.events }

// Close implements [Channel].
func (w *WebSocket) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.state = stateClosed
		connected := w.connected
		if w.stopDial != nil {
			w.stopDial()
		}
		w.mu.Unlock()

		if !connected {
			w.events <- Event{Kind: EventClosed}
			close(w.events)
			return
		}
		// The read loop owns the event stream and closes it on exit.
		_ = w.conn.Close(websocket.StatusNormalClosure, "bye")
		w.cancel()
		w.wg.Wait()
	})
	return nil
}

// markClosed records that the transport went away on its own.
func (w *WebSocket) markClosed() (local bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	local = w.state == stateClosed
	w.state = stateClosed
	return local
}

func (w *WebSocket) readLoop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.events)

	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			local := w.markClosed()
			ev := Event{Kind: EventClosed}
			if !local && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				ev.Err = err
				slog.Warn("signaling: connection lost", "err", err)
			}
			w.cancel()
			w.deliverFinal(ev)
			return
		}

		msg, err := Decode(data)
		if err != nil {
			w.deliver(ctx, Event{Kind: EventErrored, Err: err})
			continue
		}
		w.deliver(ctx, Event{Kind: EventMessage, Message: msg})
	}
}

func (w *WebSocket) deliver(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// deliverFinal sends the closing event without blocking an absent consumer.
func (w *WebSocket) deliverFinal(ev Event) {
	select {
	case w.events <- ev:
	default:
		slog.Debug("signaling: event stream full, close event dropped")
	}
}

func (w *WebSocket) writeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.out:
			data, err := Encode(msg)
			if err != nil {
				slog.Warn("signaling: dropping message", "type", msg.Type, "err", err)
				continue
			}
			if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("signaling: write failed", "type", msg.Type, "err", err)
				}
				return
			}
		}
	}
}
