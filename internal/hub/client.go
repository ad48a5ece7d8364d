package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/realtalk/pkg/signaling"
)

const writeTimeout = 5 * time.Second

// client is one websocket connection. Its fields other than conn, send and
// done are guarded by the hub's lock.
type client struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	userID      string
	identity    signaling.Message
	searching   bool
	searchStart time.Time
	rooms       map[string]bool
}

func newClient(id uint64, conn *websocket.Conn) *client {
	return &client{
		id:    id,
		conn:  conn,
		send:  make(chan []byte, DefaultSendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]bool),
	}
}

func (c *client) searchTimer() string { return fmt.Sprintf("search-%d", c.id) }

// deliver queues msg without blocking. A client that falls behind loses
// messages.
func (c *client) deliver(msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		slog.Error("hub: encode", "type", msg.Type, "err", err)
		return
	}
	c.deliverRaw(msg.Type, data)
}

func (c *client) deliverRaw(typ signaling.Type, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("hub: client behind, message dropped", "client", c.id, "type", typ)
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
}
