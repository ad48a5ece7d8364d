// Package hub is the matchmaking and signaling server. Clients connect over a
// websocket and speak the [signaling.Message] protocol:
//
//   - findMatch queues the caller; when a second searcher arrives both get
//     matchFound with a shared sessionId, the earlier searcher as initiator.
//     A search that finds nobody within the timeout gets matchTimeout.
//   - join enters the conversation room of a session. offer, answer,
//     ice-candidate and mute-status are relayed to the other member, and
//     buffered until that member has joined.
//   - leave, or closing the connection, removes the member and tells the
//     partner with peer-left.
//
// Each client opens a new connection for the search and for the call, so
// room membership is keyed by user id rather than by connection.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/realtalk/internal/observe"
	"github.com/MrWong99/realtalk/internal/store"
	"github.com/MrWong99/realtalk/internal/timers"
	"github.com/MrWong99/realtalk/pkg/signaling"
)

// Defaults.
const (
	DefaultSearchTimeout = 30 * time.Second
	DefaultJoinTimeout   = time.Minute
	DefaultMaxPending    = 64
	DefaultSendBuffer    = 64
)

// ErrClosed is returned by Ping after Close; new connections are refused.
var ErrClosed = errors.New("hub: closed")

// Config configures a [Hub].
type Config struct {
	// SearchTimeout bounds how long a searcher waits for a partner.
	SearchTimeout time.Duration

	// JoinTimeout bounds how long a paired room waits for both members.
	JoinTimeout time.Duration

	// MaxPending caps the messages buffered per room for a member that has
	// not joined yet.
	MaxPending int

	// Store records every pairing. Optional.
	Store store.MatchStore

	// Metrics is optional.
	Metrics *observe.Metrics

	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string

	Clock clock.Clock
}

// Hub is safe for concurrent use. Use it as an [http.Handler].
type Hub struct {
	cfg Config

	mu      sync.Mutex
	timers  *timers.Registry
	clk     clock.Clock
	seq     uint64
	clients map[*client]struct{}
	waiting []*client
	rooms   map[string]*room
	closed  bool
	writes  sync.WaitGroup
}

// room is one conversation. expected is empty for rooms created by a bare
// join without a pairing.
type room struct {
	id       string
	expected []string
	members  map[string]*client
	pending  []pending
	joined   map[string]bool
}

type pending struct {
	from string
	typ  signaling.Type
	data []byte
}

// New creates a hub.
func New(cfg Config) *Hub {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	h := &Hub{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]*room),
	}
	h.timers = timers.New(cfg.Clock, &h.mu)
	h.clk = h.timers.Clock()
	return h
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		slog.Warn("hub: websocket accept", "err", err)
		return
	}
	c, err := h.register(conn)
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)

	ctx := r.Context()
	go c.writeLoop(ctx)
	h.readLoop(ctx, c)
}

func (h *Hub) register(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.seq++
	c := newClient(h.seq, conn)
	h.clients[c] = struct{}{}
	h.record(func(m *observe.Metrics) { m.ActiveConnections.Add(context.Background(), 1) })
	slog.Debug("hub: client connected", "client", c.id)
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if h.dequeueLocked(c) {
		h.recordSearch(c, "disconnected")
	}
	for id := range c.rooms {
		if r, ok := h.rooms[id]; ok {
			h.leaveLocked(r, c, "disconnected")
		}
	}
	h.record(func(m *observe.Metrics) { m.ActiveConnections.Add(context.Background(), -1) })
	h.mu.Unlock()

	c.close()
	slog.Debug("hub: client disconnected", "client", c.id, "user_id", c.userID)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			h.record(func(m *observe.Metrics) { m.RecordMessage(ctx, "unknown", "rejected") })
			c.deliver(signaling.Message{Type: signaling.TypeError, Reason: "malformed message"})
			continue
		}
		h.handle(ctx, c, msg, data)
	}
}

func (h *Hub) handle(ctx context.Context, c *client, msg signaling.Message, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	switch msg.Type {
	case signaling.TypeFindMatch:
		h.findMatchLocked(ctx, c, msg)
	case signaling.TypeCancelSearch:
		if h.dequeueLocked(c) {
			h.recordSearch(c, "canceled")
		}
	case signaling.TypeJoin:
		h.joinLocked(c, msg)
	case signaling.TypeLeave:
		if r, ok := h.rooms[msg.SessionID]; ok && c.rooms[msg.SessionID] {
			h.leaveLocked(r, c, "left")
		}
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate, signaling.TypeMuteStatus:
		h.relayLocked(ctx, c, msg, data)
	default:
		h.record(func(m *observe.Metrics) { m.RecordMessage(ctx, string(msg.Type), "rejected") })
		c.deliver(signaling.Message{Type: signaling.TypeError, Reason: fmt.Sprintf("unsupported message type %q", msg.Type)})
	}
}

// ─── Matchmaking ────────────────────────────────────────────────────────────

func (h *Hub) findMatchLocked(ctx context.Context, c *client, msg signaling.Message) {
	if c.searching {
		return
	}
	c.identity = msg
	if c.identity.UserID == "" {
		c.identity.UserID = "user_" + uuid.NewString()[:8]
	}
	c.userID = c.identity.UserID

	for i, other := range h.waiting {
		if other.userID == c.userID {
			continue
		}
		h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
		other.searching = false
		h.timers.Cancel(other.searchTimer())
		h.pairLocked(ctx, other, c)
		return
	}

	c.searching = true
	c.searchStart = h.clk.Now()
	h.waiting = append(h.waiting, c)
	h.timers.After(c.searchTimer(), h.cfg.SearchTimeout, func() {
		if !h.dequeueLocked(c) {
			return
		}
		c.deliver(signaling.Message{Type: signaling.TypeMatchTimeout})
		h.recordSearch(c, "timeout")
		slog.Info("hub: search timed out", "user_id", c.userID)
	})
	slog.Debug("hub: searching", "user_id", c.userID, "persona", msg.Personality)
}

// dequeueLocked removes c from the waiting list and reports whether it was
// searching.
func (h *Hub) dequeueLocked(c *client) bool {
	if !c.searching {
		return false
	}
	c.searching = false
	h.timers.Cancel(c.searchTimer())
	for i, w := range h.waiting {
		if w == c {
			h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
			break
		}
	}
	return true
}

// pairLocked matches first (the earlier searcher, who makes the offer) with
// second.
func (h *Hub) pairLocked(ctx context.Context, first, second *client) {
	id := uuid.NewString()
	r := &room{
		id:       id,
		expected: []string{first.userID, second.userID},
		members:  make(map[string]*client),
		joined:   make(map[string]bool),
	}
	h.rooms[id] = r
	h.record(func(m *observe.Metrics) {
		m.Matches.Add(ctx, 1)
		m.ActiveRooms.Add(ctx, 1)
	})
	h.recordSearch(first, "matched")
	h.recordSearch(second, "matched")

	first.deliver(matchFound(id, second.identity, true))
	second.deliver(matchFound(id, first.identity, false))
	slog.Info("hub: matched", "session_id", id, "initiator", first.userID, "responder", second.userID)

	h.armJoinTimerLocked(r)

	if h.cfg.Store == nil {
		return
	}
	rec := store.MatchRecord{
		SessionID: id,
		Members:   [2]store.Participant{participant(first.identity), participant(second.identity)},
		CreatedAt: h.clk.Now(),
	}
	h.writes.Add(1)
	go func() {
		defer h.writes.Done()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.cfg.Store.RecordMatch(wctx, rec); err != nil {
			slog.Warn("hub: match not recorded", "session_id", rec.SessionID, "err", err)
			h.record(func(m *observe.Metrics) { m.RecordStoreError(wctx, "record_match") })
		}
	}()
}

func matchFound(sessionID string, partner signaling.Message, initiator bool) signaling.Message {
	return signaling.Message{
		Type:        signaling.TypeMatchFound,
		SessionID:   sessionID,
		UserID:      partner.UserID,
		Username:    partner.Username,
		Personality: partner.Personality,
		Avatar:      partner.Avatar,
		Initiator:   initiator,
	}
}

func participant(m signaling.Message) store.Participant {
	return store.Participant{UserID: m.UserID, Username: m.Username, Avatar: m.Avatar, Persona: m.Personality}
}

// armJoinTimerLocked closes r with peer-left when it is still incomplete
// after the join timeout.
func (h *Hub) armJoinTimerLocked(r *room) {
	h.timers.After(r.joinTimer(), h.cfg.JoinTimeout, func() {
		if cur, ok := h.rooms[r.id]; !ok || cur != r || r.complete() {
			return
		}
		slog.Info("hub: partner never joined", "session_id", r.id)
		for _, m := range r.members {
			m.deliver(signaling.Message{Type: signaling.TypePeerLeft, SessionID: r.id, Reason: "partner did not join"})
			delete(m.rooms, r.id)
		}
		h.deleteRoomLocked(r)
	})
}

func (h *Hub) recordSearch(c *client, outcome string) {
	elapsed := h.clk.Since(c.searchStart).Seconds()
	h.record(func(m *observe.Metrics) { m.RecordSearch(context.Background(), outcome, elapsed) })
}

// ─── Rooms ──────────────────────────────────────────────────────────────────

func (h *Hub) joinLocked(c *client, msg signaling.Message) {
	if msg.SessionID == "" {
		c.deliver(signaling.Message{Type: signaling.TypeError, Reason: "join without sessionId"})
		return
	}
	userID := msg.UserID
	if userID == "" {
		userID = c.userID
	}
	if userID == "" {
		userID = fmt.Sprintf("anon-%d", c.id)
	}

	r, ok := h.rooms[msg.SessionID]
	if !ok {
		r = &room{id: msg.SessionID, members: make(map[string]*client), joined: make(map[string]bool)}
		h.rooms[r.id] = r
		h.record(func(m *observe.Metrics) { m.ActiveRooms.Add(context.Background(), 1) })
		h.armJoinTimerLocked(r)
	}
	if !r.allows(userID) {
		c.deliver(signaling.Message{Type: signaling.TypeError, SessionID: r.id, Reason: "not a member of this session"})
		return
	}
	if prev, ok := r.members[userID]; ok && prev != c {
		delete(prev.rooms, r.id)
	}
	c.userID = userID
	r.members[userID] = c
	r.joined[userID] = true
	c.rooms[r.id] = true

	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.from == userID {
			kept = append(kept, p)
			continue
		}
		c.deliverRaw(p.typ, p.data)
	}
	r.pending = kept
	slog.Debug("hub: joined", "session_id", r.id, "user_id", userID, "members", len(r.members))
}

func (h *Hub) relayLocked(ctx context.Context, c *client, msg signaling.Message, data []byte) {
	r, ok := h.rooms[msg.SessionID]
	if !ok || !c.rooms[msg.SessionID] || r.members[c.userID] != c {
		h.record(func(m *observe.Metrics) { m.RecordMessage(ctx, string(msg.Type), "rejected") })
		c.deliver(signaling.Message{Type: signaling.TypeError, SessionID: msg.SessionID, Reason: "not joined"})
		return
	}

	relayed := false
	for id, m := range r.members {
		if id == c.userID {
			continue
		}
		m.deliverRaw(msg.Type, data)
		relayed = true
	}
	if relayed {
		h.record(func(m *observe.Metrics) { m.RecordMessage(ctx, string(msg.Type), "relayed") })
		return
	}
	if len(r.pending) >= h.cfg.MaxPending {
		slog.Warn("hub: pending buffer full, message dropped", "session_id", r.id, "type", msg.Type)
		h.record(func(m *observe.Metrics) { m.RecordMessage(ctx, string(msg.Type), "dropped") })
		return
	}
	r.pending = append(r.pending, pending{from: c.userID, typ: msg.Type, data: data})
	h.record(func(m *observe.Metrics) { m.RecordMessage(ctx, string(msg.Type), "buffered") })
}

// leaveLocked removes c from r and tells the remaining members.
func (h *Hub) leaveLocked(r *room, c *client, reason string) {
	delete(c.rooms, r.id)
	if r.members[c.userID] != c {
		return
	}
	delete(r.members, c.userID)
	for _, m := range r.members {
		m.deliver(signaling.Message{Type: signaling.TypePeerLeft, SessionID: r.id, UserID: c.userID, Reason: reason})
	}
	slog.Info("hub: member left", "session_id", r.id, "user_id", c.userID, "reason", reason)
	if len(r.members) == 0 {
		h.deleteRoomLocked(r)
	}
}

func (h *Hub) deleteRoomLocked(r *room) {
	if h.rooms[r.id] != r {
		return
	}
	delete(h.rooms, r.id)
	h.timers.Cancel(r.joinTimer())
	h.record(func(m *observe.Metrics) { m.ActiveRooms.Add(context.Background(), -1) })
}

func (r *room) allows(userID string) bool {
	if len(r.expected) == 0 {
		return true
	}
	for _, id := range r.expected {
		if id == userID {
			return true
		}
	}
	return false
}

// complete reports whether every expected member has joined at least once.
// A room without expected members needs two.
func (r *room) complete() bool {
	if len(r.expected) == 0 {
		return len(r.joined) >= 2
	}
	for _, id := range r.expected {
		if !r.joined[id] {
			return false
		}
	}
	return true
}

func (r *room) joinTimer() string { return "join-" + r.id }

// ─── Introspection ──────────────────────────────────────────────────────────

// Stats is a point-in-time view of the hub.
type Stats struct {
	Clients int
	Waiting int
	Rooms   int
}

// Stats returns the current counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Clients: len(h.clients), Waiting: len(h.waiting), Rooms: len(h.rooms)}
}

// SetSearchTimeout changes the timeout for searches started from now on.
func (h *Hub) SetSearchTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.SearchTimeout = d
}

// Ping reports [ErrClosed] once the hub stopped accepting clients.
func (h *Hub) Ping(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every timer, disconnects every client and waits for pending
// store writes. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.timers.StopAll()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.writes.Wait()
	return nil
}

func (h *Hub) record(fn func(*observe.Metrics)) {
	if h.cfg.Metrics != nil {
		fn(h.cfg.Metrics)
	}
}
