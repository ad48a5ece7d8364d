package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/match"
	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
	"github.com/MrWong99/realtalk/pkg/peer"
	peermock "github.com/MrWong99/realtalk/pkg/peer/mock"
	"github.com/MrWong99/realtalk/pkg/signaling"
	sigmock "github.com/MrWong99/realtalk/pkg/signaling/mock"
)

// loopback gives simulated partners a voice: each match gets a second peer
// session in this process, fed by a synthetic tone and linked to the local
// call through in-memory transports and signaling channels.
type loopback struct {
	format audio.Format
	clk    clock.Clock

	mu       sync.Mutex
	partners map[string]*peer.Session
	wg       sync.WaitGroup
}

func newLoopback(format audio.Format, clk clock.Clock) *loopback {
	if clk == nil {
		clk = clock.New()
	}
	return &loopback{format: format, clk: clk, partners: make(map[string]*peer.Session)}
}

// Connect starts the partner side of m and returns the transport and
// channel for the local side.
func (l *loopback) Connect(m match.Match) (peer.Transport, signaling.Channel, error) {
	local, remote := peermock.Pair()
	localCh, remoteCh := sigmock.New(), sigmock.New()
	sigmock.Link(localCh, remoteCh)

	partner := peer.New(peer.Config{
		Transport: remote,
		Device:    capture.New(&capture.Synthetic{Frequency: 180, Clock: l.clk}, capture.WithFormat(l.format)),
		Channel:   remoteCh,
		Endpoint:  "loopback",
		Clock:     l.clk,
	})
	role := peer.Initiator
	if m.Initiator {
		role = peer.Responder
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info := peer.Info{SessionID: m.SessionID, SelfID: m.Partner.UserID}
	if err := partner.Initiate(ctx, info, role); err != nil {
		return nil, nil, errors.Join(err, partner.Terminate())
	}

	l.mu.Lock()
	l.partners[m.SessionID] = partner
	l.mu.Unlock()
	l.wg.Add(1)
	go l.watch(m.SessionID, partner)

	return local, &leaveRelay{Channel: localCh, partner: remoteCh}, nil
}

// watch tears the partner down once the local side has left.
func (l *loopback) watch(sessionID string, partner *peer.Session) {
	defer l.wg.Done()
	for ev := range partner.Events() {
		if ev.Kind == peer.EventState && ev.State.Phase.Terminal() {
			break
		}
	}
	if err := partner.Terminate(); err != nil {
		slog.Debug("loopback: partner teardown", "session_id", sessionID, "err", err)
	}
	for range partner.Events() {
	}
	l.mu.Lock()
	delete(l.partners, sessionID)
	l.mu.Unlock()
}

// Close hangs up every simulated partner.
func (l *loopback) Close() {
	l.mu.Lock()
	partners := make([]*peer.Session, 0, len(l.partners))
	for _, p := range l.partners {
		partners = append(partners, p)
	}
	l.mu.Unlock()
	for _, p := range partners {
		_ = p.Terminate()
	}
	l.wg.Wait()
}

// leaveRelay turns the local leave into the peer-left notice the hub would
// send the partner.
type leaveRelay struct {
	*sigmock.Channel
	partner *sigmock.Channel
}

func (r *leaveRelay) Send(msg signaling.Message) {
	if msg.Type == signaling.TypeLeave {
		r.partner.Inject(signaling.Message{Type: signaling.TypePeerLeft, SessionID: msg.SessionID, Reason: "left"})
		return
	}
	r.Channel.Send(msg)
}
