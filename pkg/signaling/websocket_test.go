package signaling_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/realtalk/pkg/signaling"
)

// testServer accepts one websocket and hands it to the test.
func testServer(t *testing.T) (endpoint string, conns <-chan *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ch <- c
		// Keep the handler alive until the test is done with the conn.
		<-stop
		_ = c.CloseNow()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })
	return "ws" + strings.TrimPrefix(srv.URL, "http"), ch
}

func nextEvent(t *testing.T, ch <-chan signaling.Event) signaling.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return signaling.Event{}
	}
}

func TestWebSocket_ConnectFailure(t *testing.T) {
	t.Parallel()

	ch := signaling.NewWebSocket()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ch.Connect(ctx, "ws://127.0.0.1:1/ws")
	if !errors.Is(err, signaling.ErrConnect) {
		t.Fatalf("Connect err = %v, want ErrConnect", err)
	}
	// Send on a never-opened channel is dropped silently.
	ch.Send(signaling.Message{Type: signaling.TypeJoin})
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev := nextEvent(t, ch.Events())
	if ev.Kind != signaling.EventClosed || ev.Err != nil {
		t.Errorf("got %v err=%v, want closed", ev.Kind, ev.Err)
	}
	if _, ok := <-ch.Events(); ok {
		t.Error("event stream not closed")
	}
}

func TestWebSocket_CloseAbandonsDial(t *testing.T) {
	t.Parallel()

	// The handler never completes the upgrade.
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-stop }))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })

	ch := signaling.NewWebSocket()
	dialed := make(chan error, 1)
	go func() { dialed <- ch.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = ch.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind the dial")
	}

	select {
	case err := <-dialed:
		if !errors.Is(err, signaling.ErrConnect) {
			t.Errorf("Connect err = %v, want ErrConnect", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if err := ch.Connect(context.Background(), "ws://127.0.0.1:1/ws"); !errors.Is(err, signaling.ErrConnect) {
		t.Errorf("Connect after Close = %v, want ErrConnect", err)
	}
}

func TestWebSocket_Exchange(t *testing.T) {
	t.Parallel()

	endpoint, conns := testServer(t)
	ch := signaling.NewWebSocket()
	ctx := context.Background()
	if err := ch.Connect(ctx, endpoint); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	if err := ch.Connect(ctx, endpoint); !errors.Is(err, signaling.ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v", err)
	}
	if ev := nextEvent(t, ch.Events()); ev.Kind != signaling.EventOpened {
		t.Fatalf("first event = %v, want opened", ev.Kind)
	}
	srv := <-conns

	ch.Send(signaling.Message{Type: signaling.TypeJoin, SessionID: "room-1"})
	_, data, err := srv.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	got, err := signaling.Decode(data)
	if err != nil || got.Type != signaling.TypeJoin || got.SessionID != "room-1" {
		t.Fatalf("server got %+v (%v)", got, err)
	}

	if err := srv.Write(ctx, websocket.MessageText, []byte(`{"type":"mute-status","sessionId":"room-1","isMuted":true}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	ev := nextEvent(t, ch.Events())
	if ev.Kind != signaling.EventMessage || ev.Message.Type != signaling.TypeMuteStatus || !*ev.Message.IsMuted {
		t.Fatalf("got %+v", ev)
	}

	if err := srv.Write(ctx, websocket.MessageText, []byte(`garbage`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if ev := nextEvent(t, ch.Events()); ev.Kind != signaling.EventErrored || !errors.Is(ev.Err, signaling.ErrMalformed) {
		t.Fatalf("got %+v, want errored", ev)
	}
}

func TestWebSocket_RemoteLoss(t *testing.T) {
	t.Parallel()

	endpoint, conns := testServer(t)
	ch := signaling.NewWebSocket()
	if err := ch.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, ch.Events()) // opened
	srv := <-conns
	_ = srv.CloseNow()

	ev := nextEvent(t, ch.Events())
	if ev.Kind != signaling.EventClosed || ev.Err == nil {
		t.Fatalf("got %v err=%v, want closed with error", ev.Kind, ev.Err)
	}
	if _, ok := <-ch.Events(); ok {
		t.Error("event stream not closed after loss")
	}
	// Send after loss and Close must not panic.
	ch.Send(signaling.Message{Type: signaling.TypeLeave})
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWebSocket_LocalCloseIdempotent(t *testing.T) {
	t.Parallel()

	endpoint, conns := testServer(t)
	ch := signaling.NewWebSocket()
	if err := ch.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, ch.Events())
	srv := <-conns
	// Answer the close handshake.
	go func() {
		for {
			if _, _, err := srv.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		_ = ch.Close()
		_ = ch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}

	for ev := range ch.Events() {
		if ev.Kind == signaling.EventClosed && ev.Err != nil {
			t.Errorf("local close reported error %v", ev.Err)
		}
	}
}
