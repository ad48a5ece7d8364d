package conversation_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/conversation"
	"github.com/MrWong99/realtalk/internal/drift"
	"github.com/MrWong99/realtalk/internal/match"
	"github.com/MrWong99/realtalk/internal/store"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
	audiomock "github.com/MrWong99/realtalk/pkg/audio/mock"
	"github.com/MrWong99/realtalk/pkg/peer"
	peermock "github.com/MrWong99/realtalk/pkg/peer/mock"
	"github.com/MrWong99/realtalk/pkg/signaling"
	sigmock "github.com/MrWong99/realtalk/pkg/signaling/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func advance(clk *clock.Mock, d time.Duration) {
	const step = 100 * time.Millisecond
	for d > 0 {
		s := min(step, d)
		clk.Add(s)
		d -= s
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	clk   *clock.Mock
	ch    *sigmock.Channel
	tr    *peermock.Transport
	mic   *audiomock.Microphone
	store *store.Memory
	call  *conversation.Call

	mu     sync.Mutex
	events []conversation.Event
}

func newFixture(t *testing.T, mutate func(*conversation.CallConfig)) *fixture {
	t.Helper()
	f := &fixture{
		clk:   clock.NewMock(),
		ch:    sigmock.New(),
		tr:    peermock.New(),
		mic:   &audiomock.Microphone{},
		store: store.NewMemory(),
	}
	p := peer.New(peer.Config{
		Transport: f.tr,
		Device:    capture.New(f.mic),
		Channel:   f.ch,
		Endpoint:  "ws://hub.test/ws",
		Clock:     f.clk,
	})
	cfg := conversation.CallConfig{
		Match: match.Match{
			SessionID: "room-1",
			Partner:   match.Identity{UserID: "bo", Username: "Bo"},
		},
		SelfID:       "ada",
		Peer:         p,
		Store:        f.store,
		InitialDrift: 25,
		Clock:        f.clk,
		Rand:         rand.New(rand.NewPCG(7, 8)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.call = conversation.NewCall(cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range f.call.Events() {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = f.call.Hangup(ctx)
		<-done
	})
	return f
}

// connect starts the call as responder and brings the link up.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.call.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "link connecting", func() bool { return f.call.Link().Phase == peer.PhaseConnecting })
	f.tr.SetPhase(peer.PhaseConnected)
	waitFor(t, "call active", func() bool { return f.call.Session().State == conversation.StateActive })
}

func (f *fixture) feedbackShown() []drift.FeedbackEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []drift.FeedbackEvent
	for _, ev := range f.events {
		if ev.Kind == conversation.EventFeedback && ev.Feedback.Kind == drift.NoticeShown {
			out = append(out, ev.Feedback.Event)
		}
	}
	return out
}

func TestCall_ActivatesAndWelcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if got := f.call.Session().State; got != conversation.StateConnecting {
		t.Fatalf("state before start = %v, want connecting", got)
	}
	f.connect(t)
	if got := f.call.Session().Elapsed; got != 0 {
		t.Errorf("Elapsed at activation = %v, want 0", got)
	}

	advance(f.clk, 2900*time.Millisecond)
	if len(f.call.Feedback().History()) != 0 {
		t.Fatal("welcome shown before its delay")
	}
	advance(f.clk, 200*time.Millisecond)
	waitFor(t, "welcome", func() bool { return len(f.call.Feedback().History()) == 1 })
	if got := f.call.Feedback().History()[0]; got.Reason != drift.ReasonWelcome {
		t.Errorf("first feedback = %+v, want welcome", got)
	}
	waitFor(t, "feedback event", func() bool { return len(f.feedbackShown()) == 1 })
}

func TestCall_HangupRecordsOutcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.connect(t)

	for _, v := range []float64{10, 45} {
		if err := f.call.Observe(drift.Sample{Value: v}); err != nil {
			t.Fatalf("Observe(%g): %v", v, err)
		}
	}
	advance(f.clk, 4*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := f.call.Hangup(ctx)
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if o.EndReason != store.EndHangup || o.SelfID != "ada" || o.PartnerID != "bo" {
		t.Errorf("outcome = %+v", o)
	}
	if o.Duration != 4*time.Second {
		t.Errorf("Duration = %v, want 4s", o.Duration)
	}
	if o.FinalDrift != 45 || o.AverageDrift != 27.5 {
		t.Errorf("drift final/avg = %g/%g, want 45/27.5", o.FinalDrift, o.AverageDrift)
	}
	// Masked at 45, then the welcome at 3s.
	if o.FeedbackCount != 2 {
		t.Errorf("FeedbackCount = %d, want 2", o.FeedbackCount)
	}
	if got := f.store.Outcomes("room-1"); len(got) != 1 || got[0] != o {
		t.Errorf("stored outcomes = %+v", got)
	}

	if got := f.call.Session().State; got != conversation.StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
	if !f.tr.Closed() || f.mic.OpenStreams() != 0 {
		t.Error("link or capture left open after hangup")
	}
	if n := len(f.ch.SentOfType(signaling.TypeLeave)); n != 1 {
		t.Errorf("sent %d leave messages, want 1", n)
	}

	again, err := f.call.Hangup(ctx)
	if err != nil || again != o {
		t.Errorf("second Hangup = (%+v, %v), want the same outcome", again, err)
	}
}

func TestCall_PartnerLeftEndsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.connect(t)
	advance(f.clk, time.Second)

	f.ch.Inject(signaling.Message{Type: signaling.TypePeerLeft, SessionID: "room-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := f.call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.EndReason != store.EndPartnerLeft {
		t.Errorf("EndReason = %q, want partner-left", o.EndReason)
	}
	if got := f.call.Session().State; got != conversation.StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
}

func TestCall_LinkFailureFailsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.call.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "link connecting", func() bool { return f.call.Link().Phase == peer.PhaseConnecting })
	f.tr.SetPhase(peer.PhaseFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := f.call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.EndReason != store.EndFailed || o.Duration != 0 {
		t.Errorf("outcome = %+v, want failed with no active time", o)
	}
	if got := f.call.Session().State; got != conversation.StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestCall_CaptureFailureFailsStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mic.OpenError = capture.ErrPermissionDenied

	err := f.call.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	<-f.call.Done()
	if got := f.call.Session().State; got != conversation.StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestCall_ObserveRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.connect(t)

	err := f.call.Observe(drift.Sample{Value: 140})
	var cv *drift.ContractViolation
	if !errors.As(err, &cv) {
		t.Fatalf("Observe(140) err = %v, want ContractViolation", err)
	}
	if err := f.call.Observe(drift.Sample{Value: 85}); err != nil {
		t.Fatalf("Observe(85): %v", err)
	}
	r := f.call.Drift()
	if r.Value != 85 || r.Band != drift.BandFullyArtificial || r.Trend != drift.TrendRising {
		t.Errorf("reading = %+v", r)
	}
	if a := f.call.Feedback().Active(); a == nil || a.Category != drift.CategoryUnleashed {
		t.Errorf("active = %+v, want unleashed", a)
	}
}

func TestCall_LoadsPartnerContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	err := f.store.RecordMatch(context.Background(), store.MatchRecord{
		SessionID: "room-1",
		Members: [2]store.Participant{
			{UserID: "ada", Username: "Ada"},
			{UserID: "bo", Username: "Bo M.", Avatar: "bo.png"},
		},
	})
	if err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}
	f.connect(t)

	p := f.call.Session().Participants
	if p.PartnerName != "Bo M." || p.PartnerAvatar != "bo.png" {
		t.Errorf("participants = %+v", p)
	}
}

func TestCall_SimulatorAndAchievements(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *conversation.CallConfig) {
		cfg.Simulator = &drift.SimulatorConfig{Interval: 5 * time.Second, ChangeProbability: 1, MaxStep: 10}
		cfg.Achievements = &drift.AchievementConfig{MinInterval: 15 * time.Second, MaxInterval: 15 * time.Second, Probability: 1}
	})
	f.connect(t)

	advance(f.clk, 16*time.Second)
	waitFor(t, "simulated drift", func() bool { return f.call.Drift().Value != 25 })
	waitFor(t, "achievement", func() bool {
		for _, ev := range f.call.Feedback().History() {
			if ev.Reason == drift.ReasonExternal {
				return true
			}
		}
		return false
	})
}

func TestCall_SimulatedMatchSkipsStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *conversation.CallConfig) { cfg.Match.Simulated = true })
	f.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.call.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if got := f.store.Outcomes("room-1"); len(got) != 0 {
		t.Errorf("simulated call stored %d outcomes", len(got))
	}
}
