package drift_test

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/MrWong99/realtalk/internal/drift"
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

// advance moves the mock clock in small steps so timer callbacks, which the
// mock runs on their own goroutines, get a chance to run between steps.
func advance(clk *clock.Mock, d time.Duration) {
	const step = 100 * time.Millisecond
	for d > 0 {
		s := min(step, d)
		clk.Add(s)
		d -= s
		time.Sleep(time.Millisecond)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		prev, cur float64
		want      drift.Category
		reason    drift.Reason
		fires     bool
	}{
		{name: "returning", prev: 35, cur: 15, want: drift.CategoryAuthentic, reason: drift.ReasonReturning, fires: true},
		{name: "steady authentic", prev: 15, cur: 15},
		{name: "entering mask", prev: 10, cur: 45, want: drift.CategoryMasked, reason: drift.ReasonEnteringMask, fires: true},
		{name: "inside mask", prev: 45, cur: 44},
		{name: "unleashed", prev: 70, cur: 85, want: drift.CategoryUnleashed, reason: drift.ReasonUnleashed, fires: true},
		{name: "already unleashed", prev: 85, cur: 90},
		{name: "sharp drop", prev: 90, cur: 55, want: drift.CategoryAuthentic, reason: drift.ReasonSharpDrop, fires: true},
		{name: "drop of exactly 30", prev: 90, cur: 60},
		{name: "boundary 40 enters mask", prev: 39, cur: 40, want: drift.CategoryMasked, reason: drift.ReasonEnteringMask, fires: true},
		{name: "boundary 60 enters mask", prev: 20, cur: 60, want: drift.CategoryMasked, reason: drift.ReasonEnteringMask, fires: true},
		{name: "boundary 20 from 31", prev: 31, cur: 20, want: drift.CategoryAuthentic, reason: drift.ReasonReturning, fires: true},
		{name: "from 30 is not returning", prev: 30, cur: 20},
		{name: "boundary 80 enters unleashed", prev: 79, cur: 80, want: drift.CategoryUnleashed, reason: drift.ReasonUnleashed, fires: true},
		{name: "returning wins over sharp drop", prev: 70, cur: 10, want: drift.CategoryAuthentic, reason: drift.ReasonReturning, fires: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cat, reason, ok := drift.Evaluate(tt.prev, tt.cur)
			if ok != tt.fires {
				t.Fatalf("Evaluate(%g, %g) fired = %v, want %v", tt.prev, tt.cur, ok, tt.fires)
			}
			if cat != tt.want || reason != tt.reason {
				t.Errorf("Evaluate(%g, %g) = (%q, %q), want (%q, %q)", tt.prev, tt.cur, cat, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestContractViolation(t *testing.T) {
	t.Parallel()
	e := drift.NewEngine(drift.EngineConfig{Clock: clock.NewMock()})
	t.Cleanup(e.Close)

	for _, v := range []float64{-0.1, 100.5} {
		_, err := e.Observe(drift.Sample{Value: v})
		if !errors.Is(err, drift.ErrOutOfRange) {
			t.Fatalf("Observe(%g) err = %v, want ErrOutOfRange", v, err)
		}
		var cv *drift.ContractViolation
		if !errors.As(err, &cv) || cv.Value != v {
			t.Errorf("Observe(%g) err = %#v, want ContractViolation with the value", v, err)
		}
	}
	if _, primed := e.Last(); primed {
		t.Error("a rejected sample must not become the baseline")
	}
}

func TestEngine_FirstSampleIsBaseline(t *testing.T) {
	t.Parallel()
	e := drift.NewEngine(drift.EngineConfig{Clock: clock.NewMock()})
	t.Cleanup(e.Close)

	ev, err := e.Observe(drift.Sample{Value: 90})
	if err != nil || ev != nil {
		t.Fatalf("first Observe = (%v, %v), want no event", ev, err)
	}
	ev, err = e.Observe(drift.Sample{Value: 55})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if ev == nil || ev.Category != drift.CategoryAuthentic || ev.Reason != drift.ReasonSharpDrop {
		t.Fatalf("Observe(55) = %+v, want sharp drop", ev)
	}
	if ev.Message != "✨ Back to yourself!" {
		t.Errorf("Message = %q", ev.Message)
	}
	if ev.DisplayWindow != drift.DefaultDisplayWindow {
		t.Errorf("DisplayWindow = %v", ev.DisplayWindow)
	}
}

func TestEngine_ExpiryClearsActive(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	e := drift.NewEngine(drift.EngineConfig{Clock: clk})
	t.Cleanup(e.Close)

	ev, ok := e.Emit(drift.CategoryAchievement, "")
	if !ok {
		t.Fatal("Emit refused")
	}
	if got := e.Active(); got == nil || got.ID != ev.ID {
		t.Fatalf("Active = %+v, want %v", got, ev.ID)
	}
	advance(clk, 2900*time.Millisecond)
	if e.Active() == nil {
		t.Fatal("event expired before its display window")
	}
	advance(clk, 200*time.Millisecond)
	waitFor(t, "expiry", func() bool { return e.Active() == nil })

	if got := e.History(); len(got) != 1 || got[0].ID != ev.ID {
		t.Errorf("History = %+v", got)
	}
}

func TestEngine_SupersedeCancelsOldExpiryOnce(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	e := drift.NewEngine(drift.EngineConfig{Clock: clk})
	t.Cleanup(e.Close)

	first, _ := e.Emit(drift.CategoryMasked, "first")
	advance(clk, 2*time.Second)
	second, _ := e.Emit(drift.CategoryUnleashed, "second")

	// The first event's expiry would have fired at 3s.
	advance(clk, 1500*time.Millisecond)
	if got := e.Active(); got == nil || got.ID != second.ID {
		t.Fatalf("Active = %+v, want the second event", got)
	}
	advance(clk, 2*time.Second)
	waitFor(t, "second expiry", func() bool { return e.Active() == nil })

	want := []struct {
		kind drift.NoticeKind
		id   uuid.UUID
	}{
		{drift.NoticeShown, first.ID},
		{drift.NoticeSuperseded, first.ID},
		{drift.NoticeShown, second.ID},
		{drift.NoticeExpired, second.ID},
	}
	for i, w := range want {
		select {
		case n := <-e.Notices():
			if n.Kind != w.kind || n.Event.ID != w.id {
				t.Errorf("notice %d = (%v, %v), want (%v, %v)", i, n.Kind, n.Event.ID, w.kind, w.id)
			}
		case <-time.After(time.Second):
			t.Fatalf("notice %d missing", i)
		}
	}
	select {
	case n := <-e.Notices():
		t.Errorf("unexpected notice %v for %v", n.Kind, n.Event.ID)
	default:
	}
}

func TestEngine_SingleActiveOverSequence(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	e := drift.NewEngine(drift.EngineConfig{Clock: clk})
	t.Cleanup(e.Close)

	values := []float64{25, 10, 45, 85, 50, 15, 35, 82, 40, 5}
	emitted := 0
	for _, v := range values {
		ev, err := e.Observe(drift.Sample{Value: v, At: clk.Now()})
		if err != nil {
			t.Fatalf("Observe(%g): %v", v, err)
		}
		if ev != nil {
			emitted++
			if got := e.Active(); got == nil || got.ID != ev.ID {
				t.Fatalf("after %g Active = %+v, want %v", v, got, ev.ID)
			}
		}
		advance(clk, time.Second)
	}
	if got := len(e.History()); got != emitted {
		t.Errorf("History has %d events, emitted %d", got, emitted)
	}
	if emitted == 0 {
		t.Fatal("sequence emitted nothing")
	}
}

func TestEngine_WelcomeAndCatalog(t *testing.T) {
	t.Parallel()
	e := drift.NewEngine(drift.EngineConfig{Clock: clock.NewMock()})
	t.Cleanup(e.Close)

	ev, ok := e.Welcome()
	if !ok || ev.Category != drift.CategoryAchievement || ev.Message != "🎉 Conversation started!" {
		t.Fatalf("Welcome = %+v, %v", ev, ok)
	}

	ev, _ = e.Emit(drift.CategoryUnleashed, "")
	found := false
	for _, m := range drift.English.Variants(drift.CategoryUnleashed) {
		found = found || m == ev.Message
	}
	if !found {
		t.Errorf("Emit picked %q, not an unleashed variant", ev.Message)
	}
}

func TestEngine_Close(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	e := drift.NewEngine(drift.EngineConfig{Clock: clk})

	e.Emit(drift.CategoryMasked, "x")
	e.Close()
	e.Close()

	if e.Active() != nil {
		t.Error("Active after Close")
	}
	if _, ok := e.Emit(drift.CategoryMasked, "y"); ok {
		t.Error("Emit accepted after Close")
	}
	if ev, err := e.Observe(drift.Sample{Value: 50}); ev != nil || err != nil {
		t.Errorf("Observe after Close = (%v, %v)", ev, err)
	}
	advance(clk, 4*time.Second)

	// Drain what was sent before Close; the stream must then be closed.
	for range e.Notices() {
	}
}
