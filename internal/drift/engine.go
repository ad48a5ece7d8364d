package drift

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/MrWong99/realtalk/internal/timers"
)

// DefaultDisplayWindow is how long a notification stays visible.
const DefaultDisplayWindow = 3 * time.Second

const timerExpiry = "feedback-expiry"

// FeedbackEvent is a user-facing notification.
type FeedbackEvent struct {
	ID            uuid.UUID
	Category      Category
	Reason        Reason
	Message       string
	CreatedAt     time.Time
	DisplayWindow time.Duration
}

// ExpiresAt returns when the event leaves the screen.
func (e FeedbackEvent) ExpiresAt() time.Time { return e.CreatedAt.Add(e.DisplayWindow) }

// NoticeKind tells observers what happened to a notification.
type NoticeKind int

const (
	// NoticeShown: the event became the active one.
	NoticeShown NoticeKind = iota
	// NoticeExpired: the display window ran out.
	NoticeExpired
	// NoticeSuperseded: a newer event replaced it before expiry.
	NoticeSuperseded
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeShown:
		return "shown"
	case NoticeExpired:
		return "expired"
	case NoticeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Notice is one entry on the [Engine.Notices] stream.
type Notice struct {
	Kind  NoticeKind
	Event FeedbackEvent
}

// EngineConfig configures an [Engine].
type EngineConfig struct {
	// DisplayWindow defaults to [DefaultDisplayWindow].
	DisplayWindow time.Duration

	// Messages defaults to [English].
	Messages Messages

	// Clock drives the expiry timer. Defaults to the wall clock.
	Clock clock.Clock

	// Rand picks message variants for external events. Seeded randomly when nil.
	Rand *rand.Rand
}

// Engine converts drift samples into feedback notifications. At most one
// notification is active at any instant; a new one supersedes the old and
// cancels its expiry. All methods are safe for concurrent use.
type Engine struct {
	window   time.Duration
	messages Messages

	mu      sync.Mutex
	timers  *timers.Registry
	clk     clock.Clock
	rng     *rand.Rand
	prev    float64
	primed  bool
	active  *FeedbackEvent
	history []FeedbackEvent
	notices chan Notice
	closed  bool
}

// NewEngine creates an engine with no baseline sample.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		window:   cfg.DisplayWindow,
		messages: cfg.Messages,
		rng:      cfg.Rand,
		notices:  make(chan Notice, 32),
	}
	if e.window <= 0 {
		e.window = DefaultDisplayWindow
	}
	if e.messages == nil {
		e.messages = English
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	e.timers = timers.New(cfg.Clock, &e.mu)
	e.clk = e.timers.Clock()
	return e
}

// Notices streams shown, superseded and expired notifications. Closed by
// Close. Slow readers lose notices; [Engine.Active] stays authoritative.
func (e *Engine) Notices() <-chan Notice { return e.notices }

// Observe feeds the next sample. The first sample only establishes the
// baseline. It returns the emitted event, if a threshold was crossed.
// An out-of-range value is reported as a [*ContractViolation] and leaves
// the baseline untouched.
func (e *Engine) Observe(s Sample) (*FeedbackEvent, error) {
	if !s.Valid() {
		err := &ContractViolation{Value: s.Value}
		slog.Error("drift: rejected sample", "value", s.Value, "err", err)
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil
	}
	if !e.primed {
		e.prev, e.primed = s.Value, true
		return nil, nil
	}
	prev := e.prev
	e.prev = s.Value

	cat, reason, ok := Evaluate(prev, s.Value)
	if !ok {
		return nil, nil
	}
	ev := e.emitLocked(cat, reason, e.messages.For(reason))
	return &ev, nil
}

// Emit shows an event that bypasses the threshold rules, such as an
// achievement. An empty message is taken from the catalog. It follows the
// same single-active and expiry discipline as threshold events.
func (e *Engine) Emit(cat Category, message string) (FeedbackEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return FeedbackEvent{}, false
	}
	if message == "" {
		message = pick(e.messages, cat, e.rng)
	}
	return e.emitLocked(cat, ReasonExternal, message), true
}

// Welcome shows the conversation-started notification.
func (e *Engine) Welcome() (FeedbackEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return FeedbackEvent{}, false
	}
	return e.emitLocked(CategoryAchievement, ReasonWelcome, e.messages.For(ReasonWelcome)), true
}

func (e *Engine) emitLocked(cat Category, reason Reason, msg string) FeedbackEvent {
	ev := FeedbackEvent{
		ID:            uuid.New(),
		Category:      cat,
		Reason:        reason,
		Message:       msg,
		CreatedAt:     e.clk.Now(),
		DisplayWindow: e.window,
	}
	if e.active != nil {
		e.notifyLocked(NoticeSuperseded, *e.active)
	}
	e.active = &ev
	e.history = append(e.history, ev)
	e.notifyLocked(NoticeShown, ev)

	id := ev.ID
	// Re-arming under the same name cancels the previous expiry.
	e.timers.After(timerExpiry, e.window, func() {
		if e.active == nil || e.active.ID != id {
			return
		}
		expired := *e.active
		e.active = nil
		e.notifyLocked(NoticeExpired, expired)
	})
	slog.Debug("drift: feedback", "category", cat, "reason", reason, "id", id)
	return ev
}

func (e *Engine) notifyLocked(kind NoticeKind, ev FeedbackEvent) {
	select {
	case e.notices <- Notice{Kind: kind, Event: ev}:
	default:
		slog.Warn("drift: observer behind, notice dropped", "kind", kind, "id", ev.ID)
	}
}

// Active returns the visible notification, or nil.
func (e *Engine) Active() *FeedbackEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	ev := *e.active
	return &ev
}

// Last returns the most recent accepted sample value.
func (e *Engine) Last() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prev, e.primed
}

// History returns every notification shown so far, oldest first.
func (e *Engine) History() []FeedbackEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FeedbackEvent, len(e.history))
	copy(out, e.history)
	return out
}

// Close cancels the pending expiry and closes the notice stream. Samples
// and emits after Close are ignored. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.timers.StopAll()
	e.active = nil
	close(e.notices)
}
