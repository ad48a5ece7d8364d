package drift

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/timers"
)

// AchievementConfig tunes [Achievements].
type AchievementConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Probability float64
}

// DefaultAchievements returns the reference schedule: every 15 to 30
// seconds, a 40% chance of a notification.
func DefaultAchievements() AchievementConfig {
	return AchievementConfig{MinInterval: 15 * time.Second, MaxInterval: 30 * time.Second, Probability: 0.4}
}

const timerAchievement = "achievement"

// Achievements periodically pushes random notifications of any category
// into an [Engine] through its external path.
type Achievements struct {
	cfg    AchievementConfig
	engine *Engine

	mu     sync.Mutex
	timers *timers.Registry
	rng    *rand.Rand
	fired  int
}

// NewAchievements creates a stopped generator. A nil rng is seeded randomly.
func NewAchievements(cfg AchievementConfig, engine *Engine, clk clock.Clock, rng *rand.Rand) *Achievements {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultAchievements().MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	a := &Achievements{cfg: cfg, engine: engine, rng: rng}
	a.timers = timers.New(clk, &a.mu)
	return a
}

// Start arms the first draw. Calling it twice or after Stop does nothing.
func (a *Achievements) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timers.Pending(timerAchievement) {
		return
	}
	a.armLocked()
}

func (a *Achievements) armLocked() {
	a.timers.After(timerAchievement, a.intervalLocked(), func() {
		if a.rng.Float64() < a.cfg.Probability {
			cat := Categories[a.rng.IntN(len(Categories))]
			if _, ok := a.engine.Emit(cat, ""); ok {
				a.fired++
			}
		}
		a.armLocked()
	})
}

func (a *Achievements) intervalLocked() time.Duration {
	span := a.cfg.MaxInterval - a.cfg.MinInterval
	if span <= 0 {
		return a.cfg.MinInterval
	}
	return a.cfg.MinInterval + time.Duration(a.rng.Int64N(int64(span)+1))
}

// Fired returns how many notifications were emitted.
func (a *Achievements) Fired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

// Stop cancels the schedule. Idempotent.
func (a *Achievements) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timers.StopAll()
}
