package drift

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/timers"
)

// SimulatorConfig tunes [Simulator].
type SimulatorConfig struct {
	Initial           float64
	Interval          time.Duration
	ChangeProbability float64
	MaxStep           float64
}

// DefaultSimulator returns the reference producer: starting at 25, every
// five seconds a 30% chance of moving by up to ten points.
func DefaultSimulator() SimulatorConfig {
	return SimulatorConfig{Initial: 25, Interval: 5 * time.Second, ChangeProbability: 0.3, MaxStep: 10}
}

const timerPerturb = "perturb"

// Simulator produces drift samples when no scoring model is attached. Its
// output is always clamped to [Min, Max].
type Simulator struct {
	cfg SimulatorConfig

	mu      sync.Mutex
	timers  *timers.Registry
	clk     clock.Clock
	rng     *rand.Rand
	value   float64
	samples chan Sample
	started bool
}

// NewSimulator creates a stopped simulator. A nil rng is seeded randomly.
func NewSimulator(cfg SimulatorConfig, clk clock.Clock, rng *rand.Rand) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSimulator().Interval
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &Simulator{
		cfg:     cfg,
		rng:     rng,
		value:   clamp(cfg.Initial),
		samples: make(chan Sample, 16),
	}
	s.timers = timers.New(clk, &s.mu)
	s.clk = s.timers.Clock()
	return s
}

// Samples streams every changed value. Closed by Stop.
func (s *Simulator) Samples() <-chan Sample { return s.samples }

// Value returns the current simulated value.
func (s *Simulator) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Start sends the initial value and begins perturbing. Calling it again
// or after Stop does nothing.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.timers.Stopped() {
		return
	}
	s.started = true
	s.sendLocked()
	s.timers.Every(timerPerturb, s.cfg.Interval, s.stepLocked)
}

func (s *Simulator) stepLocked() {
	if s.rng.Float64() >= s.cfg.ChangeProbability {
		return
	}
	delta := (s.rng.Float64()*2 - 1) * s.cfg.MaxStep
	next := clamp(s.value + delta)
	if next == s.value {
		return
	}
	s.value = next
	s.sendLocked()
}

func (s *Simulator) sendLocked() {
	select {
	case s.samples <- Sample{Value: s.value, At: s.clk.Now()}:
	default:
		slog.Warn("drift: sample consumer behind, sample dropped", "value", s.value)
	}
}

// Stop cancels the schedule and closes the sample stream. Idempotent.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers.Stopped() {
		return
	}
	s.timers.StopAll()
	close(s.samples)
}

func clamp(v float64) float64 {
	return math.Max(Min, math.Min(Max, v))
}
