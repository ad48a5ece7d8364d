package match

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/MrWong99/realtalk/internal/timers"
)

// SimulationConfig tunes [SimulatedBackend].
type SimulationConfig struct {
	// MatchProbability is the chance in [0,1] that a search finds a partner.
	MatchProbability float64
	MinDelay         time.Duration
	MaxDelay         time.Duration
}

// DefaultSimulation returns the reference simulation: 70% matches after a
// delay of 3 to 8 seconds.
func DefaultSimulation() SimulationConfig {
	return SimulationConfig{MatchProbability: 0.7, MinDelay: 3 * time.Second, MaxDelay: 8 * time.Second}
}

var simulatedNames = []string{"Alex", "Sam", "Robin", "Charlie", "Jules", "Noor"}

// SimulatedBackend resolves searches locally after a random delay so the
// matching flow stays usable without a server. Partners it returns are
// flagged [Match.Simulated].
type SimulatedBackend struct {
	cfg SimulationConfig

	mu     sync.Mutex
	timers *timers.Registry
	rng    *rand.Rand
	seq    int
}

var _ Backend = (*SimulatedBackend)(nil)

// NewSimulatedBackend creates a simulation. A nil rng is seeded randomly;
// a nil clk uses the wall clock.
func NewSimulatedBackend(cfg SimulationConfig, clk clock.Clock, rng *rand.Rand) *SimulatedBackend {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	b := &SimulatedBackend{cfg: cfg, rng: rng}
	b.timers = timers.New(clk, &b.mu)
	return b
}

// Search implements [Backend]. It never fails with [ErrTransport].
func (b *SimulatedBackend) Search(ctx context.Context, req Request) (<-chan Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timers.Stopped() {
		return nil, ErrClosed
	}
	b.seq++
	name := fmt.Sprintf("search-%d", b.seq)
	out := make(chan Outcome, 1)

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.timers.Cancel(name)
		b.mu.Unlock()
	})
	b.timers.After(name, b.delayLocked(), func() {
		stop()
		if b.rng.Float64() >= b.cfg.MatchProbability {
			out <- Outcome{Err: ErrNoMatch}
			return
		}
		out <- Outcome{Match: b.partnerLocked()}
	})
	return out, nil
}

// Close implements [Backend]. Pending searches never resolve.
func (b *SimulatedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timers.StopAll()
	return nil
}

func (b *SimulatedBackend) delayLocked() time.Duration {
	lo, hi := b.cfg.MinDelay, b.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(b.rng.Int64N(int64(hi-lo)+1))
}

func (b *SimulatedBackend) partnerLocked() *Match {
	id := uuid.New()
	return &Match{
		SessionID: id.String(),
		Partner: Identity{
			UserID:   "user_" + id.String()[:8],
			Username: simulatedNames[b.rng.IntN(len(simulatedNames))],
			Persona:  Personas[b.rng.IntN(len(Personas))],
		},
		Initiator: true,
		Simulated: true,
	}
}
