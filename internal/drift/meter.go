package drift

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/internal/timers"
)

// Band is the meter's coarse classification of a drift value.
type Band int

const (
	BandAuthentic Band = iota
	BandLightlyFiltered
	BandMasked
	BandStronglyFiltered
	BandFullyArtificial
)

func (b Band) String() string {
	switch b {
	case BandAuthentic:
		return "authentic"
	case BandLightlyFiltered:
		return "lightly-filtered"
	case BandMasked:
		return "masked"
	case BandStronglyFiltered:
		return "strongly-filtered"
	case BandFullyArtificial:
		return "fully-artificial"
	default:
		return "unknown"
	}
}

// BandOf classifies v. Upper bounds are inclusive.
func BandOf(v float64) Band {
	switch {
	case v <= 20:
		return BandAuthentic
	case v <= 40:
		return BandLightlyFiltered
	case v <= 60:
		return BandMasked
	case v <= 80:
		return BandStronglyFiltered
	default:
		return BandFullyArtificial
	}
}

// Trend is the recent direction of the drift value.
type Trend int

const (
	TrendStable Trend = iota
	TrendRising
	TrendFalling
)

func (t Trend) String() string {
	switch t {
	case TrendRising:
		return "rising"
	case TrendFalling:
		return "falling"
	default:
		return "stable"
	}
}

// Trend tuning.
const (
	DefaultTrendThreshold = 2.0
	DefaultTrendHold      = 3 * time.Second
)

const timerTrend = "trend-reset"

// Reading is the meter's view of the latest value.
type Reading struct {
	Value float64
	Band  Band
	Trend Trend
}

// Meter tracks the band and trend of a drift stream. A move of more than
// the threshold away from the last reference value sets the trend and moves
// the reference; the trend falls back to stable once the hold elapses
// without another such move. Safe for concurrent use.
type Meter struct {
	threshold float64
	hold      time.Duration

	mu     sync.Mutex
	timers *timers.Registry
	ref    float64
	last   float64
	trend  Trend
}

// NewMeter creates a meter starting at initial. A nil clk uses the wall clock.
func NewMeter(initial float64, clk clock.Clock) *Meter {
	m := &Meter{
		threshold: DefaultTrendThreshold,
		hold:      DefaultTrendHold,
		ref:       initial,
		last:      initial,
	}
	m.timers = timers.New(clk, &m.mu)
	return m
}

// Update records v and returns the new reading.
func (m *Meter) Update(v float64) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = v
	if d := v - m.ref; math.Abs(d) > m.threshold && !m.timers.Stopped() {
		m.trend = TrendFalling
		if d > 0 {
			m.trend = TrendRising
		}
		m.ref = v
		m.timers.After(timerTrend, m.hold, func() { m.trend = TrendStable })
	}
	return m.readingLocked()
}

// Reading returns the current reading.
func (m *Meter) Reading() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readingLocked()
}

func (m *Meter) readingLocked() Reading {
	return Reading{Value: m.last, Band: BandOf(m.last), Trend: m.trend}
}

// Close cancels the pending trend reset. Idempotent.
func (m *Meter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.StopAll()
}
