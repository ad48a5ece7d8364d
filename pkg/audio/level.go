package audio

import "math"

// Level scaling mirrors a browser AnalyserNode with its default decibel
// window: -100 dBFS maps to 0 and -30 dBFS maps to 1.
const (
	minDecibels = -100.0
	maxDecibels = -30.0

	// DefaultSmoothing is the weight of the previous level in [LevelMeter].
	DefaultSmoothing = 0.8
)

// FrameLevel returns the instantaneous level of int16 PCM in [0,1].
// Silence and empty input yield 0.
func FrameLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	return clamp01((db - minDecibels) / (maxDecibels - minDecibels))
}

// LevelMeter produces a smoothed level from consecutive frames.
// The zero value uses [DefaultSmoothing]. Not safe for concurrent use.
type LevelMeter struct {
	// Smoothing in [0,1) is the weight given to the previous level.
	Smoothing float64

	level float64
}

// Observe folds the level of pcm into the meter and returns the new level.
func (m *LevelMeter) Observe(pcm []byte) float64 {
	s := m.Smoothing
	if s <= 0 || s >= 1 {
		s = DefaultSmoothing
	}
	m.level = s*m.level + (1-s)*FrameLevel(pcm)
	return m.level
}

// Level returns the current smoothed level.
func (m *LevelMeter) Level() float64 { return m.level }

// Reset drops the smoothing history.
func (m *LevelMeter) Reset() { m.level = 0 }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
