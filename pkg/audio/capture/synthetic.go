package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/realtalk/pkg/audio"
)

// Synthetic is a [Microphone] that generates a tone whose loudness swells
// and fades like speech. It stands in for real hardware on headless hosts
// and in the demo client.
type Synthetic struct {
	// Frequency of the tone in Hz. Defaults to 220.
	Frequency float64

	// Amplitude of the loudest point in [0,1]. Defaults to 0.3.
	Amplitude float64

	// Swell is the period of the loudness envelope. Defaults to 3s.
	Swell time.Duration

	// Clock paces frame delivery. Defaults to the wall clock.
	Clock clock.Clock
}

// Open starts generating 20 ms frames in format.
func (s *Synthetic) Open(_ context.Context, format audio.Format) (Stream, error) {
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	st := &syntheticStream{
		frames: make(chan audio.AudioFrame, 4),
		quit:   make(chan struct{}),
	}
	go st.run(clk, s.params(), format)
	return st, nil
}

type toneParams struct {
	freq, amp float64
	swell     time.Duration
}

func (s *Synthetic) params() toneParams {
	p := toneParams{freq: s.Frequency, amp: s.Amplitude, swell: s.Swell}
	if p.freq <= 0 {
		p.freq = 220
	}
	if p.amp <= 0 || p.amp > 1 {
		p.amp = 0.3
	}
	if p.swell <= 0 {
		p.swell = 3 * time.Second
	}
	return p
}

type syntheticStream struct {
	frames chan audio.AudioFrame
	quit   chan struct{}
	once   sync.Once
}

func (st *syntheticStream) Frames() <-chan audio.AudioFrame { return st.frames }
func (st *syntheticStream) Err() error                      { return nil }

func (st *syntheticStream) Close() error {
	st.once.Do(func() { close(st.quit) })
	return nil
}

func (st *syntheticStream) run(clk clock.Clock, p toneParams, format audio.Format) {
	defer close(st.frames)

	ticker := clk.Ticker(audio.FrameDuration)
	defer ticker.Stop()

	n := format.SamplesPerFrame()
	var pos int // absolute sample index
	var ts time.Duration
	for {
		select {
		case <-st.quit:
			return
		case <-ticker.C:
		}
		samples := make([]int16, n*format.Channels)
		for i := range n {
			t := float64(pos+i) / float64(format.SampleRate)
			env := 0.5 + 0.5*math.Sin(2*math.Pi*t/p.swell.Seconds())
			v := int16(32767 * p.amp * env * math.Sin(2*math.Pi*p.freq*t))
			for c := range format.Channels {
				samples[i*format.Channels+c] = v
			}
		}
		pos += n
		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(samples),
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Timestamp:  ts,
		}
		ts += audio.FrameDuration
		select {
		case st.frames <- frame:
		case <-st.quit:
			return
		}
	}
}
