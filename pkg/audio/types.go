// Package audio defines the audio primitives shared by the capture device,
// the peer transports and the recorders of RealTalk.
//
// All PCM in this package is interleaved little-endian signed 16-bit. The
// conversation pipeline runs at 48 kHz stereo in 20 ms frames, which is what
// Opus and WebRTC expect.
package audio

import (
	"fmt"
	"time"
)

// Default pipeline format.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	FrameDuration     = 20 * time.Millisecond
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
type AudioFrame struct {
	// PCM audio data, int16 little-endian interleaved.
	Data []byte

	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame derived from its data
// length and format. Returns 0 for frames with an unknown format.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// SamplesPerFrame returns the number of samples per channel in one
// [FrameDuration] frame (960 at 48 kHz).
func (f Format) SamplesPerFrame() int {
	return f.SampleRate * int(FrameDuration/time.Millisecond) / 1000
}

// FrameBytes returns the byte length of one [FrameDuration] frame.
func (f Format) FrameBytes() int {
	return f.SamplesPerFrame() * f.Channels * 2
}
