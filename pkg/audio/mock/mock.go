// Package mock provides an in-memory [capture.Microphone] for unit tests.
//
// The mock is safe for concurrent use. It records every Open call and exposes
// exported fields that the test sets to control the outcome.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	dev := capture.New(mic)
//	h, _ := dev.StartCapture(ctx)
//	mic.Last().Push(audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 2})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by every Open call when non-nil.
	OpenError error

	// Buffer is the frame channel capacity of opened streams. Defaults to 16.
	Buffer int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Formats records the format passed to each Open call.
	Formats []audio.Format

	streams []*Stream
}

// Open implements [capture.Microphone].
func (m *Microphone) Open(_ context.Context, format audio.Format) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	m.Formats = append(m.Formats, format)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	n := m.Buffer
	if n <= 0 {
		n = 16
	}
	s := &Stream{frames: make(chan audio.AudioFrame, n)}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream opened so far, in order.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// OpenStreams returns how many opened streams have not been closed.
func (m *Microphone) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Tests feed it with
// Push and end it with Fail or Close.
type Stream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool
	err    error

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [capture.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers a frame. Returns false when the stream is closed or its
// buffer is full.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Fail ends the stream as if the device vanished.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}
