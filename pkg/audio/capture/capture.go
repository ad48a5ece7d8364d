// Package capture implements the local microphone device: permission
// probing, exclusive live capture with level metering, and one-shot
// recordings.
//
// The OS input itself sits behind the [Microphone] interface so that the
// device logic can run against a synthetic source or a test double. A
// [Device] holds at most one input stream at a time; the stream is released
// by [Device.StopCapture] on every exit path.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/realtalk/pkg/audio"
)

// Sentinel errors. Collaborators wrap these so callers can match with
// [errors.Is].
var (
	// ErrPermissionDenied means the user or OS refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable means no usable input device exists, or the
	// stream ended underneath an active capture.
	ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

	// ErrCaptureBusy is returned when a capture is requested while this
	// device already holds the input stream.
	ErrCaptureBusy = errors.New("capture: input stream already held")
)

// Microphone is the OS audio input collaborator.
type Microphone interface {
	// Open acquires an exclusive input stream delivering frames in format.
	Open(ctx context.Context, format audio.Format) (Stream, error)
}

// Stream is one acquired input stream.
type Stream interface {
	// Frames delivers captured audio. The channel is closed when the stream
	// ends, either through Close or because the device went away.
	Frames() <-chan audio.AudioFrame

	// Err reports why Frames was closed. Nil after a regular Close.
	Err() error

	// Close releases the OS resource. Must be idempotent.
	Close() error
}

// Permission is the last observed microphone permission.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

// String returns the lower-case permission name.
func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Option configures a [Device].
type Option func(*Device)

// WithFormat sets the capture format. Defaults to 48 kHz stereo.
func WithFormat(f audio.Format) Option {
	return func(d *Device) { d.format = f }
}

// WithEncoder sets the factory used to create one encoder per recording.
// Without it recordings keep raw PCM frames.
func WithEncoder(newEncoder func() (Encoder, error)) Option {
	return func(d *Device) { d.newEncoder = newEncoder }
}

// WithSmoothing sets the level meter smoothing constant.
func WithSmoothing(s float64) Option {
	return func(d *Device) { d.smoothing = s }
}

// WithFrameBuffer sets the capacity of the frame channel handed to the
// capture owner. Frames are dropped when the owner falls behind.
func WithFrameBuffer(n int) Option {
	return func(d *Device) { d.frameBuffer = n }
}

// Device is the audio capture device. All methods are safe for concurrent use.
type Device struct {
	mic         Microphone
	format      audio.Format
	newEncoder  func() (Encoder, error)
	smoothing   float64
	frameBuffer int

	mu     sync.Mutex
	perm   Permission
	active *Handle

	// level holds the float64 bits of the latest smoothed level.
	level atomic.Uint64
}

// New creates a Device over mic.
func New(mic Microphone, opts ...Option) *Device {
	d := &Device{
		mic:         mic,
		format:      audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels},
		smoothing:   audio.DefaultSmoothing,
		frameBuffer: 64,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Format returns the capture format.
func (d *Device) Format() audio.Format { return d.format }

// Permission returns the permission state observed by the last probe or
// capture attempt.
func (d *Device) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perm
}

// RequestAccess probes microphone permission without keeping the stream.
// When this device already holds a stream, permission is evidently granted
// and no probe is made.
func (d *Device) RequestAccess(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		d.perm = PermissionGranted
		return nil
	}
	s, err := d.mic.Open(ctx, d.format)
	if err != nil {
		d.notePermissionLocked(err)
		return fmt.Errorf("capture: request access: %w", err)
	}
	d.perm = PermissionGranted
	if err := s.Close(); err != nil {
		slog.Warn("capture: closing probe stream", "err", err)
	}
	return nil
}

// StartCapture acquires the input stream and starts level metering. Only one
// capture may be active per device; a second call returns [ErrCaptureBusy]
// until [Device.StopCapture].
func (d *Device) StartCapture(ctx context.Context) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, ErrCaptureBusy
	}
	s, err := d.mic.Open(ctx, d.format)
	if err != nil {
		d.notePermissionLocked(err)
		return nil, fmt.Errorf("capture: start: %w", err)
	}
	d.perm = PermissionGranted

	h := &Handle{
		dev:    d,
		stream: s,
		frames: make(chan audio.AudioFrame, d.frameBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	d.active = h
	d.storeLevel(0)
	go h.pump(audio.LevelMeter{Smoothing: d.smoothing})
	return h, nil
}

// SampleLevel returns the latest smoothed level in [0,1]. It never blocks
// and returns 0 while no capture is active.
func (d *Device) SampleLevel() float64 {
	return math.Float64frombits(d.level.Load())
}

// Active reports whether the device currently holds the input stream.
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

// StopCapture releases the input stream and analyser. It is idempotent and
// safe to call without a prior successful [Device.StartCapture].
func (d *Device) StopCapture() error {
	d.mu.Lock()
	h := d.active
	d.active = nil
	d.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.release()
}

func (d *Device) notePermissionLocked(err error) {
	if errors.Is(err, ErrPermissionDenied) {
		d.perm = PermissionDenied
	}
}

func (d *Device) storeLevel(v float64) { d.level.Store(math.Float64bits(v)) }

// resetLevelIfIdle zeroes the level unless a newer capture already owns it.
func (d *Device) resetLevelIfIdle() {
	d.mu.Lock()
	if d.active == nil {
		d.storeLevel(0)
	}
	d.mu.Unlock()
}

// detach clears h as the active capture if it still is.
func (d *Device) detach(h *Handle) {
	d.mu.Lock()
	if d.active == h {
		d.active = nil
	}
	d.mu.Unlock()
}

// Handle is one live capture. Frames are forwarded to the owner while the
// capture runs; the level keeps updating independently of consumption.
type Handle struct {
	dev    *Device
	stream Stream
	frames chan audio.AudioFrame
	done   chan struct{}
	quit   chan struct{}

	once sync.Once
	err  error
}

// Frames returns the captured audio. Closed when the capture ends.
func (h *Handle) Frames() <-chan audio.AudioFrame { return h.frames }

// Done is closed when the capture has ended for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the capture ended. Nil for an explicit stop; wraps
// [ErrDeviceUnavailable] when the stream died underneath the capture.
// Only meaningful after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Stop ends this capture; equivalent to [Device.StopCapture] while h is the
// active capture.
func (h *Handle) Stop() error {
	h.dev.detach(h)
	return h.release()
}

func (h *Handle) release() error {
	var err error
	h.once.Do(func() {
		close(h.quit)
		err = h.stream.Close()
		<-h.done
		h.dev.resetLevelIfIdle()
	})
	if err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

func (h *Handle) pump(meter audio.LevelMeter) {
	defer close(h.done)
	defer close(h.frames)

	src := h.stream.Frames()
	for {
		select {
		case <-h.quit:
			return
		case f, ok := <-src:
			if !ok {
				select {
				case <-h.quit:
				default:
					h.err = fmt.Errorf("%w: stream ended", ErrDeviceUnavailable)
					if serr := h.stream.Err(); serr != nil {
						h.err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, serr)
					}
					slog.Warn("capture: input stream lost", "err", h.err)
					h.dev.detach(h)
					h.dev.resetLevelIfIdle()
				}
				return
			}
			h.dev.storeLevel(meter.Observe(f.Data))
			select {
			case h.frames <- f:
			default:
				slog.Debug("capture: frame dropped, consumer behind")
			}
		}
	}
}
