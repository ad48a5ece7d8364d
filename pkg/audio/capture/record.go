package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/realtalk/pkg/audio"
)

// DefaultMaxRecordDuration bounds a recording when no limit is given.
const DefaultMaxRecordDuration = 60 * time.Second

// PCMEncoding names recordings that keep raw 16-bit PCM frames.
const PCMEncoding = "pcm"

// Encoder compresses one [audio.FrameDuration] frame of PCM into a packet.
// [github.com/MrWong99/realtalk/pkg/audio/opus.Encoder] satisfies it.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
	Name() string
}

// Recording is the finished result of [Device.Record].
type Recording struct {
	Format   audio.Format
	Encoding string

	// Packets holds one entry per 20 ms frame: encoded packets, or raw PCM
	// when Encoding is [PCMEncoding].
	Packets [][]byte

	Duration time.Duration
}

// Size returns the total payload size in bytes.
func (r *Recording) Size() int {
	n := 0
	for _, p := range r.Packets {
		n += len(p)
	}
	return n
}

// Bytes concatenates all packets. Only meaningful for PCM recordings, where
// the result is a contiguous sample buffer.
func (r *Recording) Bytes() []byte {
	out := make([]byte, 0, r.Size())
	for _, p := range r.Packets {
		out = append(out, p...)
	}
	return out
}

// Progress is one element of the recording sequence. Intermediate elements
// arrive once per recorded second; the last element carries the Recording.
type Progress struct {
	Elapsed time.Duration
	Level   float64

	// Recording is set on the final element only.
	Recording *Recording

	// Err is set on the final element when the input stream failed before
	// the recording completed. Recording then holds what was captured.
	Err error
}

// Record captures a one-shot recording of at most maxDuration. It holds the
// input stream exclusively, like [Device.StartCapture], and releases it when
// the limit is reached, ctx is canceled, or the stream fails. The returned
// channel is closed after the final element.
func (d *Device) Record(ctx context.Context, maxDuration time.Duration) (<-chan Progress, error) {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxRecordDuration
	}

	var enc Encoder
	if d.newEncoder != nil {
		e, err := d.newEncoder()
		if err != nil {
			return nil, fmt.Errorf("capture: record: %w", err)
		}
		enc = e
	}

	h, err := d.StartCapture(ctx)
	if err != nil {
		return nil, err
	}

	// One slot per progress tick plus the final element, so the producer
	// never blocks on an absent consumer while holding the microphone.
	out := make(chan Progress, int(maxDuration/time.Second)+2)
	go d.record(ctx, h, enc, maxDuration, out)
	return out, nil
}

func (d *Device) record(ctx context.Context, h *Handle, enc Encoder, maxDuration time.Duration, out chan<- Progress) {
	defer close(out)

	rec := &Recording{Format: d.format, Encoding: PCMEncoding}
	if enc != nil {
		rec.Encoding = enc.Name()
	}
	framer := audio.NewFramer(d.format.FrameBytes())
	nextTick := time.Second
	var streamErr error

	add := func(frame []byte, dur time.Duration) {
		packet := frame
		if enc != nil {
			p, err := enc.Encode(frame)
			if err != nil {
				slog.Warn("capture: encode frame", "err", err)
				return
			}
			packet = p
		}
		rec.Packets = append(rec.Packets, packet)
		rec.Duration += dur
	}

loop:
	for rec.Duration < maxDuration {
		select {
		case <-ctx.Done():
			break loop
		case f, ok := <-h.Frames():
			if !ok {
				streamErr = h.Err()
				break loop
			}
			for _, frame := range framer.Push(f.Data) {
				add(frame, audio.FrameDuration)
				if rec.Duration >= nextTick {
					out <- Progress{Elapsed: nextTick, Level: d.SampleLevel()}
					nextTick += time.Second
				}
				if rec.Duration >= maxDuration {
					break loop
				}
			}
		}
	}

	// The last packet is zero-padded; only the captured part counts.
	partial := audio.FrameDuration * time.Duration(framer.Buffered()) / time.Duration(d.format.FrameBytes())
	if rest := framer.Flush(); rest != nil && rec.Duration < maxDuration {
		add(rest, partial)
	}
	if err := h.Stop(); err != nil {
		slog.Warn("capture: release after recording", "err", err)
	}
	out <- Progress{Elapsed: rec.Duration, Recording: rec, Err: streamErr}
}
