package capture_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
	"github.com/MrWong99/realtalk/pkg/audio/mock"
)

var format = audio.Format{SampleRate: 48000, Channels: 2}

func loudFrame() audio.AudioFrame {
	s := make([]int16, format.SamplesPerFrame()*format.Channels)
	for i := range s {
		s[i] = 16000
	}
	return audio.AudioFrame{Data: audio.Int16sToBytes(s), SampleRate: 48000, Channels: 2}
}

// push delivers f, retrying while the stream buffer is full. Returns false
// once the stream is closed.
func push(t *testing.T, s *mock.Stream, f audio.AudioFrame) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Closed() {
			return false
		}
		if s.Push(f) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("push: stream buffer stayed full")
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestAccess_GrantedReleasesProbe(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	dev := capture.New(mic)
	if err := dev.RequestAccess(context.Background()); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if dev.Permission() != capture.PermissionGranted {
		t.Errorf("Permission = %v, want granted", dev.Permission())
	}
	if mic.OpenStreams() != 0 {
		t.Errorf("probe stream still open")
	}
	if dev.Active() {
		t.Error("RequestAccess must not leave a capture active")
	}
}

func TestRequestAccess_Denied(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{OpenError: fmt.Errorf("os says no: %w", capture.ErrPermissionDenied)}
	dev := capture.New(mic)
	err := dev.RequestAccess(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("RequestAccess err = %v, want ErrPermissionDenied", err)
	}
	if dev.Permission() != capture.PermissionDenied {
		t.Errorf("Permission = %v, want denied", dev.Permission())
	}
}

func TestStartCapture_NonReentrant(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	dev := capture.New(mic)
	h, err := dev.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	t.Cleanup(func() { _ = dev.StopCapture() })

	if _, err := dev.StartCapture(context.Background()); !errors.Is(err, capture.ErrCaptureBusy) {
		t.Errorf("second StartCapture err = %v, want ErrCaptureBusy", err)
	}
	if mic.CallCountOpen != 1 {
		t.Errorf("Open called %d times, want 1", mic.CallCountOpen)
	}
	if _, err := dev.Record(context.Background(), time.Second); !errors.Is(err, capture.ErrCaptureBusy) {
		t.Errorf("Record during capture err = %v, want ErrCaptureBusy", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h2, err := dev.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture after stop: %v", err)
	}
	_ = h2.Stop()
}

func TestStopCapture_SafeWithoutAcquire(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{OpenError: capture.ErrDeviceUnavailable}
	dev := capture.New(mic)
	if _, err := dev.StartCapture(context.Background()); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("StartCapture err = %v, want ErrDeviceUnavailable", err)
	}
	if err := dev.StopCapture(); err != nil {
		t.Errorf("StopCapture after failed start: %v", err)
	}
	if err := dev.StopCapture(); err != nil {
		t.Errorf("second StopCapture: %v", err)
	}
}

func TestStopCapture_Idempotent(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	dev := capture.New(mic)
	h, err := dev.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := dev.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if err := dev.StopCapture(); err != nil {
		t.Fatalf("second StopCapture: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Handle.Stop after StopCapture: %v", err)
	}
	if got := mic.Last().CallCountClose; got != 1 {
		t.Errorf("stream closed %d times, want 1", got)
	}
	select {
	case <-h.Done():
	default:
		t.Error("handle Done not closed after stop")
	}
	if h.Err() != nil {
		t.Errorf("Err after explicit stop = %v, want nil", h.Err())
	}
}

func TestSampleLevel_TracksInput(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	dev := capture.New(mic)
	if dev.SampleLevel() != 0 {
		t.Fatal("level before capture must be 0")
	}
	h, err := dev.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	for range 5 {
		push(t, mic.Last(), loudFrame())
	}
	waitFor(t, func() bool { return dev.SampleLevel() > 0.5 })

	got := 0
	for got < 5 {
		<-h.Frames()
		got++
	}

	_ = dev.StopCapture()
	if dev.SampleLevel() != 0 {
		t.Errorf("level after stop = %f, want 0", dev.SampleLevel())
	}
}

func TestCapture_StreamLost(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	dev := capture.New(mic)
	h, err := dev.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	mic.Last().Fail(errors.New("unplugged"))

	<-h.Done()
	if !errors.Is(h.Err(), capture.ErrDeviceUnavailable) {
		t.Errorf("Err = %v, want ErrDeviceUnavailable", h.Err())
	}
	waitFor(t, func() bool { return !dev.Active() })
	if err := dev.StopCapture(); err != nil {
		t.Errorf("StopCapture after loss: %v", err)
	}
}

func TestSynthetic_ProducesFrames(t *testing.T) {
	t.Parallel()

	dev := capture.New(&capture.Synthetic{})
	h, err := dev.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer dev.StopCapture()

	select {
	case f := <-h.Frames():
		if len(f.Data) != format.FrameBytes() {
			t.Errorf("frame is %d bytes, want %d", len(f.Data), format.FrameBytes())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from synthetic microphone")
	}
}

func TestPermission_String(t *testing.T) {
	t.Parallel()

	for p, want := range map[capture.Permission]string{
		capture.PermissionUnknown: "unknown",
		capture.PermissionGranted: "granted",
		capture.PermissionDenied:  "denied",
	} {
		if got := p.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", p, got, want)
		}
	}
}
