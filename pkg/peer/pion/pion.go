// Package pion implements [peer.Transport] over github.com/pion/webrtc/v4.
//
// The local track is a 48 kHz stereo Opus sample track fed from captured PCM;
// the remote track is decoded back to PCM. ICE candidates are trickled
// through the session's signaling channel.
package pion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/audio/opus"
	"github.com/MrWong99/realtalk/pkg/peer"
	"github.com/MrWong99/realtalk/pkg/signaling"
)

// DefaultICEServers are public STUN servers.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// Config configures a [Transport].
type Config struct {
	// ICEServers are STUN/TURN URLs. Defaults to [DefaultICEServers].
	ICEServers []string
}

// Transport is a pion peer connection carrying one audio track each way.
type Transport struct {
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	enc     *opus.Encoder
	framer  *audio.Framer
	enabled atomic.Bool

	remote chan audio.AudioFrame

	mu       sync.Mutex
	events   chan peer.TransportEvent
	closed   bool
	haveDesc bool
	pending  []webrtc.ICECandidateInit

	wg sync.WaitGroup
}

var _ peer.Transport = (*Transport)(nil)

// New creates a peer connection with a local Opus track.
func New(cfg Config) (*Transport, error) {
	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("pion: create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: uint32(opus.Format.SampleRate),
		Channels:  uint16(opus.Format.Channels),
	}, "audio", "realtalk")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("pion: create local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("pion: add local track: %w", err)
	}
	enc, err := opus.NewEncoder()
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("pion: %w", err)
	}

	t := &Transport{
		pc:     pc,
		track:  track,
		enc:    enc,
		framer: audio.NewFramer(opus.Format.FrameBytes()),
		remote: make(chan audio.AudioFrame, 64),
		events: make(chan peer.TransportEvent, 64),
	}
	t.enabled.Store(true)

	// RTCP must be read for interceptors such as NACK to work.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emit(peer.TransportEvent{
			Kind: peer.TransportLocalCandidate,
			Candidate: signaling.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if p, ok := phaseOf(s); ok {
			t.emit(peer.TransportEvent{Kind: peer.TransportStateChanged, Phase: p})
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return
		}
		t.wg.Add(1)
		go t.readRemote(remote)
	})
	return t, nil
}

func phaseOf(s webrtc.PeerConnectionState) (peer.Phase, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return peer.PhaseConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return peer.PhaseConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return peer.PhaseDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return peer.PhaseFailed, true
	case webrtc.PeerConnectionStateClosed:
		return peer.PhaseClosed, true
	default:
		return 0, false
	}
}

// CreateOffer implements [peer.Transport].
func (t *Transport) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("pion: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("pion: set local offer: %w", err)
	}
	return signaling.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// AcceptOffer implements [peer.Transport].
func (t *Transport) AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	if err := t.setRemote(webrtc.SDPTypeOffer, offer.SDP); err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("pion: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("pion: set local answer: %w", err)
	}
	return signaling.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// AcceptAnswer implements [peer.Transport].
func (t *Transport) AcceptAnswer(ctx context.Context, answer signaling.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.setRemote(webrtc.SDPTypeAnswer, answer.SDP)
}

// setRemote applies the remote description and flushes candidates that
// arrived before it.
func (t *Transport) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("pion: set remote %s: %w", typ, err)
	}
	t.mu.Lock()
	t.haveDesc = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		slog.Warn("pion: buffered candidates rejected", "err", errors.Join(errs...))
	}
	return nil
}

// AddICECandidate implements [peer.Transport]. Candidates that arrive before
// the remote description are buffered.
func (t *Transport) AddICECandidate(c signaling.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	t.mu.Lock()
	if !t.haveDesc {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("pion: add candidate: %w", err)
	}
	return nil
}

// SendAudio implements [peer.Transport]. Frames are re-chunked to 20 ms,
// Opus-encoded and written to the local track. Not safe for concurrent
// callers; the session has a single audio pump.
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	if frame.SampleRate != opus.Format.SampleRate {
		return fmt.Errorf("pion: send audio: sample rate %d not supported", frame.SampleRate)
	}
	frame = audio.ToChannels(frame, opus.Format.Channels)
	for _, pcm := range t.framer.Push(frame.Data) {
		if !t.enabled.Load() {
			clear(pcm)
		}
		packet, err := t.enc.Encode(pcm)
		if err != nil {
			return fmt.Errorf("pion: %w", err)
		}
		if err := t.track.WriteSample(media.Sample{Data: packet, Duration: audio.FrameDuration}); err != nil {
			return fmt.Errorf("pion: write sample: %w", err)
		}
	}
	return nil
}

// SetLocalEnabled implements [peer.Transport].
func (t *Transport) SetLocalEnabled(enabled bool) { t.enabled.Store(enabled) }

// RemoteAudio implements [peer.Transport].
func (t *Transport) RemoteAudio() <-chan audio.AudioFrame { return t.remote }

// Events implements [peer.Transport].
func (t *Transport) Events() <-chan peer.TransportEvent { return t.events }

// Close implements [peer.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.events)
	t.mu.Unlock()

	err := t.pc.Close()
	t.wg.Wait()
	close(t.remote)
	if err != nil {
		return fmt.Errorf("pion: close: %w", err)
	}
	return nil
}

func (t *Transport) emit(ev peer.TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		slog.Warn("pion: event dropped, session behind", "kind", ev.Kind)
	}
}

func (t *Transport) readRemote(remote *webrtc.TrackRemote) {
	defer t.wg.Done()
	dec, err := opus.NewDecoder()
	if err != nil {
		slog.Error("pion: remote track without decoder", "err", err)
		return
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		frame, err := dec.Decode(pkt.Payload)
		if err != nil {
			slog.Debug("pion: decode remote packet", "err", err)
			continue
		}
		select {
		case t.remote <- frame:
		default:
		}
	}
}
