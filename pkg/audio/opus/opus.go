// Package opus wraps the libopus bindings from layeh.com/gopus for the
// 48 kHz stereo 20 ms frames used by RealTalk's peer link and recorder.
//
// Encoder and Decoder are not safe for concurrent use; each stream needs its
// own instance because Opus keeps state across consecutive frames.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/realtalk/pkg/audio"
)

// Encoding is the name recorded on encoded recordings.
const Encoding = "opus"

// maxPacketBytes bounds a single encoded packet. 20 ms of stereo at the
// highest Opus bitrate stays far below this.
const maxPacketBytes = 4000

// Format is the only PCM layout this package accepts.
var Format = audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels}

// Encoder turns one frame of interleaved PCM into one Opus packet.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an encoder tuned for voice.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(Format.SampleRate, Format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one [audio.FrameDuration] frame of 16-bit PCM.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != Format.FrameBytes() {
		return nil, fmt.Errorf("opus: encode: frame is %d bytes, want %d", len(pcm), Format.FrameBytes())
	}
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), Format.SamplesPerFrame(), maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Name reports the encoding name for recordings.
func (e *Encoder) Name() string { return Encoding }

// Decoder turns Opus packets back into interleaved PCM.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a decoder for [Format].
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(Format.SampleRate, Format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes a packet into an [audio.AudioFrame].
func (d *Decoder) Decode(packet []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, Format.SamplesPerFrame(), false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: Format.SampleRate,
		Channels:   Format.Channels,
	}, nil
}
