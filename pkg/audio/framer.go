package audio

// Framer re-chunks an arbitrary PCM byte stream into fixed-size frames.
// Codecs such as Opus only accept whole frames; capture sources deliver
// whatever the device buffer holds. Not safe for concurrent use.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer producing frames of frameBytes bytes.
// frameBytes must be positive.
func NewFramer(frameBytes int) *Framer {
	if frameBytes <= 0 {
		panic("audio: NewFramer requires a positive frame size")
	}
	return &Framer{size: frameBytes}
}

// Push appends pcm and returns every complete frame now available.
// Returned frames are freshly allocated and safe to retain.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Flush returns the buffered remainder zero-padded to a full frame, or nil
// when nothing is buffered.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = nil
	return frame
}
