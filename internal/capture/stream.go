package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"bken/voice/internal/frame"

	"gopkg.in/hraban/opus.v2"
)

const (
	// OpusBitrate is the encoder target bitrate in bits per second.
	OpusBitrate = 32000

	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
	packetChannelBuf   = 30   // ~600ms @ 50 fps; drops if the transport falls behind
)

// Encoder abstracts Opus encoding for testing.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// NewOpusEncoder returns a 48 kHz mono VoIP Opus encoder at OpusBitrate.
func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(OpusBitrate); err != nil {
		return nil, fmt.Errorf("opus bitrate: %w", err)
	}
	return enc, nil
}

// chunker re-slices arbitrary block sizes into fixed-size frames.
// Not safe for concurrent use.
type chunker struct {
	size    int
	pending []float32
}

func newChunker(size int) *chunker {
	return &chunker{size: size, pending: make([]float32, 0, size)}
}

// push appends samples and calls emit for every complete frame. The frame
// passed to emit is only valid for the duration of the call.
func (c *chunker) push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := min(c.size-len(c.pending), len(samples))
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]
		if len(c.pending) == c.size {
			emit(c.pending)
			c.pending = c.pending[:0]
		}
	}
}

func (c *chunker) reset() { c.pending = c.pending[:0] }

// TransmissionStream is the gated outbound audio handle consumed by the
// transport: one Opus packet per 20 ms of transmitted audio.
type TransmissionStream struct {
	packets chan []byte

	// Encoder state is touched only by the backend's audio goroutine.
	enc    Encoder
	chunks *chunker
	pcm    []int16
	buf    []byte

	sent      atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func newTransmissionStream(enc Encoder) *TransmissionStream {
	return &TransmissionStream{
		packets: make(chan []byte, packetChannelBuf),
		enc:     enc,
		chunks:  newChunker(FrameSize),
		pcm:     make([]int16, FrameSize),
		buf:     make([]byte, opusMaxPacketBytes),
	}
}

// Packets returns the channel of encoded Opus packets. It is closed when
// the session stops.
func (ts *TransmissionStream) Packets() <-chan []byte { return ts.packets }

// Sent returns the number of packets handed to the transport.
func (ts *TransmissionStream) Sent() uint64 { return ts.sent.Load() }

// Dropped returns the number of packets dropped because the consumer fell
// behind or encoding failed.
func (ts *TransmissionStream) Dropped() uint64 { return ts.dropped.Load() }

// write encodes gated samples. Called only from the audio goroutine.
func (ts *TransmissionStream) write(samples []float32) {
	if ts.enc == nil {
		return
	}
	ts.chunks.push(samples, ts.encode)
}

// flush discards a partial frame, so a gate that closes mid-frame does not
// leak its tail into the next utterance.
func (ts *TransmissionStream) flush() {
	ts.chunks.reset()
}

func (ts *TransmissionStream) encode(f []float32) {
	for i, s := range f {
		ts.pcm[i] = int16(frame.Clamp(s) * 32767)
	}
	n, err := ts.enc.Encode(ts.pcm, ts.buf)
	if err != nil {
		ts.dropped.Add(1)
		return
	}
	pkt := make([]byte, n)
	copy(pkt, ts.buf[:n])
	select {
	case ts.packets <- pkt:
		ts.sent.Add(1)
	default:
		ts.dropped.Add(1)
	}
}

// close ends the stream. The backend must already be closed so no writer
// remains.
func (ts *TransmissionStream) close() {
	ts.closeOnce.Do(func() { close(ts.packets) })
}
