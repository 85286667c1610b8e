package capture

import (
	"errors"
	"sync"
	"testing"
)

// mockEncoder returns a fixed 10-byte packet and records the PCM it saw.
type mockEncoder struct {
	mu      sync.Mutex
	calls   int
	lastPCM []int16
	fail    bool
}

func (m *mockEncoder) Encode(pcm []int16, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return 0, errors.New("encode failed")
	}
	m.lastPCM = append(m.lastPCM[:0], pcm...)
	for i := range 10 {
		data[i] = byte(i)
	}
	return 10, nil
}

func TestChunkerEmitsFixedFrames(t *testing.T) {
	c := newChunker(4)
	var frames [][]float32
	emit := func(f []float32) { frames = append(frames, append([]float32(nil), f...)) }

	c.push([]float32{1, 2, 3}, emit)
	if len(frames) != 0 {
		t.Fatalf("partial frame emitted: %v", frames)
	}
	c.push([]float32{4, 5, 6, 7, 8, 9}, emit)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0][0] != 1 || frames[0][3] != 4 || frames[1][0] != 5 || frames[1][3] != 8 {
		t.Errorf("frames out of order: %v", frames)
	}
	if len(c.pending) != 1 || c.pending[0] != 9 {
		t.Errorf("pending: got %v, want [9]", c.pending)
	}

	c.reset()
	c.push([]float32{10, 11, 12, 13}, emit)
	if len(frames) != 3 || frames[2][0] != 10 {
		t.Errorf("reset should discard the partial frame, got %v", frames)
	}
}

func TestStreamEncodesWholeFrames(t *testing.T) {
	enc := &mockEncoder{}
	ts := newTransmissionStream(enc)

	half := make([]float32, FrameSize/2)
	for i := range half {
		half[i] = 0.5
	}
	ts.write(half)
	if ts.Sent() != 0 {
		t.Fatal("half a frame must not be encoded")
	}
	ts.write(half)
	if ts.Sent() != 1 {
		t.Fatalf("sent: got %d, want 1", ts.Sent())
	}

	pkt := <-ts.Packets()
	if len(pkt) != 10 {
		t.Errorf("packet length: got %d, want 10", len(pkt))
	}
	if enc.lastPCM[0] != int16(0.5*32767) {
		t.Errorf("pcm conversion: got %d", enc.lastPCM[0])
	}
}

func TestStreamClampsBeforeConversion(t *testing.T) {
	enc := &mockEncoder{}
	ts := newTransmissionStream(enc)
	f := make([]float32, FrameSize)
	f[0], f[1] = 3, -3
	ts.write(f)
	if enc.lastPCM[0] != 32767 || enc.lastPCM[1] != -32767 {
		t.Errorf("expected clamped samples, got %d %d", enc.lastPCM[0], enc.lastPCM[1])
	}
}

func TestStreamFlushDropsPartialFrame(t *testing.T) {
	enc := &mockEncoder{}
	ts := newTransmissionStream(enc)
	ts.write(make([]float32, FrameSize-1))
	ts.flush()
	ts.write(make([]float32, 1))
	if ts.Sent() != 0 {
		t.Error("flushed partial frame should not complete")
	}
}

func TestStreamDropsWhenConsumerBehind(t *testing.T) {
	ts := newTransmissionStream(&mockEncoder{})
	f := make([]float32, FrameSize)
	for range packetChannelBuf + 5 {
		ts.write(f)
	}
	if ts.Sent() != packetChannelBuf {
		t.Errorf("sent: got %d, want %d", ts.Sent(), packetChannelBuf)
	}
	if ts.Dropped() != 5 {
		t.Errorf("dropped: got %d, want 5", ts.Dropped())
	}
}

func TestStreamCountsEncodeErrors(t *testing.T) {
	ts := newTransmissionStream(&mockEncoder{fail: true})
	ts.write(make([]float32, FrameSize))
	if ts.Sent() != 0 || ts.Dropped() != 1 {
		t.Errorf("sent=%d dropped=%d, want 0/1", ts.Sent(), ts.Dropped())
	}
}

func TestStreamWithoutEncoderYieldsNothing(t *testing.T) {
	ts := newTransmissionStream(nil)
	ts.write(make([]float32, FrameSize*3))
	ts.close()
	if _, ok := <-ts.Packets(); ok {
		t.Error("expected closed, empty stream")
	}
}

func TestStreamCloseIdempotent(t *testing.T) {
	ts := newTransmissionStream(&mockEncoder{})
	ts.close()
	ts.close()
}
