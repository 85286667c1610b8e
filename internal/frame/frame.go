// Package frame holds the time-domain sample windows the voice pipeline
// analyzes once per tick, plus the small per-sample helpers shared by the
// capture and remote paths.
//
// Samples are mono float32 PCM in [-1, 1]. The capture goroutine writes
// blocks at the backend's native block rate; the tick goroutine drains the
// most recent samples at a much lower cadence (10 Hz by default).
package frame

import (
	"math"
	"sync"
)

// DefaultSize is the number of samples in one analysis frame (~43 ms at 48 kHz).
const DefaultSize = 2048

// Peak returns max(|s|) over samples, or 0 for an empty slice.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// RMS returns the root-mean-square of a float32 PCM frame.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// Clamp clamps v to [-1.0, 1.0].
func Clamp(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// Scale multiplies every sample by gain in-place, clamping to [-1, 1].
// A gain of exactly 1 is a no-op.
func Scale(samples []float32, gain float32) {
	if gain == 1 {
		return
	}
	for i, s := range samples {
		samples[i] = Clamp(s * gain)
	}
}

// Zero zeroes all elements of buf.
func Zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// Window is a fixed-size ring of the most recent samples. It is written by
// the audio goroutine and drained by the tick goroutine, so it is safe for
// concurrent use.
type Window struct {
	mu    sync.Mutex
	buf   []float32
	pos   int // next write index
	fresh int // samples written since the last Drain, capped at len(buf)
}

// NewWindow returns a Window holding up to size samples. size <= 0 selects
// DefaultSize.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{buf: make([]float32, size)}
}

// Size returns the capacity of the window in samples.
func (w *Window) Size() int { return len(w.buf) }

// Write appends samples, overwriting the oldest ones once the ring is full.
func (w *Window) Write(samples []float32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.buf)
	if len(samples) >= n {
		copy(w.buf, samples[len(samples)-n:])
		w.pos = 0
		w.fresh = n
		return
	}
	for _, s := range samples {
		w.buf[w.pos] = s
		w.pos = (w.pos + 1) % n
	}
	w.fresh = min(w.fresh+len(samples), n)
}

// Drain copies the samples written since the previous Drain into dst (in
// chronological order, at most Size of them) and returns the filled slice.
// A window with nothing new returns an empty slice: the caller treats that
// as a silent frame.
func (w *Window) Drain(dst []float32) []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.buf)
	count := w.fresh
	if cap(dst) < count {
		dst = make([]float32, count)
	}
	dst = dst[:count]
	start := (w.pos - count + n) % n
	for i := range count {
		dst[i] = w.buf[(start+i)%n]
	}
	w.fresh = 0
	return dst
}

// Reset discards all buffered samples.
func (w *Window) Reset() {
	w.mu.Lock()
	Zero(w.buf)
	w.pos = 0
	w.fresh = 0
	w.mu.Unlock()
}
