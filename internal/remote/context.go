// Package remote derives a "this peer is speaking" flag from each remote
// participant's inbound audio.
//
// Senders gate their own transmission, so anything that arrives above a low
// RMS floor counts as speech; there is no envelope or hysteresis here.
package remote

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bken/voice/internal/frame"

	"gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the decode rate of inbound Opus packets.
	SampleRate = 48000

	// maxFrameSamples is the largest Opus frame (120 ms) at SampleRate.
	maxFrameSamples = SampleRate * 120 / 1000
)

// ErrClosed is returned when writing to, or creating taps on, a closed
// Context, Tap or Tracker.
var ErrClosed = errors.New("remote: closed")

// Decoder abstracts Opus decoding for testing.
type Decoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
}

// NewOpusDecoder returns a 48 kHz mono Opus decoder.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return dec, nil
}

// Context is the analysis context taps are created from. One Context may be
// shared by many detectors; whoever created it is responsible for closing it.
// Closing a Context closes every Tap created from it.
type Context struct {
	windowSize int
	newDecoder func() (Decoder, error)

	mu     sync.Mutex
	taps   map[*Tap]struct{}
	closed bool
}

// NewContext returns a Context whose taps hold windowSize samples
// (<= 0 selects frame.DefaultSize).
func NewContext(windowSize int) *Context {
	if windowSize <= 0 {
		windowSize = frame.DefaultSize
	}
	return &Context{
		windowSize: windowSize,
		newDecoder: NewOpusDecoder,
		taps:       make(map[*Tap]struct{}),
	}
}

// NewTap registers a new inbound stream tap.
func (c *Context) NewTap() (*Tap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	t := &Tap{ctx: c, window: frame.NewWindow(c.windowSize)}
	c.taps[t] = struct{}{}
	return t, nil
}

// Taps returns the number of open taps.
func (c *Context) Taps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.taps)
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes all taps. It is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	taps := c.taps
	c.taps = make(map[*Tap]struct{})
	c.mu.Unlock()

	for t := range taps {
		t.closed.Store(true)
	}
	return nil
}

func (c *Context) release(t *Tap) {
	c.mu.Lock()
	delete(c.taps, t)
	c.mu.Unlock()
}

// Tap receives one participant's decoded inbound audio. Writes come from the
// transport goroutine; Drain is called from the detector's tick.
type Tap struct {
	ctx    *Context
	window *frame.Window

	decMu sync.Mutex
	dec   Decoder
	pcm   []float32

	closed    atomic.Bool
	lastWrite atomic.Int64
}

// WritePCM appends decoded mono samples.
func (t *Tap) WritePCM(samples []float32) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.window.Write(samples)
	t.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// WritePacket decodes one Opus packet and appends the result. The decoder is
// created on first use.
func (t *Tap) WritePacket(pkt []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.decMu.Lock()
	defer t.decMu.Unlock()
	if t.dec == nil {
		dec, err := t.ctx.newDecoder()
		if err != nil {
			return err
		}
		t.dec = dec
		t.pcm = make([]float32, maxFrameSamples)
	}
	n, err := t.dec.DecodeFloat32(pkt, t.pcm)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return t.WritePCM(t.pcm[:n])
}

// Drain returns the samples written since the previous Drain.
func (t *Tap) Drain(dst []float32) []float32 {
	return t.window.Drain(dst)
}

// LastWrite returns when audio last arrived, or the zero time.
func (t *Tap) LastWrite() time.Time {
	ns := t.lastWrite.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close detaches the tap from its context. It is idempotent.
func (t *Tap) Close() {
	if t.closed.CompareAndSwap(false, true) {
		t.ctx.release(t)
	}
}
