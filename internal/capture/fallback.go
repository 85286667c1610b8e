package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"bken/voice/internal/logging"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// streamOpener opens a stream bound to buf on deviceID and returns the
// resolved device name.
type streamOpener func(deviceID string, buf []float32) (paStream, string, error)

// FallbackBackend captures raw PCM in-process with PortAudio. The session
// applies gain, metering and gating itself. PortAudio must already be
// initialized (portaudio.Initialize) by the host.
type FallbackBackend struct {
	log  *zap.Logger
	open streamOpener

	mu      sync.Mutex
	stream  paStream
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewFallbackBackend returns a PortAudio-backed capture backend.
func NewFallbackBackend(log *zap.Logger) *FallbackBackend {
	return &FallbackBackend{log: logging.OrNop(log), open: openInputStream}
}

// Kind implements Backend.
func (b *FallbackBackend) Kind() Kind { return KindFallback }

// Command implements Backend. Settings are applied in-process by the
// session, so there is nothing to forward.
func (b *FallbackBackend) Command(Command) error { return nil }

// Open implements Backend.
func (b *FallbackBackend) Open(ctx context.Context, deviceID string, deliver func(Block)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return errors.New("capture: fallback backend already open")
	}

	buf := make([]float32, FrameSize)
	stream, name, err := b.open(deviceID, buf)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start capture %q: %w", name, classifyPortAudio(err))
	}

	b.stream = stream
	b.running.Store(true)
	b.wg.Add(1)
	go func() { defer b.wg.Done(); b.captureLoop(stream, buf, deliver) }()

	b.log.Info("capture started", zap.String("device", name))
	return nil
}

func (b *FallbackBackend) captureLoop(stream paStream, buf []float32, deliver func(Block)) {
	for b.running.Load() {
		if err := stream.Read(); err != nil {
			if b.running.Load() {
				b.log.Warn("capture read", zap.Error(err))
			}
			return
		}
		deliver(Block{Stage: StageRaw, Samples: buf})
	}
}

// Close implements Backend.
//
// Stopping the stream unblocks a pending Read; the capture goroutine must
// exit before the stream is closed, otherwise the native stream object is
// freed while it may still be in use.
func (b *FallbackBackend) Close() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.mu.Lock()
	stream := b.stream
	b.mu.Unlock()

	stream.Stop()
	b.wg.Wait()

	b.mu.Lock()
	err := stream.Close()
	b.stream = nil
	b.mu.Unlock()
	b.log.Info("capture stopped")
	return err
}

// openInputStream opens a mono 48 kHz PortAudio input stream.
func openInputStream(deviceID string, buf []float32) (paStream, string, error) {
	dev, err := resolveDevice(deviceID, func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 }, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, "", err
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, dev.Name, fmt.Errorf("open %q: %w", dev.Name, classifyPortAudio(err))
	}
	return stream, dev.Name, nil
}

// openOutputStream opens a mono 48 kHz PortAudio output stream.
func openOutputStream(deviceID string, buf []float32) (paStream, string, error) {
	dev, err := resolveDevice(deviceID, func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 }, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, "", err
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, dev.Name, fmt.Errorf("open %q: %w", dev.Name, classifyPortAudio(err))
	}
	return stream, dev.Name, nil
}

// resolveDevice returns the device named id (or at index id), otherwise the
// system default when id is empty.
func resolveDevice(id string, match func(*portaudio.DeviceInfo) bool, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if id == "" {
		dev, err := fallback()
		if err != nil {
			return nil, fmt.Errorf("%w: no default device: %v", ErrDeviceUnavailable, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}
	for i, d := range devices {
		if match(d) && (d.Name == id || strconv.Itoa(i) == id) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device %q not found", ErrConstraints, id)
}

// classifyPortAudio maps PortAudio errors onto the capture error taxonomy.
func classifyPortAudio(err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.InvalidDevice, portaudio.InvalidChannelCount, portaudio.InvalidSampleRate:
			return fmt.Errorf("%w: %v", ErrConstraints, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
