package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"bken/voice/internal/frame"

	"go.uber.org/zap"
)

const monitorChannelBuf = 10 // ~200ms @ 50 fps; silence fills gaps

// Monitor plays gated audio back locally so users can hear themselves.
type Monitor interface {
	// Play queues samples for playback without blocking. The receiver must
	// not retain samples after returning.
	Play(samples []float32)
	Close() error
}

// MonitorOpener opens a Monitor on outputDeviceID ("" is the system default).
type MonitorOpener func(outputDeviceID string) (Monitor, error)

// paMonitor is a PortAudio playback loop fed from a frame channel.
type paMonitor struct {
	log    *zap.Logger
	stream paStream
	frames chan []float32
	chunks *chunker // touched only by the Play caller

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// PortAudioMonitor returns a MonitorOpener backed by PortAudio output streams.
func PortAudioMonitor(log *zap.Logger) MonitorOpener {
	return func(outputDeviceID string) (Monitor, error) {
		return openPAMonitor(log, outputDeviceID, openOutputStream)
	}
}

func openPAMonitor(log *zap.Logger, outputDeviceID string, open streamOpener) (*paMonitor, error) {
	buf := make([]float32, FrameSize)
	stream, name, err := open(outputDeviceID, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start playback %q: %w", name, err)
	}
	m := &paMonitor{
		log:    log,
		stream: stream,
		frames: make(chan []float32, monitorChannelBuf),
		chunks: newChunker(FrameSize),
		stopCh: make(chan struct{}),
	}
	m.running.Store(true)
	m.wg.Add(1)
	go func() { defer m.wg.Done(); m.playbackLoop(buf) }()
	log.Info("monitoring started", zap.String("device", name))
	return m, nil
}

func (m *paMonitor) Play(samples []float32) {
	if !m.running.Load() {
		return
	}
	m.chunks.push(samples, func(f []float32) {
		out := make([]float32, len(f))
		copy(out, f)
		select {
		case m.frames <- out:
		default:
		}
	})
}

// playbackLoop writes one frame per hardware period. Write blocks until the
// device needs more samples, which paces the loop; silence fills gaps.
func (m *paMonitor) playbackLoop(buf []float32) {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		select {
		case f := <-m.frames:
			copy(buf, f)
		default:
			frame.Zero(buf)
		}
		if err := m.stream.Write(); err != nil {
			if m.running.Load() {
				m.log.Warn("monitor write", zap.Error(err))
			}
			return
		}
	}
}

func (m *paMonitor) Close() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	close(m.stopCh)
	m.stream.Stop()
	m.wg.Wait()
	err := m.stream.Close()
	m.log.Info("monitoring stopped")
	return err
}
