package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"bken/voice/internal/logging"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const nativeWriteTimeout = time.Second

// nativeEvent is a status message sent by the DSP process.
type nativeEvent struct {
	Event string `json:"event"`
	State string `json:"state,omitempty"`
}

// NativeBackend drives an external DSP process over a websocket. The DSP
// applies gain, threshold, mode and mute itself; the session forwards every
// setting as a Command and receives two sample feeds back as binary frames:
// StageScaled (pre-gate, for the meter) and StageGated (for transmission).
//
// Binary frame layout: one stage byte followed by little-endian float32
// samples.
type NativeBackend struct {
	url    string
	log    *zap.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	running   atomic.Bool
	suspended atomic.Bool
	done      chan struct{}
}

// NewNativeBackend returns a backend that connects to the DSP at rawURL.
func NewNativeBackend(rawURL string, log *zap.Logger) *NativeBackend {
	return &NativeBackend{
		url:    rawURL,
		log:    logging.OrNop(log),
		dialer: &websocket.Dialer{HandshakeTimeout: 2 * time.Second},
	}
}

// Kind implements Backend.
func (b *NativeBackend) Kind() Kind { return KindNative }

// Open implements Backend.
func (b *NativeBackend) Open(ctx context.Context, deviceID string, deliver func(Block)) error {
	u, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if deviceID != "" {
		q := u.Query()
		q.Set("device", deviceID)
		u.RawQuery = q.Encode()
	}

	conn, _, err := b.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	b.conn = conn
	b.done = make(chan struct{})
	b.running.Store(true)
	go b.readLoop(deliver)

	b.log.Info("native backend connected", zap.String("url", u.String()))
	return nil
}

func (b *NativeBackend) readLoop(deliver func(Block)) {
	defer close(b.done)
	var samples []float32
	for {
		mt, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.running.Load() {
				b.log.Warn("native backend read", zap.Error(err))
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			stage, s, err := DecodeBlock(data, samples)
			if err != nil {
				b.log.Debug("native backend: bad block", zap.Error(err))
				continue
			}
			samples = s
			deliver(Block{Stage: stage, Samples: s})
		case websocket.TextMessage:
			var ev nativeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				b.log.Debug("native backend: bad event", zap.Error(err))
				continue
			}
			if ev.Event == "state" {
				b.suspended.Store(ev.State == "suspended")
			}
		}
	}
}

// Command implements Backend.
func (b *NativeBackend) Command(cmd Command) error {
	if !b.running.Load() {
		return ErrNotRunning
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(nativeWriteTimeout)); err != nil {
		return err
	}
	if err := b.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("native %s: %w", cmd.Name, err)
	}
	return nil
}

// Suspended implements Suspender.
func (b *NativeBackend) Suspended() bool { return b.suspended.Load() }

// Resume implements Suspender.
func (b *NativeBackend) Resume() error {
	return b.Command(Command{Name: CmdResume})
}

// Close implements Backend.
func (b *NativeBackend) Close() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(nativeWriteTimeout))
	b.writeMu.Unlock()
	err := b.conn.Close()
	<-b.done
	b.log.Info("native backend disconnected")
	return err
}

// EncodeBlock serializes samples in the native backend's binary frame layout.
func EncodeBlock(stage Stage, samples []float32) []byte {
	out := make([]byte, 1+4*len(samples))
	out[0] = byte(stage)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[1+4*i:], math.Float32bits(s))
	}
	return out
}

// DecodeBlock parses a binary frame, reusing dst when it is large enough.
func DecodeBlock(data []byte, dst []float32) (Stage, []float32, error) {
	if len(data) < 1 || (len(data)-1)%4 != 0 {
		return 0, nil, fmt.Errorf("block length %d", len(data))
	}
	stage := Stage(data[0])
	if stage != StageScaled && stage != StageGated {
		return 0, nil, errors.New("block stage must be scaled or gated")
	}
	n := (len(data) - 1) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[1+4*i:]))
	}
	return stage, dst, nil
}
