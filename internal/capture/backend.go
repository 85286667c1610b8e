package capture

import (
	"context"
	"errors"
)

const (
	// SampleRate is the capture and transmission sample rate.
	SampleRate = 48000
	// Channels is the capture channel count (mono).
	Channels = 1
	// FrameSize is one 20 ms block at SampleRate, the unit that is encoded
	// and sent to the transport.
	FrameSize = 960
)

var (
	// ErrDeviceUnavailable means capture could not be acquired at all.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	// ErrConstraints means the requested device could not satisfy the
	// requested constraints (unknown id, unsupported rate or channel count).
	ErrConstraints = errors.New("capture: device constraints not satisfiable")
	// ErrBackendUnavailable means the native DSP backend could not be reached.
	ErrBackendUnavailable = errors.New("capture: native backend unavailable")
	// ErrNotRunning is returned by operations that need a running session.
	ErrNotRunning = errors.New("capture: session not running")
)

// Kind identifies which backend strategy a session is using.
type Kind int

const (
	// KindNone means no backend could be acquired (degraded session).
	KindNone Kind = iota
	// KindNative is the external DSP process driven by command messages.
	KindNative
	// KindFallback runs the pipeline in-process on a raw capture stream.
	KindFallback
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindFallback:
		return "fallback"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Stage tells the session which processing a Block has already been through.
type Stage uint8

const (
	// StageRaw samples come straight from the device: no gain, no gate.
	StageRaw Stage = iota
	// StageScaled samples have input gain applied but are not gated. They
	// feed the meter only.
	StageScaled
	// StageGated samples are ready to transmit. They bypass the meter.
	StageGated
)

// Block is a chunk of mono float32 PCM delivered by a backend on its own
// goroutine. The receiver must not retain Samples after returning.
type Block struct {
	Stage   Stage
	Samples []float32
}

// Backend acquires a capture device and delivers Blocks until closed.
// A backend instance is used for a single session run.
type Backend interface {
	Kind() Kind
	// Open acquires deviceID ("" is the system default) and starts
	// delivering blocks. It blocks only for acquisition.
	Open(ctx context.Context, deviceID string, deliver func(Block)) error
	// Command forwards a control command. In-process backends ignore it.
	Command(cmd Command) error
	// Close stops delivery and releases the device. After Close returns no
	// further blocks are delivered.
	Close() error
}

// Suspender is implemented by backends whose audio subsystem can enter a
// suspended power state.
type Suspender interface {
	Suspended() bool
	Resume() error
}

// Command names understood by the native backend.
const (
	CmdSetAudioGain         = "set_audio_gain"
	CmdSetAudioThreshold    = "set_audio_threshold"
	CmdSetAudioInputMode    = "set_audio_input_mode"
	CmdSetPTTKeyPressed     = "set_ptt_key_pressed"
	CmdSetTransmissionMuted = "set_transmission_muted"
	CmdResume               = "resume"
)

// Command is a fire-and-forget control message for the native backend.
type Command struct {
	Name  string `json:"command"`
	Value any    `json:"value"`
}
