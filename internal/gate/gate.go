// Package gate implements the transmit gate: a hysteretic state machine that
// turns the meter level (VAD) or the push-to-talk key into the gain applied
// to outbound audio.
//
// The target gain is binary. The current gain follows it with asymmetric
// exponential smoothing: fast attack so word onsets are not clipped, slow
// release so the gate does not cut off mid-syllable. Mute overrides
// everything and closes the gate instantly.
package gate

import (
	"fmt"
	"strings"
)

const (
	// AttackCoeff is the blend factor used while the gate is opening
	// (~3 ticks to near-target).
	AttackCoeff = 0.3
	// ReleaseCoeff is the blend factor used while the gate is closing
	// (~20 ticks to near-zero).
	ReleaseCoeff = 0.05

	// MinGain is the smallest non-zero gain. A releasing gain that falls below
	// it snaps to exactly 0.
	MinGain = 0.001

	// DefaultThreshold is the VAD threshold on the 0..1 meter scale.
	DefaultThreshold = 0.15
)

// Mode selects what drives the gate.
type Mode int

const (
	// VoiceActivity opens the gate when the meter level reaches the threshold.
	VoiceActivity Mode = iota
	// PushToTalk opens the gate while the PTT key is held.
	PushToTalk
)

// String returns the wire name used in backend commands and config files.
func (m Mode) String() string {
	switch m {
	case VoiceActivity:
		return "voice_activity"
	case PushToTalk:
		return "push_to_talk"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a wire name ("voice_activity", "push_to_talk") or the
// short forms "vad" and "ptt".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voice_activity", "vad":
		return VoiceActivity, nil
	case "push_to_talk", "ptt":
		return PushToTalk, nil
	}
	return VoiceActivity, fmt.Errorf("gate: unknown mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// State is a snapshot of the gate.
type State struct {
	Current float64 `json:"current_gain"`
	Target  float64 `json:"target_gain"`
}

// Controller is the gate state machine. It is not safe for concurrent use;
// the capture session evaluates it once per tick on its tick goroutine.
type Controller struct {
	mode      Mode
	threshold float64
	pttHeld   bool
	muted     bool

	current float64
	target  float64
	// settle holds the gain at 0 for the first evaluation after a mode
	// switch so nothing carries over from the previous mode.
	settle bool
}

// New returns a Controller in VoiceActivity mode with DefaultThreshold.
func New() *Controller {
	return &Controller{mode: VoiceActivity, threshold: DefaultThreshold}
}

// Mode returns the active mode.
func (c *Controller) Mode() Mode { return c.mode }

// SetMode switches mode and resets the gain to 0.
func (c *Controller) SetMode(m Mode) {
	if m != VoiceActivity && m != PushToTalk {
		m = VoiceActivity
	}
	c.mode = m
	c.current = 0
	c.target = 0
	c.settle = true
}

// Threshold returns the VAD threshold.
func (c *Controller) Threshold() float64 { return c.threshold }

// SetThreshold sets the VAD threshold, clamped to [0, 1].
func (c *Controller) SetThreshold(v float64) {
	c.threshold = clamp01(v)
}

// SetPTTPressed records whether the push-to-talk key is held.
func (c *Controller) SetPTTPressed(held bool) { c.pttHeld = held }

// PTTPressed reports whether the push-to-talk key is held.
func (c *Controller) PTTPressed() bool { return c.pttHeld }

// SetMuted sets the manual mute override.
func (c *Controller) SetMuted(muted bool) {
	c.muted = muted
	if muted {
		c.current = 0
		c.target = 0
	}
}

// Muted reports whether the mute override is active.
func (c *Controller) Muted() bool { return c.muted }

// Update evaluates one tick with the freshest meter level and returns the
// gain to apply to outbound audio.
func (c *Controller) Update(level float64) float64 {
	if c.muted {
		c.current = 0
		c.target = 0
		return 0
	}

	switch c.mode {
	case PushToTalk:
		c.target = boolGain(c.pttHeld)
	default:
		c.target = boolGain(level >= c.threshold)
	}

	if c.settle {
		c.settle = false
		c.current = 0
		return 0
	}

	coeff := ReleaseCoeff
	if c.target > c.current {
		coeff = AttackCoeff
	}
	next := c.current*(1-coeff) + c.target*coeff
	if c.target == 0 && next < MinGain {
		next = 0
	}
	c.current = clamp01(next)
	return c.current
}

// Gain returns the current gain without advancing the state machine.
func (c *Controller) Gain() float64 { return c.current }

// Open reports whether the gate is currently passing any audio.
func (c *Controller) Open() bool { return c.current > 0 }

// State returns a snapshot of the current and target gain.
func (c *Controller) State() State {
	return State{Current: c.current, Target: c.target}
}

// Reset closes the gate without changing mode, threshold, PTT or mute settings.
func (c *Controller) Reset() {
	c.current = 0
	c.target = 0
	c.settle = false
}

func boolGain(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
