// Package meter turns analysis frames into the 0..1 level shown on the
// microphone meter and used as the VAD decision variable.
//
// The pipeline has two stages. EnvelopeTracker follows the frame peak with
// instant attack and exponential decay so the meter reacts immediately but
// does not flicker to zero between words. LevelMapper clamps the envelope at
// a noise floor, normalizes it against typical close-mic speech peaks and
// applies a square-root boost so quiet speech is still visible.
package meter

import (
	"math"

	"bken/voice/internal/frame"
)

const (
	// DecayFactor is the per-tick multiplier applied to the envelope when no
	// louder peak arrives (~12% loss per tick).
	DecayFactor = 0.88

	// NoiseFloor is the envelope level treated as exact silence.
	NoiseFloor = 0.0002

	// MaxLevel is the envelope level mapped to a full meter. Calibrated to
	// typical close-mic speech peaks; louder input stays at 1.
	MaxLevel = 0.07
)

// EnvelopeTracker converts frames into a smoothed loudness value. Zero value
// is not usable; use NewEnvelopeTracker().
type EnvelopeTracker struct {
	decay float64
	floor float64
	level float64 // displayedLevel
}

// NewEnvelopeTracker returns a tracker with DecayFactor and NoiseFloor.
func NewEnvelopeTracker() *EnvelopeTracker {
	return &EnvelopeTracker{decay: DecayFactor, floor: NoiseFloor}
}

// Update folds one frame into the envelope and returns the new displayed
// level: max(peak, level*decay). Once that falls below the noise floor the
// envelope snaps to exactly 0.
func (e *EnvelopeTracker) Update(samples []float32) float64 {
	peak := float64(frame.Peak(samples))
	next := max(peak, e.level*e.decay)
	if next < e.floor {
		next = 0
	}
	e.level = next
	return next
}

// Level returns the current displayed level.
func (e *EnvelopeTracker) Level() float64 { return e.level }

// Reset drops the envelope to 0.
func (e *EnvelopeTracker) Reset() { e.level = 0 }

// LevelMapper maps an envelope value onto a perceptual 0..1 UI level.
type LevelMapper struct {
	NoiseFloor float64
	MaxLevel   float64
}

// NewLevelMapper returns a mapper with NoiseFloor and MaxLevel.
func NewLevelMapper() LevelMapper {
	return LevelMapper{NoiseFloor: NoiseFloor, MaxLevel: MaxLevel}
}

// Map returns the UI level for displayed. Anything below the noise floor is
// exactly 0; anything at or above MaxLevel is exactly 1.
func (m LevelMapper) Map(displayed float64) float64 {
	if displayed < m.NoiseFloor {
		return 0
	}
	normalized := (displayed - m.NoiseFloor) / (m.MaxLevel - m.NoiseFloor)
	if normalized > 1 {
		normalized = 1
	} else if normalized < 0 {
		normalized = 0
	}
	return math.Sqrt(normalized)
}
