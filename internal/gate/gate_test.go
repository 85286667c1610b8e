package gate

import (
	"math"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	if c.Mode() != VoiceActivity {
		t.Errorf("mode: got %v, want %v", c.Mode(), VoiceActivity)
	}
	if c.Threshold() != DefaultThreshold {
		t.Errorf("threshold: got %f, want %f", c.Threshold(), DefaultThreshold)
	}
	if c.Gain() != 0 || c.Open() {
		t.Error("expected gate closed by default")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"voice_activity": VoiceActivity,
		"vad":            VoiceActivity,
		"push_to_talk":   PushToTalk,
		" PTT ":          PushToTalk,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil {
			t.Errorf("ParseMode(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseMode(%q): got %v, want %v", in, got, want)
		}
	}
	if _, err := ParseMode("open_mic"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if PushToTalk.String() != "push_to_talk" {
		t.Errorf("String: got %q", PushToTalk.String())
	}
}

func TestSetThresholdClamps(t *testing.T) {
	c := New()
	c.SetThreshold(-1)
	if c.Threshold() != 0 {
		t.Errorf("negative threshold: got %f", c.Threshold())
	}
	c.SetThreshold(7)
	if c.Threshold() != 1 {
		t.Errorf("oversized threshold: got %f", c.Threshold())
	}
}

func TestGainStaysInUnitRange(t *testing.T) {
	c := New()
	c.SetThreshold(0.3)
	levels := []float64{0, 1, 0.31, 0.29, 1, 1, 1, 0, 0, 0.5}
	for i := 0; i < 500; i++ {
		if i == 200 {
			c.SetMode(PushToTalk)
		}
		if i%7 == 0 {
			c.SetPTTPressed(!c.PTTPressed())
		}
		g := c.Update(levels[i%len(levels)])
		if g < 0 || g > 1 {
			t.Fatalf("tick %d: gain %f out of [0,1]", i, g)
		}
	}
}

func TestMuteForcesZeroInAnyState(t *testing.T) {
	for _, mode := range []Mode{VoiceActivity, PushToTalk} {
		for _, ptt := range []bool{false, true} {
			for _, threshold := range []float64{0, 0.3, 1} {
				c := New()
				c.SetMode(mode)
				c.SetThreshold(threshold)
				c.SetPTTPressed(ptt)
				for range 10 {
					c.Update(1)
				}
				c.SetMuted(true)
				if g := c.Update(1); g != 0 {
					t.Errorf("mode=%v ptt=%v threshold=%v: muted gain %f, want 0", mode, ptt, threshold, g)
				}
				if c.State().Current != 0 {
					t.Errorf("mode=%v: current gain %f after mute", mode, c.State().Current)
				}
			}
		}
	}
}

func TestUnmuteResumesSmoothing(t *testing.T) {
	c := New()
	c.SetMuted(true)
	c.Update(1)
	c.SetMuted(false)
	if g := c.Update(1); math.Abs(g-AttackCoeff) > 1e-9 {
		t.Errorf("first tick after unmute: got %f, want %f", g, AttackCoeff)
	}
}

func TestModeSwitchResetsGain(t *testing.T) {
	c := New()
	for range 20 {
		c.Update(1)
	}
	if c.Gain() < 0.9 {
		t.Fatalf("expected gate open before switch, gain %f", c.Gain())
	}
	c.SetMode(PushToTalk)
	if c.Gain() != 0 {
		t.Errorf("gain right after SetMode: got %f", c.Gain())
	}
	c.SetPTTPressed(true)
	if g := c.Update(1); g != 0 {
		t.Errorf("gain on the tick after SetMode: got %f, want 0", g)
	}
	if g := c.Update(1); g <= 0 {
		t.Errorf("gate should open on the following tick, gain %f", g)
	}
}

func TestAttackFasterThanRelease(t *testing.T) {
	c := New()
	c.SetThreshold(0.5)

	attack := 0
	for c.Gain() < 0.9 {
		c.Update(1)
		attack++
		if attack > 1000 {
			t.Fatal("gate never opened")
		}
	}
	for c.Gain() < 1-1e-6 {
		c.Update(1)
	}

	release := 0
	for c.Gain() >= 0.1 {
		c.Update(0)
		release++
		if release > 1000 {
			t.Fatal("gate never closed")
		}
	}
	if attack >= release {
		t.Errorf("attack ticks (%d) should be fewer than release ticks (%d)", attack, release)
	}
	if attack > 7 {
		t.Errorf("attack took %d ticks, want <= 7", attack)
	}
}

func TestReleaseSnapsToZero(t *testing.T) {
	c := New()
	c.Update(1)
	for range 1000 {
		c.Update(0)
	}
	if c.Gain() != 0 {
		t.Errorf("expected exact 0 after long release, got %g", c.Gain())
	}
	if c.Open() {
		t.Error("gate should report closed")
	}
}

// Scenario: VAD, threshold 0.3, level 0.5 for 5 ticks, 0.1 for 20, then silence.
func TestVADScenario(t *testing.T) {
	c := New()
	c.SetThreshold(0.3)

	opened := -1
	for i := range 5 {
		if c.Update(0.5) > 0 && opened < 0 {
			opened = i
		}
	}
	if opened < 0 || opened > 2 {
		t.Fatalf("gate should open within 3 ticks, opened at %d", opened)
	}
	peak := c.Gain()

	for i := range 20 {
		g := c.Update(0.1)
		if g == 0 {
			t.Fatalf("gate fully closed after only %d quiet ticks", i+1)
		}
		if g > peak {
			t.Fatalf("gain rose during release: %f > %f", g, peak)
		}
	}
	if c.State().Target != 0 {
		t.Errorf("target should be 0 below threshold, got %f", c.State().Target)
	}

	closed := false
	for range 500 {
		if c.Update(0) == 0 {
			closed = true
			break
		}
	}
	if !closed {
		t.Error("gate never closed during silence")
	}
}

// Scenario: PTT mode, key never pressed, loud input.
func TestPTTNeverPressedStaysClosed(t *testing.T) {
	c := New()
	c.SetMode(PushToTalk)
	for i := range 100 {
		if g := c.Update(1); g != 0 {
			t.Fatalf("tick %d: gain %f with PTT released", i, g)
		}
	}
}

func TestPTTHeldIgnoresLevel(t *testing.T) {
	c := New()
	c.SetMode(PushToTalk)
	c.Update(0)
	c.SetPTTPressed(true)
	if g := c.Update(0); g <= 0 {
		t.Errorf("held PTT should open gate on silent input, gain %f", g)
	}
}

func TestReset(t *testing.T) {
	c := New()
	c.SetMode(PushToTalk)
	c.SetPTTPressed(true)
	c.Update(0)
	c.Update(0)
	c.Reset()
	if c.State() != (State{}) {
		t.Errorf("state after reset: %+v", c.State())
	}
	if c.Mode() != PushToTalk || !c.PTTPressed() {
		t.Error("reset must not touch mode or PTT state")
	}
}

func TestModeText(t *testing.T) {
	var m Mode
	if err := m.UnmarshalText([]byte("ptt")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if m != PushToTalk {
		t.Errorf("got %v, want %v", m, PushToTalk)
	}
	b, err := m.MarshalText()
	if err != nil || string(b) != "push_to_talk" {
		t.Errorf("MarshalText: got %q, %v", b, err)
	}
	if err := m.UnmarshalText([]byte("nope")); err == nil {
		t.Error("expected error for unknown mode")
	}
}
