package frame

import (
	"math"
	"testing"
)

func TestPeak(t *testing.T) {
	if got := Peak(nil); got != 0 {
		t.Errorf("empty peak: got %f, want 0", got)
	}
	if got := Peak([]float32{0.1, -0.6, 0.3}); got != 0.6 {
		t.Errorf("peak: got %f, want 0.6", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("empty RMS: got %f, want 0", got)
	}
	// A constant-amplitude square wave has RMS equal to its amplitude.
	f := make([]float32, 960)
	for i := range f {
		if i%2 == 0 {
			f[i] = 0.25
		} else {
			f[i] = -0.25
		}
	}
	if got := RMS(f); math.Abs(float64(got)-0.25) > 1e-6 {
		t.Errorf("square RMS: got %f, want 0.25", got)
	}
}

func TestScaleClamps(t *testing.T) {
	f := []float32{0.5, -0.5, 0.1}
	Scale(f, 4)
	if f[0] != 1 || f[1] != -1 {
		t.Errorf("expected clamped samples, got %v", f)
	}
	if math.Abs(float64(f[2])-0.4) > 1e-6 {
		t.Errorf("scaled sample: got %f, want 0.4", f[2])
	}
}

func TestWindowDrainReturnsFreshSamplesInOrder(t *testing.T) {
	w := NewWindow(4)
	w.Write([]float32{1, 2, 3})
	got := w.Drain(nil)
	want := []float32{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("len: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}

	// Nothing new since the last drain.
	if got := w.Drain(nil); len(got) != 0 {
		t.Errorf("expected empty drain, got %v", got)
	}
}

func TestWindowKeepsMostRecent(t *testing.T) {
	w := NewWindow(4)
	w.Write([]float32{1, 2, 3})
	w.Write([]float32{4, 5, 6})
	got := w.Drain(make([]float32, 0, 4))
	want := []float32{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// A single oversized block keeps only its tail.
	w.Write([]float32{7, 8, 9, 10, 11, 12})
	got = w.Drain(nil)
	want = []float32{9, 10, 11, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("oversized: got %v, want %v", got, want)
		}
	}
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(0)
	if w.Size() != DefaultSize {
		t.Errorf("size: got %d, want %d", w.Size(), DefaultSize)
	}
	w.Write([]float32{0.5, 0.5})
	w.Reset()
	if got := w.Drain(nil); len(got) != 0 {
		t.Errorf("expected empty drain after reset, got %d samples", len(got))
	}
}
