package remote

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestTracker(t *testing.T, rec *recorder) *Tracker {
	t.Helper()
	tr := NewTracker(rec.onChange, WithInterval(time.Hour), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func (t *Tracker) detector(userID string) *Detector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detectors[userID]
}

func TestTrackerAttachDetach(t *testing.T) {
	rec := &recorder{}
	tr := newTestTracker(t, rec)

	tap, err := tr.Attach("alice")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := tr.Attach("bob"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if tr.ctx.Taps() != 2 {
		t.Errorf("shared context taps: got %d, want 2", tr.ctx.Taps())
	}

	tap.WritePCM(constant(0.1, 960))
	tr.detector("alice").sample()
	if !tr.Speaking("alice") || tr.Speaking("bob") {
		t.Errorf("states: %+v", tr.States())
	}

	tr.Detach("alice")
	if tr.Speaking("alice") {
		t.Error("detached user should not be speaking")
	}
	got := rec.all()
	if len(got) != 2 || got[1] != (flip{"alice", false}) {
		t.Errorf("detaching a speaker should report false, got %v", got)
	}

	states := tr.States()
	if len(states) != 1 || states[0].UserID != "bob" {
		t.Errorf("States: got %+v", states)
	}
	if tr.ctx.Closed() {
		t.Error("detaching must not close the shared context")
	}
}

func TestTrackerAttachReplaces(t *testing.T) {
	rec := &recorder{}
	tr := newTestTracker(t, rec)

	first, _ := tr.Attach("alice")
	second, err := tr.Attach("alice")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if first == second {
		t.Fatal("expected a new tap")
	}
	if err := first.WritePCM([]float32{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("replaced tap should be closed, got %v", err)
	}
	if tr.ctx.Taps() != 1 {
		t.Errorf("taps: got %d, want 1", tr.ctx.Taps())
	}

	// The old stream ending must not detach the replacement.
	tr.DetachTap("alice", first)
	if tr.detector("alice") == nil {
		t.Fatal("replacement detached by stale tap")
	}
	tr.DetachTap("alice", second)
	if tr.detector("alice") != nil {
		t.Error("current tap should detach")
	}
}

func TestTrackerClose(t *testing.T) {
	rec := &recorder{}
	tr := newTestTracker(t, rec)
	tap, _ := tr.Attach("alice")
	tap.WritePCM(constant(0.5, 960))
	tr.detector("alice").sample()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tr.Close()

	if !tr.ctx.Closed() {
		t.Error("Close should close the shared context")
	}
	if _, err := tr.Attach("bob"); !errors.Is(err, ErrClosed) {
		t.Errorf("Attach after Close: got %v", err)
	}
	if len(tr.States()) != 0 {
		t.Error("no detectors should remain")
	}
	if got := rec.all(); len(got) != 2 || got[1].speaking {
		t.Errorf("closing should clear speaking state, got %v", got)
	}
}
