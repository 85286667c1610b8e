package ptt

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeHotkey struct {
	events       chan bool
	registerErr  error
	registered   bool
	unregistered bool
}

func newFakeHotkey(buf int) *fakeHotkey {
	return &fakeHotkey{events: make(chan bool, buf)}
}

func (f *fakeHotkey) Register() error {
	f.registered = f.registerErr == nil
	return f.registerErr
}
func (f *fakeHotkey) Unregister()         { f.unregistered = true }
func (f *fakeHotkey) Events() <-chan bool { return f.events }

type fakeTarget struct {
	mu     sync.Mutex
	states []bool
}

func (t *fakeTarget) SetPttKeyPressed(held bool) {
	t.mu.Lock()
	t.states = append(t.states, held)
	t.mu.Unlock()
}

func (t *fakeTarget) got() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.states...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestParse(t *testing.T) {
	c, err := Parse("Ctrl+Shift+Space")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Key != "space" || !slices.Equal(c.Mods, []Modifier{ModCtrl, ModShift}) {
		t.Errorf("combo: %+v", c)
	}
	if c.String() != "ctrl+shift+space" {
		t.Errorf("name: got %q", c.String())
	}

	c, err = Parse("f9")
	if err != nil || c.Key != "f9" || len(c.Mods) != 0 {
		t.Errorf("f9: %+v, %v", c, err)
	}

	c, err = Parse("ctrl+ctrl+t")
	if err != nil || len(c.Mods) != 1 {
		t.Errorf("duplicate modifier should collapse: %+v, %v", c, err)
	}

	for _, bad := range []string{"", "ctrl+shift", "ctrl+a+b", "hyper+space", "ctrl+", "f13", "f01", "ctrl+tab"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q): expected error", bad)
		}
	}
}

func TestParseModifierAliases(t *testing.T) {
	tests := []struct {
		in   string
		want []Modifier
	}{
		{"alt+space", []Modifier{ModAlt}},
		{"option+space", []Modifier{ModAlt}},
		{"cmd+space", []Modifier{ModSuper}},
		{"win+space", []Modifier{ModSuper}},
		{"control+meta+space", []Modifier{ModCtrl, ModSuper}},
	}
	for _, tt := range tests {
		c, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if !slices.Equal(c.Mods, tt.want) {
			t.Errorf("Parse(%q) mods: got %v, want %v", tt.in, c.Mods, tt.want)
		}
	}
}

func TestBindMirrorsKeyState(t *testing.T) {
	hk := newFakeHotkey(0)
	target := &fakeTarget{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Bind(ctx, zaptest.NewLogger(t), hk, target) }()

	hk.events <- true
	hk.events <- true // auto-repeat: ignored
	hk.events <- false
	hk.events <- false // stray release: ignored
	hk.events <- true

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Bind: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bind did not return after cancel")
	}

	want := []bool{true, false, true, false}
	if got := target.got(); !slices.Equal(got, want) {
		t.Fatalf("states: got %v, want %v", got, want)
	}
	if !hk.registered || !hk.unregistered {
		t.Errorf("registered=%v unregistered=%v", hk.registered, hk.unregistered)
	}
}

func TestBindQuickTapEndsReleased(t *testing.T) {
	for i := 0; i < 200; i++ {
		hk := newFakeHotkey(2)
		hk.events <- true
		hk.events <- false
		target := &fakeTarget{}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Bind(ctx, nil, hk, target) }()

		waitFor(t, func() bool { return len(target.got()) == 2 })
		cancel()
		<-done
		if got := target.got(); !slices.Equal(got, []bool{true, false}) {
			t.Fatalf("run %d: states %v, want [true false]", i, got)
		}
	}
}

func TestBindReleasesWhenEventsClose(t *testing.T) {
	hk := newFakeHotkey(1)
	hk.events <- true
	close(hk.events)
	target := &fakeTarget{}
	if err := Bind(context.Background(), nil, hk, target); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := target.got(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("states: got %v", got)
	}
}

func TestBindRegisterError(t *testing.T) {
	hk := newFakeHotkey(0)
	hk.registerErr = errors.New("grabbed by another app")
	err := Bind(context.Background(), nil, hk, &fakeTarget{})
	if !errors.Is(err, hk.registerErr) {
		t.Errorf("got %v", err)
	}
	if hk.unregistered {
		t.Error("failed registration should not unregister")
	}
}

// runOrder queues downs presses and ups releases before order starts, so
// its first pick between them is random, and returns the first want events.
func runOrder(t *testing.T, downs, ups, want int) []bool {
	t.Helper()
	down := make(chan struct{}, downs)
	up := make(chan struct{}, ups)
	for range downs {
		down <- struct{}{}
	}
	for range ups {
		up <- struct{}{}
	}
	out := make(chan bool, 4)
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		order(stop, down, up, out)
		close(finished)
	}()
	defer func() {
		close(stop)
		<-finished
	}()
	return collect(t, out, want)
}

func collect(t *testing.T, out <-chan bool, n int) []bool {
	t.Helper()
	var got []bool
	for len(got) < n {
		select {
		case v := <-out:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("order emitted only %v", got)
		}
	}
	return got
}

func TestOrderTapFromReleased(t *testing.T) {
	for i := 0; i < 200; i++ {
		if got := runOrder(t, 1, 1, 2); !slices.Equal(got, []bool{true, false}) {
			t.Fatalf("run %d: got %v, want [true false]", i, got)
		}
	}
}

func TestOrderTapThenPress(t *testing.T) {
	for i := 0; i < 200; i++ {
		if got := runOrder(t, 2, 1, 3); !slices.Equal(got, []bool{true, false, true}) {
			t.Fatalf("run %d: got %v, want [true false true]", i, got)
		}
	}
}

func TestOrderIgnoresRepeatAndStrayRelease(t *testing.T) {
	down := make(chan struct{})
	up := make(chan struct{})
	out := make(chan bool, 8)
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		order(stop, down, up, out)
		close(finished)
	}()

	up <- struct{}{}
	down <- struct{}{}
	down <- struct{}{}
	up <- struct{}{}
	got := collect(t, out, 2)
	close(stop)
	<-finished

	if !slices.Equal(got, []bool{true, false}) {
		t.Errorf("got %v, want [true false]", got)
	}
	if len(out) != 0 {
		t.Errorf("unexpected extra events: %d", len(out))
	}
}
