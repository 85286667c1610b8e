package remote

import (
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker keeps one Detector per remote participant, all on a single shared
// Context that the Tracker owns.
type Tracker struct {
	log      *zap.Logger
	interval time.Duration
	onChange func(userID string, speaking bool)
	ctx      *Context

	mu        sync.Mutex
	detectors map[string]*Detector
	closed    bool
}

// NewTracker returns an empty Tracker. onChange receives every speaking flip
// for every attached participant, plus a final false when a speaking
// participant is detached.
func NewTracker(onChange func(userID string, speaking bool), opts ...Option) *Tracker {
	o := buildOptions(opts)
	return &Tracker{
		log:       o.log,
		interval:  o.interval,
		onChange:  onChange,
		ctx:       NewContext(o.windowSize),
		detectors: make(map[string]*Detector),
	}
}

// Attach starts a detector for userID and returns its tap. An existing
// detector for the same user is replaced.
func (t *Tracker) Attach(userID string) (*Tap, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	old := t.detectors[userID]
	delete(t.detectors, userID)
	t.mu.Unlock()
	t.stop(old)

	d, err := NewDetector(userID, t.onChange,
		WithContext(t.ctx), WithInterval(t.interval), WithLogger(t.log))
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		d.Stop()
		return nil, ErrClosed
	}
	prev := t.detectors[userID]
	t.detectors[userID] = d
	t.mu.Unlock()
	t.stop(prev)

	t.log.Debug("remote stream attached", zap.String("user", userID))
	return d.Tap(), nil
}

// Detach stops the detector for userID, if any.
func (t *Tracker) Detach(userID string) {
	t.mu.Lock()
	d := t.detectors[userID]
	delete(t.detectors, userID)
	t.mu.Unlock()
	if d != nil {
		t.stop(d)
		t.log.Debug("remote stream detached", zap.String("user", userID))
	}
}

// DetachTap detaches userID only if tap is still its current tap, so a
// stream that ends after being replaced leaves the replacement alone.
func (t *Tracker) DetachTap(userID string, tap *Tap) {
	t.mu.Lock()
	d := t.detectors[userID]
	if d == nil || d.Tap() != tap {
		t.mu.Unlock()
		return
	}
	delete(t.detectors, userID)
	t.mu.Unlock()
	t.stop(d)
}

func (t *Tracker) stop(d *Detector) {
	if d == nil {
		return
	}
	d.Stop()
	if d.State().Speaking && t.onChange != nil {
		t.onChange(d.UserID(), false)
	}
}

// Speaking reports whether userID is currently speaking.
func (t *Tracker) Speaking(userID string) bool {
	t.mu.Lock()
	d := t.detectors[userID]
	t.mu.Unlock()
	return d != nil && d.State().Speaking
}

// States returns every attached participant's state, sorted by user id.
func (t *Tracker) States() []State {
	t.mu.Lock()
	ds := make([]*Detector, 0, len(t.detectors))
	for _, d := range t.detectors {
		ds = append(ds, d)
	}
	t.mu.Unlock()

	out := make([]State, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.State())
	}
	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Close detaches everyone and closes the shared Context. It is idempotent.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ds := t.detectors
	t.detectors = make(map[string]*Detector)
	t.mu.Unlock()

	for _, d := range ds {
		t.stop(d)
	}
	return t.ctx.Close()
}
