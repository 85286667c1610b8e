package remote

import (
	"context"
	"sync"
	"time"

	"bken/voice/internal/frame"
	"bken/voice/internal/logging"
	"bken/voice/internal/tick"

	"go.uber.org/zap"
)

const (
	// NoiseFloor is the normalized RMS above which a peer counts as speaking.
	NoiseFloor = 0.02
	// MaxScale is full scale for the amplitude-domain samples the tap holds.
	MaxScale = 1.0
)

// State is a snapshot of one remote participant's speaking state.
type State struct {
	UserID       string    `json:"user_id"`
	Speaking     bool      `json:"is_speaking"`
	LastSampleAt time.Time `json:"last_sample_at"`
}

// Option configures a Detector or Tracker.
type Option func(*options)

type options struct {
	log        *zap.Logger
	interval   time.Duration
	windowSize int
	shared     *Context
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithInterval sets the sampling cadence.
func WithInterval(d time.Duration) Option { return func(o *options) { o.interval = d } }

// WithWindowSize sets the tap window size used by a privately owned Context.
func WithWindowSize(n int) Option { return func(o *options) { o.windowSize = n } }

// WithContext makes a Detector create its tap on a shared Context instead of
// a private one. The Detector never closes a shared Context.
func WithContext(c *Context) Option { return func(o *options) { o.shared = c } }

func buildOptions(opts []Option) options {
	o := options{interval: tick.DefaultInterval, windowSize: frame.DefaultSize}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logging.OrNop(o.log)
	return o
}

// Detector samples one participant's Tap at a fixed cadence and reports
// speaking-state flips.
type Detector struct {
	userID   string
	log      *zap.Logger
	interval time.Duration
	onChange func(userID string, speaking bool)

	ctx     *Context
	ownsCtx bool
	tap     *Tap

	mu           sync.Mutex
	speaking     bool
	lastSampleAt time.Time
	scratch      []float32
	task         *tick.Task
	stopped      bool
	now          func() time.Time
}

// NewDetector creates a detector for userID. onChange is called, on the
// sampling goroutine, only when the speaking flag flips.
func NewDetector(userID string, onChange func(userID string, speaking bool), opts ...Option) (*Detector, error) {
	o := buildOptions(opts)
	d := &Detector{
		userID:   userID,
		log:      o.log.With(zap.String("user", userID)),
		interval: o.interval,
		onChange: onChange,
		ctx:      o.shared,
		now:      time.Now,
	}
	if d.ctx == nil {
		d.ctx = NewContext(o.windowSize)
		d.ownsCtx = true
	}
	tap, err := d.ctx.NewTap()
	if err != nil {
		if d.ownsCtx {
			d.ctx.Close()
		}
		return nil, err
	}
	d.tap = tap
	d.scratch = make([]float32, 0, tap.window.Size())
	return d, nil
}

// UserID returns the participant this detector belongs to.
func (d *Detector) UserID() string { return d.userID }

// Tap returns the sink for this participant's inbound audio.
func (d *Detector) Tap() *Tap { return d.tap }

// OwnsContext reports whether Stop will close the detector's Context.
func (d *Detector) OwnsContext() bool { return d.ownsCtx }

// Start begins sampling. Calling Start on a running detector is a no-op;
// a stopped detector cannot be restarted.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrClosed
	}
	if d.task == nil {
		d.task = tick.Start(context.Background(), d.interval, d.sample)
	}
	return nil
}

// sample is one tick: RMS over the audio received since the last tick.
func (d *Detector) sample() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	samples := d.tap.Drain(d.scratch[:0])
	rms := float64(frame.RMS(samples))
	speaking := rms/MaxScale > NoiseFloor
	d.lastSampleAt = d.now()
	changed := speaking != d.speaking
	d.speaking = speaking
	d.mu.Unlock()

	if changed {
		d.log.Debug("speaking changed", zap.Bool("speaking", speaking), zap.Float64("rms", rms))
		if d.onChange != nil {
			d.onChange(d.userID, speaking)
		}
	}
}

// Stop cancels sampling, closes the tap and, if the detector created its
// Context, closes that too. It is idempotent and must not be called from
// onChange.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	task := d.task
	d.task = nil
	d.mu.Unlock()

	task.Stop()
	d.tap.Close()
	if d.ownsCtx {
		d.ctx.Close()
	}
}

// State returns the current speaking state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{UserID: d.userID, Speaking: d.speaking, LastSampleAt: d.lastSampleAt}
}
