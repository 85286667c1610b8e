// Package capture owns the local microphone pipeline: device acquisition,
// the periodic metering/gating tick, and the gated outbound stream.
//
// A Session drives one tick every 100 ms (by default):
//
//	window drain -> EnvelopeTracker -> LevelMapper -> onLevel callback
//	                                             \-> gate.Controller -> outbound gain
//
// Audio itself flows on the backend's goroutine at the device block rate.
// That goroutine only reads the gains the tick publishes; all pipeline
// state transitions happen inside the tick.
package capture

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"bken/voice/internal/frame"
	"bken/voice/internal/gate"
	"bken/voice/internal/logging"
	"bken/voice/internal/meter"
	"bken/voice/internal/tick"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a snapshot of a Session.
type State struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	Mode           gate.Mode  `json:"mode"`
	Threshold      float64    `json:"threshold"`
	Gain           float64    `json:"gain"`
	Muted          bool       `json:"muted"`
	PTTPressed     bool       `json:"ptt_pressed"`
	Running        bool       `json:"running"`
	Backend        Kind       `json:"backend"`
	Degraded       bool       `json:"degraded"`
	Suspended      bool       `json:"suspended"`
	Monitoring     bool       `json:"monitoring"`
	DisplayedLevel float64    `json:"displayed_level"`
	Level          float64    `json:"level"`
	Gate           gate.State `json:"gate"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = logging.OrNop(l) }
}

// WithNativeBackend sets the factory for the preferred native backend.
// nil disables the native path.
func WithNativeBackend(fn func() Backend) Option {
	return func(s *Session) { s.newNative = fn }
}

// WithFallbackBackend sets the factory for the in-process fallback backend.
func WithFallbackBackend(fn func() Backend) Option {
	return func(s *Session) { s.newFallback = fn }
}

// WithEncoder sets the Opus encoder factory for the transmission stream.
func WithEncoder(fn func() (Encoder, error)) Option {
	return func(s *Session) { s.newEncoder = fn }
}

// WithMonitor sets how monitoring playback is opened.
func WithMonitor(open MonitorOpener) Option {
	return func(s *Session) { s.openMonitor = open }
}

// WithTickInterval sets the metering/gating cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) { s.interval = d }
}

// WithWindowSize sets the analysis frame size in samples.
func WithWindowSize(n int) Option {
	return func(s *Session) { s.windowSize = n }
}

// Session is the local capture pipeline. Exactly one should be active per
// local user. All methods are safe for concurrent use.
type Session struct {
	log         *zap.Logger
	newNative   func() Backend
	newFallback func() Backend
	newEncoder  func() (Encoder, error)
	openMonitor MonitorOpener
	interval    time.Duration
	windowSize  int

	// lifeMu serializes Start/Stop, which may block on device acquisition.
	lifeMu sync.Mutex

	mu       sync.Mutex
	id       string
	deviceID string
	running  bool
	backend  Backend
	kind     Kind
	task     *tick.Task
	onLevel  func(level float64)
	stream   *TransmissionStream

	// Settings. Written by setters, applied by the next tick.
	mode        gate.Mode
	modeDirty   bool
	threshold   float64
	gain        float64
	muted       bool
	pttHeld     bool
	resumeTried bool
	suspended   bool

	envelope *meter.EnvelopeTracker
	mapper   meter.LevelMapper
	gate     *gate.Controller
	level    float64
	window   *frame.Window
	scratch  []float32

	// Published by the tick, read by the audio goroutine (float64 bits).
	inputGain atomic.Uint64
	gateGain  atomic.Uint64

	monMu      sync.Mutex
	monitor    Monitor
	monitoring atomic.Bool
}

// NewSession returns a stopped Session. Without options it captures through
// PortAudio only, encodes with Opus and monitors through PortAudio.
func NewSession(opts ...Option) *Session {
	s := &Session{
		log:        zap.NewNop(),
		newEncoder: NewOpusEncoder,
		interval:   tick.DefaultInterval,
		windowSize: frame.DefaultSize,
		mode:       gate.VoiceActivity,
		threshold:  gate.DefaultThreshold,
		gain:       1,
		envelope:   meter.NewEnvelopeTracker(),
		mapper:     meter.NewLevelMapper(),
		gate:       gate.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newFallback == nil {
		log := s.log
		s.newFallback = func() Backend { return NewFallbackBackend(log.Named("fallback")) }
	}
	if s.openMonitor == nil {
		s.openMonitor = PortAudioMonitor(s.log.Named("monitor"))
	}
	s.window = frame.NewWindow(s.windowSize)
	s.scratch = make([]float32, 0, s.window.Size())
	s.inputGain.Store(math.Float64bits(1))
	return s
}

// Start acquires deviceID ("" for the system default) and begins ticking.
// onLevel receives the 0..1 meter level once per tick and must not call
// Stop. A running session is stopped first.
//
// Device and backend failures are not returned: the session degrades to
// silence (see State().Degraded). Only context cancellation is an error.
func (s *Session) Start(ctx context.Context, deviceID string, onLevel func(level float64)) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.stopLocked()
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	log := s.log.With(zap.String("session", id))

	var enc Encoder
	if s.newEncoder != nil {
		e, err := s.newEncoder()
		if err != nil {
			log.Warn("transmission encoder unavailable", zap.Error(err))
		} else {
			enc = e
		}
	}
	stream := newTransmissionStream(enc)

	s.mu.Lock()
	s.resetPipelineLocked()
	gain := s.gain
	s.mu.Unlock()
	s.inputGain.Store(math.Float64bits(gain))

	backend, kind, effective := s.acquire(ctx, log, deviceID, s.deliverTo(stream))
	if err := ctx.Err(); err != nil {
		if backend != nil {
			backend.Close()
		}
		stream.close()
		return err
	}

	s.mu.Lock()
	s.id = id
	s.deviceID = effective
	s.backend = backend
	s.kind = kind
	s.stream = stream
	s.onLevel = onLevel
	s.running = true
	settings := s.commandsLocked()
	s.mu.Unlock()

	if kind == KindNative {
		for _, cmd := range settings {
			s.forward(backend, cmd)
		}
	}

	task := tick.Start(context.Background(), s.interval, s.tick)
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
	log.Info("capture session started",
		zap.String("device", effective),
		zap.Stringer("backend", kind))
	return nil
}

// acquire tries the native backend, then the fallback on deviceID, then the
// fallback on the system default.
func (s *Session) acquire(ctx context.Context, log *zap.Logger, deviceID string, deliver func(Block)) (Backend, Kind, string) {
	if s.newNative != nil {
		b := s.newNative()
		err := b.Open(ctx, deviceID, deliver)
		if err == nil {
			return b, KindNative, deviceID
		}
		log.Warn("native backend unavailable, using fallback", zap.Error(err))
	}
	if s.newFallback == nil || ctx.Err() != nil {
		return nil, KindNone, deviceID
	}

	b := s.newFallback()
	err := b.Open(ctx, deviceID, deliver)
	if err == nil {
		return b, KindFallback, deviceID
	}
	if deviceID != "" && ctx.Err() == nil {
		log.Warn("capture device failed, retrying with system default",
			zap.String("device", deviceID), zap.Error(err))
		b = s.newFallback()
		if err = b.Open(ctx, "", deliver); err == nil {
			return b, KindFallback, ""
		}
	}
	log.Warn("capture unavailable, metering will report silence", zap.Error(err))
	return nil, KindNone, deviceID
}

// deliverTo returns the per-block audio path for one session run. It runs on
// the backend goroutine.
func (s *Session) deliverTo(stream *TransmissionStream) func(Block) {
	var buf []float32
	return func(b Block) {
		switch b.Stage {
		case StageRaw:
			if cap(buf) < len(b.Samples) {
				buf = make([]float32, len(b.Samples))
			}
			buf = buf[:len(b.Samples)]
			copy(buf, b.Samples)
			frame.Scale(buf, float32(math.Float64frombits(s.inputGain.Load())))
			s.window.Write(buf)

			g := float32(math.Float64frombits(s.gateGain.Load()))
			if g == 0 {
				stream.flush()
				return
			}
			frame.Scale(buf, g)
			s.emit(stream, buf)
		case StageScaled:
			s.window.Write(b.Samples)
		case StageGated:
			s.emit(stream, b.Samples)
		}
	}
}

func (s *Session) emit(stream *TransmissionStream, samples []float32) {
	stream.write(samples)
	if !s.monitoring.Load() {
		return
	}
	s.monMu.Lock()
	if s.monitor != nil {
		s.monitor.Play(samples)
	}
	s.monMu.Unlock()
}

// tick evaluates one step of the pipeline: settings, level, then gate.
func (s *Session) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	if s.modeDirty {
		s.gate.SetMode(s.mode)
		s.modeDirty = false
	}
	s.gate.SetThreshold(s.threshold)
	s.gate.SetPTTPressed(s.pttHeld)
	s.gate.SetMuted(s.muted)
	s.inputGain.Store(math.Float64bits(s.gain))

	var resume Suspender
	s.suspended = false
	if sus, ok := s.backend.(Suspender); ok && sus.Suspended() {
		s.suspended = true
		if !s.resumeTried {
			s.resumeTried = true
			resume = sus
		}
	} else {
		s.resumeTried = false
	}

	samples := s.window.Drain(s.scratch[:0])
	if s.suspended {
		s.envelope.Reset()
		s.level = 0
	} else {
		s.level = s.mapper.Map(s.envelope.Update(samples))
	}
	g := s.gate.Update(s.level)
	s.gateGain.Store(math.Float64bits(g))

	level := s.level
	onLevel := s.onLevel
	s.mu.Unlock()

	if resume != nil {
		if err := resume.Resume(); err != nil {
			s.log.Warn("resume suspended backend", zap.Error(err))
		}
	}
	if onLevel != nil {
		onLevel(level)
	}
}

// Stop cancels the tick loop, releases the device, closes monitoring and
// the transmission stream, and clears all pipeline state. It is a no-op
// when not running.
func (s *Session) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	backend, stream, task, id := s.backend, s.stream, s.task, s.id
	s.backend, s.stream, s.task = nil, nil, nil
	s.kind = KindNone
	s.onLevel = nil
	s.mu.Unlock()

	task.Stop()
	if backend != nil {
		if err := backend.Close(); err != nil {
			s.log.Warn("close capture backend", zap.String("session", id), zap.Error(err))
		}
	}
	s.closeMonitor()
	if stream != nil {
		stream.close()
	}

	s.mu.Lock()
	s.resetPipelineLocked()
	s.mu.Unlock()
	s.log.Info("capture session stopped", zap.String("session", id))
}

func (s *Session) resetPipelineLocked() {
	s.envelope.Reset()
	s.gate.SetMode(s.mode)
	s.gate.Reset()
	s.modeDirty = false
	s.level = 0
	s.suspended = false
	s.resumeTried = false
	s.window.Reset()
	s.gateGain.Store(0)
}

// commandsLocked returns the current settings as native commands.
func (s *Session) commandsLocked() []Command {
	return []Command{
		{Name: CmdSetAudioGain, Value: s.gain},
		{Name: CmdSetAudioThreshold, Value: s.threshold},
		{Name: CmdSetAudioInputMode, Value: s.mode.String()},
		{Name: CmdSetPTTKeyPressed, Value: s.pttHeld},
		{Name: CmdSetTransmissionMuted, Value: s.muted},
	}
}

// update applies fn to the settings under the lock and forwards cmd when the
// native backend is active.
func (s *Session) update(cmd Command, fn func()) {
	s.mu.Lock()
	fn()
	var native Backend
	if s.running && s.kind == KindNative {
		native = s.backend
	}
	s.mu.Unlock()
	if native != nil {
		s.forward(native, cmd)
	}
}

func (s *Session) forward(b Backend, cmd Command) {
	if err := b.Command(cmd); err != nil {
		s.log.Warn("native command failed", zap.String("command", cmd.Name), zap.Error(err))
	}
}

// SetGain sets the input gain applied before metering (>= 0).
func (s *Session) SetGain(v float64) {
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	s.update(Command{Name: CmdSetAudioGain, Value: v}, func() { s.gain = v })
}

// SetThreshold sets the VAD threshold on the 0..1 meter scale.
func (s *Session) SetThreshold(v float64) {
	v = min(max(v, 0), 1)
	s.update(Command{Name: CmdSetAudioThreshold, Value: v}, func() { s.threshold = v })
}

// SetInputMode switches between voice activity and push-to-talk. The gate
// gain is reset on the next tick.
func (s *Session) SetInputMode(m gate.Mode) {
	s.update(Command{Name: CmdSetAudioInputMode, Value: m.String()}, func() {
		s.mode = m
		s.modeDirty = true
	})
}

// SetPttKeyPressed records the push-to-talk key state.
func (s *Session) SetPttKeyPressed(held bool) {
	s.update(Command{Name: CmdSetPTTKeyPressed, Value: held}, func() { s.pttHeld = held })
}

// SetTransmissionMuted forces the gate closed while muted.
func (s *Session) SetTransmissionMuted(muted bool) {
	s.update(Command{Name: CmdSetTransmissionMuted, Value: muted}, func() { s.muted = muted })
}

// TransmissionStream returns the gated outbound stream, or nil when the
// session is not running.
func (s *Session) TransmissionStream() *TransmissionStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.stream
}

// SetMonitoring routes gated audio to outputDeviceID ("" for the default)
// when enabled, and tears playback down when disabled. A playback failure is
// logged and leaves monitoring disabled; capture is unaffected. Enabling is
// ignored while the session is stopped.
func (s *Session) SetMonitoring(enabled bool, outputDeviceID string) {
	if !enabled {
		s.closeMonitor()
		return
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.log.Debug("monitoring requested while stopped")
		return
	}
	s.closeMonitor()
	m, err := s.openMonitor(outputDeviceID)
	if err != nil {
		s.log.Warn("monitoring unavailable", zap.String("device", outputDeviceID), zap.Error(err))
		return
	}
	s.monMu.Lock()
	s.monitor = m
	s.monMu.Unlock()
	s.monitoring.Store(true)
}

// Monitoring reports whether local monitoring playback is active.
func (s *Session) Monitoring() bool { return s.monitoring.Load() }

func (s *Session) closeMonitor() {
	s.monitoring.Store(false)
	s.monMu.Lock()
	m := s.monitor
	s.monitor = nil
	s.monMu.Unlock()
	if m != nil {
		if err := m.Close(); err != nil {
			s.log.Warn("close monitor", zap.Error(err))
		}
	}
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ID:             s.id,
		DeviceID:       s.deviceID,
		Mode:           s.mode,
		Threshold:      s.threshold,
		Gain:           s.gain,
		Muted:          s.muted,
		PTTPressed:     s.pttHeld,
		Running:        s.running,
		Backend:        s.kind,
		Degraded:       s.running && s.kind == KindNone,
		Suspended:      s.suspended,
		Monitoring:     s.monitoring.Load(),
		DisplayedLevel: s.envelope.Level(),
		Level:          s.level,
		Gate:           s.gate.State(),
	}
}
