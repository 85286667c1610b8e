package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"bken/voice/internal/capture"
	"bken/voice/internal/config"
	"bken/voice/internal/gate"
	"bken/voice/internal/ptt"
	"bken/voice/internal/remote"

	"go.uber.org/zap"
)

const (
	meterWidth   = 30
	loopbackUser = "loopback"
)

// App wires one capture session to the terminal. Keep this struct thin:
// the pipeline lives in internal/capture.
type App struct {
	cfg     config.Config
	log     *zap.Logger
	session *capture.Session
	tracker *remote.Tracker
	mode    gate.Mode
	combo   ptt.Combo

	// loopback routes the outbound stream through a local WebRTC pair.
	loopback bool
	// newHotkey is swapped in tests.
	newHotkey func(ptt.Combo) ptt.Hotkey

	outMu          sync.Mutex
	out            io.Writer
	remoteSpeaking atomic.Bool
}

// NewApp builds the session from cfg. opts are appended to the session
// options derived from cfg.
func NewApp(cfg config.Config, log *zap.Logger, out io.Writer, opts ...capture.Option) (*App, error) {
	mode, err := gate.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	combo, err := ptt.Parse(cfg.PTTHotkey)
	if err != nil {
		return nil, err
	}

	sessionOpts := []capture.Option{
		capture.WithLogger(log.Named("capture")),
		capture.WithTickInterval(cfg.TickInterval()),
		capture.WithWindowSize(cfg.WindowSize),
	}
	if cfg.NativeURL != "" {
		url, nlog := cfg.NativeURL, log.Named("native")
		sessionOpts = append(sessionOpts, capture.WithNativeBackend(func() capture.Backend {
			return capture.NewNativeBackend(url, nlog)
		}))
	}
	sessionOpts = append(sessionOpts, opts...)

	a := &App{
		cfg:       cfg,
		log:       log,
		session:   capture.NewSession(sessionOpts...),
		mode:      mode,
		combo:     combo,
		newHotkey: ptt.New,
		out:       out,
	}
	a.tracker = remote.NewTracker(a.onRemoteSpeaking,
		remote.WithLogger(log.Named("remote")),
		remote.WithInterval(cfg.TickInterval()),
		remote.WithWindowSize(cfg.WindowSize))

	a.session.SetInputMode(mode)
	a.session.SetThreshold(cfg.Threshold)
	a.session.SetGain(cfg.Gain)
	return a, nil
}

// Run starts capture and blocks until ctx is done, then tears everything
// down.
func (a *App) Run(ctx context.Context) error {
	if err := a.session.Start(ctx, a.cfg.InputDeviceID, a.render); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer a.session.Stop()
	defer a.tracker.Close()

	st := a.session.State()
	a.log.Info("voicecheck running",
		zap.Stringer("mode", st.Mode),
		zap.Float64("threshold", st.Threshold),
		zap.Stringer("backend", st.Backend),
		zap.Bool("degraded", st.Degraded))

	if a.cfg.Monitor {
		a.session.SetMonitoring(true, a.cfg.OutputDeviceID)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.mode == gate.PushToTalk {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ptt.Bind(runCtx, a.log.Named("ptt"), a.newHotkey(a.combo), a.session); err != nil {
				a.log.Warn("push-to-talk hotkey unavailable", zap.Stringer("hotkey", a.combo), zap.Error(err))
			}
		}()
	}

	if a.loopback {
		lb, err := newLoopback(runCtx, a.log.Named("rtc"), a.tracker, loopbackUser)
		if err != nil {
			a.log.Warn("loopback unavailable", zap.Error(err))
		} else {
			defer lb.Close()
			if stream := a.session.TransmissionStream(); stream != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := lb.Publish(runCtx, stream.Packets()); err != nil && runCtx.Err() == nil {
						a.log.Warn("loopback publish", zap.Error(err))
					}
				}()
			}
		}
	}

	<-ctx.Done()
	a.outMu.Lock()
	fmt.Fprintln(a.out)
	a.outMu.Unlock()
	return nil
}

func (a *App) onRemoteSpeaking(userID string, speaking bool) {
	if userID == loopbackUser {
		a.remoteSpeaking.Store(speaking)
	}
}

// render draws one meter line. It runs on the session's tick goroutine.
func (a *App) render(level float64) {
	line := meterLine(level, a.session.State(), a.loopback, a.remoteSpeaking.Load())
	a.outMu.Lock()
	fmt.Fprint(a.out, "\r"+line)
	a.outMu.Unlock()
}

func meterLine(level float64, st capture.State, loopback, remoteSpeaking bool) string {
	n := int(math.Round(min(max(level, 0), 1) * meterWidth))
	bar := strings.Repeat("#", n) + strings.Repeat(".", meterWidth-n)

	gateState := "closed"
	switch {
	case st.Muted:
		gateState = "muted"
	case st.Gate.Current > 0:
		gateState = "OPEN"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %4.2f gate=%-6s gain=%4.2f %s", bar, level, gateState, st.Gate.Current, st.Mode)
	if st.Mode == gate.PushToTalk && st.PTTPressed {
		b.WriteString(" [ptt]")
	}
	switch {
	case st.Degraded:
		b.WriteString(" (no capture device)")
	case st.Suspended:
		b.WriteString(" (suspended)")
	}
	if loopback {
		if remoteSpeaking {
			b.WriteString(" remote=speaking")
		} else {
			b.WriteString(" remote=quiet   ")
		}
	}
	return b.String()
}
