// Command voicecheck runs the local voice pipeline against a real microphone
// and renders the meter level and transmit gate in the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"bken/voice/internal/config"
	"bken/voice/internal/logging"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// flags holds command-line overrides. Only flags that were set override the
// config file.
type flags struct {
	configPath string
	device     string
	output     string
	mode       string
	threshold  float64
	gain       float64
	monitor    bool
	ptt        string
	native     string
	loopback   bool
}

func parseFlags(args []string, stderr io.Writer) (flags, map[string]bool, error) {
	var f flags
	fs := flag.NewFlagSet("voicecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "config file (default: user config dir/bken/voice.json)")
	fs.StringVar(&f.device, "device", "", "input device name or index (empty: system default)")
	fs.StringVar(&f.output, "output", "", "monitor output device name or index")
	fs.StringVar(&f.mode, "mode", "", "gate mode: voice_activity|push_to_talk")
	fs.Float64Var(&f.threshold, "threshold", 0, "VAD threshold on the 0..1 meter scale")
	fs.Float64Var(&f.gain, "gain", 0, "input gain")
	fs.BoolVar(&f.monitor, "monitor", false, "play gated audio back locally")
	fs.StringVar(&f.ptt, "ptt", "", "push-to-talk hotkey, e.g. ctrl+shift+space")
	fs.StringVar(&f.native, "native", "", "websocket URL of the native DSP backend")
	fs.BoolVar(&f.loopback, "loopback", false, "send the outbound stream through a local WebRTC pair and show remote speaking state")
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// apply overlays the flags that were explicitly set onto cfg.
func (f flags) apply(cfg *config.Config, set map[string]bool) {
	if set["device"] {
		cfg.InputDeviceID = f.device
	}
	if set["output"] {
		cfg.OutputDeviceID = f.output
	}
	if set["mode"] {
		cfg.Mode = f.mode
	}
	if set["threshold"] {
		cfg.Threshold = f.threshold
	}
	if set["gain"] {
		cfg.Gain = f.gain
	}
	if set["monitor"] {
		cfg.Monitor = f.monitor
	}
	if set["ptt"] {
		cfg.PTTHotkey = f.ptt
	}
	if set["native"] {
		cfg.NativeURL = f.native
	}
}

// loadConfig resolves the effective configuration: file, then environment,
// then flags.
func loadConfig(args []string, stderr io.Writer) (config.Config, flags, error) {
	f, set, err := parseFlags(args, stderr)
	if err != nil {
		return config.Config{}, f, err
	}
	cfg := config.Load(f.configPath)
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, f, fmt.Errorf("environment: %w", err)
	}
	f.apply(&cfg, set)
	if err := cfg.Validate(); err != nil {
		return cfg, f, err
	}
	return cfg, f, nil
}

func run(args []string, stderr io.Writer) int {
	cfg, f, err := loadConfig(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "voicecheck:", err)
		return 2
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(stderr, "voicecheck: logger:", err)
		return 1
	}
	defer log.Sync()

	if err := portaudio.Initialize(); err != nil {
		log.Error("portaudio init", zap.Error(err))
		return 1
	}
	defer portaudio.Terminate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, log, os.Stdout)
	if err != nil {
		log.Error("voicecheck", zap.Error(err))
		return 1
	}
	app.loopback = f.loopback
	if err := app.Run(ctx); err != nil {
		log.Error("voicecheck", zap.Error(err))
		return 1
	}
	return 0
}
