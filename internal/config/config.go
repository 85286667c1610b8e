// Package config holds the voice pipeline configuration for the voicecheck
// harness. Settings are read from JSON at os.UserConfigDir()/bken/voice.json
// (or an explicit path), then overridden from VOICE_* environment variables.
// Nothing is ever written back.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the capture pipeline settings.
type Config struct {
	InputDeviceID  string  `json:"input_device_id"`
	OutputDeviceID string  `json:"output_device_id"`
	Mode           string  `json:"mode" validate:"oneof=voice_activity push_to_talk vad ptt"`
	Threshold      float64 `json:"threshold" validate:"gte=0,lte=1"`
	Gain           float64 `json:"gain" validate:"gte=0,lte=10"`
	Monitor        bool    `json:"monitor"`

	// NativeURL is the websocket endpoint of the external DSP process.
	// Empty disables the native backend.
	NativeURL string `json:"native_url" validate:"omitempty,url"`

	TickIntervalMs int `json:"tick_interval_ms" validate:"gte=10,lte=1000"`
	WindowSize     int `json:"window_size" validate:"gte=256,lte=16384"`

	PTTHotkey string `json:"ptt_hotkey" validate:"required"`

	LogLevel  string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `json:"log_format" validate:"omitempty,oneof=console json"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Mode:           "voice_activity",
		Threshold:      0.15,
		Gain:           1.0,
		TickIntervalMs: 100,
		WindowSize:     2048,
		PTTHotkey:      "ctrl+shift+space",
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// TickInterval returns the tick cadence as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// Path returns the absolute path to the default config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bken", "voice.json"), nil
}

// Load reads the config file at path (the default Path when empty) and
// returns it. If the file is missing or unreadable, the default config is
// returned; never an error.
func Load(path string) Config {
	if path == "" {
		p, err := Path()
		if err != nil {
			return Default()
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// ApplyEnv overrides fields from VOICE_* environment variables. Malformed
// numeric or boolean values are reported and leave the field unchanged.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("VOICE_INPUT_DEVICE", &c.InputDeviceID)
	str("VOICE_OUTPUT_DEVICE", &c.OutputDeviceID)
	str("VOICE_MODE", &c.Mode)
	float("VOICE_THRESHOLD", &c.Threshold)
	float("VOICE_GAIN", &c.Gain)
	str("VOICE_NATIVE_URL", &c.NativeURL)
	integer("VOICE_TICK_INTERVAL_MS", &c.TickIntervalMs)
	integer("VOICE_WINDOW_SIZE", &c.WindowSize)
	str("VOICE_PTT_HOTKEY", &c.PTTHotkey)
	str("VOICE_LOG_LEVEL", &c.LogLevel)
	str("VOICE_LOG_FORMAT", &c.LogFormat)
	if v, ok := os.LookupEnv("VOICE_MONITOR"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOICE_MONITOR: %w", err))
		} else {
			c.Monitor = b
		}
	}
	return errors.Join(errs...)
}

// Validate checks field ranges and enums.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", e.Field(), e.Tag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
