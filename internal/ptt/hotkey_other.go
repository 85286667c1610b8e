//go:build !linux

package ptt

import (
	"fmt"
	"sync"

	"golang.design/x/hotkey"
)

var xKeys = map[string]hotkey.Key{
	"space": hotkey.KeySpace,
	"a":     hotkey.KeyA, "b": hotkey.KeyB, "c": hotkey.KeyC, "d": hotkey.KeyD,
	"e": hotkey.KeyE, "f": hotkey.KeyF, "g": hotkey.KeyG, "h": hotkey.KeyH,
	"i": hotkey.KeyI, "j": hotkey.KeyJ, "k": hotkey.KeyK, "l": hotkey.KeyL,
	"m": hotkey.KeyM, "n": hotkey.KeyN, "o": hotkey.KeyO, "p": hotkey.KeyP,
	"q": hotkey.KeyQ, "r": hotkey.KeyR, "s": hotkey.KeyS, "t": hotkey.KeyT,
	"u": hotkey.KeyU, "v": hotkey.KeyV, "w": hotkey.KeyW, "x": hotkey.KeyX,
	"y": hotkey.KeyY, "z": hotkey.KeyZ,
	"0": hotkey.Key0, "1": hotkey.Key1, "2": hotkey.Key2, "3": hotkey.Key3,
	"4": hotkey.Key4, "5": hotkey.Key5, "6": hotkey.Key6, "7": hotkey.Key7,
	"8": hotkey.Key8, "9": hotkey.Key9,
	"f1": hotkey.KeyF1, "f2": hotkey.KeyF2, "f3": hotkey.KeyF3, "f4": hotkey.KeyF4,
	"f5": hotkey.KeyF5, "f6": hotkey.KeyF6, "f7": hotkey.KeyF7, "f8": hotkey.KeyF8,
	"f9": hotkey.KeyF9, "f10": hotkey.KeyF10, "f11": hotkey.KeyF11, "f12": hotkey.KeyF12,
}

// systemHotkey adapts golang.design/x/hotkey to Hotkey.
type systemHotkey struct {
	combo  Combo
	hk     *hotkey.Hotkey
	events chan bool
	stop   chan struct{}
	once   sync.Once
}

// New returns the OS-level global hotkey for c. On macOS the process must
// run its main loop through mainthread.Init.
func New(c Combo) Hotkey {
	return &systemHotkey{
		combo:  c,
		events: make(chan bool, 8),
		stop:   make(chan struct{}),
	}
}

func (h *systemHotkey) Register() error {
	key, ok := xKeys[h.combo.Key]
	if !ok {
		return fmt.Errorf("ptt: key %q not supported here", h.combo.Key)
	}
	mods := make([]hotkey.Modifier, 0, len(h.combo.Mods))
	for _, m := range h.combo.Mods {
		xm, ok := xModifiers[m]
		if !ok {
			return fmt.Errorf("ptt: modifier %q not supported here", m)
		}
		mods = append(mods, xm)
	}
	h.hk = hotkey.New(mods, key)
	if err := h.hk.Register(); err != nil {
		return fmt.Errorf("ptt: register hotkey: %w", err)
	}
	go order(h.stop, h.hk.Keydown(), h.hk.Keyup(), h.events)
	return nil
}

func (h *systemHotkey) Unregister() {
	h.once.Do(func() {
		close(h.stop)
		if h.hk != nil {
			h.hk.Unregister()
		}
	})
}

func (h *systemHotkey) Events() <-chan bool { return h.events }
