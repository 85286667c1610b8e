//go:build linux

package ptt

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Linux reads key events straight from evdev so no X11 display is needed.
// The user must be in the input group.

const (
	evKey          = 1
	keyRelease     = 0
	keyPress       = 1
	inputEventSize = 24
)

var evModifiers = map[Modifier][]uint16{
	ModCtrl:  {29, 97},
	ModShift: {42, 54},
	ModAlt:   {56, 100},
	ModSuper: {125, 126},
}

var evKeys = map[string]uint16{
	"space": 57,
	"1":     2, "2": 3, "3": 4, "4": 5, "5": 6, "6": 7, "7": 8, "8": 9, "9": 10, "0": 11,
	"q": 16, "w": 17, "e": 18, "r": 19, "t": 20, "y": 21, "u": 22, "i": 23, "o": 24, "p": 25,
	"a": 30, "s": 31, "d": 32, "f": 33, "g": 34, "h": 35, "j": 36, "k": 37, "l": 38,
	"z": 44, "x": 45, "c": 46, "v": 47, "b": 48, "n": 49, "m": 50,
	"f1": 59, "f2": 60, "f3": 61, "f4": 62, "f5": 63, "f6": 64, "f7": 65, "f8": 66, "f9": 67, "f10": 68,
	"f11": 87, "f12": 88,
}

// matcher turns raw key events into combo press and release transitions.
type matcher struct {
	key     uint16
	mods    [][]uint16
	down    map[uint16]bool
	keyHeld bool
}

func newMatcher(c Combo) (*matcher, error) {
	key, ok := evKeys[c.Key]
	if !ok {
		return nil, fmt.Errorf("ptt: key %q not supported here", c.Key)
	}
	m := &matcher{key: key, down: map[uint16]bool{}}
	for _, mod := range c.Mods {
		codes, ok := evModifiers[mod]
		if !ok {
			return nil, fmt.Errorf("ptt: modifier %q not supported here", mod)
		}
		m.mods = append(m.mods, codes)
	}
	return m, nil
}

func (m *matcher) modsHeld() bool {
	for _, codes := range m.mods {
		held := false
		for _, code := range codes {
			held = held || m.down[code]
		}
		if !held {
			return false
		}
	}
	return true
}

// handle feeds one key event. changed reports a combo transition.
func (m *matcher) handle(code uint16, value int32) (pressed, changed bool) {
	if value != keyPress && value != keyRelease {
		return false, false
	}
	if code != m.key {
		m.down[code] = value == keyPress
		return false, false
	}
	switch {
	case value == keyPress && !m.keyHeld && m.modsHeld():
		m.keyHeld = true
		return true, true
	case value == keyRelease && m.keyHeld:
		m.keyHeld = false
		return false, true
	}
	return false, false
}

type evdevHotkey struct {
	combo  Combo
	events chan bool
	stop   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	m     *matcher
	files []*os.File
}

// New returns a global hotkey for c backed by /dev/input keyboards.
func New(c Combo) Hotkey {
	return &evdevHotkey{
		combo:  c,
		events: make(chan bool, 8),
		stop:   make(chan struct{}),
	}
}

func (h *evdevHotkey) Register() error {
	m, err := newMatcher(h.combo)
	if err != nil {
		return err
	}
	h.m = m

	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("ptt: find keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("ptt: no keyboard devices found (is the user in the input group?)")
	}
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
	}
	if len(h.files) == 0 {
		return fmt.Errorf("ptt: cannot open any keyboard device (add the user to the input group)")
	}
	for _, f := range h.files {
		go h.read(f)
	}
	return nil
}

func (h *evdevHotkey) read(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			if binary.LittleEndian.Uint16(buf[i+16:]) != evKey {
				continue
			}
			code := binary.LittleEndian.Uint16(buf[i+18:])
			value := int32(binary.LittleEndian.Uint32(buf[i+20:]))

			h.mu.Lock()
			pressed, changed := h.m.handle(code, value)
			if changed {
				select {
				case h.events <- pressed:
				case <-h.stop:
					h.mu.Unlock()
					return
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *evdevHotkey) Unregister() {
	h.once.Do(func() {
		close(h.stop)
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *evdevHotkey) Events() <-chan bool { return h.events }

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}
	var keyboards []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "event") && isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

func isKeyboard(event string) bool {
	data, err := os.ReadFile(filepath.Join("/sys/class/input", event, "device", "capabilities", "key"))
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}
