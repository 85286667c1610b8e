// Package ptt binds a global push-to-talk hotkey to a capture session.
package ptt

import (
	"context"
	"fmt"
	"strings"

	"bken/voice/internal/logging"

	"go.uber.org/zap"
)

// Hotkey is a registrable key combination. Events delivers key state in the
// order it happened: true on press, false on release.
type Hotkey interface {
	Register() error
	Unregister()
	Events() <-chan bool
}

// Modifier is a platform-neutral modifier key.
type Modifier string

const (
	ModCtrl  Modifier = "ctrl"
	ModShift Modifier = "shift"
	// ModAlt is Option on macOS.
	ModAlt Modifier = "alt"
	// ModSuper is Cmd on macOS and the Windows key elsewhere.
	ModSuper Modifier = "super"
)

// Combo is a parsed hotkey description. Key is the canonical key name
// ("space", "a", "7", "f9").
type Combo struct {
	Name string
	Mods []Modifier
	Key  string
}

func (c Combo) String() string { return c.Name }

var modifiers = map[string]Modifier{
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"shift":   ModShift,
	"alt":     ModAlt,
	"option":  ModAlt,
	"opt":     ModAlt,
	"super":   ModSuper,
	"cmd":     ModSuper,
	"command": ModSuper,
	"win":     ModSuper,
	"meta":    ModSuper,
}

func isKey(name string) bool {
	switch {
	case name == "space":
		return true
	case len(name) == 1:
		return (name[0] >= 'a' && name[0] <= 'z') || (name[0] >= '0' && name[0] <= '9')
	case name[0] == 'f':
		var n int
		if _, err := fmt.Sscanf(name, "f%d", &n); err != nil || fmt.Sprintf("f%d", n) != name {
			return false
		}
		return n >= 1 && n <= 12
	}
	return false
}

// Parse parses combinations like "ctrl+shift+space", "cmd+f9" or "f9".
// Exactly one non-modifier key is required.
func Parse(s string) (Combo, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Combo{}, fmt.Errorf("ptt: empty hotkey")
	}
	c := Combo{Name: name}
	seen := map[Modifier]bool{}
	for _, part := range strings.Split(name, "+") {
		part = strings.TrimSpace(part)
		if m, ok := modifiers[part]; ok {
			if !seen[m] {
				seen[m] = true
				c.Mods = append(c.Mods, m)
			}
			continue
		}
		if part == "" || !isKey(part) {
			return Combo{}, fmt.Errorf("ptt: unknown key %q in %q", part, s)
		}
		if c.Key != "" {
			return Combo{}, fmt.Errorf("ptt: more than one key in %q", s)
		}
		c.Key = part
	}
	if c.Key == "" {
		return Combo{}, fmt.Errorf("ptt: no key in %q", s)
	}
	return c, nil
}

// order merges separate press and release channels into one ordered
// stream on out until stop is closed. When both are pending at once the
// pair is emitted in the order the held state implies: a tap from released
// is press then release, and a re-press while held is release then press.
func order[D, U any](stop <-chan struct{}, down <-chan D, up <-chan U, out chan<- bool) {
	held := false
	emit := func(v bool) bool {
		select {
		case out <- v:
			held = v
			return true
		case <-stop:
			return false
		}
	}
	for {
		select {
		case <-stop:
			return
		case <-down:
			if held {
				select {
				case <-up:
					if !emit(false) {
						return
					}
				default:
					continue
				}
			}
			if !emit(true) {
				return
			}
			select {
			case <-up:
				if !emit(false) {
					return
				}
			default:
			}
		case <-up:
			if held {
				if !emit(false) {
					return
				}
				continue
			}
			select {
			case <-down:
				if !emit(true) || !emit(false) {
					return
				}
			default:
			}
		}
	}
}

// Target receives push-to-talk key state.
type Target interface {
	SetPttKeyPressed(held bool)
}

// Bind registers hk and mirrors its state onto target until ctx is done.
// The key is reported released on exit so the gate never stays latched open.
func Bind(ctx context.Context, log *zap.Logger, hk Hotkey, target Target) error {
	log = logging.OrNop(log)
	if err := hk.Register(); err != nil {
		return err
	}
	defer hk.Unregister()
	log.Info("push-to-talk hotkey registered")

	held := false
	events := hk.Events()
	for {
		select {
		case <-ctx.Done():
			if held {
				target.SetPttKeyPressed(false)
			}
			return nil
		case pressed, ok := <-events:
			if !ok {
				if held {
					target.SetPttKeyPressed(false)
				}
				return nil
			}
			if pressed == held {
				continue
			}
			held = pressed
			target.SetPttKeyPressed(held)
			if held {
				log.Debug("ptt pressed")
			} else {
				log.Debug("ptt released")
			}
		}
	}
}
