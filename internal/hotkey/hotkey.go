// Package hotkey parses push-to-talk trigger specifications and turns raw
// keyboard events into press, release and escape signals.
//
// A specification is an ordered list of modifier names followed by one
// trigger token, joined with "+":
//
//	Fn
//	Control + Option + Space
//	Shift + F5
//
// The trigger may itself be a modifier, in which case it is detected from
// modifier-flag changes rather than ordinary key events.
package hotkey

import (
	"errors"
	"fmt"
	"strings"
)

// Modifier is a bit set of modifier keys.
type Modifier uint8

const (
	ModControl Modifier = 1 << iota
	ModOption
	ModShift
	ModCommand
	ModFn
)

var modifierNames = []struct {
	mod  Modifier
	name string
}{
	{ModControl, "Control"},
	{ModOption, "Option"},
	{ModShift, "Shift"},
	{ModCommand, "Command"},
	{ModFn, "Fn"},
}

func (m Modifier) String() string {
	var parts []string
	for _, mn := range modifierNames {
		if m&mn.mod != 0 {
			parts = append(parts, mn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of other is set in m.
func (m Modifier) Has(other Modifier) bool {
	return m&other == other
}

// Linux evdev key codes.
const (
	CodeEscape uint16 = 1
)

// modifierCodes maps each modifier to its left/right key codes.
var modifierCodes = map[Modifier][]uint16{
	ModControl: {29, 97},
	ModOption:  {56, 100},
	ModShift:   {42, 54},
	ModCommand: {125, 126},
	ModFn:      {464},
}

var keyCodes = map[string]uint16{
	"Space":  57,
	"Return": 28,
	"Tab":    15,
	"Delete": 14,
	"Escape": CodeEscape,
	"Left":   105,
	"Right":  106,
	"Up":     103,
	"Down":   108,
	"F1":     59,
	"F2":     60,
	"F3":     61,
	"F4":     62,
	"F5":     63,
	"F6":     64,
	"F7":     65,
	"F8":     66,
	"F9":     67,
	"F10":    68,
	"F11":    87,
	"F12":    88,
}

var modifierAliases = map[string]Modifier{
	"control": ModControl,
	"ctrl":    ModControl,
	"option":  ModOption,
	"alt":     ModOption,
	"shift":   ModShift,
	"command": ModCommand,
	"cmd":     ModCommand,
	"meta":    ModCommand,
	"super":   ModCommand,
	"fn":      ModFn,
}

// ModifierForCode returns the modifier a key code belongs to, or 0.
func ModifierForCode(code uint16) Modifier {
	for mod, codes := range modifierCodes {
		for _, c := range codes {
			if c == code {
				return mod
			}
		}
	}
	return 0
}

// Key is a trigger key.
type Key struct {
	Name string

	// Codes are the physical key codes that count as this key.
	Codes []uint16

	// Modifier is non-zero when the trigger is a bare modifier.
	Modifier Modifier
}

// IsModifier reports whether the key is a modifier used standalone.
func (k Key) IsModifier() bool {
	return k.Modifier != 0
}

// Matches reports whether code is one of the key's codes.
func (k Key) Matches(code uint16) bool {
	for _, c := range k.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Binding is a parsed hotkey specification.
type Binding struct {
	// Modifiers are the required modifiers in specification order.
	Modifiers []Modifier
	Trigger   Key
}

// Required returns the required modifiers as a set.
func (b Binding) Required() Modifier {
	var m Modifier
	for _, mod := range b.Modifiers {
		m |= mod
	}
	return m
}

// String returns the canonical specification, e.g. "Control + Option + Space".
func (b Binding) String() string {
	parts := make([]string, 0, len(b.Modifiers)+1)
	for _, m := range b.Modifiers {
		parts = append(parts, m.String())
	}
	parts = append(parts, b.Trigger.Name)
	return strings.Join(parts, " + ")
}

// Default is the binding used when no hotkey is configured.
var Default = Binding{
	Trigger: Key{Name: "Fn", Codes: modifierCodes[ModFn], Modifier: ModFn},
}

var (
	ErrEmpty       = errors.New("hotkey: empty specification")
	ErrUnknownKey  = errors.New("hotkey: unknown key")
	ErrReservedKey = errors.New("hotkey: Escape is reserved for cancel")
)

// Parse parses a hotkey specification. Names are matched case-insensitively;
// Ctrl, Alt, Cmd, Meta and Super are accepted as aliases.
func Parse(spec string) (Binding, error) {
	if strings.TrimSpace(spec) == "" {
		return Binding{}, ErrEmpty
	}

	raw := strings.Split(spec, "+")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			return Binding{}, fmt.Errorf("%w: empty token in %q", ErrUnknownKey, spec)
		}
		parts = append(parts, p)
	}

	var b Binding
	seen := Modifier(0)
	for _, p := range parts[:len(parts)-1] {
		mod, ok := modifierAliases[strings.ToLower(p)]
		if !ok {
			return Binding{}, fmt.Errorf("%w: %q is not a modifier", ErrUnknownKey, p)
		}
		if seen&mod != 0 {
			continue
		}
		seen |= mod
		b.Modifiers = append(b.Modifiers, mod)
	}

	trigger := parts[len(parts)-1]
	if mod, ok := modifierAliases[strings.ToLower(trigger)]; ok {
		b.Trigger = Key{Name: mod.String(), Codes: modifierCodes[mod], Modifier: mod}
		return b, nil
	}

	for name, code := range keyCodes {
		if strings.EqualFold(name, trigger) {
			if code == CodeEscape {
				return Binding{}, ErrReservedKey
			}
			b.Trigger = Key{Name: name, Codes: []uint16{code}}
			return b, nil
		}
	}
	return Binding{}, fmt.Errorf("%w: %q", ErrUnknownKey, trigger)
}

// MustParse is like Parse but panics on error.
func MustParse(spec string) Binding {
	b, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return b
}
