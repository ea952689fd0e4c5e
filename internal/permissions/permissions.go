// Package permissions maps an account's permission bitmask to the canvas
// operations it may perform. Everything here is pure and allocation free so
// the edit pipeline can call it on every submission.
package permissions

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is the permission bitmask stored with an account
type Level uint16

// Capability flags. The set is closed: bits outside AllCapabilities grant
// nothing.
//
// View is descriptive only. Reading the canvas is open to every level, so
// Allowed never consults the bit. It is kept so the welcome message and the
// account log lines say "view" for read-only accounts instead of "none".
// Viewer and None are therefore gated identically.
const (
	View        Level = 1 << 0
	PlacePixel  Level = 1 << 1
	ClearRegion Level = 1 << 2

	AllCapabilities = View | PlacePixel | ClearRegion
)

// Named presets
const (
	None      Level = 0
	Viewer          = View
	Artist          = View | PlacePixel
	Moderator       = View | PlacePixel | ClearRegion
)

// Operation is a kind of request checked against a Level
type Operation int

const (
	OpView Operation = iota
	OpPlacePixel
	OpClearRegion
)

func (op Operation) String() string {
	switch op {
	case OpView:
		return "view"
	case OpPlacePixel:
		return "place_pixel"
	case OpClearRegion:
		return "clear_region"
	default:
		return "unknown(" + strconv.Itoa(int(op)) + ")"
	}
}

// Mutating reports whether the operation changes the canvas
func (op Operation) Mutating() bool {
	return op != OpView
}

// Allowed is the permission gate.
//
// View is granted to everyone, including zero or unknown levels, without
// reading the View bit. Every mutating operation needs its own capability
// bit, and operations the gate does not know are denied.
func Allowed(level Level, op Operation) bool {
	switch op {
	case OpView:
		return true
	case OpPlacePixel:
		return level&PlacePixel != 0
	case OpClearRegion:
		return level&ClearRegion != 0
	default:
		return false
	}
}

// Has reports whether every bit of c is set
func (l Level) Has(c Level) bool {
	return l&c == c
}

// Known strips bits outside the closed capability set
func (l Level) Known() Level {
	return l & AllCapabilities
}

func (l Level) String() string {
	if l.Known() == 0 {
		return "none"
	}
	var names []string
	if l&View != 0 {
		names = append(names, "view")
	}
	if l&PlacePixel != 0 {
		names = append(names, "place_pixel")
	}
	if l&ClearRegion != 0 {
		names = append(names, "clear_region")
	}
	return strings.Join(names, "|")
}

// ParseLevel accepts a preset name, a capability list joined by "|" or ","
// (e.g. "view|place_pixel"), or a raw integer bitmask.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "none":
		return None, nil
	case "viewer":
		return Viewer, nil
	case "artist":
		return Artist, nil
	case "moderator", "admin":
		return Moderator, nil
	}

	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return Level(n), nil
	}

	var level Level
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "view":
			level |= View
		case "place_pixel", "place":
			level |= PlacePixel
		case "clear_region", "clear":
			level |= ClearRegion
		default:
			return 0, fmt.Errorf("unknown capability %q", part)
		}
	}
	return level, nil
}
