package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Color is a 24-bit RGB value packed as 0xRRGGBB
type Color uint32

// MaxColor is the largest valid color value
const MaxColor Color = 0xFFFFFF

// Valid reports whether the color fits in 24 bits
func (c Color) Valid() bool {
	return c <= MaxColor
}

// Hex renders the color as #rrggbb
func (c Color) Hex() string {
	return fmt.Sprintf("#%06x", uint32(c))
}

// ParseColor accepts "#rrggbb", "rrggbb" or a decimal integer
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid color %q: %w", s, err)
		}
		return Color(v), nil
	}
	if len(s) == 6 {
		if v, err := strconv.ParseUint(s, 16, 32); err == nil {
			return Color(v), nil
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return Color(v), nil
}

// Pixel is the current value of one canvas cell
// Coordinates are implied by its position in the grid.
type Pixel struct {
	Color      Color     `json:"color"`
	LastEditor string    `json:"last_editor,omitempty"` // weak reference, the account may be gone
	Seq        uint64    `json:"seq"`                   // sequence of the edit that last wrote it, 0 = never written
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}
