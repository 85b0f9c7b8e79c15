package solar

import (
	"fmt"
	"strconv"
	"strings"
)

// Zenith is the angle from vertical, in degrees, at which the sun's upper
// limb is considered to cross the horizon.
type Zenith float64

const (
	Official     Zenith = 90.833333
	Civil        Zenith = 96
	Nautical     Zenith = 102
	Astronomical Zenith = 108
)

var presets = map[string]Zenith{
	"official":     Official,
	"civil":        Civil,
	"nautical":     Nautical,
	"astronomical": Astronomical,
}

// ParseZenith accepts a preset name (case-insensitive) or a number of
// degrees in (0, 180). An empty string selects Official.
func ParseZenith(s string) (Zenith, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Official, nil
	}
	if z, ok := presets[s]; ok {
		return z, nil
	}
	deg, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("solar: unknown zenith %q", s)
	}
	if !(deg > 0 && deg < 180) {
		return 0, fmt.Errorf("solar: zenith %v out of range (0, 180)", deg)
	}
	return Zenith(deg), nil
}

// String returns the preset name when z is one, else the number of degrees.
func (z Zenith) String() string {
	for name, p := range presets {
		if p == z {
			return name
		}
	}
	return strconv.FormatFloat(float64(z), 'f', -1, 64)
}
