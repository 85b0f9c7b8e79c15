package model

import (
	"fmt"
	"math"
	"time"
)

// Coordinate is a point on Earth in decimal degrees. It is set once at
// startup (flags, config or console prompt) and read-only afterwards.
type Coordinate struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Validate rejects NaN and out-of-range values.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Longitude)
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Latitude, c.Longitude)
}

// Phase is the kind of a solar horizon crossing.
type Phase int

const (
	Sunrise Phase = iota
	Sunset
)

func (p Phase) String() string {
	if p == Sunrise {
		return "Sunrise"
	}
	return "Sunset"
}

// SunEvent is a computed sunrise or sunset instant. It is derived on
// demand and never persisted.
type SunEvent struct {
	Phase Phase
	At    time.Time
}

func (e SunEvent) String() string {
	return fmt.Sprintf("%s %s", e.At.Format(time.RFC822), e.Phase)
}
