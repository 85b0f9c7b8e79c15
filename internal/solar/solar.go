// Package solar computes sunrise, sunset and day length for a point on
// Earth using the sunrise/sunset algorithm from the Almanac for Computers
// (U.S. Naval Observatory, 1990). Results are accurate to a minute or two
// outside the polar regions.
//
// Every function is a pure function of its inputs. A day on which the sun
// does not cross the zenith threshold has no event; callers get ok == false,
// not an error.
package solar

import (
	"math"
	"time"

	"sunrelay/internal/model"
)

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// Condition describes whether a horizon crossing happens on a given day.
type Condition int

const (
	// Crosses means the event occurs.
	Crosses Condition = iota
	// AlwaysUp means the sun stays above the threshold all day (polar day).
	AlwaysUp
	// AlwaysDown means the sun stays below the threshold all day (polar night).
	AlwaysDown
)

func (c Condition) String() string {
	switch c {
	case AlwaysUp:
		return "always-up"
	case AlwaysDown:
		return "always-down"
	default:
		return "crosses"
	}
}

// Sunrise returns the sunrise instant for the calendar day of date in loc.
// A nil loc means time.Local.
func Sunrise(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location) (time.Time, bool) {
	t, cond := event(c, date, zenith, loc, true)
	return t, cond == Crosses
}

// Sunset returns the sunset instant for the calendar day of date in loc.
// A nil loc means time.Local.
func Sunset(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location) (time.Time, bool) {
	t, cond := event(c, date, zenith, loc, false)
	return t, cond == Crosses
}

// SunriseCondition is like Sunrise but reports why an event is missing.
func SunriseCondition(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location) (time.Time, Condition) {
	return event(c, date, zenith, loc, true)
}

// SunsetCondition is like Sunset but reports why an event is missing.
func SunsetCondition(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location) (time.Time, Condition) {
	return event(c, date, zenith, loc, false)
}

func event(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location, rising bool) (time.Time, Condition) {
	if loc == nil {
		loc = time.Local
	}
	local := date.In(loc)
	year, month, day := local.Date()
	dayOfYear := float64(local.YearDay())

	lngHour := c.Longitude / 15

	// Approximate time of the event as a fractional day of year.
	var approx float64
	if rising {
		approx = dayOfYear + ((6 - lngHour) / 24)
	} else {
		approx = dayOfYear + ((18 - lngHour) / 24)
	}

	meanAnomaly := (0.9856 * approx) - 3.289

	trueLongitude := normalizeDegrees(meanAnomaly +
		(1.916 * math.Sin(meanAnomaly*degToRad)) +
		(0.020 * math.Sin(2*meanAnomaly*degToRad)) +
		282.634)

	rightAscension := normalizeDegrees(radToDeg * math.Atan(0.91764*math.Tan(trueLongitude*degToRad)))

	// Right ascension must sit in the same quadrant as the true longitude.
	lQuadrant := math.Floor(trueLongitude/90) * 90
	raQuadrant := math.Floor(rightAscension/90) * 90
	rightAscension = (rightAscension + (lQuadrant - raQuadrant)) / 15

	sinDec := 0.39782 * math.Sin(trueLongitude*degToRad)
	cosDec := math.Cos(math.Asin(sinDec))

	cosHour := (math.Cos(float64(zenith)*degToRad) - (sinDec * math.Sin(c.Latitude*degToRad))) /
		(cosDec * math.Cos(c.Latitude*degToRad))
	switch {
	case cosHour > 1:
		return time.Time{}, AlwaysDown
	case cosHour < -1:
		return time.Time{}, AlwaysUp
	case math.IsNaN(cosHour):
		// Only reachable at exactly ±90° latitude, where cos(lat) is 0.
		if sinDec*math.Copysign(1, c.Latitude) > math.Cos(float64(zenith)*degToRad) {
			return time.Time{}, AlwaysUp
		}
		return time.Time{}, AlwaysDown
	}

	hourAngle := radToDeg * math.Acos(cosHour)
	if rising {
		hourAngle = 360 - hourAngle
	}
	hourAngle /= 15

	localMeanTime := hourAngle + rightAscension - (0.06571 * approx) - 6.622

	utcHours := math.Mod(localMeanTime-lngHour, 24)
	if utcHours < 0 {
		utcHours += 24
	}

	at := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).
		Add(time.Duration(utcHours * float64(time.Hour)))

	return pinToDay(at, year, month, day, loc).In(loc), Crosses
}

// pinToDay shifts an instant by whole days until its calendar date in loc
// is the requested one. The instant starts within a day of the target, so
// at most one shift happens.
func pinToDay(at time.Time, year int, month time.Month, day int, loc *time.Location) time.Time {
	want := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	y, m, d := at.In(loc).Date()
	got := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	switch {
	case got.Before(want):
		return at.Add(24 * time.Hour)
	case got.After(want):
		return at.Add(-24 * time.Hour)
	}
	return at
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
