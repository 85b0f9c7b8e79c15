package solar

import (
	"time"

	"sunrelay/internal/model"
)

// Calculator binds a location, zenith and timezone so callers only pass
// dates around.
type Calculator struct {
	Coordinate model.Coordinate
	Zenith     Zenith
	Location   *time.Location
}

func (c Calculator) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func (c Calculator) zenith() Zenith {
	if c.Zenith == 0 {
		return Official
	}
	return c.Zenith
}

func (c Calculator) Sunrise(date time.Time) (time.Time, bool) {
	return Sunrise(c.Coordinate, date, c.zenith(), c.loc())
}

func (c Calculator) Sunset(date time.Time) (time.Time, bool) {
	return Sunset(c.Coordinate, date, c.zenith(), c.loc())
}

func (c Calculator) SunriseCondition(date time.Time) (time.Time, Condition) {
	return SunriseCondition(c.Coordinate, date, c.zenith(), c.loc())
}

func (c Calculator) SunsetCondition(date time.Time) (time.Time, Condition) {
	return SunsetCondition(c.Coordinate, date, c.zenith(), c.loc())
}

func (c Calculator) Sunlight(date time.Time) time.Duration {
	return Sunlight(c.Coordinate, date, c.zenith(), c.loc())
}

func (c Calculator) SunlightHours(date time.Time) float64 {
	return SunlightHours(c.Coordinate, date, c.zenith(), c.loc())
}

func (c Calculator) YearOfSunlight(year int) ([]float64, error) {
	return YearOfSunlight(year, c.Coordinate, c.zenith(), c.loc())
}

// Events returns the defined sunrise and sunset of the calendar day of
// date, in chronological order. It may return zero, one or two events.
func (c Calculator) Events(date time.Time) []model.SunEvent {
	var out []model.SunEvent
	if t, ok := c.Sunrise(date); ok {
		out = append(out, model.SunEvent{Phase: model.Sunrise, At: t})
	}
	if t, ok := c.Sunset(date); ok {
		out = append(out, model.SunEvent{Phase: model.Sunset, At: t})
	}
	if len(out) == 2 && out[1].At.Before(out[0].At) {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

// Day returns the local noon of the calendar day that is offset days after
// the day containing t. Noon is used so DST transitions never move the
// result onto a neighbouring day.
func (c Calculator) Day(t time.Time, offset int) time.Time {
	y, m, d := t.In(c.loc()).Date()
	return time.Date(y, m, d+offset, 12, 0, 0, 0, c.loc())
}
