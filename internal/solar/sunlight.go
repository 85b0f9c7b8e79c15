package solar

import (
	"fmt"
	"math"
	"time"

	"github.com/teambition/rrule-go"

	"sunrelay/internal/model"
)

// Sunlight returns the time between sunrise and sunset on the calendar day
// of date. Days without a sunrise or sunset are 24h when the sun stays up
// and 0 when it stays down.
func Sunlight(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location) time.Duration {
	rise, riseCond := SunriseCondition(c, date, zenith, loc)
	set, setCond := SunsetCondition(c, date, zenith, loc)

	switch {
	case riseCond == Crosses && setCond == Crosses:
		return set.Sub(rise)
	case riseCond == AlwaysDown || setCond == AlwaysDown:
		return 0
	default:
		// One or both events missing because the sun stays up.
		return 24 * time.Hour
	}
}

// SunlightHours is Sunlight rounded to whole minutes, in hours.
func SunlightHours(c model.Coordinate, date time.Time, zenith Zenith, loc *time.Location) float64 {
	minutes := math.Round(Sunlight(c, date, zenith, loc).Minutes())
	return minutes / 60
}

// YearOfSunlight returns SunlightHours for every calendar day of year in
// loc, January 1st first.
func YearOfSunlight(year int, c model.Coordinate, zenith Zenith, loc *time.Location) ([]float64, error) {
	if loc == nil {
		loc = time.Local
	}
	days, err := Days(time.Date(year, time.January, 1, 12, 0, 0, 0, loc),
		time.Date(year, time.December, 31, 12, 0, 0, 0, loc))
	if err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(days))
	for _, d := range days {
		out = append(out, SunlightHours(c, d, zenith, loc))
	}
	return out, nil
}

// Days enumerates local noons from first through last inclusive, one per
// calendar day. Noon keeps DST shifts from skipping or doubling a day.
func Days(first, last time.Time) ([]time.Time, error) {
	loc := first.Location()
	y, m, d := first.Date()
	start := time.Date(y, m, d, 12, 0, 0, 0, loc)
	y, m, d = last.In(loc).Date()
	end := time.Date(y, m, d, 12, 0, 0, 0, loc)
	if end.Before(start) {
		return nil, fmt.Errorf("solar: last day %s before first day %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Until:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("solar: day rule: %w", err)
	}
	return r.All(), nil
}
