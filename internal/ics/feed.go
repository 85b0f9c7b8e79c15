// Package ics publishes upcoming sunrise and sunset events as an
// iCalendar feed so they can be subscribed to from any calendar app.
package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "sunrelay/internal/log"
	"sunrelay/internal/model"
	"sunrelay/internal/solar"
)

const (
	// MaxDays caps the length of a feed.
	MaxDays = 366

	productID = "-//sunrelay//Sun Events//EN"
	uidDomain = "sunrelay"

	eventLength = time.Minute
)

var ErrDays = errors.New("ics: days out of range")

// Build returns a calendar with one VEVENT per defined sunrise and sunset
// on the days calendar days starting with the day of from. Days without an
// event (polar day or night) simply contribute nothing.
//
// from is also used as DTSTAMP so the same input always serializes to the
// same feed.
func Build(calc solar.Calculator, from time.Time, days int) (*ical.Calendar, error) {
	if days < 1 || days > MaxDays {
		return nil, fmt.Errorf("%w: %d (want 1..%d)", ErrDays, days, MaxDays)
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: calc.Day(from, 0),
		Count:   days,
	})
	if err != nil {
		return nil, fmt.Errorf("ics: day rule: %w", err)
	}

	cal := ical.NewCalendarFor("sunrelay")
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetName("Sunrise & sunset " + calc.Coordinate.String())
	cal.SetXWRCalName("Sunrise & sunset " + calc.Coordinate.String())
	if calc.Location != nil {
		cal.SetXWRTimezone(calc.Location.String())
	}

	count := 0
	for _, day := range r.All() {
		for _, ev := range calc.Events(day) {
			addEvent(cal, calc, day, ev, from)
			count++
		}
	}
	appLog.Debug("ics feed built", "coord", calc.Coordinate.String(), "days", days, "event_count", count)
	return cal, nil
}

func addEvent(cal *ical.Calendar, calc solar.Calculator, day time.Time, ev model.SunEvent, stamp time.Time) {
	e := cal.AddEvent(UID(ev.Phase, day))
	e.SetDtStampTime(stamp)
	e.SetStartAt(ev.At)
	e.SetEndAt(ev.At.Add(eventLength))
	e.SetTimeTransparency(ical.TransparencyTransparent)
	e.SetGeo(calc.Coordinate.Latitude, calc.Coordinate.Longitude)
	e.SetLocation(calc.Coordinate.String())
	e.AddCategory(ev.Phase.String())

	switch ev.Phase {
	case model.Sunrise:
		e.SetSummary("Sunrise")
		e.SetDescription("Lights off at " + ev.At.Format("15:04 MST"))
	case model.Sunset:
		e.SetSummary("Sunset")
		e.SetDescription("Lights on at " + ev.At.Format("15:04 MST"))
	}
}

// UID is stable for a phase and local calendar day, so re-fetching the
// feed updates events instead of duplicating them.
func UID(p model.Phase, day time.Time) string {
	return fmt.Sprintf("%s-%s@%s", strings.ToLower(p.String()), day.Format(time.DateOnly), uidDomain)
}
