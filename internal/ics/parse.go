package ics

import (
	"errors"
	"io"
	"sort"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "sunrelay/internal/log"
	"sunrelay/internal/model"
)

// Parse reads a feed produced by Build back into sun events, ordered by
// time. VEVENTs that did not come from a sunrelay feed are skipped.
//
// The daemon itself never consumes feeds; Parse exists so a served or
// saved feed can be checked against the calculator it was built from.
func Parse(r io.Reader) ([]model.SunEvent, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		appLog.Error("ics parse failed", err)
		return nil, err
	}

	events := make([]model.SunEvent, 0)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", "uid", ve.Id(), "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (model.SunEvent, error) {
	var out model.SunEvent

	uid := ve.Id()
	if !strings.HasSuffix(uid, "@"+uidDomain) {
		return out, errors.New("foreign UID")
	}
	switch {
	case strings.HasPrefix(uid, "sunrise-"):
		out.Phase = model.Sunrise
	case strings.HasPrefix(uid, "sunset-"):
		out.Phase = model.Sunset
	default:
		return out, errors.New("unknown phase")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.At = start
	return out, nil
}
