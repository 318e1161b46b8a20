package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "panchcal/internal/log"
	"panchcal/internal/model"
)

const productID = "-//panchcal//Panchanga Muhurta//EN"

// ErrNoTime is returned for a placeholder or empty clock string.
var ErrNoTime = errors.New("no time available")

// clockLayouts are the time-of-day forms the computation service uses.
var clockLayouts = []string{
	"15:04",
	"15:04:05",
	"03:04 PM",
	"3:04 PM",
	"03:04PM",
	"3:04PM",
	"03:04:05 PM",
}

// ParseClockText places a service clock string on day in zone. Full
// RFC 3339 timestamps are accepted as-is.
func ParseClockText(s string, day time.Time, zone *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == model.NotAvailable {
		return time.Time{}, ErrNoTime
	}
	if zone == nil {
		zone = time.Local
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(zone), nil
	}

	upper := strings.ToUpper(s)
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, upper)
		if err != nil {
			continue
		}
		y, m, d := day.In(zone).Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, zone), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// WindowSpan resolves a muhurta window to absolute times on day. A window
// ending at or before its start is taken to cross midnight.
func WindowSpan(w model.TimeWindow, day time.Time, zone *time.Location) (time.Time, time.Time, error) {
	start, err := ParseClockText(w.Start, day, zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseClockText(w.End, day, zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// ExportMuhurta renders the muhurta windows of results as an iCalendar
// document. Unavailable or unparsable windows are skipped. It returns the
// document and the number of VEVENTs written.
func ExportMuhurta(results []model.PanchangaResult, stamp time.Time) (string, int) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetCalscale("GREGORIAN")

	count := 0
	for _, res := range results {
		zone := res.Location.Zone()
		day := res.Date
		if day.IsZero() {
			day = stamp
		}
		day = day.In(zone)

		for _, nw := range res.Windows() {
			if !nw.Window.Available() {
				continue
			}
			start, end, err := WindowSpan(nw.Window, day, zone)
			if err != nil {
				appLog.Debug("ics export: skipping window", "window", nw.Key, "err", err)
				continue
			}

			ev := cal.AddEvent(eventUID(res.Location, day, nw.Key))
			ev.SetDtStampTime(stamp.UTC())
			ev.SetStartAt(start)
			ev.SetEndAt(end)
			ev.SetSummary(summary(nw))
			ev.SetDescription(description(res))
			if loc := res.Location.String(); loc != "" {
				ev.SetLocation(loc)
			}
			ev.SetProperty(ical.ComponentPropertyCategories, category(nw))
			count++
		}
	}

	appLog.Debug("ics export completed", "days", len(results), "event_count", count)
	return cal.Serialize(), count
}

func eventUID(loc model.GeoLocation, day time.Time, key string) string {
	return fmt.Sprintf("%s-%s-%s@panchcal", day.Format("20060102"), key, strings.ReplaceAll(loc.Key(), ",", "_"))
}

func summary(nw model.NamedWindow) string {
	if nw.Auspicious {
		return nw.Name + " (auspicious)"
	}
	return nw.Name
}

func category(nw model.NamedWindow) string {
	if nw.Auspicious {
		return "AUSPICIOUS"
	}
	return "INAUSPICIOUS"
}

func description(res model.PanchangaResult) string {
	return fmt.Sprintf("Tithi: %s\nNakshatra: %s\nYoga: %s\nKarana: %s\nSunrise: %s\nSunset: %s",
		res.Tithi(), res.Nakshatra(), res.Yoga(), res.Karana(), res.Sunrise, res.Sunset)
}
