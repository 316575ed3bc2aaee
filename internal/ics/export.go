package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calsync/internal/model"
)

const productID = "-//calsync//calendar export//EN"

// Export renders the live events of a calendar as a VCALENDAR document.
// Recurrence lines are carried over as RRULE/RDATE/EXDATE properties and
// parent links as RELATED-TO.
func Export(cal model.Calendar, events []model.Event, now time.Time) string {
	out := ical.NewCalendar()
	out.SetMethod(ical.MethodPublish)
	out.SetProductId(productID)
	if cal.Name != "" {
		out.SetName(cal.Name)
		out.SetXWRCalName(cal.Name)
	}
	if cal.Color != "" {
		out.SetColor(cal.Color)
	}

	for _, ev := range events {
		if ev.Deleted() {
			continue
		}
		ve := out.AddEvent(ev.ID)
		ve.SetDtStampTime(now)
		if ev.UpdatedAt > 0 {
			ve.SetLastModifiedAt(time.UnixMilli(ev.UpdatedAt))
		}
		if ev.CreatedAt > 0 {
			ve.SetCreatedTime(time.UnixMilli(ev.CreatedAt))
		}

		if ev.AllDay {
			start := ev.Start()
			last := ev.End()
			ve.SetAllDayStartAt(start)
			// Inclusive last day to exclusive DTEND.
			end := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			if !end.After(start) {
				end = start.AddDate(0, 0, 1)
			}
			ve.SetAllDayEndAt(end)
		} else {
			setZoned(ve, ical.ComponentPropertyDtStart, ev.Start(), ev.StartTimezone)
			setZoned(ve, ical.ComponentPropertyDtEnd, ev.End(), ev.EndTimezone)
		}

		ve.SetSummary(ev.Title)
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.Note != "" {
			ve.SetDescription(ev.Note)
		}
		if ev.URL != "" {
			ve.SetURL(ev.URL)
		}
		if ev.ParentID != "" {
			ve.AddProperty(ical.ComponentPropertyRelatedTo, ev.ParentID)
		}
		ve.AddProperty(ical.ComponentPropertyCategories, ev.Category.String())

		for _, line := range ev.Recurrences {
			name, params, value := splitLine(line)
			switch name {
			case "RRULE":
				ve.AddRrule(value)
			case "EXDATE":
				ve.AddExdate(value, params...)
			case "RDATE":
				ve.AddRdate(value, params...)
			}
		}
	}
	return out.Serialize()
}

// setZoned writes a date-time with TZID, or in UTC form for UTC events.
func setZoned(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time, tz string) {
	if tz == "" || tz == "UTC" {
		ve.SetProperty(prop, t.UTC().Format("20060102T150405Z"))
		return
	}
	ve.SetProperty(prop, t.Format("20060102T150405"), ical.WithTZID(tz))
}

// splitLine splits "EXDATE;TZID=Asia/Tokyo:20240101T090000" into its name,
// TZID/VALUE parameters and value.
func splitLine(line string) (string, []ical.PropertyParameter, string) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", nil, ""
	}
	parts := strings.Split(head, ";")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))

	var params []ical.PropertyParameter
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(k) {
		case "TZID":
			params = append(params, ical.WithTZID(v))
		case "VALUE":
			params = append(params, ical.WithValue(v))
		}
	}
	return name, params, value
}
