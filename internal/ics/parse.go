package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// ParseICS parses an ICS payload into events of calendarID, ready to be
// submitted as local mutations.
//
//   - UIDs that are not UUIDs are mapped to a stable name-based UUID, so a
//     re-import targets the same events.
//   - Floating times (no TZID, no Z) are read in loc.
//   - All-day DTEND is exclusive in ICS and inclusive on events.
//   - A VEVENT with RECURRENCE-ID becomes a child of its master, and the
//     replaced instance is excluded from the master with an EXDATE.
func ParseICS(calendarID int64, body []byte, loc *time.Location) ([]model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar_id", calendarID)
		return nil, err
	}

	events := make([]model.Event, 0)
	index := make(map[string]int)
	type override struct {
		masterID string
		exdate   string
	}
	var overrides []override

	for _, comp := range cal.Events() {
		ev, rid, perr := parseVEvent(calendarID, comp, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "calendar_id", calendarID)
			continue
		}
		if rid != "" {
			overrides = append(overrides, override{masterID: ev.ParentID, exdate: rid})
		} else {
			index[ev.ID] = len(events)
		}
		events = append(events, ev)
	}

	for _, o := range overrides {
		if i, ok := index[o.masterID]; ok && len(events[i].Recurrences) > 0 {
			events[i].Recurrences = append(events[i].Recurrences, o.exdate)
		}
	}

	appLog.Info("ics parse completed", "calendar_id", calendarID, "event_count", len(events))
	return events, nil
}

// eventID maps an ICS UID to an event id.
func eventID(uid string) string {
	if id, err := uuid.Parse(uid); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid)).String()
}

// parseVEvent converts one VEVENT. rid is the EXDATE line that removes the
// overridden instance from the master, or empty.
func parseVEvent(calendarID int64, ve *ical.VEvent, loc *time.Location) (model.Event, string, error) {
	out := model.Event{
		CalendarID: calendarID,
		Category:   model.CategorySchedule,
		LabelID:    model.DefaultLabelID,
	}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, "", errors.New("missing UID")
	}
	uid := uidProp.Value
	out.ID = eventID(uid)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Note = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		out.URL = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyCategories); p != nil {
		if c, ok := model.ParseCategory(strings.ToLower(strings.TrimSpace(p.Value))); ok {
			out.Category = c
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRelatedTo); p != nil && p.Value != "" {
		out.ParentID = eventID(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, "", errors.New("missing DTSTART")
	}
	out.AllDay = isDate(dtStart)

	if out.AllDay {
		start, err := ve.GetAllDayStartAt()
		if err != nil {
			return out, "", fmt.Errorf("DTSTART: %w", err)
		}
		startDay := utcDate(start)
		endDay := startDay
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if end, err := ve.GetEndAt(); err == nil {
				// Exclusive ICS end to inclusive last day.
				if last := utcDate(end).AddDate(0, 0, -1); last.After(startDay) {
					endDay = last
				}
			}
		}
		out.StartAt = startDay.UnixMilli()
		out.EndAt = endDay.UnixMilli()
		out.StartTimezone = "UTC"
		out.EndTimezone = "UTC"
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return out, "", fmt.Errorf("DTSTART: %w", err)
		}
		start, out.StartTimezone = resolveZone(dtStart, start, loc)
		end := start
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if t, err := ve.GetEndAt(); err == nil {
				end, out.EndTimezone = resolveZone(dtEnd, t, loc)
			}
		}
		if out.EndTimezone == "" {
			out.EndTimezone = out.StartTimezone
		}
		out.StartAt = start.UnixMilli()
		out.EndAt = end.UnixMilli()
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		out.Recurrences = append(out.Recurrences, "RRULE:"+p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyRdate) {
		if p.Value != "" {
			out.Recurrences = append(out.Recurrences, recurrenceLine("RDATE", p))
		}
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		if p.Value != "" {
			out.Recurrences = append(out.Recurrences, recurrenceLine("EXDATE", p))
		}
	}

	var rid string
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil && p.Value != "" {
		// An override shares its master's UID.
		out.ParentID = out.ID
		out.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid+"/"+p.Value)).String()
		rid = recurrenceLine("EXDATE", p)
	}
	return out, rid, nil
}

func isDate(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func utcDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// resolveZone returns t with its IANA zone name. Floating times are moved
// into loc with the same wall clock.
func resolveZone(p *ical.IANAProperty, t time.Time, loc *time.Location) (time.Time, string) {
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) == 1 {
		return t, tz[0]
	}
	if strings.HasSuffix(p.Value, "Z") {
		return t.UTC(), "UTC"
	}
	floating := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	return floating, loc.String()
}

// recurrenceLine rebuilds a content line such as "EXDATE;TZID=Asia/Tokyo:20240101T090000".
func recurrenceLine(name string, p *ical.IANAProperty) string {
	var b strings.Builder
	b.WriteString(name)
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) == 1 {
		b.WriteString(";TZID=" + tz[0])
	}
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) == 1 && strings.EqualFold(vs[0], "DATE") {
		b.WriteString(";VALUE=DATE")
	}
	b.WriteString(":" + p.Value)
	return b.String()
}
