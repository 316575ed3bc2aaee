package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	day                           = 24 * time.Hour
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records event ids that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences turns cached events into concrete occurrences within the
// configured window, sorted by start. It handles:
//
//   - Single events
//   - RRULE/RDATE recurrence with EXDATE exclusions
//   - Recurrence children that replace the master occurrence starting at
//     the same instant
//   - All-day entries, which keep their calendar date in any display zone
//
// Tombstones are skipped.
func ExpandOccurrences(events []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Children override their master's occurrence at the same start.
	overrides := make(map[string]map[int64]bool)
	for _, ev := range events {
		if ev.ParentID == "" || ev.Deleted() {
			continue
		}
		if overrides[ev.ParentID] == nil {
			overrides[ev.ParentID] = make(map[int64]bool)
		}
		overrides[ev.ParentID][ev.StartAt] = true
	}

	out := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		if ev.Deleted() {
			continue
		}
		if len(ev.Recurrences) == 0 {
			if occ, ok := expandSingleEvent(ev, cfg); ok {
				out = append(out, occ)
			}
			continue
		}

		occ, hitCap, err := expandRecurringEvent(ev, overrides[ev.ID], cfg)
		if err != nil {
			appLog.Error("expand: failed to parse recurrence", err, "event_id", ev.ID, "recurrences", ev.Recurrences)
			if occ, ok := expandSingleEvent(ev, cfg); ok {
				out = append(out, occ)
			}
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Error("expand: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"event_id", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].InstanceKey < out[j].InstanceKey
	})
	result.Occurrences = out
	return result, nil
}

func expandSingleEvent(ev model.Event, cfg ExpandConfig) (model.Occurrence, bool) {
	start, end := span(ev, ev.Start(), ev.End(), cfg.DisplayLocation)
	if !timeRangesOverlap(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return model.Occurrence{}, false
	}
	return makeOccurrence(ev, ev.StartAt, start, end), true
}

func expandRecurringEvent(ev model.Event, overridden map[int64]bool, cfg ExpandConfig) ([]model.Occurrence, bool, error) {
	out := make([]model.Occurrence, 0)
	hitCap := false

	dtstart := ev.Start()
	set, err := rrule.StrSliceToRRuleSetInLoc(ev.Recurrences, dtstart.Location())
	if err != nil {
		return nil, false, err
	}
	set.DTStart(dtstart)
	// DTSTART is the first instance; an RRULE yields it already, an
	// RDATE-only set does not.
	if set.GetRRule() == nil {
		set.RDate(dtstart)
	}

	// Widen the window by the event's duration so occurrences that started
	// before RangeStart but are still running are included.
	dur := ev.End().Sub(dtstart)
	if ev.AllDay {
		dur += day
	}
	rangeStart := cfg.RangeStart.Add(-dur).In(dtstart.Location())
	rangeEnd := cfg.RangeEnd.In(dtstart.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		if overridden[occStart.UnixMilli()] {
			continue
		}
		start, end := span(ev, occStart, occStart.Add(ev.End().Sub(dtstart)), cfg.DisplayLocation)
		if !timeRangesOverlap(start, end, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(ev, occStart.UnixMilli(), start, end))
	}

	return out, hitCap, nil
}

// span converts one occurrence to the display zone. All-day entries keep
// their dates and the inclusive last day becomes an exclusive end: a
// single-day entry spans [date 00:00, next day 00:00).
func span(ev model.Event, start, end time.Time, displayLoc *time.Location) (time.Time, time.Time) {
	if !ev.AllDay {
		return start.In(displayLoc), end.In(displayLoc)
	}
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, displayLoc)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, displayLoc).AddDate(0, 0, 1)
	if !e.After(s) {
		e = s.AddDate(0, 0, 1)
	}
	return s, e
}

// makeOccurrence builds a model.Occurrence for one instance of ev.
func makeOccurrence(ev model.Event, instanceMs int64, start, end time.Time) model.Occurrence {
	return model.Occurrence{
		CalendarID: ev.CalendarID,
		EventID:    ev.ID,
		// InstanceKey: event id plus the instance start, stable across zones.
		InstanceKey: fmt.Sprintf("%s_%d", ev.ID, instanceMs),
		Title:       ev.Title,
		Note:        ev.Note,
		Location:    ev.Location,
		LabelID:     ev.LabelID,
		Category:    ev.Category,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
