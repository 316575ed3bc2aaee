package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

// maxParentDepth bounds parent-chain walks; real recurrence trees are one or
// two levels deep.
const maxParentDepth = 64

// ValidationError is a local mutation that must never reach the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NormalizeEvent fills service defaults in place. All-day entries always
// carry UTC timezones.
func NormalizeEvent(ev *Event) {
	if ev.Category == 0 {
		ev.Category = CategorySchedule
	}
	if ev.LabelID == 0 {
		ev.LabelID = DefaultLabelID
	}
	if ev.AllDay {
		ev.StartTimezone = "UTC"
		ev.EndTimezone = "UTC"
	}
	if ev.StartTimezone == "" {
		ev.StartTimezone = "UTC"
	}
	if ev.EndTimezone == "" {
		ev.EndTimezone = ev.StartTimezone
	}
	if ev.EndAt == 0 {
		ev.EndAt = ev.StartAt
	}
	ev.Title = strings.TrimSpace(ev.Title)
}

// ValidateEvent checks a normalized event before it is queued for the remote.
func ValidateEvent(ev *Event) error {
	if _, err := uuid.Parse(ev.ID); err != nil {
		return invalid("id", "%q is not a UUID", ev.ID)
	}
	if ev.CalendarID <= 0 {
		return invalid("calendarId", "missing")
	}
	switch ev.Category {
	case CategorySchedule:
		if ev.Title == "" {
			return invalid("title", "required for schedule entries")
		}
	case CategoryMemo:
	default:
		return invalid("category", "unknown value %d", int(ev.Category))
	}
	if ev.StartAt == 0 && ev.Category == CategorySchedule {
		return invalid("startAt", "missing")
	}
	if ev.EndAt < ev.StartAt {
		return invalid("endAt", "before startAt")
	}
	for _, f := range [...]struct{ name, tz string }{
		{"startTimezone", ev.StartTimezone},
		{"endTimezone", ev.EndTimezone},
	} {
		if _, err := time.LoadLocation(f.tz); err != nil || f.tz == "" {
			return invalid(f.name, "unknown timezone %q", f.tz)
		}
	}
	if ev.AllDay && (ev.StartTimezone != "UTC" || ev.EndTimezone != "UTC") {
		return invalid("startTimezone", "all-day entries must use UTC")
	}
	if err := ValidateRecurrences(ev.Recurrences, ev.Start()); err != nil {
		return err
	}
	if ev.ParentID != "" {
		if _, err := uuid.Parse(ev.ParentID); err != nil {
			return invalid("parentId", "%q is not a UUID", ev.ParentID)
		}
		if ev.ParentID == ev.ID {
			return invalid("parentId", "event cannot be its own parent")
		}
	}
	return nil
}

// ValidateRecurrences checks that lines are RRULE/EXDATE/RDATE lines that
// rrule-go accepts together. At least one RRULE or RDATE must produce
// occurrences for EXDATE to exclude.
func ValidateRecurrences(lines []string, dtstart time.Time) error {
	if len(lines) == 0 {
		return nil
	}
	sources := 0
	for i, line := range lines {
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "RRULE:"), strings.HasPrefix(upper, "RDATE"):
			sources++
		case strings.HasPrefix(upper, "EXDATE"):
		default:
			return invalid("recurrences", "line %d is not an RRULE/EXDATE/RDATE line", i)
		}
	}
	if sources == 0 {
		return invalid("recurrences", "EXDATE without RRULE or RDATE")
	}
	if _, err := rrule.StrSliceToRRuleSetInLoc(lines, dtstart.Location()); err != nil {
		return invalid("recurrences", "%v", err)
	}
	return nil
}

// CheckParentChain walks parent links starting at parentID and rejects
// chains that return to id or loop. lookup returns the parent id of an
// event known locally; ok is false for unknown events.
func CheckParentChain(id, parentID string, lookup func(id string) (parent string, ok bool)) error {
	if parentID == "" {
		return nil
	}
	seen := map[string]bool{id: true}
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if seen[cur] {
			return invalid("parentId", "recurrence parent cycle through %s", cur)
		}
		if depth >= maxParentDepth {
			return invalid("parentId", "parent chain deeper than %d", maxParentDepth)
		}
		seen[cur] = true
		next, ok := lookup(cur)
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}
