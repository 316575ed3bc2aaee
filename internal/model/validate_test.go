package model

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSchedule() Event {
	return Event{
		ID:            uuid.NewString(),
		CalendarID:    20390654,
		Title:         "Dentist",
		StartAt:       1700000000000,
		EndAt:         1700003600000,
		StartTimezone: "Asia/Tokyo",
	}
}

func TestNormalizeAllDayMemoUsesUTC(t *testing.T) {
	ev := Event{
		ID:         uuid.NewString(),
		CalendarID: 20390654,
		Category:   CategoryMemo,
		AllDay:     true,
		StartAt:    1700006400000,
	}
	NormalizeEvent(&ev)

	assert.Equal(t, "UTC", ev.StartTimezone)
	assert.Equal(t, "UTC", ev.EndTimezone)
	assert.Equal(t, DefaultLabelID, ev.LabelID)
	require.NoError(t, ValidateEvent(&ev))
}

func TestNormalizeAllDayOverridesGivenZone(t *testing.T) {
	ev := validSchedule()
	ev.AllDay = true
	NormalizeEvent(&ev)
	assert.Equal(t, "UTC", ev.StartTimezone)
	assert.Equal(t, CategorySchedule, ev.Category)
}

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{name: "ok", mutate: func(*Event) {}},
		{name: "bad id", mutate: func(e *Event) { e.ID = "nope" }, field: "id"},
		{name: "no calendar", mutate: func(e *Event) { e.CalendarID = 0 }, field: "calendarId"},
		{name: "no title", mutate: func(e *Event) { e.Title = "  " }, field: "title"},
		{name: "end before start", mutate: func(e *Event) { e.EndAt = e.StartAt - 1 }, field: "endAt"},
		{name: "bad zone", mutate: func(e *Event) { e.StartTimezone = "Mars/Olympus" }, field: "startTimezone"},
		{name: "self parent", mutate: func(e *Event) { e.ParentID = e.ID }, field: "parentId"},
		{name: "bad recurrence prefix", mutate: func(e *Event) { e.Recurrences = []string{"FREQ=DAILY"} }, field: "recurrences"},
		{name: "exdate only", mutate: func(e *Event) { e.Recurrences = []string{"EXDATE:20231115T000000Z"} }, field: "recurrences"},
		{name: "rdate only", mutate: func(e *Event) { e.Recurrences = []string{"RDATE:20231120T221320Z,20231127T221320Z"} }},
		{
			name: "rdate with exdate",
			mutate: func(e *Event) {
				e.Recurrences = []string{"RDATE:20231120T221320Z", "EXDATE:20231120T221320Z"}
			},
		},
		{name: "bad rdate", mutate: func(e *Event) { e.Recurrences = []string{"RDATE:someday"} }, field: "recurrences"},
		{name: "bad rrule", mutate: func(e *Event) { e.Recurrences = []string{"RRULE:FREQ=SOMETIMES"} }, field: "recurrences"},
		{
			name: "rrule with exdate",
			mutate: func(e *Event) {
				e.Recurrences = []string{"RRULE:FREQ=WEEKLY;COUNT=4", "EXDATE:20231121T221320Z"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validSchedule()
			tt.mutate(&ev)
			NormalizeEvent(&ev)
			err := ValidateEvent(&ev)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCheckParentChain(t *testing.T) {
	parents := map[string]string{
		"b": "a",
		"c": "b",
	}
	lookup := func(id string) (string, bool) {
		p, ok := parents[id]
		if !ok && id == "a" {
			return "", true
		}
		return p, ok
	}

	require.NoError(t, CheckParentChain("d", "c", lookup))
	require.NoError(t, CheckParentChain("d", "unknown", lookup))

	// a -> c would close a -> c -> b -> a
	err := CheckParentChain("a", "c", lookup)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "parentId", verr.Field)
}

func TestChangedAtPrefersTombstone(t *testing.T) {
	del := int64(1700000005000)
	ev := Event{UpdatedAt: 1700000001000, DeletedAt: &del}
	assert.True(t, ev.Deleted())
	assert.Equal(t, del, ev.ChangedAt())
	assert.Equal(t, int64(1700000001000), ev.Revision())
}
