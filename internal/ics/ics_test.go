package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

const calID int64 = 20390654

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return loc
}

func weeklyStandup(t *testing.T) model.Event {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, tokyo(t))
	return model.Event{
		ID:            "6f1c1d3e-8a43-4b7e-9d0a-3c2b1a0f9e11",
		CalendarID:    calID,
		Category:      model.CategorySchedule,
		Title:         "Standup",
		StartAt:       start.UnixMilli(),
		EndAt:         start.Add(30 * time.Minute).UnixMilli(),
		StartTimezone: "Asia/Tokyo",
		EndTimezone:   "Asia/Tokyo",
		LabelID:       1,
		Recurrences: []string{
			"RRULE:FREQ=WEEKLY;COUNT=10",
			"EXDATE;TZID=Asia/Tokyo:20240115T090000",
		},
	}
}

func TestExpandRecurringWithExdate(t *testing.T) {
	loc := tokyo(t)
	res, err := ExpandOccurrences([]model.Event{weeklyStandup(t)}, ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      time.Date(2024, 1, 1, 0, 0, 0, 0, loc),
		RangeEnd:        time.Date(2024, 1, 28, 23, 59, 0, 0, loc),
	})
	require.NoError(t, err)
	require.Empty(t, res.TruncatedEvents)

	var days []int
	for _, o := range res.Occurrences {
		days = append(days, o.Start.Day())
		assert.Equal(t, 30*time.Minute, o.End.Sub(o.Start))
		assert.Equal(t, 9, o.Start.Hour())
	}
	assert.Equal(t, []int{1, 8, 22}, days)
}

func TestExpandRDateOnly(t *testing.T) {
	loc := tokyo(t)
	ev := weeklyStandup(t)
	ev.Recurrences = []string{
		"RDATE;TZID=Asia/Tokyo:20240105T090000,20240110T090000",
		"EXDATE;TZID=Asia/Tokyo:20240110T090000",
	}
	require.NoError(t, model.ValidateEvent(&ev))

	res, err := ExpandOccurrences([]model.Event{ev}, ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      time.Date(2024, 1, 1, 0, 0, 0, 0, loc),
		RangeEnd:        time.Date(2024, 1, 31, 0, 0, 0, 0, loc),
	})
	require.NoError(t, err)
	var days []int
	for _, o := range res.Occurrences {
		days = append(days, o.Start.Day())
	}
	assert.Equal(t, []int{1, 5}, days)
}

func TestExpandChildReplacesMasterInstance(t *testing.T) {
	loc := tokyo(t)
	master := weeklyStandup(t)
	child := master
	child.ID = "0b7f7f53-6f0e-4a8e-b1e5-6e0d8c4d2a77"
	child.ParentID = master.ID
	child.Title = "Standup (moved room)"
	child.Recurrences = nil
	child.StartAt = time.Date(2024, 1, 8, 9, 0, 0, 0, loc).UnixMilli()
	child.EndAt = child.StartAt + 30*60*1000

	res, err := ExpandOccurrences([]model.Event{master, child}, ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      time.Date(2024, 1, 8, 0, 0, 0, 0, loc),
		RangeEnd:        time.Date(2024, 1, 8, 23, 0, 0, 0, loc),
	})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	assert.Equal(t, "Standup (moved room)", res.Occurrences[0].Title)
}

func TestExpandAllDayKeepsDate(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	day := time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)
	ev := model.Event{
		ID:            "8d1b8f0e-1c55-4d7f-a6f1-1b1e0d9c2f33",
		CalendarID:    calID,
		Category:      model.CategoryMemo,
		Title:         "Holiday",
		AllDay:        true,
		StartAt:       day.UnixMilli(),
		EndAt:         day.UnixMilli(),
		StartTimezone: "UTC",
		EndTimezone:   "UTC",
	}
	gone := ev
	gone.ID = "tomb"
	deletedAt := int64(1)
	gone.DeletedAt = &deletedAt

	res, err := ExpandOccurrences([]model.Event{ev, gone}, ExpandConfig{
		DisplayLocation: la,
		RangeStart:      time.Date(2026, 12, 1, 0, 0, 0, 0, la),
		RangeEnd:        time.Date(2026, 12, 31, 0, 0, 0, 0, la),
	})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	occ := res.Occurrences[0]
	assert.True(t, occ.AllDay)
	assert.Equal(t, time.Date(2026, 12, 25, 0, 0, 0, 0, la), occ.Start)
	assert.Equal(t, time.Date(2026, 12, 26, 0, 0, 0, 0, la), occ.End)
	assert.Equal(t, model.CategoryMemo, occ.Category)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	_, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestExpandCapsOccurrences(t *testing.T) {
	ev := weeklyStandup(t)
	ev.Recurrences = []string{"RRULE:FREQ=DAILY"}
	res, err := ExpandOccurrences([]model.Event{ev}, ExpandConfig{
		DisplayLocation:        time.UTC,
		RangeStart:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:               time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		MaxOccurrencesPerEvent: 10,
	})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 10)
	assert.Equal(t, []string{ev.ID}, res.TruncatedEvents)
}

func TestExportParseRoundTrip(t *testing.T) {
	master := weeklyStandup(t)
	master.Location = "Room 4"
	master.Note = "bring notes"

	child := weeklyStandup(t)
	child.ID = "0b7f7f53-6f0e-4a8e-b1e5-6e0d8c4d2a77"
	child.ParentID = master.ID
	child.Recurrences = nil

	trip := model.Event{
		ID:            "8d1b8f0e-1c55-4d7f-a6f1-1b1e0d9c2f33",
		CalendarID:    calID,
		Category:      model.CategoryMemo,
		Title:         "Trip",
		AllDay:        true,
		StartAt:       time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndAt:         time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC).UnixMilli(),
		StartTimezone: "UTC",
		EndTimezone:   "UTC",
		LabelID:       1,
	}

	body := Export(model.Calendar{ID: calID, Name: "Family"}, []model.Event{master, child, trip}, time.Now())
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "RELATED-TO:"+master.ID)
	assert.Contains(t, body, "DTEND;VALUE=DATE:20240506")

	got, err := ParseICS(calID, []byte(body), time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 3)

	byID := make(map[string]model.Event)
	for _, ev := range got {
		byID[ev.ID] = ev
	}
	for _, want := range []model.Event{master, child, trip} {
		ev, ok := byID[want.ID]
		require.True(t, ok, want.ID)
		assert.Equal(t, want.Title, ev.Title)
		assert.Equal(t, want.StartAt, ev.StartAt, want.Title)
		assert.Equal(t, want.EndAt, ev.EndAt, want.Title)
		assert.Equal(t, want.StartTimezone, ev.StartTimezone)
		assert.Equal(t, want.AllDay, ev.AllDay)
		assert.Equal(t, want.Category, ev.Category)
		assert.Equal(t, want.ParentID, ev.ParentID)
		assert.Equal(t, want.Recurrences, ev.Recurrences)
		assert.Equal(t, want.Location, ev.Location)
		assert.Equal(t, want.Note, ev.Note)
	}
}

func TestParseForeignICS(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//example//EN",
		"BEGIN:VEVENT",
		"UID:weekly-review@example.com",
		"DTSTART:20240102T100000",
		"DTEND:20240102T110000",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"SUMMARY:Review",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:weekly-review@example.com",
		"RECURRENCE-ID:20240109T100000",
		"DTSTART:20240109T140000",
		"DTEND:20240109T150000",
		"SUMMARY:Review (afternoon)",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:no-start@example.com",
		"SUMMARY:Broken",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	loc := tokyo(t)
	got, err := ParseICS(calID, []byte(body), loc)
	require.NoError(t, err)
	require.Len(t, got, 2)

	master, override := got[0], got[1]
	assert.Equal(t, eventID("weekly-review@example.com"), master.ID)
	assert.Equal(t, master.ID, eventID("weekly-review@example.com"), "stable across imports")
	assert.Equal(t, "Asia/Tokyo", master.StartTimezone)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, loc).UnixMilli(), master.StartAt)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;COUNT=4", "EXDATE:20240109T100000"}, master.Recurrences)

	assert.Equal(t, master.ID, override.ParentID)
	assert.NotEqual(t, master.ID, override.ID)
	assert.Equal(t, time.Date(2024, 1, 9, 14, 0, 0, 0, loc).UnixMilli(), override.StartAt)

	res, err := ExpandOccurrences(got, ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      time.Date(2024, 1, 1, 0, 0, 0, 0, loc),
		RangeEnd:        time.Date(2024, 1, 31, 0, 0, 0, 0, loc),
	})
	require.NoError(t, err)
	var titles []string
	for _, o := range res.Occurrences {
		titles = append(titles, o.Title)
	}
	assert.Equal(t, []string{"Review", "Review (afternoon)", "Review", "Review"}, titles)
}

func TestParseEmptyBody(t *testing.T) {
	_, err := ParseICS(calID, nil, nil)
	assert.Error(t, err)
}
