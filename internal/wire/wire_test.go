package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func sampleEvent() model.Event {
	deleted := int64(1700000009999)
	return model.Event{
		ID:            "0b0c1f3e-6a4b-4a43-9c1e-2f8f0f7b5d11",
		CalendarID:    20390654,
		Category:      model.CategorySchedule,
		Title:         "Planning",
		StartAt:       1700000000000,
		EndAt:         1700003600000,
		StartTimezone: "Asia/Tokyo",
		EndTimezone:   "Asia/Tokyo",
		Location:      "Room 4",
		LocationLat:   "35.68",
		LocationLon:   "139.76",
		Note:          "bring slides",
		LabelID:       3,
		Attendees:     []int64{11, 12},
		Alerts:        []int64{15},
		Recurrences:   []string{"RRULE:FREQ=WEEKLY;BYDAY=MO", "EXDATE:20231120T000000Z"},
		ParentID:      "9f1d3a7c-1111-4c7e-8b7a-2a6a1b0c9d00",
		FileUUIDs:     []string{"f-1"},
		CreatedAt:     1699999999000,
		UpdatedAt:     9007199254740993,
		DeletedAt:     &deleted,
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := sampleEvent()

	w, err := ToWire(ev)
	require.NoError(t, err)

	var got model.Event
	require.NoError(t, Decode(w, &got))
	assert.Equal(t, ev, got)
}

func TestToWireUsesSnakeCaseRecursively(t *testing.T) {
	type inner struct {
		LabelID int64 `json:"labelId"`
	}
	type outer struct {
		CalendarID int64   `json:"calendarId"`
		Items      []inner `json:"itemList"`
	}

	w, err := ToWire(outer{CalendarID: 1, Items: []inner{{LabelID: 2}}})
	require.NoError(t, err)

	body, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"calendar_id":1,"item_list":[{"label_id":2}]}`, string(body))
}

func TestFromWireKeepsUnknownFields(t *testing.T) {
	obj, err := Parse(200, []byte(`{"title":"x","brand_new_field":{"nested_key":[{"deep_value":1}]}}`))
	require.NoError(t, err)

	rec := FromWire(obj).(map[string]any)
	assert.Equal(t, "x", rec["title"])
	nested := rec["brandNewField"].(map[string]any)
	list := nested["nestedKey"].([]any)
	assert.Contains(t, list[0].(map[string]any), "deepValue")

	// and the way back restores the original names
	back := renameKeys(rec, SnakeCase).(map[string]any)
	assert.Contains(t, back, "brand_new_field")
}

func TestParseNoContent(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   string
	}{
		{204, ""},
		{502, "<html>bad gateway</html>"},
		{200, "   "},
	} {
		v, err := Parse(tc.status, []byte(tc.body))
		require.NoError(t, err)
		assert.True(t, IsNoContent(v), "status %d", tc.status)
	}

	_, err := Parse(200, []byte("{broken"))
	require.Error(t, err)

	var ev model.Event
	require.Error(t, Decode(NoContent, &ev))
}

func TestCaseHelpers(t *testing.T) {
	pairs := map[string]string{
		"startTimezone": "start_timezone",
		"fileUuids":     "file_uuids",
		"aliasCode":     "alias_code",
		"id":            "id",
		"locationLat":   "location_lat",
		"x2Y":           "x2_y",
	}
	for camel, snake := range pairs {
		assert.Equal(t, snake, SnakeCase(camel))
		assert.Equal(t, camel, CamelCase(snake))
	}
	assert.Equal(t, "_private", CamelCase("_private"))
	assert.Equal(t, "a__b", CamelCase("a__b"))
}
