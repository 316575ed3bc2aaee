package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"calsync/internal/apierr"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/wire"
)

// Batch is one page of a delta fetch. More is set while the service has
// further chunks; Since is the cursor it suggests for the next page.
type Batch struct {
	Events []model.Event `json:"events"`
	More   bool          `json:"chunk"`
	Since  int64         `json:"since"`
}

// FileMeta describes a file about to be attached to an event.
type FileMeta struct {
	Name        string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"fileSize"`
}

// FormField is one opaque field the byte upload must post along.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// UploadTicket is the handshake result; FileUUID goes into Event.FileUUIDs
// once the bytes are uploaded to UploadURL.
type UploadTicket struct {
	FileUUID     string      `json:"fileUuid"`
	UploadURL    string      `json:"uploadUrl"`
	UploadFields []FormField `json:"uploadFields,omitempty"`
	ExpiresAt    int64       `json:"expiresAt,omitempty"`
}

// User returns the account owner.
func (g *Gateway) User(ctx context.Context) (*model.User, error) {
	obj, err := g.do(ctx, call{op: "user", method: http.MethodGet, path: "/api/v1/user"})
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := decodeField("user", obj, "user", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Calendars returns every calendar visible to the account.
func (g *Gateway) Calendars(ctx context.Context) ([]model.Calendar, error) {
	obj, err := g.do(ctx, call{op: "calendars", method: http.MethodGet, path: "/api/v2/calendars"})
	if err != nil {
		return nil, err
	}
	var cals []model.Calendar
	if err := decodeField("calendars", obj, "calendars", &cals); err != nil {
		return nil, err
	}
	return cals, nil
}

// Calendar returns one calendar with its labels and members.
func (g *Gateway) Calendar(ctx context.Context, calendarID int64) (*model.Calendar, error) {
	obj, err := g.do(ctx, call{op: "calendar", method: http.MethodGet, path: calendarPath(calendarID)})
	if err != nil {
		return nil, err
	}
	var cal model.Calendar
	if err := decodeField("calendar", obj, "calendar", &cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

// Labels returns the labels of one calendar.
func (g *Gateway) Labels(ctx context.Context, calendarID int64) ([]model.Label, error) {
	obj, err := g.do(ctx, call{op: "labels", method: http.MethodGet, path: calendarPath(calendarID, "/labels")})
	if err != nil {
		return nil, err
	}
	var labels []model.Label
	if err := decodeField("labels", obj, "labels", &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// EventsSince fetches one chunk of events changed after since (unix ms).
// Tombstones come back with DeletedAt set.
func (g *Gateway) EventsSince(ctx context.Context, calendarID, since int64) (Batch, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	obj, err := g.do(ctx, call{op: "events_since", method: http.MethodGet, path: calendarPath(calendarID, "/events"), query: q})
	if err != nil {
		return Batch{}, err
	}
	if wire.IsNoContent(obj) {
		return Batch{Since: since}, nil
	}
	var b Batch
	if err := wire.Decode(obj, &b); err != nil {
		return Batch{}, &apierr.Error{Class: apierr.ClassServerError, Op: "events_since", Fatal: true, Err: err}
	}
	for i := range b.Events {
		if b.Events[i].CalendarID == 0 {
			b.Events[i].CalendarID = calendarID
		}
	}
	appLog.Debug("events chunk fetched", "calendar_id", calendarID, "since", since, "count", len(b.Events), "more", b.More)
	return b, nil
}

// Event fetches a single event.
func (g *Gateway) Event(ctx context.Context, calendarID int64, eventID string) (*model.Event, error) {
	obj, err := g.do(ctx, call{op: "event", method: http.MethodGet, path: calendarPath(calendarID, "/event/", url.PathEscape(eventID))})
	if err != nil {
		return nil, err
	}
	return decodeEvent("event", calendarID, obj)
}

// CreateEvent posts ev. The client-chosen ev.ID makes a replayed create
// land on the same remote record.
func (g *Gateway) CreateEvent(ctx context.Context, ev model.Event) (*model.Event, error) {
	if ev.ID == "" {
		return nil, errors.New("create event: id is required")
	}
	obj, err := g.do(ctx, call{op: "create_event", method: http.MethodPost, path: calendarPath(ev.CalendarID, "/event"), body: ev})
	if err != nil {
		return nil, err
	}
	if wire.IsNoContent(obj) {
		return g.Event(ctx, ev.CalendarID, ev.ID)
	}
	return decodeEvent("create_event", ev.CalendarID, obj)
}

// UpdateEvent puts ev. ev.UpdatedAt carries the revision the change was
// based on; the service answers with a conflict status when it is stale.
func (g *Gateway) UpdateEvent(ctx context.Context, ev model.Event) (*model.Event, error) {
	obj, err := g.do(ctx, call{op: "update_event", method: http.MethodPut, path: calendarPath(ev.CalendarID, "/event/", url.PathEscape(ev.ID)), body: ev})
	if err != nil {
		return nil, err
	}
	if wire.IsNoContent(obj) {
		return g.Event(ctx, ev.CalendarID, ev.ID)
	}
	return decodeEvent("update_event", ev.CalendarID, obj)
}

// DeleteEvent removes an event remotely.
func (g *Gateway) DeleteEvent(ctx context.Context, calendarID int64, eventID string) error {
	_, err := g.do(ctx, call{op: "delete_event", method: http.MethodDelete, path: calendarPath(calendarID, "/event/", url.PathEscape(eventID))})
	return err
}

// Holidays returns public holidays of a country for one year. Results are
// cached for the configured TTL.
func (g *Gateway) Holidays(ctx context.Context, country string, year int) ([]model.Holiday, error) {
	key := fmt.Sprintf("%s/%d", country, year)
	if hs, ok := g.holidays.Get(key); ok {
		return hs, nil
	}

	q := url.Values{}
	q.Set("year", strconv.Itoa(year))
	obj, err := g.do(ctx, call{op: "holidays", method: http.MethodGet, path: "/api/v1/holidays/" + url.PathEscape(country), query: q})
	if err != nil {
		return nil, err
	}
	var hs []model.Holiday
	if err := decodeField("holidays", obj, "holidays", &hs); err != nil {
		return nil, err
	}
	g.holidays.Add(key, hs)
	return hs, nil
}

// InitiateUpload performs the upload handshake for one file. Transferring
// the bytes is left to the caller.
func (g *Gateway) InitiateUpload(ctx context.Context, calendarID int64, meta FileMeta) (*UploadTicket, error) {
	if meta.Name == "" || meta.Size <= 0 {
		return nil, &model.ValidationError{Field: "file", Reason: "name and positive size are required"}
	}
	obj, err := g.do(ctx, call{op: "initiate_upload", method: http.MethodPost, path: calendarPath(calendarID, "/files"), body: meta})
	if err != nil {
		return nil, err
	}
	var t UploadTicket
	if err := wire.Decode(obj, &t); err != nil {
		return nil, &apierr.Error{Class: apierr.ClassServerError, Op: "initiate_upload", Fatal: true, Err: err}
	}
	if t.FileUUID == "" || t.UploadURL == "" {
		return nil, &apierr.Error{Class: apierr.ClassServerError, Op: "initiate_upload", Fatal: true, Err: errors.New("incomplete upload ticket")}
	}
	return &t, nil
}

func decodeEvent(op string, calendarID int64, obj any) (*model.Event, error) {
	var ev model.Event
	if err := decodeField(op, obj, "event", &ev); err != nil {
		return nil, err
	}
	if ev.CalendarID == 0 {
		ev.CalendarID = calendarID
	}
	return &ev, nil
}
