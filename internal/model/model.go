package model

import "time"

// Category distinguishes timed schedule entries from memos (keep/todo-like
// entries without a meaningful time slot).
type Category int

const (
	CategorySchedule Category = 1
	CategoryMemo     Category = 2
)

func (c Category) String() string {
	switch c {
	case CategorySchedule:
		return "schedule"
	case CategoryMemo:
		return "memo"
	default:
		return "unknown"
	}
}

// ParseCategory maps "schedule"/"memo" to a Category.
func ParseCategory(s string) (Category, bool) {
	switch s {
	case "schedule":
		return CategorySchedule, true
	case "memo":
		return CategoryMemo, true
	}
	return 0, false
}

// DefaultLabelID is the label the service assigns when none is chosen.
const DefaultLabelID int64 = 1

// Label is a colored tag attached to events in one calendar.
type Label struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Member is a user sharing a calendar.
type Member struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
}

// User is the account owner as reported by the service.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Language string `json:"language,omitempty"`
}

// Calendar is identified by the service's internal integer id. ExternalID
// is the public alias code used in share links.
type Calendar struct {
	ID         int64    `json:"id"`
	ExternalID string   `json:"aliasCode"`
	Name       string   `json:"name"`
	Color      string   `json:"color,omitempty"`
	Members    []Member `json:"members,omitempty"`
	Labels     []Label  `json:"labels,omitempty"`
	DeletedAt  *int64   `json:"deletedAt,omitempty"`
}

// Event is a single calendar entry as cached locally. Timestamps are Unix
// milliseconds, timezones IANA names. Recurrences holds RRULE/EXDATE lines
// in order.
type Event struct {
	ID            string   `json:"id"`
	CalendarID    int64    `json:"calendarId"`
	Category      Category `json:"category"`
	Title         string   `json:"title"`
	AllDay        bool     `json:"allDay"`
	StartAt       int64    `json:"startAt"`
	EndAt         int64    `json:"endAt"`
	StartTimezone string   `json:"startTimezone"`
	EndTimezone   string   `json:"endTimezone"`
	Location      string   `json:"location,omitempty"`
	LocationLat   string   `json:"locationLat,omitempty"`
	LocationLon   string   `json:"locationLon,omitempty"`
	URL           string   `json:"url,omitempty"`
	Note          string   `json:"note,omitempty"`
	LabelID       int64    `json:"labelId"`
	Attendees     []int64  `json:"attendees,omitempty"`
	Alerts        []int64  `json:"alerts,omitempty"`
	Recurrences   []string `json:"recurrences,omitempty"`
	// ParentID points a recurrence child at its master event. It is a lookup
	// key only; the parent does not own the child.
	ParentID  string   `json:"parentId,omitempty"`
	FileUUIDs []string `json:"fileUuids,omitempty"`
	CreatedAt int64    `json:"createdAt,omitempty"`
	// UpdatedAt is server-assigned and doubles as the revision marker sent
	// back on update for conflict detection.
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	DeletedAt *int64 `json:"deletedAt,omitempty"`
}

// Deleted reports whether the event is a tombstone.
func (e Event) Deleted() bool { return e.DeletedAt != nil }

// Revision is the optimistic-concurrency marker of this version.
func (e Event) Revision() int64 { return e.UpdatedAt }

// ChangedAt is the timestamp a delta cursor advances to for this record.
func (e Event) ChangedAt() int64 {
	if e.DeletedAt != nil && *e.DeletedAt > e.UpdatedAt {
		return *e.DeletedAt
	}
	return e.UpdatedAt
}

// Start returns StartAt as a time in the event's start timezone.
func (e Event) Start() time.Time {
	return time.UnixMilli(e.StartAt).In(loadLocation(e.StartTimezone))
}

// End returns EndAt as a time in the event's end timezone.
func (e Event) End() time.Time {
	tz := e.EndTimezone
	if tz == "" {
		tz = e.StartTimezone
	}
	return time.UnixMilli(e.EndAt).In(loadLocation(tz))
}

// Holiday is a public holiday entry for a country.
type Holiday struct {
	Date        string `json:"date"`
	Name        string `json:"name"`
	CountryCode string `json:"countryCode,omitempty"`
}

// SyncCursor is the last durably applied change timestamp of a calendar.
type SyncCursor struct {
	CalendarID int64
	SinceMs    int64
	UpdatedAt  time.Time
}

type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// PendingMutation records a local change that has not yet been confirmed by
// the remote. Payload is nil for deletes.
type PendingMutation struct {
	LocalID       string
	Kind          MutationKind
	CalendarID    int64
	TargetEventID string
	Payload       *Event
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	// ClaimedBy names the submitter that owns the mutation until
	// ClaimedUntil. An expired claim may be taken over.
	ClaimedBy    string
	ClaimedUntil time.Time
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	CalendarID int64
	EventID    string

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Title    string
	Note     string
	Location string
	LabelID  int64
	Category Category

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
