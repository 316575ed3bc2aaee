package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
)

// Op is one step of a delta: either an upsert or a delete by id.
type Op struct {
	Upsert   *model.Event
	DeleteID string
}

// Delta is an ordered list of ops plus the cursor value that becomes
// durable together with them.
type Delta struct {
	Ops    []Op
	Cursor int64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplyDelta writes all ops and advances the cursor in one transaction. The
// cursor never moves backwards; a failure leaves both events and cursor as
// they were.
func (s *Store) ApplyDelta(ctx context.Context, calendarID int64, d Delta) error {
	unlock := s.lockCalendar(calendarID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := calendarExists(ctx, tx, calendarID); err != nil {
		return err
	}

	for _, op := range d.Ops {
		switch {
		case op.Upsert != nil:
			if op.Upsert.CalendarID != calendarID {
				return fmt.Errorf("%w: event %s belongs to %d, applying %d", ErrUnknownCalendar, op.Upsert.ID, op.Upsert.CalendarID, calendarID)
			}
			if err := upsertEvent(ctx, tx, *op.Upsert); err != nil {
				return err
			}
		case op.DeleteID != "":
			if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ? AND calendar_id = ?", op.DeleteID, calendarID); err != nil {
				return fmt.Errorf("delete event %s: %w", op.DeleteID, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (calendar_id, since_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET
			since_ms = MAX(cursors.since_ms, excluded.since_ms),
			updated_at = excluded.updated_at`,
		calendarID, d.Cursor, now())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(calendarID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delta: %w", err)
	}

	var since int64
	if err := s.db.QueryRowContext(ctx, "SELECT since_ms FROM cursors WHERE calendar_id = ?", calendarID).Scan(&since); err == nil {
		metrics.SyncCursor.WithLabelValues(metrics.CalendarLabel(calendarID)).Set(float64(since))
	}
	appLog.Debug("store: delta applied", "calendar_id", calendarID, "ops", len(d.Ops), "cursor", d.Cursor)
	return nil
}

// PutEvent upserts a single event outside of a delta, used for optimistic
// local versions and server-confirmed records.
func (s *Store) PutEvent(ctx context.Context, ev model.Event) error {
	unlock := s.lockCalendar(ev.CalendarID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := calendarExists(ctx, tx, ev.CalendarID); err != nil {
		return err
	}
	if err := upsertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveEvent deletes a single event. Removing a missing event is not an error.
func (s *Store) RemoveEvent(ctx context.Context, calendarID int64, eventID string) error {
	unlock := s.lockCalendar(calendarID)
	defer unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ? AND calendar_id = ?", eventID, calendarID)
	return err
}

func upsertEvent(ctx context.Context, x execer, ev model.Event) error {
	if ev.Deleted() {
		_, err := x.ExecContext(ctx, "DELETE FROM events WHERE id = ?", ev.ID)
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	recurring := 0
	if len(ev.Recurrences) > 0 {
		recurring = 1
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO events (id, calendar_id, parent_id, start_at, end_at, recurring, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			parent_id = excluded.parent_id,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			recurring = excluded.recurring,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		ev.ID, ev.CalendarID, ev.ParentID, ev.StartAt, ev.EndAt, recurring, ev.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.ID, err)
	}
	return nil
}

// Event returns one cached event by id.
func (s *Store) Event(ctx context.Context, eventID string) (*model.Event, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM events WHERE id = ?", eventID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEvent(data)
}

// ParentOf returns the parent id of a cached event.
func (s *Store) ParentOf(ctx context.Context, eventID string) (string, bool, error) {
	var parent string
	err := s.db.QueryRowContext(ctx, "SELECT parent_id FROM events WHERE id = ?", eventID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return parent, true, nil
}

// Events returns all cached events of a calendar ordered by start.
func (s *Store) Events(ctx context.Context, calendarID int64) ([]model.Event, error) {
	return s.queryEvents(ctx, "SELECT data FROM events WHERE calendar_id = ? ORDER BY start_at, id", calendarID)
}

// EventsBetween returns events of a calendar that may produce occurrences
// in [from, to]: single events overlapping the window plus every recurring
// master, whose expansion decides.
func (s *Store) EventsBetween(ctx context.Context, calendarID int64, from, to time.Time) ([]model.Event, error) {
	return s.queryEvents(ctx, `
		SELECT data FROM events
		WHERE calendar_id = ? AND (recurring = 1 OR (end_at >= ? AND start_at <= ?))
		ORDER BY start_at, id`,
		calendarID, from.UnixMilli(), to.UnixMilli())
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func decodeEvent(data string) (*model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
