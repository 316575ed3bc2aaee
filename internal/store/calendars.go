package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"calsync/internal/model"
)

// UpsertCalendars stores the given calendars. Calendars carrying a
// deletion timestamp are skipped; RemoveCalendar purges them.
func (s *Store) UpsertCalendars(ctx context.Context, cals []model.Calendar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range cals {
		if c.DeletedAt != nil {
			continue
		}
		data, err := encode(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calendars (id, alias_code, name, data, synced_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				alias_code = excluded.alias_code,
				name = excluded.name,
				data = excluded.data,
				synced_at = excluded.synced_at`,
			c.ID, c.ExternalID, c.Name, data, now())
		if err != nil {
			return fmt.Errorf("upsert calendar %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// RemoveCalendar drops a calendar and everything cached for it.
func (s *Store) RemoveCalendar(ctx context.Context, calendarID int64) error {
	unlock := s.lockCalendar(calendarID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_mutations WHERE calendar_id = ?", calendarID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM calendars WHERE id = ?", calendarID); err != nil {
		return err
	}
	return tx.Commit()
}

// Calendars returns all cached calendars ordered by id.
func (s *Store) Calendars(ctx context.Context) ([]model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM calendars ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Calendar
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c model.Calendar
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Calendar returns one cached calendar.
func (s *Store) Calendar(ctx context.Context, calendarID int64) (*model.Calendar, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM calendars WHERE id = ?", calendarID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c model.Calendar
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	return &c, nil
}

// SetLabels replaces the label set stored with a calendar.
func (s *Store) SetLabels(ctx context.Context, calendarID int64, labels []model.Label) error {
	unlock := s.lockCalendar(calendarID)
	defer unlock()

	c, err := s.Calendar(ctx, calendarID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownCalendar, calendarID)
	}
	if err != nil {
		return err
	}
	c.Labels = labels
	data, err := encode(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE calendars SET data = ? WHERE id = ?", data, calendarID)
	return err
}

// Cursor returns the delta cursor of a calendar; ok is false before the
// first successful sync.
func (s *Store) Cursor(ctx context.Context, calendarID int64) (model.SyncCursor, bool, error) {
	var (
		since   int64
		updated string
	)
	err := s.db.QueryRowContext(ctx, "SELECT since_ms, updated_at FROM cursors WHERE calendar_id = ?", calendarID).Scan(&since, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncCursor{CalendarID: calendarID}, false, nil
	}
	if err != nil {
		return model.SyncCursor{}, false, err
	}
	return model.SyncCursor{CalendarID: calendarID, SinceMs: since, UpdatedAt: parseTime(updated)}, true, nil
}

// ResetCursor forgets the cursor so the next sync fetches everything. This
// is the only way a cursor moves backwards.
func (s *Store) ResetCursor(ctx context.Context, calendarID int64) error {
	unlock := s.lockCalendar(calendarID)
	defer unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cursors WHERE calendar_id = ?", calendarID)
	return err
}
