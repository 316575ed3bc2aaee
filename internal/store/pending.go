package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"calsync/internal/model"
)

// SavePending inserts or updates a pending mutation. The claim is written
// on insert only; ClaimPending and ReleasePending manage it afterwards.
func (s *Store) SavePending(ctx context.Context, pm model.PendingMutation) error {
	var payload sql.NullString
	if pm.Payload != nil {
		data, err := encode(pm.Payload)
		if err != nil {
			return err
		}
		payload = sql.NullString{String: data, Valid: true}
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (local_id, kind, calendar_id, target_event_id, payload, attempt_count, last_error, created_at, claimed_by, claimed_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			payload = excluded.payload,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error`,
		pm.LocalID, string(pm.Kind), pm.CalendarID, pm.TargetEventID, payload,
		pm.AttemptCount, pm.LastError, pm.CreatedAt.UTC().Format(time.RFC3339Nano),
		pm.ClaimedBy, unixMilli(pm.ClaimedUntil))
	if err != nil {
		return fmt.Errorf("save pending mutation %s: %w", pm.LocalID, err)
	}
	return nil
}

// ClaimPending gives owner the right to submit a pending mutation until
// until. It fails when another owner holds a claim that has not expired at
// now, or when the mutation no longer exists.
func (s *Store) ClaimPending(ctx context.Context, localID, owner string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET claimed_by = ?, claimed_until = ?
		WHERE local_id = ? AND (claimed_by = '' OR claimed_by = ? OR claimed_until <= ?)`,
		owner, until.UnixMilli(), localID, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim pending mutation %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleasePending drops owner's claim so the mutation can be resumed at once.
func (s *Store) ReleasePending(ctx context.Context, localID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET claimed_by = '', claimed_until = 0
		WHERE local_id = ? AND claimed_by = ?`, localID, owner)
	return err
}

// DeletePending removes a pending mutation once it is confirmed or abandoned.
func (s *Store) DeletePending(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_mutations WHERE local_id = ?", localID)
	return err
}

// PendingMutations lists the pending mutations of a calendar, oldest first.
func (s *Store) PendingMutations(ctx context.Context, calendarID int64) ([]model.PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, kind, calendar_id, target_event_id, payload, attempt_count, last_error, created_at, claimed_by, claimed_until
		FROM pending_mutations WHERE calendar_id = ? ORDER BY created_at, rowid`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingMutation
	for rows.Next() {
		var (
			pm      model.PendingMutation
			kind    string
			payload sql.NullString
			created string
			until   int64
		)
		if err := rows.Scan(&pm.LocalID, &kind, &pm.CalendarID, &pm.TargetEventID, &payload, &pm.AttemptCount, &pm.LastError, &created, &pm.ClaimedBy, &until); err != nil {
			return nil, err
		}
		pm.Kind = model.MutationKind(kind)
		pm.CreatedAt = parseTime(created)
		if until > 0 {
			pm.ClaimedUntil = time.UnixMilli(until)
		}
		if payload.Valid {
			var ev model.Event
			if err := json.Unmarshal([]byte(payload.String), &ev); err != nil {
				return nil, fmt.Errorf("decode pending payload: %w", err)
			}
			pm.Payload = &ev
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
