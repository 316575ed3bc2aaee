package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"calsync/internal/apierr"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/store"
)

// Create records, optimistically stores and submits a new event. An empty
// ID is filled with a fresh UUID.
func (e *Engine) Create(ctx context.Context, ev model.Event) (*model.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := e.prepare(ctx, &ev); err != nil {
		return nil, err
	}
	return e.mutate(ctx, model.MutationCreate, ev.ID, &ev)
}

// Update submits a changed event. A zero UpdatedAt is filled from the local
// copy so the remote can detect stale writes.
func (e *Engine) Update(ctx context.Context, ev model.Event) (*model.Event, error) {
	if ev.UpdatedAt == 0 {
		if cur, err := e.store.Event(ctx, ev.ID); err == nil {
			ev.UpdatedAt = cur.UpdatedAt
		}
	}
	if err := e.prepare(ctx, &ev); err != nil {
		return nil, err
	}
	return e.mutate(ctx, model.MutationUpdate, ev.ID, &ev)
}

// Delete removes an event locally at once and remotely with retries.
func (e *Engine) Delete(ctx context.Context, eventID string) error {
	if _, err := uuid.Parse(eventID); err != nil {
		return &model.ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a UUID", eventID)}
	}
	_, err := e.mutate(ctx, model.MutationDelete, eventID, nil)
	return err
}

// prepare normalizes and validates ev; nothing is stored or sent on error.
func (e *Engine) prepare(ctx context.Context, ev *model.Event) error {
	if ev.CalendarID == 0 {
		ev.CalendarID = e.calendarID
	}
	if ev.CalendarID != e.calendarID {
		return &model.ValidationError{Field: "calendarId", Reason: fmt.Sprintf("event belongs to %d, engine syncs %d", ev.CalendarID, e.calendarID)}
	}
	model.NormalizeEvent(ev)
	if err := model.ValidateEvent(ev); err != nil {
		return err
	}
	return model.CheckParentChain(ev.ID, ev.ParentID, func(id string) (string, bool) {
		parent, ok, err := e.store.ParentOf(ctx, id)
		if err != nil {
			return "", false
		}
		return parent, ok
	})
}

func (e *Engine) mutate(ctx context.Context, kind model.MutationKind, eventID string, payload *model.Event) (*model.Event, error) {
	prev, err := e.store.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		prev, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	pm := model.PendingMutation{
		LocalID:       uuid.NewString(),
		Kind:          kind,
		CalendarID:    e.calendarID,
		TargetEventID: eventID,
		Payload:       payload,
		ClaimedBy:     e.owner,
		ClaimedUntil:  e.now().Add(e.claimTTL),
	}
	e.track(pm.LocalID)
	defer e.untrack(pm.LocalID)
	if err := e.store.SavePending(ctx, pm); err != nil {
		return nil, fmt.Errorf("record pending mutation: %w", err)
	}

	if payload != nil {
		err = e.store.PutEvent(ctx, *payload)
	} else {
		err = e.store.RemoveEvent(ctx, e.calendarID, eventID)
	}
	if err != nil {
		_ = e.store.DeletePending(ctx, pm.LocalID)
		return nil, fmt.Errorf("store optimistic version: %w", err)
	}

	return e.submit(ctx, pm, prev, true)
}

// track marks localID as being submitted by this engine. It reports false
// when a submission is already running.
func (e *Engine) track(localID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[localID]; ok {
		return false
	}
	e.inflight[localID] = struct{}{}
	return true
}

func (e *Engine) untrack(localID string) {
	e.mu.Lock()
	delete(e.inflight, localID)
	e.mu.Unlock()
}

// claim takes or renews this engine's claim on a pending mutation.
func (e *Engine) claim(ctx context.Context, localID string) error {
	now := e.now()
	ok, err := e.store.ClaimPending(ctx, localID, e.owner, now, now.Add(e.claimTTL))
	if err != nil {
		return err
	}
	if !ok {
		return ErrMutationClaimed
	}
	return nil
}

// submit sends a pending mutation and reconciles the store with the
// outcome. prev is the local version before the mutation; known is false
// for mutations resumed after a restart, where prev was lost. The caller
// must have tracked pm.
func (e *Engine) submit(ctx context.Context, pm model.PendingMutation, prev *model.Event, known bool) (*model.Event, error) {
	var confirmed *model.Event
	attempts, err := e.retry(ctx, string(pm.Kind), func(ctx context.Context) error {
		// Renewed before every attempt so a long backoff cannot let another
		// process take over mid-flight.
		if err := e.claim(ctx, pm.LocalID); err != nil {
			return err
		}
		pm.AttemptCount++
		var err error
		switch pm.Kind {
		case model.MutationCreate:
			confirmed, err = e.remote.CreateEvent(ctx, *pm.Payload)
		case model.MutationUpdate:
			confirmed, err = e.remote.UpdateEvent(ctx, *pm.Payload)
		case model.MutationDelete:
			err = e.remote.DeleteEvent(ctx, pm.CalendarID, pm.TargetEventID)
		default:
			return &apierr.Error{Class: apierr.ClassServerError, Op: "mutate", Fatal: true, Err: fmt.Errorf("unknown mutation kind %q", pm.Kind)}
		}
		if err != nil {
			pm.LastError = err.Error()
			if serr := e.store.SavePending(context.WithoutCancel(ctx), pm); serr != nil {
				appLog.Warn("engine: could not persist attempt count", "local_id", pm.LocalID, "err", serr)
			}
		}
		return err
	})

	// The store must be reconciled even when the caller gave up waiting.
	sctx := context.WithoutCancel(ctx)
	kindLabel := string(pm.Kind)

	switch {
	case err == nil:
		metrics.MutationAttempts.WithLabelValues(kindLabel, "ok").Add(float64(attempts))
		if confirmed != nil {
			if err := e.store.PutEvent(sctx, *confirmed); err != nil {
				return nil, fmt.Errorf("store confirmed event: %w", err)
			}
		}
		if err := e.store.DeletePending(sctx, pm.LocalID); err != nil {
			return nil, err
		}
		appLog.Info("engine: mutation confirmed", "calendar_id", pm.CalendarID, "kind", kindLabel, "event_id", pm.TargetEventID, "attempts", attempts)
		return confirmed, nil

	case errors.Is(err, ErrMutationClaimed):
		// Another process took over after our claim lapsed; the row is its.
		appLog.Warn("engine: pending mutation taken over", "calendar_id", pm.CalendarID, "local_id", pm.LocalID)
		return nil, err

	case ctx.Err() != nil:
		// Left pending; ResumePending picks it up.
		metrics.MutationAttempts.WithLabelValues(kindLabel, "interrupted").Add(float64(attempts))
		if rerr := e.store.ReleasePending(sctx, pm.LocalID, e.owner); rerr != nil {
			appLog.Warn("engine: could not release claim", "local_id", pm.LocalID, "err", rerr)
		}
		return nil, ctx.Err()

	case errors.Is(err, apierr.ErrConflict):
		metrics.MutationAttempts.WithLabelValues(kindLabel, "conflict").Add(float64(attempts))
		remote, ferr := e.remote.Event(sctx, pm.CalendarID, pm.TargetEventID)
		switch {
		case ferr == nil:
			if err := e.store.PutEvent(sctx, *remote); err != nil {
				return nil, fmt.Errorf("store remote version: %w", err)
			}
		case errors.Is(ferr, apierr.ErrNotFound):
			remote = nil
			_ = e.store.RemoveEvent(sctx, pm.CalendarID, pm.TargetEventID)
		default:
			remote = nil
			e.rollback(sctx, pm, prev, known)
		}
		_ = e.store.DeletePending(sctx, pm.LocalID)
		appLog.Warn("engine: mutation conflicted", "calendar_id", pm.CalendarID, "kind", kindLabel, "event_id", pm.TargetEventID)
		return remote, &ConflictError{EventID: pm.TargetEventID, Local: pm.Payload, Remote: remote, Err: err}

	case errors.Is(err, apierr.ErrNotFound) && pm.Kind == model.MutationDelete:
		metrics.MutationAttempts.WithLabelValues(kindLabel, "ok").Add(float64(attempts))
		_ = e.store.DeletePending(sctx, pm.LocalID)
		return nil, nil

	case errors.Is(err, apierr.ErrNotFound) && pm.Kind == model.MutationUpdate:
		_ = e.store.RemoveEvent(sctx, pm.CalendarID, pm.TargetEventID)

	default:
		e.rollback(sctx, pm, prev, known)
	}

	metrics.MutationAttempts.WithLabelValues(kindLabel, "failed").Add(float64(attempts))
	_ = e.store.DeletePending(sctx, pm.LocalID)
	appLog.Error("engine: mutation abandoned", err, "calendar_id", pm.CalendarID, "kind", kindLabel, "event_id", pm.TargetEventID, "attempts", attempts)
	return nil, &MutationError{Kind: pm.Kind, EventID: pm.TargetEventID, Attempts: attempts, Err: err}
}

// rollback restores the local version that existed before pm.
func (e *Engine) rollback(ctx context.Context, pm model.PendingMutation, prev *model.Event, known bool) {
	var err error
	switch {
	case prev != nil:
		err = e.store.PutEvent(ctx, *prev)
	case known || pm.Kind == model.MutationCreate:
		err = e.store.RemoveEvent(ctx, pm.CalendarID, pm.TargetEventID)
	default:
		// The previous version is unknown; the next full resync restores it.
		appLog.Warn("engine: cannot restore event after abandoned mutation", "event_id", pm.TargetEventID, "kind", string(pm.Kind))
	}
	if err != nil {
		appLog.Error("engine: rollback failed", err, "event_id", pm.TargetEventID)
	}
}

// ResumePending resubmits mutations left over from an interrupted run,
// oldest first. Mutations already being submitted, here or by another
// process holding a live claim, are skipped. Each mutation reports its own
// outcome; failures are joined.
func (e *Engine) ResumePending(ctx context.Context) error {
	pending, err := e.store.PendingMutations(ctx, e.calendarID)
	if err != nil {
		return err
	}
	var errs []error
	resumed := 0
	for _, pm := range pending {
		if err := e.resume(ctx, pm, &resumed); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	if resumed > 0 {
		appLog.Info("engine: resumed pending mutations", "calendar_id", e.calendarID, "count", resumed)
	}
	return errors.Join(errs...)
}

func (e *Engine) resume(ctx context.Context, pm model.PendingMutation, resumed *int) error {
	if !e.track(pm.LocalID) {
		return nil
	}
	defer e.untrack(pm.LocalID)

	if err := e.claim(ctx, pm.LocalID); err != nil {
		if errors.Is(err, ErrMutationClaimed) {
			appLog.Debug("engine: pending mutation claimed elsewhere", "local_id", pm.LocalID)
			return nil
		}
		return err
	}
	if pm.Kind != model.MutationDelete && pm.Payload == nil {
		return e.store.DeletePending(ctx, pm.LocalID)
	}
	*resumed++
	_, err := e.submit(ctx, pm, nil, false)
	if errors.Is(err, ErrMutationClaimed) {
		return nil
	}
	return err
}
