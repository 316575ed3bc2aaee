// Package engine drives delta synchronization for one calendar at a time
// and forwards local mutations to the remote with bounded retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/gateway"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/store"
)

// Remote is the subset of the gateway the engine calls.
type Remote interface {
	Calendars(ctx context.Context) ([]model.Calendar, error)
	Labels(ctx context.Context, calendarID int64) ([]model.Label, error)
	EventsSince(ctx context.Context, calendarID, since int64) (gateway.Batch, error)
	Event(ctx context.Context, calendarID int64, eventID string) (*model.Event, error)
	CreateEvent(ctx context.Context, ev model.Event) (*model.Event, error)
	UpdateEvent(ctx context.Context, ev model.Event) (*model.Event, error)
	DeleteEvent(ctx context.Context, calendarID int64, eventID string) error
}

// Store is the subset of the local store the engine uses.
type Store interface {
	UpsertCalendars(ctx context.Context, cals []model.Calendar) error
	RemoveCalendar(ctx context.Context, calendarID int64) error
	Calendars(ctx context.Context) ([]model.Calendar, error)
	SetLabels(ctx context.Context, calendarID int64, labels []model.Label) error

	Cursor(ctx context.Context, calendarID int64) (model.SyncCursor, bool, error)
	ResetCursor(ctx context.Context, calendarID int64) error
	ApplyDelta(ctx context.Context, calendarID int64, d store.Delta) error

	Event(ctx context.Context, eventID string) (*model.Event, error)
	Events(ctx context.Context, calendarID int64) ([]model.Event, error)
	ParentOf(ctx context.Context, eventID string) (string, bool, error)
	PutEvent(ctx context.Context, ev model.Event) error
	RemoveEvent(ctx context.Context, calendarID int64, eventID string) error

	SavePending(ctx context.Context, pm model.PendingMutation) error
	DeletePending(ctx context.Context, localID string) error
	ClaimPending(ctx context.Context, localID, owner string, now, until time.Time) (bool, error)
	ReleasePending(ctx context.Context, localID, owner string) error
	PendingMutations(ctx context.Context, calendarID int64) ([]model.PendingMutation, error)
}

// State of a calendar's sync state machine.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateApplying
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Status is a point-in-time view of one engine.
type Status struct {
	CalendarID int64     `json:"calendarId"`
	State      string    `json:"state"`
	Cursor     int64     `json:"cursor"`
	LastSync   time.Time `json:"lastSync,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
	RetryAt    time.Time `json:"retryAt,omitzero"`
}

// Options tune an Engine. Zero values fall back to defaults.
type Options struct {
	Retry RetryPolicy
	// Sleep replaces the backoff wait; tests use it to record delays.
	Sleep SleepFunc
	Now   func() time.Time
	// ClaimTTL is how long a submission claim on a pending mutation lasts
	// without renewal. Another process may take over an expired claim.
	ClaimTTL time.Duration
}

const defaultClaimTTL = 10 * time.Minute

// Engine synchronizes one calendar. Sync runs are exclusive; mutations may
// run alongside a sync since the store serializes writes per calendar.
type Engine struct {
	calendarID  int64
	remote      Remote
	store       Store
	retryPolicy RetryPolicy
	sleep       SleepFunc
	now         func() time.Time
	owner       string
	claimTTL    time.Duration

	mu        sync.Mutex
	inflight  map[string]struct{}
	state     State
	cursor    int64
	lastSync  time.Time
	lastErr   error
	failures  int
	retryAt   time.Time
	cancel    context.CancelFunc
	cancelled bool
}

// New returns an idle engine for calendarID.
func New(calendarID int64, remote Remote, st Store, opts Options) *Engine {
	e := &Engine{
		calendarID:  calendarID,
		remote:      remote,
		store:       st,
		retryPolicy: opts.Retry.normalized(),
		sleep:       opts.Sleep,
		now:         opts.Now,
		owner:       uuid.NewString(),
		claimTTL:    opts.ClaimTTL,
		inflight:    make(map[string]struct{}),
	}
	if e.claimTTL <= 0 {
		e.claimTTL = defaultClaimTTL
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) CalendarID() int64 { return e.calendarID }

// Status reports the current state. An Error state whose backoff has
// elapsed is reported as Idle; the last error stays visible.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		CalendarID: e.calendarID,
		State:      e.state.String(),
		Cursor:     e.cursor,
		LastSync:   e.lastSync,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	if e.state == StateError {
		if e.now().Before(e.retryAt) {
			st.RetryAt = e.retryAt
		} else {
			st.State = StateIdle.String()
		}
	}
	return st
}

// Cancel stops a running sync between batches. The batch being applied is
// committed; nothing after it is fetched.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancelled = true
		e.cancel()
	}
}

// Sync fetches and applies every pending delta chunk.
func (e *Engine) Sync(ctx context.Context) error {
	return e.run(ctx, false)
}

// FullResync forgets the cursor, refetches everything and drops local
// events the remote no longer reports. A resync refused because another
// run is active or the calendar is backing off leaves the cursor as is.
func (e *Engine) FullResync(ctx context.Context) error {
	return e.run(ctx, true)
}

func (e *Engine) begin(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateFetching, StateApplying:
		return nil, ErrSyncInProgress
	case StateError:
		if now := e.now(); now.Before(e.retryAt) {
			return nil, fmt.Errorf("%w until %s: %v", ErrBackingOff, e.retryAt.Format(time.RFC3339), e.lastErr)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.cancelled = false
	e.state = StateFetching
	return runCtx, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) finish(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	label := metrics.CalendarLabel(e.calendarID)

	switch {
	case err == nil:
		e.state = StateIdle
		e.lastSync = e.now()
		e.lastErr = nil
		e.failures = 0
		metrics.SyncRuns.WithLabelValues(label, "ok").Inc()
		return nil

	case e.cancelled:
		e.state = StateIdle
		metrics.SyncRuns.WithLabelValues(label, "cancelled").Inc()
		appLog.Info("engine: sync cancelled", "calendar_id", e.calendarID)
		return ErrCancelled

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.state = StateIdle
		metrics.SyncRuns.WithLabelValues(label, "cancelled").Inc()
		return err
	}

	e.failures++
	e.state = StateError
	e.lastErr = err
	e.retryAt = e.now().Add(e.retryPolicy.ceiling(e.failures))
	metrics.SyncRuns.WithLabelValues(label, "error").Inc()
	appLog.Error("engine: sync failed", err, "calendar_id", e.calendarID, "failures", e.failures, "retry_at", e.retryAt)
	return err
}

func (e *Engine) run(ctx context.Context, full bool) (err error) {
	runCtx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { err = e.finish(err) }()

	if full {
		if err := e.store.ResetCursor(runCtx, e.calendarID); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
	}
	cur, _, err := e.store.Cursor(runCtx, e.calendarID)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	e.mu.Lock()
	e.cursor = cur.SinceMs
	e.mu.Unlock()

	var seen map[string]bool
	if full {
		seen = make(map[string]bool)
	}

	since := cur.SinceMs
	for chunk := 1; ; chunk++ {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		e.setState(StateFetching)

		var batch gateway.Batch
		_, err := e.retry(runCtx, "events_since", func(ctx context.Context) error {
			var err error
			batch, err = e.remote.EventsSince(ctx, e.calendarID, since)
			return err
		})
		if err != nil {
			return err
		}
		// A batch fetched after Cancel is dropped; the cursor stays put.
		if runCtx.Err() != nil {
			return runCtx.Err()
		}

		e.setState(StateApplying)
		// Applying is not interruptible; Cancel takes effect before the next fetch.
		cursor, err := e.apply(context.WithoutCancel(runCtx), batch.Events, seen)
		if err != nil {
			return err
		}
		appLog.Debug("engine: chunk applied", "calendar_id", e.calendarID, "chunk", chunk, "events", len(batch.Events), "cursor", cursor)

		if !batch.More {
			break
		}
		next := max(batch.Since, cursor)
		if next <= since {
			appLog.Warn("engine: remote returned more chunks without advancing", "calendar_id", e.calendarID, "since", since)
			break
		}
		since = next
	}

	if full {
		return e.prune(context.WithoutCancel(runCtx), seen)
	}
	return nil
}

// apply writes one batch and advances the cursor to its newest change in
// the same transaction.
func (e *Engine) apply(ctx context.Context, events []model.Event, seen map[string]bool) (int64, error) {
	ops, err := orderBatch(events, func(id string) (bool, error) {
		_, ok, err := e.store.ParentOf(ctx, id)
		return ok, err
	})
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	cursor := e.cursor
	e.mu.Unlock()
	for _, ev := range events {
		cursor = max(cursor, ev.ChangedAt())
		if seen != nil && !ev.Deleted() {
			seen[ev.ID] = true
		}
	}

	if err := e.store.ApplyDelta(ctx, e.calendarID, store.Delta{Ops: ops, Cursor: cursor}); err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}

	e.mu.Lock()
	e.cursor = cursor
	e.mu.Unlock()
	return cursor, nil
}

// orderBatch turns a batch into store ops so that a recurrence child is
// written after its parent. Children whose parent is neither known locally
// nor placed yet wait in a buffer keyed by parent id and are flushed when
// the parent arrives. Whatever still waits after the pass is written anyway.
func orderBatch(events []model.Event, known func(id string) (bool, error)) ([]store.Op, error) {
	ops := make([]store.Op, 0, len(events))
	placed := make(map[string]bool, len(events))
	waiting := make(map[string][]model.Event)
	var waitOrder []string

	unwait := func(id string) {
		for parent, children := range waiting {
			for i, c := range children {
				if c.ID == id {
					waiting[parent] = append(children[:i:i], children[i+1:]...)
					return
				}
			}
		}
	}

	var place func(ev model.Event)
	place = func(ev model.Event) {
		if ev.Deleted() {
			ops = append(ops, store.Op{DeleteID: ev.ID})
			delete(placed, ev.ID)
			return
		}
		ops = append(ops, store.Op{Upsert: &ev})
		placed[ev.ID] = true
		children := waiting[ev.ID]
		delete(waiting, ev.ID)
		for _, c := range children {
			place(c)
		}
	}

	for _, ev := range events {
		// A newer version of a waiting child supersedes it.
		unwait(ev.ID)

		if ev.Deleted() || ev.ParentID == "" || placed[ev.ParentID] {
			place(ev)
			continue
		}
		ok, err := known(ev.ParentID)
		if err != nil {
			return nil, fmt.Errorf("look up parent %s: %w", ev.ParentID, err)
		}
		if ok {
			place(ev)
			continue
		}
		if _, exists := waiting[ev.ParentID]; !exists {
			waitOrder = append(waitOrder, ev.ParentID)
		}
		waiting[ev.ParentID] = append(waiting[ev.ParentID], ev)
	}

	for _, parent := range waitOrder {
		for _, c := range waiting[parent] {
			appLog.Warn("engine: storing recurrence child without its parent", "event_id", c.ID, "parent_id", parent)
			ops = append(ops, store.Op{Upsert: &c})
		}
	}
	return ops, nil
}

// prune drops local events a full resync did not see, keeping those with
// unconfirmed local mutations.
func (e *Engine) prune(ctx context.Context, seen map[string]bool) error {
	local, err := e.store.Events(ctx, e.calendarID)
	if err != nil {
		return err
	}
	pending, err := e.store.PendingMutations(ctx, e.calendarID)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(pending))
	for _, pm := range pending {
		keep[pm.TargetEventID] = true
	}
	removed := 0
	for _, ev := range local {
		if seen[ev.ID] || keep[ev.ID] {
			continue
		}
		if err := e.store.RemoveEvent(ctx, e.calendarID, ev.ID); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		appLog.Info("engine: pruned stale events", "calendar_id", e.calendarID, "count", removed)
	}
	return nil
}
