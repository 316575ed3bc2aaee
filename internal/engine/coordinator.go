package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Coordinator owns one Engine per synced calendar and runs them on a cron
// schedule. All engines share the remote, and through it one request queue.
type Coordinator struct {
	remote Remote
	store  Store
	opts   Options
	// only restricts syncing to these calendar ids when non-empty.
	only map[int64]bool

	mu      sync.Mutex
	engines map[int64]*Engine
	cron    *cron.Cron
	passes  sync.WaitGroup
}

// NewCoordinator builds a coordinator. calendars limits which calendars are
// synced; empty means all.
func NewCoordinator(remote Remote, st Store, opts Options, calendars []int64) *Coordinator {
	c := &Coordinator{
		remote:  remote,
		store:   st,
		opts:    opts,
		engines: make(map[int64]*Engine),
	}
	if len(calendars) > 0 {
		c.only = make(map[int64]bool, len(calendars))
		for _, id := range calendars {
			c.only[id] = true
		}
	}
	return c
}

func (c *Coordinator) wanted(id int64) bool {
	return c.only == nil || c.only[id]
}

// Load creates engines for calendars already cached, so an offline start
// still serves and resumes them.
func (c *Coordinator) Load(ctx context.Context) error {
	cals, err := c.store.Calendars(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cal := range cals {
		if c.wanted(cal.ID) && c.engines[cal.ID] == nil {
			c.engines[cal.ID] = New(cal.ID, c.remote, c.store, c.opts)
		}
	}
	return nil
}

// Refresh fetches the calendar list, stores it and reconciles the engine
// set. Calendars deleted remotely, whether tombstoned or simply no longer
// listed, lose their engine and everything cached for them.
func (c *Coordinator) Refresh(ctx context.Context) ([]model.Calendar, error) {
	cals, err := c.remote.Calendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	cached, err := c.store.Calendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cached calendars: %w", err)
	}

	live := make([]model.Calendar, 0, len(cals))
	listed := make(map[int64]bool, len(cals))
	var gone []int64
	for _, cal := range cals {
		if cal.DeletedAt != nil {
			gone = append(gone, cal.ID)
			continue
		}
		listed[cal.ID] = true
		live = append(live, cal)
	}
	for _, cal := range cached {
		if !listed[cal.ID] && !slices.Contains(gone, cal.ID) {
			gone = append(gone, cal.ID)
		}
	}

	for _, id := range gone {
		if err := c.remove(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpsertCalendars(ctx, live); err != nil {
		return nil, fmt.Errorf("store calendars: %w", err)
	}

	for _, cal := range live {
		if !c.wanted(cal.ID) {
			continue
		}
		if len(cal.Labels) == 0 {
			if labels, err := c.remote.Labels(ctx, cal.ID); err != nil {
				appLog.Warn("engine: label fetch failed", "calendar_id", cal.ID, "err", err)
			} else if err := c.store.SetLabels(ctx, cal.ID, labels); err != nil {
				return nil, err
			}
		}
		c.mu.Lock()
		if c.engines[cal.ID] == nil {
			c.engines[cal.ID] = New(cal.ID, c.remote, c.store, c.opts)
		}
		c.mu.Unlock()
	}
	appLog.Info("engine: calendars refreshed", "total", len(cals), "live", len(live), "removed", len(gone))
	return live, nil
}

// remove stops the engine of a calendar and purges its cached events,
// cursor and pending mutations.
func (c *Coordinator) remove(ctx context.Context, id int64) error {
	c.mu.Lock()
	e := c.engines[id]
	delete(c.engines, id)
	c.mu.Unlock()
	if e != nil {
		e.Cancel()
	}
	if err := c.store.RemoveCalendar(ctx, id); err != nil {
		return fmt.Errorf("remove calendar %d: %w", id, err)
	}
	appLog.Info("engine: calendar removed", "calendar_id", id)
	return nil
}

// Engine returns the engine of a calendar.
func (c *Coordinator) Engine(id int64) (*Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[id]
	return e, ok
}

func (c *Coordinator) list() []*Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Engine, 0, len(c.engines))
	for _, e := range c.engines {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Engine) int {
		switch {
		case a.calendarID < b.calendarID:
			return -1
		case a.calendarID > b.calendarID:
			return 1
		}
		return 0
	})
	return out
}

// Statuses returns the status of every engine ordered by calendar id.
func (c *Coordinator) Statuses() []Status {
	engines := c.list()
	out := make([]Status, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status())
	}
	return out
}

// SyncAll resumes pending mutations and syncs every calendar concurrently.
// Calendars skipped because they are busy or backing off are not errors.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range c.list() {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			err := e.ResumePending(ctx)
			if serr := e.Sync(ctx); serr != nil && !errors.Is(serr, ErrSyncInProgress) && !errors.Is(serr, ErrBackingOff) {
				err = errors.Join(err, serr)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("calendar %d: %w", e.calendarID, err))
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SyncCalendar resumes pending mutations of one calendar and syncs it.
// full discards the cursor first.
func (c *Coordinator) SyncCalendar(ctx context.Context, id int64, full bool) error {
	e, ok := c.Engine(id)
	if !ok {
		return fmt.Errorf("calendar %d: %w", id, ErrNotSynced)
	}
	err := e.ResumePending(ctx)
	if full {
		return errors.Join(err, e.FullResync(ctx))
	}
	return errors.Join(err, e.Sync(ctx))
}

// Start schedules Refresh+SyncAll with a standard five-field cron spec and
// runs one pass right away. The immediate pass and the scheduled ones share
// one SkipIfStillRunning wrapper, so passes never overlap.
func (c *Coordinator) Start(ctx context.Context, schedule string) error {
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{})).Then(cron.FuncJob(func() { c.pass(ctx) }))
	cr := cron.New(cron.WithLogger(cronLogger{}))
	if _, err := cr.AddJob(schedule, job); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	c.mu.Lock()
	if c.cron != nil {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.cron = cr
	c.mu.Unlock()

	cr.Start()
	appLog.Info("engine: scheduler started", "schedule", schedule)
	c.passes.Go(job.Run)
	return nil
}

// Stop halts the scheduler and waits for a running pass to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	for _, e := range c.list() {
		e.Cancel()
	}
	<-cr.Stop().Done()
	c.passes.Wait()
	appLog.Info("engine: scheduler stopped")
}

func (c *Coordinator) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.Refresh(ctx); err != nil {
		appLog.Error("engine: refresh failed, syncing known calendars", err)
	}
	if err := c.SyncAll(ctx); err != nil {
		appLog.Error("engine: sync pass finished with errors", err)
	}
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
