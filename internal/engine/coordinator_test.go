package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"calsync/internal/apierr"
	"calsync/internal/gateway"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

func TestCoordinatorRefreshAndSyncAll(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	deleted := int64(1)
	remote.calendars = []model.Calendar{
		{ID: calID, ExternalID: "family", Name: "Family"},
		{ID: 42, ExternalID: "work", Name: "Work", Labels: []model.Label{{ID: 1, Name: "Default"}}},
		{ID: 99, ExternalID: "old", Name: "Old", DeletedAt: &deleted},
	}
	remote.labels = []model.Label{{ID: 1, Name: "Default", Color: "#2ecc87"}}
	remote.batches[0] = gateway.Batch{Events: []model.Event{timed("a", 10)}, Since: 10}

	c := NewCoordinator(remote, st, Options{Sleep: (&sleeps{}).Sleep}, []int64{calID, 99})
	ctx := context.Background()

	live, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	_, ok := c.Engine(calID)
	assert.True(t, ok)
	_, ok = c.Engine(42)
	assert.False(t, ok, "not in the calendar filter")
	_, ok = c.Engine(99)
	assert.False(t, ok, "deleted remotely")

	cal, err := st.Calendar(ctx, calID)
	require.NoError(t, err)
	assert.Equal(t, remote.labels, cal.Labels)
	assert.Equal(t, 1, remote.count("labels"))

	require.NoError(t, c.SyncAll(ctx))
	statuses := c.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, calID, statuses[0].CalendarID)
	assert.Equal(t, "idle", statuses[0].State)
	assert.Equal(t, int64(10), statuses[0].Cursor)
}

func TestCoordinatorLoadUsesCachedCalendars(t *testing.T) {
	st := openStore(t)
	c := NewCoordinator(newFakeRemote(), st, Options{}, nil)
	require.NoError(t, c.Load(context.Background()))
	_, ok := c.Engine(calID)
	assert.True(t, ok)
}

func TestCoordinatorStart(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	remote.calendars = []model.Calendar{{ID: calID, ExternalID: "family", Name: "Family"}}
	c := NewCoordinator(remote, st, Options{}, nil)

	require.Error(t, c.Start(context.Background(), "every now and then"))

	require.NoError(t, c.Start(context.Background(), "*/5 * * * *"))
	assert.Error(t, c.Start(context.Background(), "*/5 * * * *"))

	require.Eventually(t, func() bool {
		return remote.count("events_since") > 0
	}, 5*time.Second, 10*time.Millisecond)
	c.Stop()

	cur, ok, err := st.Cursor(context.Background(), calID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, cur.SinceMs)
}

func TestCoordinatorSyncCalendar(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	remote.batches[0] = gateway.Batch{Events: []model.Event{timed("a", 10)}, Since: 10}
	c := NewCoordinator(remote, st, Options{Sleep: (&sleeps{}).Sleep}, nil)
	ctx := context.Background()
	require.NoError(t, c.Load(ctx))

	require.NoError(t, c.SyncCalendar(ctx, calID, false))
	assert.Equal(t, int64(10), cursorOf(t, st))

	require.NoError(t, c.SyncCalendar(ctx, calID, true))
	assert.Equal(t, 2, remote.count("events_since"))

	assert.ErrorIs(t, c.SyncCalendar(ctx, 7, false), ErrNotSynced)
}

func TestRefreshRemovesVanishedCalendars(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	deleted := int64(1)
	require.NoError(t, st.UpsertCalendars(ctx, []model.Calendar{{ID: 42, ExternalID: "work", Name: "Work"}, {ID: 99, ExternalID: "old", Name: "Old"}}))
	for _, id := range []int64{calID, 42, 99} {
		ev := timed(newEventID(), 10)
		ev.CalendarID = id
		require.NoError(t, st.PutEvent(ctx, ev))
		require.NoError(t, st.SavePending(ctx, model.PendingMutation{LocalID: newEventID(), Kind: model.MutationCreate, CalendarID: id, TargetEventID: ev.ID, Payload: &ev}))
	}

	remote := newFakeRemote()
	remote.labels = []model.Label{{ID: 1, Name: "Default"}}
	remote.calendars = []model.Calendar{
		{ID: calID, ExternalID: "family", Name: "Family"},
		{ID: 99, ExternalID: "old", Name: "Old", DeletedAt: &deleted},
	}
	c := NewCoordinator(remote, st, Options{Sleep: (&sleeps{}).Sleep}, nil)
	require.NoError(t, c.Load(ctx))
	_, ok := c.Engine(42)
	require.True(t, ok)

	live, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)

	cals, err := st.Calendars(ctx)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, calID, cals[0].ID)

	for _, id := range []int64{42, 99} {
		_, ok := c.Engine(id)
		assert.False(t, ok, "calendar %d", id)
		events, err := st.Events(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, events, "calendar %d", id)
		pending, err := st.PendingMutations(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, pending, "calendar %d", id)
	}
	pending, err := st.PendingMutations(ctx, calID)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "live calendar keeps its pending work")
}

func TestEngineLogsUseErrKey(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	appLog.SetLogger(zap.New(core))
	t.Cleanup(func() { appLog.SetLogger(zap.NewNop()) })

	st := openStore(t)
	remote := newFakeRemote()
	remote.calendars = []model.Calendar{{ID: calID, ExternalID: "family", Name: "Family"}}
	remote.fail("labels", &apierr.Error{Class: apierr.ClassServerError, Op: "labels", Status: 500})
	remote.fail("events_since", &apierr.Error{Class: apierr.ClassServerError, Op: "events_since", Status: 503})
	c := NewCoordinator(remote, st, Options{Sleep: (&sleeps{}).Sleep}, nil)
	ctx := context.Background()

	_, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SyncAll(ctx))

	for _, msg := range []string{"engine: label fetch failed", "engine: retrying"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		assert.Contains(t, entries[0].ContextMap(), "err", msg)
	}
	for _, e := range logs.All() {
		fields := e.ContextMap()
		assert.NotContains(t, fields, "error", e.Message)
		assert.NotContains(t, fields, "reason", e.Message)
	}
}
