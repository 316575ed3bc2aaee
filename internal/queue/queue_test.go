package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hit struct {
	path  string
	enter time.Time
	exit  time.Time
}

type recorder struct {
	mu   sync.Mutex
	hits []hit
}

func (r *recorder) add(h hit) {
	r.mu.Lock()
	r.hits = append(r.hits, h)
	r.mu.Unlock()
}

func (r *recorder) all() []hit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hit(nil), r.hits...)
}

func newRequest(t *testing.T, base, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	require.NoError(t, err)
	return req
}

func TestFIFOUnderConcurrentEnqueue(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(hit{path: r.URL.RequestURI(), enter: time.Now()})
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q := New(srv.Client(), Options{MinSpacing: time.Millisecond})
	defer q.Close()

	var (
		orderMu  sync.Mutex
		expected []string
		futures  []*Future
		wg       sync.WaitGroup
	)
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range 8 {
				path := fmt.Sprintf("/calendar/%d/events?n=%d", g, n)
				orderMu.Lock()
				futures = append(futures, q.Enqueue(newRequest(t, srv.URL, path)))
				expected = append(expected, path)
				orderMu.Unlock()
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, f := range futures {
		resp, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	got := make([]string, 0, len(expected))
	for _, h := range rec.all() {
		got = append(got, h.path)
	}
	assert.Equal(t, expected, got)
}

func TestSpacingBetweenCompletionAndDispatch(t *testing.T) {
	const spacing = 60 * time.Millisecond
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enter := time.Now()
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok":true}`))
		rec.add(hit{path: r.URL.Path, enter: enter, exit: time.Now()})
	}))
	defer srv.Close()

	q := New(srv.Client(), Options{MinSpacing: spacing})
	defer q.Close()

	var futures []*Future
	for i := range 5 {
		futures = append(futures, q.Enqueue(newRequest(t, srv.URL, fmt.Sprintf("/r%d", i))))
	}
	for _, f := range futures {
		resp, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	}

	hits := rec.all()
	require.Len(t, hits, 5)
	for i := 1; i < len(hits); i++ {
		gap := hits[i].enter.Sub(hits[i-1].exit)
		assert.GreaterOrEqual(t, gap, spacing, "gap before request %d", i)
	}
}

func TestCancelQueuedEntry(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(hit{path: r.URL.Path})
		if r.URL.Path == "/block" {
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := New(srv.Client(), Options{})
	defer q.Close()

	first := q.Enqueue(newRequest(t, srv.URL, "/block"))
	second := q.Enqueue(newRequest(t, srv.URL, "/second"))
	third := q.Enqueue(newRequest(t, srv.URL, "/third"))

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, first.Cancel(), "in-flight call cannot be cancelled")
	assert.True(t, second.Cancel())
	assert.Equal(t, 1, q.Len())

	_, err := second.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	close(release)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	_, err = third.Wait(context.Background())
	require.NoError(t, err)

	var paths []string
	for _, h := range rec.all() {
		paths = append(paths, h.path)
	}
	assert.Equal(t, []string{"/block", "/third"}, paths)
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	q := New(srv.Client(), Options{CallTimeout: 50 * time.Millisecond})
	defer q.Close()

	_, err := q.Enqueue(newRequest(t, srv.URL, "/slow")).Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAbandonedWaitDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := New(srv.Client(), Options{})
	defer q.Close()

	f := q.Enqueue(newRequest(t, srv.URL, "/x"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call never completed")
	}
}

func TestCloseFailsPending(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	q := New(srv.Client(), Options{})
	inflight := q.Enqueue(newRequest(t, srv.URL, "/a"))
	queued := q.Enqueue(newRequest(t, srv.URL, "/b"))
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	q.Close()

	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = inflight.Wait(context.Background())
	assert.Error(t, err)

	_, err = q.Enqueue(newRequest(t, srv.URL, "/c")).Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
