// Package queue is the single admission point for outbound calls. One
// worker drains a FIFO of requests and keeps a minimum spacing between the
// completion of one call and the dispatch of the next.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appLog "calsync/internal/log"
	"calsync/internal/metrics"
)

var (
	ErrCancelled = errors.New("queue: request cancelled before dispatch")
	ErrClosed    = errors.New("queue: closed")
	ErrTimeout   = errors.New("queue: call timed out")
)

const (
	DefaultMinSpacing  = 100 * time.Millisecond
	DefaultCallTimeout = 30 * time.Second
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Queue. A zero MinSpacing disables pacing.
type Options struct {
	MinSpacing  time.Duration
	CallTimeout time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

const (
	stateQueued int32 = iota
	stateDispatched
	stateCancelled
)

// Future resolves when its request completes, is cancelled or the queue
// closes.
type Future struct {
	q        *Queue
	req      *http.Request
	enqueued time.Time
	state    atomic.Int32
	done     chan struct{}
	resp     *Response
	err      error
}

// Done is closed once the future has a result.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends. When ctx ends
// first, a queued entry is cancelled and an in-flight result is discarded.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel withdraws a request that has not been dispatched yet. It reports
// false once the request is in flight or finished.
func (f *Future) Cancel() bool {
	if !f.state.CompareAndSwap(stateQueued, stateCancelled) {
		return false
	}
	if f.q != nil {
		f.q.remove(f)
	}
	f.resolve(nil, ErrCancelled)
	return true
}

func (f *Future) resolve(resp *Response, err error) {
	f.resp = resp
	f.err = err
	close(f.done)
}

// Queue runs a single worker over a FIFO of requests.
type Queue struct {
	doer    Doer
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	items  []*Future
	closed bool

	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a queue worker that sends requests through doer.
func New(doer Doer, opts Options) *Queue {
	if opts.MinSpacing < 0 {
		opts.MinSpacing = DefaultMinSpacing
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		doer:   doer,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.MinSpacing > 0 {
		// One token per spacing interval, burst 1. The worker consumes the
		// token when a call completes, so the next dispatch waits a full
		// interval from that instant.
		q.limiter = rate.NewLimiter(rate.Every(opts.MinSpacing), 1)
	}
	go q.run()
	return q
}

// Enqueue appends req to the queue without blocking. The request's own
// context is replaced by one carrying the per-call timeout.
func (q *Queue) Enqueue(req *http.Request) *Future {
	f := &Future{q: q, req: req, enqueued: time.Now(), done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.state.Store(stateCancelled)
		f.resolve(nil, ErrClosed)
		return f
	}
	q.items = append(q.items, f)
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return f
}

// Len returns the number of requests waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker, aborts the in-flight call and fails every queued
// request with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	close(q.quit)
	q.cancel()
	<-q.done

	for _, f := range pending {
		if f.state.CompareAndSwap(stateQueued, stateCancelled) {
			f.resolve(nil, ErrClosed)
		}
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		f := q.front()
		if f == nil {
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				return
			}
		}
		if !q.pace() {
			return
		}
		if !q.pop(f) {
			// cancelled while we were pacing; the next entry may go right away
			continue
		}
		q.dispatch(f)
	}
}

func (q *Queue) front() *Future {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue) pop(f *Future) bool {
	q.mu.Lock()
	if len(q.items) > 0 && q.items[0] == f {
		q.items[0] = nil
		q.items = q.items[1:]
		metrics.QueueDepth.Set(float64(len(q.items)))
	}
	q.mu.Unlock()
	return f.state.CompareAndSwap(stateQueued, stateDispatched)
}

func (q *Queue) remove(f *Future) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == f {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.QueueDepth.Set(float64(len(q.items)))
			return
		}
	}
}

// pace sleeps until the limiter holds a full token. It returns false when
// the queue is closed meanwhile.
func (q *Queue) pace() bool {
	if q.limiter == nil {
		return true
	}
	for {
		tokens := q.limiter.TokensAt(time.Now())
		if tokens >= 1 {
			return true
		}
		wait := time.Duration(math.Ceil((1 - tokens) * float64(q.opts.MinSpacing)))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-q.quit:
			t.Stop()
			return false
		}
	}
}

func (q *Queue) dispatch(f *Future) {
	metrics.QueueWait.Observe(time.Since(f.enqueued).Seconds())

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.CallTimeout)
	defer cancel()

	resp, err := q.send(ctx, f.req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, q.opts.CallTimeout, err)
	}

	if q.limiter != nil {
		q.limiter.AllowN(time.Now(), 1)
	}

	switch {
	case errors.Is(err, ErrTimeout):
		metrics.QueueDispatched.WithLabelValues("timeout").Inc()
	case err != nil:
		metrics.QueueDispatched.WithLabelValues("error").Inc()
	default:
		metrics.QueueDispatched.WithLabelValues("ok").Inc()
	}
	if err != nil {
		appLog.Debug("queue call failed", "method", f.req.Method, "path", f.req.URL.Path, "err", err)
	}

	f.resolve(resp, err)
}

func (q *Queue) send(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := q.doer.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read inside the worker so "completion" includes the body transfer.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
