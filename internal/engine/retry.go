package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"calsync/internal/apierr"
	appLog "calsync/internal/log"
)

// RetryPolicy is exponential backoff with downward jitter. Successive delays
// of one retry loop never decrease.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter in [0, 1] is the largest fraction shaved off a delay.
	Jitter float64
}

// DefaultRetryPolicy matches the config defaults.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 5,
	Jitter:      0.5,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// ceiling is the un-jittered delay after the n-th failure (n >= 1).
func (p RetryPolicy) ceiling(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// Delay returns the wait after the n-th failure given the previous wait.
func (p RetryPolicy) Delay(n int, prev time.Duration) time.Duration {
	c := p.ceiling(n)
	d := c
	if p.Jitter > 0 {
		d = time.Duration(float64(c) * (1 - p.Jitter*rand.Float64()))
	}
	return max(min(d, p.MaxDelay), prev)
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// attempt ceiling is reached. It returns the number of attempts made.
func (e *Engine) retry(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	var prev time.Duration
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !apierr.Retryable(err) || ctx.Err() != nil {
			return attempt, err
		}
		if attempt >= e.retryPolicy.MaxAttempts {
			return attempt, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt, err)
		}

		d := e.retryPolicy.Delay(attempt, prev)
		if ra := apierr.RetryAfter(err); ra > d {
			d = ra
		}
		prev = d
		appLog.Info("engine: retrying", "calendar_id", e.calendarID, "op", op, "attempt", attempt, "delay", d.String(), "err", err)
		if err := e.sleep(ctx, d); err != nil {
			return attempt, err
		}
	}
}
