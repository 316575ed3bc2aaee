// Package apierr classifies remote call outcomes. Classification happens
// once, where a response is turned into a result; callers match on the
// sentinels with errors.Is.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"
)

var (
	ErrAuth        = errors.New("authentication failed")
	ErrNotFound    = errors.New("remote object not found")
	ErrConflict    = errors.New("remote object changed")
	ErrRateLimited = errors.New("rate limited")
	// ErrServer covers 5xx, transport failures and call timeouts.
	ErrServer = errors.New("server or network error")
)

// Class is the outcome class of one remote call.
type Class int

const (
	ClassSuccess Class = iota
	ClassAuthFailure
	ClassNotFound
	ClassConflict
	ClassRateLimited
	ClassServerError
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassAuthFailure:
		return "auth_failure"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerError:
		return "server_error"
	}
	return "unknown"
}

func (c Class) sentinel() error {
	switch c {
	case ClassAuthFailure:
		return ErrAuth
	case ClassNotFound:
		return ErrNotFound
	case ClassConflict:
		return ErrConflict
	case ClassRateLimited:
		return ErrRateLimited
	case ClassServerError:
		return ErrServer
	}
	return nil
}

// DefaultConflictStatuses are used when the caller configures none.
var DefaultConflictStatuses = []int{http.StatusConflict, http.StatusPreconditionFailed}

// Classify maps an HTTP status to its class. conflict lists the statuses
// the service uses to reject stale writes.
func Classify(status int, conflict []int) Class {
	if len(conflict) == 0 {
		conflict = DefaultConflictStatuses
	}
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusBadGateway:
		// 502 comes back without a body after mutations; treated as no content.
		return ClassSuccess
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthFailure
	case status == http.StatusNotFound || status == http.StatusGone:
		return ClassNotFound
	case slices.Contains(conflict, status):
		return ClassConflict
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	default:
		return ClassServerError
	}
}

// Error is a classified remote failure.
type Error struct {
	Class  Class
	Op     string
	Status int
	// RetryAfter is the server-suggested wait for rate-limited calls.
	RetryAfter time.Duration
	// Fatal marks failures that must not be retried: a repeated auth
	// failure, or a 4xx that retrying cannot fix.
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Class.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Fatal {
		msg += " [fatal]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Class.sentinel()
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Fatal {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}

// IsFatal reports whether err is a classified failure marked fatal.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// RetryAfter returns the server hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
