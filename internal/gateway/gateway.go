// Package gateway exposes the remote calendar API as typed operations. Every
// call obtains a session, goes through the shared request queue and is
// classified exactly once here.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"calsync/internal/apierr"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/session"
	"calsync/internal/wire"
)

const (
	defaultHolidayTTL       = 24 * time.Hour
	defaultHolidayCacheSize = 32
	maxErrorBody            = 256
)

// Sessions is the part of the session manager the gateway depends on.
type Sessions interface {
	Acquire(ctx context.Context) (session.Session, error)
	Invalidate()
	// Fail records a fatal auth error so later calls stop before the network.
	Fail(err error)
}

// Config holds the fixed request header values and classification knobs.
type Config struct {
	BaseURL        string
	IdentityHeader string
	ClientIdentity string
	// ConflictStatuses are the statuses that reject a stale write.
	ConflictStatuses []int
	HolidayTTL       time.Duration
	HolidayCacheSize int
}

// Gateway performs typed remote operations.
type Gateway struct {
	q        session.Enqueuer
	sessions Sessions
	cfg      Config
	base     *url.URL
	holidays *expirable.LRU[string, []model.Holiday]
}

// New builds a Gateway over q and sessions.
func New(q session.Enqueuer, sessions Sessions, cfg Config) (*Gateway, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway: invalid base url %q", cfg.BaseURL)
	}
	if len(cfg.ConflictStatuses) == 0 {
		cfg.ConflictStatuses = apierr.DefaultConflictStatuses
	}
	if cfg.HolidayTTL <= 0 {
		cfg.HolidayTTL = defaultHolidayTTL
	}
	if cfg.HolidayCacheSize <= 0 {
		cfg.HolidayCacheSize = defaultHolidayCacheSize
	}
	return &Gateway{
		q:        q,
		sessions: sessions,
		cfg:      cfg,
		base:     base,
		holidays: expirable.NewLRU[string, []model.Holiday](cfg.HolidayCacheSize, nil, cfg.HolidayTTL),
	}, nil
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
}

// do runs one classified call. An auth failure invalidates the session and
// the call is retried once with a fresh one; a second consecutive auth
// failure is fatal and recorded with the session manager.
func (g *Gateway) do(ctx context.Context, c call) (any, error) {
	var payload []byte
	if c.body != nil {
		var err error
		if payload, err = wire.Marshal(c.body); err != nil {
			return nil, fmt.Errorf("%s: %w", c.op, err)
		}
	}

	for attempt := 1; ; attempt++ {
		s, err := g.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		req, err := g.newRequest(c, payload, s.CSRFToken)
		if err != nil {
			return nil, err
		}

		resp, err := g.q.Enqueue(req).Wait(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			g.count(c.op, apierr.ClassServerError)
			return nil, &apierr.Error{Class: apierr.ClassServerError, Op: c.op, Err: err}
		}

		class := apierr.Classify(resp.StatusCode, g.cfg.ConflictStatuses)
		g.count(c.op, class)

		switch class {
		case apierr.ClassSuccess:
			obj, err := wire.Parse(resp.StatusCode, resp.Body)
			if err != nil {
				return nil, &apierr.Error{Class: apierr.ClassServerError, Op: c.op, Status: resp.StatusCode, Fatal: true, Err: err}
			}
			return obj, nil

		case apierr.ClassAuthFailure:
			g.sessions.Invalidate()
			if attempt == 1 {
				appLog.Info("auth failure, renewing session", "op", c.op, "status", resp.StatusCode)
				continue
			}
			fatal := &apierr.Error{
				Class:  class,
				Op:     c.op,
				Status: resp.StatusCode,
				Fatal:  true,
				Err:    errors.New("rejected again after session renewal"),
			}
			g.sessions.Fail(fatal)
			return nil, fatal

		case apierr.ClassRateLimited:
			return nil, &apierr.Error{
				Class:      class,
				Op:         c.op,
				Status:     resp.StatusCode,
				RetryAfter: apierr.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			}

		case apierr.ClassServerError:
			// 4xx that are neither auth, not-found nor conflict will not get
			// better by retrying.
			fatal := resp.StatusCode >= 400 && resp.StatusCode < 500
			return nil, &apierr.Error{Class: class, Op: c.op, Status: resp.StatusCode, Fatal: fatal, Err: bodyError(resp.Body)}

		default:
			return nil, &apierr.Error{Class: class, Op: c.op, Status: resp.StatusCode, Err: bodyError(resp.Body)}
		}
	}
}

func (g *Gateway) newRequest(c call, payload []byte, csrf string) (*http.Request, error) {
	u := g.base.JoinPath(c.path)
	if len(c.query) > 0 {
		u.RawQuery = c.query.Encode()
	}

	var req *http.Request
	var err error
	if payload != nil {
		req, err = http.NewRequest(c.method, u.String(), bytes.NewReader(payload))
	} else {
		req, err = http.NewRequest(c.method, u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(g.cfg.IdentityHeader, g.cfg.ClientIdentity)
	req.Header.Set("X-CSRF-Token", csrf)
	return req, nil
}

func (g *Gateway) count(op string, class apierr.Class) {
	metrics.RemoteCalls.WithLabelValues(op, class.String()).Inc()
}

func bodyError(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return nil
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return errors.New(msg)
}

// decodeField decodes obj[key] (after key conversion) into dst.
func decodeField(op string, obj any, key string, dst any) error {
	rec, ok := wire.FromWire(obj).(map[string]any)
	if !ok {
		return &apierr.Error{Class: apierr.ClassServerError, Op: op, Fatal: true, Err: fmt.Errorf("unexpected response shape %T", obj)}
	}
	v, ok := rec[key]
	if !ok {
		return &apierr.Error{Class: apierr.ClassServerError, Op: op, Fatal: true, Err: fmt.Errorf("response has no %q", key)}
	}
	if err := wire.Decode(v, dst); err != nil {
		return &apierr.Error{Class: apierr.ClassServerError, Op: op, Fatal: true, Err: err}
	}
	return nil
}

func calendarPath(calendarID int64, rest ...string) string {
	return "/api/v1/calendar/" + strconv.FormatInt(calendarID, 10) + strings.Join(rest, "")
}
