// Package session owns the authenticated session: the cookie jar identity
// and the CSRF token that must accompany every API call.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"calsync/internal/apierr"
	appLog "calsync/internal/log"
	"calsync/internal/queue"
	"calsync/internal/wire"
)

const (
	DefaultCookieName = "_session_id"

	signinPagePath = "/signin"
	appPagePath    = "/"
	signinAPIPath  = "/api/v1/auth/email/signin"
	validatePath   = "/api/v1/auths"
)

// ErrNoCSRF means the page did not carry a csrf-token meta tag.
var ErrNoCSRF = errors.New("csrf token not found in page")

var csrfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`<meta[^>]+name="csrf-token"[^>]+content="([^"]+)"`),
	regexp.MustCompile(`<meta[^>]+content="([^"]+)"[^>]+name="csrf-token"`),
}

// Enqueuer is the part of the request queue the manager needs.
type Enqueuer interface {
	Enqueue(*http.Request) *queue.Future
}

// Config describes how to obtain a session.
type Config struct {
	BaseURL        string
	IdentityHeader string
	ClientIdentity string
	// InstallID is the stable per-install UUID sent with the login.
	InstallID string

	Email    string
	Password string
	// SessionCookie, when set, is adopted instead of logging in.
	SessionCookie string
	CookieName    string
}

// Session is an immutable snapshot. A new value replaces it on renewal.
type Session struct {
	Jar             http.CookieJar
	CSRFToken       string
	ClientIdentity  string
	AuthenticatedAt time.Time
}

// Manager hands out the current session and performs the login handshake
// lazily, through the same queue as every other call.
type Manager struct {
	q    Enqueuer
	jar  http.CookieJar
	cfg  Config
	base *url.URL

	mu      sync.Mutex
	current atomic.Pointer[Session]
	// fatal holds a rejection that no automatic renewal can fix. It is
	// cleared only by Reset.
	fatal atomic.Pointer[apierr.Error]
}

// New returns a Manager. jar must be the cookie jar of the transport used
// by q so that cookies set during login travel with later calls.
func New(q Enqueuer, jar http.CookieJar, cfg Config) (*Manager, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("session: invalid base url %q", cfg.BaseURL)
	}
	if jar == nil {
		return nil, errors.New("session: cookie jar is required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return &Manager{q: q, jar: jar, cfg: cfg, base: base}, nil
}

// Acquire returns the current session, logging in first if there is none.
// Concurrent callers share one handshake. Once a fatal auth error has been
// recorded it is returned without touching the network until Reset.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	if e := m.fatal.Load(); e != nil {
		return Session{}, e
	}
	if s := m.current.Load(); s != nil {
		return *s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.fatal.Load(); e != nil {
		return Session{}, e
	}
	if s := m.current.Load(); s != nil {
		return *s, nil
	}

	s, err := m.login(ctx)
	if err != nil {
		m.Fail(err)
		return Session{}, err
	}
	m.current.Store(s)
	appLog.Info("session established", "client_identity", s.ClientIdentity, "cookie_mode", m.cfg.SessionCookie != "")
	return *s, nil
}

// Invalidate drops the current session; the next Acquire logs in again.
func (m *Manager) Invalidate() {
	if m.current.Swap(nil) != nil {
		appLog.Info("session invalidated")
	}
}

// Fail records err when it is a fatal auth error. The session is dropped
// and every later Acquire returns err until Reset.
func (m *Manager) Fail(err error) {
	var e *apierr.Error
	if !errors.As(err, &e) || !e.Fatal || e.Class != apierr.ClassAuthFailure {
		return
	}
	m.current.Store(nil)
	if m.fatal.CompareAndSwap(nil, e) {
		appLog.Warn("authentication disabled until reset", "op", e.Op, "status", e.Status)
	}
}

// Reset clears a recorded fatal auth error and the current session, so the
// next Acquire logs in again.
func (m *Manager) Reset() {
	m.current.Store(nil)
	if m.fatal.Swap(nil) != nil {
		appLog.Info("authentication reset")
	}
}

// CSRFToken returns the token of the current session, or "".
func (m *Manager) CSRFToken() string {
	if s := m.current.Load(); s != nil {
		return s.CSRFToken
	}
	return ""
}

// Validate asks the service whether the current session is still accepted.
func (m *Manager) Validate(ctx context.Context) error {
	s, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := m.validate(ctx, s.CSRFToken); err != nil {
		m.Fail(err)
		return err
	}
	return nil
}

func (m *Manager) login(ctx context.Context) (*Session, error) {
	if m.cfg.SessionCookie != "" {
		return m.adoptCookie(ctx)
	}
	if m.cfg.Email == "" || m.cfg.Password == "" {
		return nil, &apierr.Error{Class: apierr.ClassAuthFailure, Op: "login", Fatal: true, Err: errors.New("no credentials configured")}
	}

	token, err := m.fetchCSRF(ctx, signinPagePath)
	if err != nil {
		return nil, err
	}

	body, err := wire.Marshal(struct {
		UID      string `json:"uid"`
		Password string `json:"password"`
		UUID     string `json:"uuid"`
	}{
		UID:      m.cfg.Email,
		Password: m.cfg.Password,
		UUID:     strings.ReplaceAll(m.cfg.InstallID, "-", ""),
	})
	if err != nil {
		return nil, err
	}

	resp, err := m.call(ctx, http.MethodPut, signinAPIPath, body, token)
	if err != nil {
		return nil, err
	}
	if class := apierr.Classify(resp.StatusCode, nil); class != apierr.ClassSuccess {
		if class == apierr.ClassAuthFailure || (resp.StatusCode >= 400 && resp.StatusCode < 500) {
			return nil, &apierr.Error{Class: apierr.ClassAuthFailure, Op: "login", Status: resp.StatusCode, Fatal: true, Err: errors.New("credentials rejected")}
		}
		return nil, &apierr.Error{Class: class, Op: "login", Status: resp.StatusCode}
	}

	// The token rotates once the session is authenticated.
	token, err = m.fetchCSRF(ctx, appPagePath)
	if err != nil {
		return nil, err
	}

	return &Session{
		Jar:             m.jar,
		CSRFToken:       token,
		ClientIdentity:  m.cfg.InstallID,
		AuthenticatedAt: time.Now(),
	}, nil
}

func (m *Manager) adoptCookie(ctx context.Context) (*Session, error) {
	m.jar.SetCookies(m.base, []*http.Cookie{{
		Name:     m.cfg.CookieName,
		Value:    m.cfg.SessionCookie,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.base.Scheme == "https",
	}})

	token, err := m.fetchCSRF(ctx, appPagePath)
	if err != nil {
		return nil, err
	}
	if err := m.validate(ctx, token); err != nil {
		return nil, err
	}
	return &Session{
		Jar:             m.jar,
		CSRFToken:       token,
		ClientIdentity:  m.cfg.InstallID,
		AuthenticatedAt: time.Now(),
	}, nil
}

func (m *Manager) validate(ctx context.Context, token string) error {
	resp, err := m.call(ctx, http.MethodGet, validatePath, nil, token)
	if err != nil {
		return err
	}
	switch class := apierr.Classify(resp.StatusCode, nil); class {
	case apierr.ClassSuccess:
		return nil
	case apierr.ClassAuthFailure:
		return &apierr.Error{Class: class, Op: "validate session", Status: resp.StatusCode, Fatal: true, Err: errors.New("session cookie rejected")}
	default:
		return &apierr.Error{Class: class, Op: "validate session", Status: resp.StatusCode}
	}
}

func (m *Manager) fetchCSRF(ctx context.Context, path string) (string, error) {
	resp, err := m.call(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", err
	}
	if class := apierr.Classify(resp.StatusCode, nil); class != apierr.ClassSuccess {
		return "", &apierr.Error{Class: class, Op: "fetch csrf", Status: resp.StatusCode}
	}
	token := ExtractCSRF(resp.Body)
	if token == "" {
		return "", &apierr.Error{Class: apierr.ClassServerError, Op: "fetch csrf", Status: resp.StatusCode, Fatal: true, Err: ErrNoCSRF}
	}
	return token, nil
}

// ExtractCSRF finds the csrf-token meta tag in an HTML page.
func ExtractCSRF(page []byte) string {
	for _, re := range csrfPatterns {
		if m := re.FindSubmatch(page); m != nil {
			return string(m[1])
		}
	}
	return ""
}

func (m *Manager) call(ctx context.Context, method, path string, body []byte, token string) (*queue.Response, error) {
	u := m.base.JoinPath(path)
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequest(method, u.String(), rdr)
	} else {
		req, err = http.NewRequest(method, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.IdentityHeader != "" && m.cfg.ClientIdentity != "" {
		req.Header.Set(m.cfg.IdentityHeader, m.cfg.ClientIdentity)
	}
	if token != "" {
		req.Header.Set("X-CSRF-Token", token)
	}

	resp, err := m.q.Enqueue(req).Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &apierr.Error{Class: apierr.ClassServerError, Op: "session " + path, Err: err}
	}
	return resp, nil
}
