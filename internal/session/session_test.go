package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/apierr"
	"calsync/internal/queue"
)

const installID = "3f2b8f8e-53c6-4a8e-9a51-0c1d9d1e2a77"

type fakeService struct {
	password  string
	signins   atomic.Int32
	validates atomic.Int32
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	page := func(token string) string {
		return fmt.Sprintf(`<html><head><meta name="csrf-token" content="%s" /></head></html>`, token)
	}
	mux.HandleFunc("GET /signin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page("pre-login")))
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		token := "anonymous"
		if c, err := r.Cookie(DefaultCookieName); err == nil {
			token = "post-login-" + c.Value
		}
		_, _ = w.Write([]byte(page(token)))
	})
	mux.HandleFunc("PUT /api/v1/auth/email/signin", func(w http.ResponseWriter, r *http.Request) {
		f.signins.Add(1)
		assert.Equal(t, "pre-login", r.Header.Get("X-CSRF-Token"))
		assert.Equal(t, "web/2.1.0/de", r.Header.Get("X-TimeTreeA"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "3f2b8f8e53c64a8e9a510c1d9d1e2a77", body["uuid"])
		if body["uid"] != "someone@example.com" || body["password"] != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: DefaultCookieName, Value: "s1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/auths", func(w http.ResponseWriter, r *http.Request) {
		f.validates.Add(1)
		c, err := r.Cookie(DefaultCookieName)
		if err != nil || c.Value == "revoked" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newManager(t *testing.T, srv *httptest.Server, cfg Config) *Manager {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Transport: srv.Client().Transport, Jar: jar}
	q := queue.New(client, queue.Options{})
	t.Cleanup(q.Close)

	cfg.BaseURL = srv.URL
	cfg.IdentityHeader = "X-TimeTreeA"
	cfg.ClientIdentity = "web/2.1.0/de"
	cfg.InstallID = installID
	m, err := New(q, jar, cfg)
	require.NoError(t, err)
	return m
}

func TestPasswordLoginRotatesCSRF(t *testing.T) {
	svc := &fakeService{password: "pw"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	m := newManager(t, srv, Config{Email: "someone@example.com", Password: "pw"})
	assert.Empty(t, m.CSRFToken())

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "post-login-s1", s.CSRFToken)
	assert.Equal(t, installID, s.ClientIdentity)
	assert.False(t, s.AuthenticatedAt.IsZero())
	assert.Equal(t, "post-login-s1", m.CSRFToken())

	// cached
	_, err = m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), svc.signins.Load())

	require.NoError(t, m.Validate(context.Background()))

	m.Invalidate()
	assert.Empty(t, m.CSRFToken())
	_, err = m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), svc.signins.Load())
}

func TestConcurrentAcquireSharesOneLogin(t *testing.T) {
	svc := &fakeService{password: "pw"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	m := newManager(t, srv, Config{Email: "someone@example.com", Password: "pw"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "post-login-s1", s.CSRFToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), svc.signins.Load())
}

func TestBadPasswordIsFatalAuthError(t *testing.T) {
	svc := &fakeService{password: "pw"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	m := newManager(t, srv, Config{Email: "someone@example.com", Password: "wrong"})

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrAuth)
	assert.True(t, apierr.IsFatal(err))
	assert.Empty(t, m.CSRFToken())
}

func TestRejectedCredentialsAreNotRetried(t *testing.T) {
	svc := &fakeService{password: "pw"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	m := newManager(t, srv, Config{Email: "someone@example.com", Password: "wrong"})

	_, first := m.Acquire(context.Background())
	require.Error(t, first)
	for range 3 {
		_, err := m.Acquire(context.Background())
		assert.ErrorIs(t, err, apierr.ErrAuth)
		assert.True(t, apierr.IsFatal(err))
	}
	assert.Equal(t, int32(1), svc.signins.Load())

	m.Reset()
	_, err := m.Acquire(context.Background())
	assert.ErrorIs(t, err, apierr.ErrAuth)
	assert.Equal(t, int32(2), svc.signins.Load())
}

func TestFailIgnoresNonAuthErrors(t *testing.T) {
	svc := &fakeService{password: "pw"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	m := newManager(t, srv, Config{Email: "someone@example.com", Password: "pw"})
	m.Fail(&apierr.Error{Class: apierr.ClassServerError, Op: "labels", Status: 500})
	m.Fail(&apierr.Error{Class: apierr.ClassAuthFailure, Op: "labels", Status: 401})

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), svc.signins.Load())
}

func TestPresuppliedCookie(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	m := newManager(t, srv, Config{SessionCookie: "c0ffee"})
	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "post-login-c0ffee", s.CSRFToken)
	assert.Equal(t, int32(0), svc.signins.Load())
	assert.Equal(t, int32(1), svc.validates.Load())

	revoked := newManager(t, srv, Config{SessionCookie: "revoked"})
	_, err = revoked.Acquire(context.Background())
	assert.ErrorIs(t, err, apierr.ErrAuth)
}

func TestExtractCSRF(t *testing.T) {
	assert.Equal(t, "abc", ExtractCSRF([]byte(`<meta content="abc" name="csrf-token">`)))
	assert.Equal(t, "xyz", ExtractCSRF([]byte(`<meta name="csrf-token" content="xyz">`)))
	assert.Empty(t, ExtractCSRF([]byte(`<meta name="viewport" content="width=device-width">`)))
}
