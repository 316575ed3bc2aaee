package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"

	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/gateway"
	appLog "calsync/internal/log"
	"calsync/internal/queue"
	"calsync/internal/session"
	"calsync/internal/store"
)

// app is the wired object graph shared by all subcommands.
type app struct {
	cfg      *config.Config
	queue    *queue.Queue
	sessions *session.Manager
	gateway  *gateway.Gateway
	store    *store.Store
	coord    *engine.Coordinator
}

// openApp loads the config and wires queue -> session -> gateway -> store
// -> coordinator. Engines for cached calendars are created right away.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	appLog.Init(appLog.Options{Level: appLog.ParseLevel(cfg.Log.Level), Encoding: cfg.Log.Encoding})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"base_url", cfg.Service.BaseURL,
		"refresh", cfg.Sync.Refresh,
		"calendars", cfg.Sync.Calendars,
		"store", cfg.Store.Path,
		"cookie_mode", cfg.Account.SessionCookie != "",
	)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	q := queue.New(&http.Client{Jar: jar}, queue.Options{
		MinSpacing:  cfg.Queue.MinSpacing,
		CallTimeout: cfg.Queue.CallTimeout,
	})

	a := &app{cfg: cfg, queue: q}
	a.sessions, err = session.New(q, jar, session.Config{
		BaseURL:        cfg.Service.BaseURL,
		IdentityHeader: cfg.Service.IdentityHeader,
		ClientIdentity: cfg.Service.ClientIdentity,
		InstallID:      cfg.Service.InstallID,
		Email:          cfg.Account.Email,
		Password:       cfg.Account.Password,
		SessionCookie:  cfg.Account.SessionCookie,
	})
	if err != nil {
		q.Close()
		return nil, err
	}
	a.gateway, err = gateway.New(q, a.sessions, gateway.Config{
		BaseURL:          cfg.Service.BaseURL,
		IdentityHeader:   cfg.Service.IdentityHeader,
		ClientIdentity:   cfg.Service.ClientIdentity,
		ConflictStatuses: cfg.Retry.ConflictStatuses,
		HolidayTTL:       cfg.Sync.HolidayTTL,
	})
	if err != nil {
		q.Close()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		q.Close()
		return nil, err
	}
	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		q.Close()
		return nil, err
	}

	a.coord = engine.NewCoordinator(a.gateway, a.store, engine.Options{
		Retry: engine.RetryPolicy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.Jitter,
		},
	}, cfg.Sync.Calendars)
	if err := a.coord.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// engine returns the engine of a calendar, refreshing the calendar list
// once when it is not cached yet.
func (a *app) engine(ctx context.Context, id int64) (*engine.Engine, error) {
	if e, ok := a.coord.Engine(id); ok {
		return e, nil
	}
	if _, err := a.coord.Refresh(ctx); err != nil {
		return nil, err
	}
	if e, ok := a.coord.Engine(id); ok {
		return e, nil
	}
	return nil, fmt.Errorf("calendar %d: %w", id, engine.ErrNotSynced)
}

func (a *app) Close() {
	a.coord.Stop()
	a.queue.Close()
	if err := a.store.Close(); err != nil {
		appLog.Error("store close failed", err)
	}
	appLog.Sync()
}
