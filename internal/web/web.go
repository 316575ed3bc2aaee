package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/store"
)

const (
	eventsCacheTTL  = 30 * time.Second
	eventsCacheSize = 64
)

// Syncer is the part of the engine coordinator the API exposes.
type Syncer interface {
	Statuses() []engine.Status
	SyncCalendar(ctx context.Context, id int64, full bool) error
}

// Store is the read side of the local cache.
type Store interface {
	Calendars(ctx context.Context) ([]model.Calendar, error)
	Calendar(ctx context.Context, calendarID int64) (*model.Calendar, error)
	Events(ctx context.Context, calendarID int64) ([]model.Event, error)
	EventsBetween(ctx context.Context, calendarID int64, from, to time.Time) ([]model.Event, error)
}

// Server provides the local HTTP API over the cache: sync status, expanded
// occurrences, manual sync triggers and ICS export.
type Server struct {
	cfg   *config.Config
	sync  Syncer
	store Store
	mux   *http.ServeMux
	now   func() time.Time

	// Expanded /api/events responses keyed by query, so UI polling does
	// not re-expand recurrences on every request.
	events *expirable.LRU[string, eventsResponse]
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sync Syncer, st Store) *Server {
	s := &Server{
		cfg:    cfg,
		sync:   sync,
		store:  st,
		mux:    http.NewServeMux(),
		now:    time.Now,
		events: expirable.NewLRU[string, eventsResponse](eventsCacheSize, nil, eventsCacheTTL),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/calendars/{id}/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/calendars/{id}/export.ics", s.handleExport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarResponse joins a cached calendar with its engine status.
type calendarResponse struct {
	model.Calendar
	Sync *engine.Status `json:"sync,omitempty"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.Calendars(r.Context())
	if err != nil {
		appLog.Error("api calendars: store read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendars")
		return
	}

	statuses := make(map[int64]engine.Status)
	for _, st := range s.sync.Statuses() {
		statuses[st.CalendarID] = st
	}

	out := make([]calendarResponse, 0, len(cals))
	for _, c := range cals {
		resp := calendarResponse{Calendar: c}
		if st, ok := statuses[c.ID]; ok {
			resp.Sync = &st
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedEvents []string        `json:"truncated_events,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	CalendarID  int64     `json:"calendar_id"`
	EventID     string    `json:"event_id"`
	InstanceKey string    `json:"instance_key"`
	Title       string    `json:"title"`
	Note        string    `json:"note"`
	Location    string    `json:"location"`
	LabelID     int64     `json:"label_id"`
	Category    string    `json:"category"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleEvents returns expanded occurrences from the local cache.
//
// GET /api/events?calendar=20390654&days=7&backfill=1
//   - calendar: limit to one calendar (default: every cached calendar)
//   - days:     days ahead to include (default 7)
//   - backfill: past days to include (default 1)
//
// The display timezone is config.Timezone, falling back to time.Local.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	var calendarIDs []int64
	if raw := q.Get("calendar"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid calendar id")
			return
		}
		calendarIDs = []int64{id}
	}

	key := fmt.Sprintf("%s|%d|%d", q.Get("calendar"), days, backfill)
	if resp, ok := s.events.Get(key); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if calendarIDs == nil {
		cals, err := s.store.Calendars(ctx)
		if err != nil {
			appLog.Error("api events: store read failed", err)
			writeError(w, http.StatusInternalServerError, "failed to read calendars")
			return
		}
		for _, c := range cals {
			if c.DeletedAt == nil {
				calendarIDs = append(calendarIDs, c.ID)
			}
		}
	}

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	now := s.now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	appLog.Debug("api events request",
		"calendars", calendarIDs,
		"days", days,
		"backfill", backfill,
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
	)

	events := make([]model.Event, 0)
	for _, id := range calendarIDs {
		evs, err := s.store.EventsBetween(ctx, id, rangeStart, rangeEnd)
		if err != nil {
			appLog.Error("api events: store read failed", err, "calendar_id", id)
			writeError(w, http.StatusInternalServerError, "failed to read events")
			return
		}
		events = append(events, evs...)
	}

	expandResult, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
	})
	if err != nil {
		appLog.Error("api events: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand events")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(expandResult.Occurrences))
	for _, occ := range expandResult.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			CalendarID:  occ.CalendarID,
			EventID:     occ.EventID,
			InstanceKey: occ.InstanceKey,
			Title:       occ.Title,
			Note:        occ.Note,
			Location:    occ.Location,
			LabelID:     occ.LabelID,
			Category:    occ.Category.String(),
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}

	resp := eventsResponse{
		Occurrences:     dtos,
		TruncatedEvents: expandResult.TruncatedEvents,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}
	s.events.Add(key, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs one sync of a calendar. ?full=1 discards the cursor.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCalendarID(w, r)
	if !ok {
		return
	}
	full := parseIntDefault(r.URL.Query().Get("full"), 0) == 1

	err := s.sync.SyncCalendar(r.Context(), id, full)
	switch {
	case err == nil:
		s.events.Purge()
		writeJSON(w, http.StatusOK, s.status(id))
	case errors.Is(err, engine.ErrNotSynced):
		writeError(w, http.StatusNotFound, "calendar is not synced")
	case errors.Is(err, engine.ErrSyncInProgress), errors.Is(err, engine.ErrBackingOff):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("api sync failed", err, "calendar_id", id)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) status(id int64) *engine.Status {
	for _, st := range s.sync.Statuses() {
		if st.CalendarID == id {
			return &st
		}
	}
	return nil
}

// handleExport serves the cached events of a calendar as text/calendar.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCalendarID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	cal, err := s.store.Calendar(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return
	}
	if err != nil {
		appLog.Error("api export: store read failed", err, "calendar_id", id)
		writeError(w, http.StatusInternalServerError, "failed to read calendar")
		return
	}
	events, err := s.store.Events(ctx, id)
	if err != nil {
		appLog.Error("api export: store read failed", err, "calendar_id", id)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="calendar-%d.ics"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(*cal, events, s.now())))
}

func pathCalendarID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid calendar id")
		return 0, false
	}
	return id, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
