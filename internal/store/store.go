// Package store is the durable local cache: calendars, events, per-calendar
// delta cursors and pending local mutations, kept in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// Pure-Go SQLite driver; registers "sqlite".
	_ "modernc.org/sqlite"

	appLog "calsync/internal/log"
)

const currentSchemaVersion = 2

var (
	ErrNotFound        = errors.New("store: not found")
	ErrUnknownCalendar = errors.New("store: unknown calendar")
)

// Store is safe for concurrent use. Writes for one calendar are serialized
// by a per-calendar lock; reads never take it.
type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	// beforeCommit runs inside ApplyDelta right before COMMIT. Tests use it
	// to simulate a crash between writing a batch and committing it.
	beforeCommit func(calendarID int64) error
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	appLog.Info("store: opening database", "path", path)

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer anyway and this keeps
	// transactions from tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, locks: make(map[int64]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	appLog.Info("store: database ready", "schema_version", currentSchemaVersion)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

func (s *Store) migrateToV1() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calendars (
			id INTEGER PRIMARY KEY,
			alias_code TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			synced_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			calendar_id INTEGER NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
			parent_id TEXT NOT NULL DEFAULT '',
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			recurring INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_calendar_start ON events(calendar_id, start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			calendar_id INTEGER PRIMARY KEY REFERENCES calendars(id) ON DELETE CASCADE,
			since_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_mutations (
			local_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			calendar_id INTEGER NOT NULL,
			target_event_id TEXT NOT NULL DEFAULT '',
			payload TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_calendar ON pending_mutations(calendar_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", now()); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateToV2 adds the submission claim of pending mutations.
func (s *Store) migrateToV2() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`ALTER TABLE pending_mutations ADD COLUMN claimed_by TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE pending_mutations ADD COLUMN claimed_until INTEGER NOT NULL DEFAULT 0`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (2, ?)", now()); err != nil {
		return err
	}
	return tx.Commit()
}

// lockCalendar serializes writers of one calendar.
func (s *Store) lockCalendar(calendarID int64) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[calendarID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[calendarID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func calendarExists(ctx context.Context, q querier, calendarID int64) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM calendars WHERE id = ?", calendarID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrUnknownCalendar, calendarID)
	}
	return err
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
