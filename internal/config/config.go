package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Secrets can also come from the environment so that the
// YAML file does not have to carry them.

const (
	EnvEmail         = "CALSYNC_EMAIL"
	EnvPassword      = "CALSYNC_PASSWORD"
	EnvSessionCookie = "CALSYNC_SESSION_COOKIE"
)

// AccountConfig holds the credentials for the single synchronized account.
// Either Email+Password or SessionCookie must be set.
type AccountConfig struct {
	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password" json:"-"`
	// SessionCookie is a pre-supplied session cookie value; when set the
	// password login handshake is skipped.
	SessionCookie string `yaml:"session_cookie,omitempty" json:"-"`
}

// ServiceConfig describes the remote calendar service.
type ServiceConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	// IdentityHeader / ClientIdentity form the client-version header
	// (<platform>/<app_version>/<build_id>).
	IdentityHeader string `yaml:"identity_header" json:"identity_header"`
	ClientIdentity string `yaml:"client_identity" json:"client_identity"`
	// InstallID is the stable per-install UUID sent at login. Generated on
	// first run and persisted by Save.
	InstallID string `yaml:"install_id" json:"install_id"`
}

// QueueConfig controls the single outbound request queue.
type QueueConfig struct {
	MinSpacing  time.Duration `yaml:"min_spacing" json:"min_spacing"`
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// RetryConfig controls backoff for rate-limited and failed calls and which
// statuses count as an optimistic-write conflict.
type RetryConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	Jitter           float64       `yaml:"jitter" json:"jitter"`
	ConflictStatuses []int         `yaml:"conflict_statuses" json:"conflict_statuses"`
}

// SyncConfig controls periodic synchronization.
type SyncConfig struct {
	// Refresh is a cron-style schedule string (e.g. "*/15 * * * *").
	Refresh string `yaml:"refresh" json:"refresh"`
	// Calendars restricts sync to these internal calendar ids. Empty means all.
	Calendars      []int64       `yaml:"calendars" json:"calendars"`
	HolidayCountry string        `yaml:"holiday_country" json:"holiday_country"`
	HolidayTTL     time.Duration `yaml:"holiday_ttl" json:"holiday_ttl"`
}

// StoreConfig points at the local SQLite cache.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the local API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the local API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as display zone (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone" json:"timezone"`

	Account AccountConfig `yaml:"account" json:"account"`
	Service ServiceConfig `yaml:"service" json:"service"`
	Queue   QueueConfig   `yaml:"queue" json:"queue"`
	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Log     LogConfig     `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "Asia/Tokyo",
		Service: ServiceConfig{
			BaseURL:        "https://timetreeapp.com",
			IdentityHeader: "X-TimeTreeA",
			ClientIdentity: "web/2.1.0/de",
		},
		Queue: QueueConfig{
			MinSpacing:  100 * time.Millisecond,
			CallTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			BaseDelay:        time.Second,
			MaxDelay:         30 * time.Second,
			MaxAttempts:      5,
			Jitter:           0.5,
			ConflictStatuses: []int{409, 412},
		},
		Sync: SyncConfig{
			Refresh:        "*/15 * * * *",
			Calendars:      []int64{},
			HolidayCountry: "JP",
			HolidayTTL:     24 * time.Hour,
		},
		Store: StoreConfig{Path: "/var/lib/calsync/calsync.db"},
		Log:   LogConfig{Level: "INFO", Encoding: "console"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}

	if c.Service.BaseURL == "" {
		c.Service.BaseURL = d.Service.BaseURL
	}
	if c.Service.IdentityHeader == "" {
		c.Service.IdentityHeader = d.Service.IdentityHeader
	}
	if c.Service.ClientIdentity == "" {
		c.Service.ClientIdentity = d.Service.ClientIdentity
	}
	if _, err := uuid.Parse(c.Service.InstallID); err != nil {
		c.Service.InstallID = uuid.NewString()
	}

	// Zero spacing is allowed (tests, local mocks); negative is not.
	if c.Queue.MinSpacing < 0 {
		c.Queue.MinSpacing = d.Queue.MinSpacing
	}
	if c.Queue.CallTimeout <= 0 {
		c.Queue.CallTimeout = d.Queue.CallTimeout
	}

	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = max(d.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		c.Retry.Jitter = d.Retry.Jitter
	}
	if len(c.Retry.ConflictStatuses) == 0 {
		c.Retry.ConflictStatuses = d.Retry.ConflictStatuses
	}

	// Unparseable schedules fall back to the default instead of failing at
	// cron registration time.
	if c.Sync.Refresh == "" {
		c.Sync.Refresh = d.Sync.Refresh
	} else if _, err := cron.ParseStandard(c.Sync.Refresh); err != nil {
		c.Sync.Refresh = d.Sync.Refresh
	}
	if c.Sync.Calendars == nil {
		c.Sync.Calendars = []int64{}
	}
	if c.Sync.HolidayCountry == "" {
		c.Sync.HolidayCountry = d.Sync.HolidayCountry
	}
	if c.Sync.HolidayTTL <= 0 {
		c.Sync.HolidayTTL = d.Sync.HolidayTTL
	}

	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Encoding != "json" {
		c.Log.Encoding = "console"
	}
}

// ApplyEnv overrides account secrets from the environment when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvEmail); v != "" {
		c.Account.Email = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Account.Password = v
	}
	if v := os.Getenv(EnvSessionCookie); v != "" {
		c.Account.SessionCookie = v
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if c.Account.SessionCookie == "" && (c.Account.Email == "" || c.Account.Password == "") {
		return fmt.Errorf("config: account needs email+password or session_cookie (or %s/%s)", EnvEmail, EnvPassword)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied after reading and are never written back.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	missingInstallID := cfg.Service.InstallID == ""
	cfg.Normalize()
	if missingInstallID {
		// The install id must stay stable across restarts; persist it now.
		if err := Save(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: persist install id: %w", err)
		}
	}
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
