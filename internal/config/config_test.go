package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, 100*time.Millisecond, cfg.Queue.MinSpacing)
	assert.Equal(t, []int{409, 412}, cfg.Retry.ConflictStatuses)
	_, err = uuid.Parse(cfg.Service.InstallID)
	require.NoError(t, err)

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Service.InstallID, again.Service.InstallID)
}

func TestLoadParsesDurationsAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
timezone: Europe/Berlin
account:
  email: someone@example.com
  password: secret
queue:
  min_spacing: 250ms
  call_timeout: 5s
retry:
  max_attempts: 0
  jitter: 3
sync:
  refresh: "not a cron line"
  calendars: [20390654]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.MinSpacing)
	assert.Equal(t, 5*time.Second, cfg.Queue.CallTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 0.5, cfg.Retry.Jitter)
	assert.Equal(t, "*/15 * * * *", cfg.Sync.Refresh)
	assert.Equal(t, []int64{20390654}, cfg.Sync.Calendars)
	assert.Equal(t, "https://timetreeapp.com", cfg.Service.BaseURL)
	require.NoError(t, cfg.Validate())

	// install id was missing and must have been written back
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Service.InstallID, reloaded.Service.InstallID)
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv(EnvEmail, "env@example.com")
	t.Setenv(EnvPassword, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.Account.Email)
	assert.Equal(t, "from-env", cfg.Account.Password)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "from-env")
}

func TestValidateRequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize()
	require.Error(t, cfg.Validate())

	cfg.Account.SessionCookie = "abc"
	require.NoError(t, cfg.Validate())
}
