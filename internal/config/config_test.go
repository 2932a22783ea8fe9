package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "/login", cfg.Portal.LoginPath)
	assert.Equal(t, "/admin/tcu-overview", cfg.Portal.TargetPath)
	assert.Equal(t, 60*time.Second, cfg.HTTP.LoginTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTP.DataTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
	assert.Equal(t, 5, cfg.Poll.MaxConsecutiveFailures)
	assert.Equal(t, 10*time.Minute, cfg.Poll.FailureCooldown)
	assert.Equal(t, "16:30", cfg.QuietHours.Start)
	assert.Equal(t, "Europe/London", cfg.QuietHours.Timezone)
	assert.Equal(t, 3, cfg.Storage.PrimaryAttempts)
	assert.Equal(t, "ncu_data.db", cfg.Storage.FallbackPath)
	assert.Equal(t, 100, cfg.Ingest.BatchSize)
	assert.Equal(t, time.Hour, cfg.Backfill.Window)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestFileAndEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	body := `
portal:
  base_url: https://portal.example.com
  email: ops@example.com
poll:
  interval: 90s
quiet_hours:
  enabled: false
ingest:
  batch_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("NCU_PORTAL_PASSWORD", "s3cret")
	t.Setenv("NCU_INGEST_BATCH_SIZE", "25")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "https://portal.example.com", cfg.Portal.BaseURL)
	assert.Equal(t, "ops@example.com", cfg.Portal.Email)
	assert.Equal(t, "s3cret", cfg.Portal.Password)
	assert.Equal(t, 90*time.Second, cfg.Poll.Interval)
	assert.False(t, cfg.QuietHours.Enabled)
	assert.Equal(t, 25, cfg.Ingest.BatchSize)
	require.NoError(t, cfg.Validate(ModeRun))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRun(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	err = cfg.Validate(ModeRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portal.base_url")
	assert.Contains(t, err.Error(), "portal.email")

	cfg.Portal.BaseURL = "https://portal.example.com"
	cfg.Portal.Email = "ops@example.com"
	cfg.Portal.Password = "pw"
	require.NoError(t, cfg.Validate(ModeRun))

	cfg.QuietHours.Start = "25:00"
	assert.ErrorContains(t, cfg.Validate(ModeRun), "quiet hours start")

	cfg.QuietHours.Start = "16:30"
	cfg.Poll.Interval = 0
	assert.ErrorContains(t, cfg.Validate(ModeRun), "poll.interval")
}

func TestValidateBackfill(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	err = cfg.Validate(ModeBackfill)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backfill.api_base_url")
	assert.Contains(t, err.Error(), "backfill.start")

	cfg.Backfill.APIBaseURL = "http://cloud.example.com"
	cfg.Backfill.Start = "2025-03-31 18:00:00"
	require.NoError(t, cfg.Validate(ModeBackfill))

	assert.NoError(t, cfg.Validate(ModeStorage))
}

func TestBackfillStartTime(t *testing.T) {
	b := Backfill{Start: "2025-03-31 18:00:00", Timezone: "Europe/London"}
	got, err := b.StartTime()
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 31, 17, 0, 0, 0, time.UTC)), "got %s", got)

	b = Backfill{Start: "2025-03-31T18:00:00Z"}
	got, err = b.StartTime()
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 31, 18, 0, 0, 0, time.UTC)))

	_, err = Backfill{Start: "yesterday"}.StartTime()
	assert.Error(t, err)
}

func TestQuietHoursParse(t *testing.T) {
	q, err := QuietHours{Enabled: true, Start: "16:30", End: "23:00", Timezone: "Europe/London"}.Parse()
	require.NoError(t, err)
	assert.Equal(t, 16*60+30, q.Start)
	assert.Equal(t, 23*60, q.End)
	assert.Equal(t, "Europe/London", q.Location.String())
}
