// Package config loads collector settings from defaults, an optional YAML
// file, NCU_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ncu-collector/internal/collector"
)

// EnvPrefix namespaces environment overrides, e.g. NCU_PORTAL_EMAIL.
const EnvPrefix = "NCU"

// Mode selects which keys Validate requires.
type Mode string

const (
	ModeRun      Mode = "run"
	ModeBackfill Mode = "backfill"
	ModeStorage  Mode = "storage"
)

type Portal struct {
	BaseURL    string `mapstructure:"base_url"`
	LoginPath  string `mapstructure:"login_path"`
	LogoutPath string `mapstructure:"logout_path"`
	TargetPath string `mapstructure:"target_path"`
	Email      string `mapstructure:"email"`
	Password   string `mapstructure:"password"`
	UserAgent  string `mapstructure:"user_agent"`
}

type HTTP struct {
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	DataTimeout    time.Duration `mapstructure:"data_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffFactor  time.Duration `mapstructure:"backoff_factor"`
}

type Auth struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`
}

type Poll struct {
	Interval               time.Duration `mapstructure:"interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	FailureCooldown        time.Duration `mapstructure:"failure_cooldown"`
	SleepGranule           time.Duration `mapstructure:"sleep_granule"`
	CycleTimeout           time.Duration `mapstructure:"cycle_timeout"`
	StatusLogInterval      time.Duration `mapstructure:"status_log_interval"`
}

type QuietHours struct {
	Enabled  bool   `mapstructure:"enabled"`
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

type Storage struct {
	PrimaryDSN        string        `mapstructure:"primary_dsn"`
	PrimaryAttempts   int           `mapstructure:"primary_attempts"`
	PrimaryRetryDelay time.Duration `mapstructure:"primary_retry_delay"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	FallbackPath      string        `mapstructure:"fallback_path"`
}

type Ingest struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
}

type Backfill struct {
	APIBaseURL   string        `mapstructure:"api_base_url"`
	Start        string        `mapstructure:"start"`
	Window       time.Duration `mapstructure:"window"`
	CatchUpPoll  time.Duration `mapstructure:"catch_up_poll"`
	ProjectDelay time.Duration `mapstructure:"project_delay"`
	Timezone     string        `mapstructure:"timezone"`
	ProjectsFile string        `mapstructure:"projects_file"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Notify struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the fully resolved configuration.
type Config struct {
	Portal     Portal     `mapstructure:"portal"`
	HTTP       HTTP       `mapstructure:"http"`
	Auth       Auth       `mapstructure:"auth"`
	Poll       Poll       `mapstructure:"poll"`
	QuietHours QuietHours `mapstructure:"quiet_hours"`
	Storage    Storage    `mapstructure:"storage"`
	Ingest     Ingest     `mapstructure:"ingest"`
	Backfill   Backfill   `mapstructure:"backfill"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Notify     Notify     `mapstructure:"notify"`
	Logging    Logging    `mapstructure:"logging"`
}

// New returns a viper instance carrying every default and the NCU env binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "")
	v.SetDefault("portal.login_path", "/login")
	v.SetDefault("portal.logout_path", "/logout")
	v.SetDefault("portal.target_path", "/admin/tcu-overview")
	v.SetDefault("portal.email", "")
	v.SetDefault("portal.password", "")
	v.SetDefault("portal.user_agent", "")

	v.SetDefault("http.login_timeout", 60*time.Second)
	v.SetDefault("http.data_timeout", 30*time.Second)
	v.SetDefault("http.connect_timeout", 10*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_factor", time.Second)

	v.SetDefault("auth.max_retries", 3)
	v.SetDefault("auth.retry_delay", 30*time.Second)
	v.SetDefault("auth.session_max_age", time.Hour)

	v.SetDefault("poll.interval", 2*time.Minute)
	v.SetDefault("poll.max_consecutive_failures", 5)
	v.SetDefault("poll.failure_cooldown", 10*time.Minute)
	v.SetDefault("poll.sleep_granule", 10*time.Second)
	v.SetDefault("poll.cycle_timeout", 5*time.Minute)
	v.SetDefault("poll.status_log_interval", 30*time.Minute)

	v.SetDefault("quiet_hours.enabled", true)
	v.SetDefault("quiet_hours.start", "16:30")
	v.SetDefault("quiet_hours.end", "23:00")
	v.SetDefault("quiet_hours.timezone", "Europe/London")

	v.SetDefault("storage.primary_dsn", "")
	v.SetDefault("storage.primary_attempts", 3)
	v.SetDefault("storage.primary_retry_delay", 2*time.Second)
	v.SetDefault("storage.connect_timeout", 10*time.Second)
	v.SetDefault("storage.fallback_path", "ncu_data.db")

	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.retry_delay", time.Second)
	v.SetDefault("ingest.inter_batch_delay", 100*time.Millisecond)

	v.SetDefault("backfill.api_base_url", "")
	v.SetDefault("backfill.start", "")
	v.SetDefault("backfill.window", time.Hour)
	v.SetDefault("backfill.catch_up_poll", 5*time.Minute)
	v.SetDefault("backfill.project_delay", time.Second)
	v.SetDefault("backfill.timezone", "UTC")
	v.SetDefault("backfill.projects_file", "")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads path (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Validate checks the keys needed by mode.
func (c Config) Validate(mode Mode) error {
	var errs []error
	positive := func(key string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	atLeastOne := func(key string, n int) {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", key))
		}
	}

	if mode == ModeStorage || mode == ModeRun || mode == ModeBackfill {
		atLeastOne("storage.primary_attempts", c.Storage.PrimaryAttempts)
		positive("storage.connect_timeout", c.Storage.ConnectTimeout)
		if c.Storage.FallbackPath == "" {
			errs = append(errs, errors.New("storage.fallback_path is required"))
		}
	}
	if mode == ModeRun || mode == ModeBackfill {
		atLeastOne("ingest.batch_size", c.Ingest.BatchSize)
		atLeastOne("ingest.max_attempts", c.Ingest.MaxAttempts)
	}

	switch mode {
	case ModeRun:
		if c.Portal.BaseURL == "" {
			errs = append(errs, errors.New("portal.base_url is required"))
		}
		if c.Portal.Email == "" || c.Portal.Password == "" {
			errs = append(errs, errors.New("portal.email and portal.password are required"))
		}
		positive("http.login_timeout", c.HTTP.LoginTimeout)
		positive("http.data_timeout", c.HTTP.DataTimeout)
		positive("auth.session_max_age", c.Auth.SessionMaxAge)
		atLeastOne("auth.max_retries", c.Auth.MaxRetries)
		positive("poll.interval", c.Poll.Interval)
		positive("poll.failure_cooldown", c.Poll.FailureCooldown)
		positive("poll.cycle_timeout", c.Poll.CycleTimeout)
		positive("poll.status_log_interval", c.Poll.StatusLogInterval)
		atLeastOne("poll.max_consecutive_failures", c.Poll.MaxConsecutiveFailures)
		if _, err := c.QuietHours.Parse(); err != nil {
			errs = append(errs, err)
		}
	case ModeBackfill:
		if c.Backfill.APIBaseURL == "" {
			errs = append(errs, errors.New("backfill.api_base_url is required"))
		}
		positive("backfill.window", c.Backfill.Window)
		positive("backfill.catch_up_poll", c.Backfill.CatchUpPoll)
		if _, err := c.Backfill.StartTime(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location resolves the backfill timezone.
func (b Backfill) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("backfill.timezone: %w", err)
	}
	return loc, nil
}

// StartTime parses backfill.start as "YYYY-MM-DD HH:MM:SS" in the backfill
// timezone, or as RFC3339.
func (b Backfill) StartTime() (time.Time, error) {
	raw := strings.TrimSpace(b.Start)
	if raw == "" {
		return time.Time{}, errors.New("backfill.start is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	loc, err := b.Location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(time.DateTime, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("backfill.start %q: want YYYY-MM-DD HH:MM:SS or RFC3339", raw)
	}
	return t, nil
}

// Parse converts the clock strings into a collector window.
func (q QuietHours) Parse() (collector.QuietHours, error) {
	return collector.ParseQuietHours(q.Enabled, q.Start, q.End, q.Timezone)
}
