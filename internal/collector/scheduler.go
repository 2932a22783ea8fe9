package collector

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ncu-collector/internal/clock"
	"ncu-collector/internal/notify"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
)

// State is the scheduler's lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StatePolling            State = "polling"
	StateSleepingInterval   State = "sleeping_interval"
	StateSleepingQuietHours State = "sleeping_quiet_hours"
	StateSleepingCooldown   State = "sleeping_cooldown"
	StateStopped            State = "stopped"
)

// CycleRunner runs one poll cycle.
type CycleRunner interface {
	Run(ctx context.Context) (telemetry.TrackingRecord, error)
}

// SessionControl is the session surface the scheduler reports on and closes.
type SessionControl interface {
	Logout(ctx context.Context)
	LoggedIn() bool
	LastLogin() time.Time
}

// SchedulerConfig holds cadence and breaker settings.
type SchedulerConfig struct {
	Interval               time.Duration
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
	SleepGranule           time.Duration
	CycleTimeout           time.Duration
	QuietHours             QuietHours
	StatusEvery            int
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running             bool      `json:"running"`
	State               State     `json:"state"`
	LoggedIn            bool      `json:"logged_in"`
	LastLogin           time.Time `json:"last_login"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Cycles              int       `json:"cycles"`
	LastError           string    `json:"last_error,omitempty"`
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the clock.
func WithClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithNotifier sends an alert whenever the failure cool-down starts.
func WithNotifier(n notify.Notifier) SchedulerOption {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithAlertMeta adds fixed labels, such as the portal and storage engine, to
// every alert.
func WithAlertMeta(meta map[string]string) SchedulerOption {
	return func(s *Scheduler) {
		s.alertMeta = maps.Clone(meta)
	}
}

// Scheduler drives poll cycles with quiet hours and a failure circuit breaker.
type Scheduler struct {
	runner   CycleRunner
	session  SessionControl
	cfg      SchedulerConfig
	clock    clock.Clock
	logger   zerolog.Logger
	notifier notify.Notifier

	alertMeta map[string]string

	mu        sync.Mutex
	state     State
	running   bool
	failures  int
	cycles    int
	lastError string
}

// NewScheduler constructs a scheduler in the Idle state.
func NewScheduler(runner CycleRunner, session SessionControl, cfg SchedulerConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: nil cycle runner")
	}
	if session == nil {
		return nil, errors.New("scheduler: nil session")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be positive")
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 10 * time.Minute
	}
	if cfg.SleepGranule <= 0 || cfg.SleepGranule > clock.MaxGranule {
		cfg.SleepGranule = clock.MaxGranule
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 5 * time.Minute
	}
	s := &Scheduler{
		runner:  runner,
		session: session,
		cfg:     cfg,
		clock:   clock.System{},
		logger:  zerolog.Nop(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run polls until ctx is cancelled. An in-flight cycle is allowed to finish;
// waits are interrupted. The session is logged out before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.stop(ctx)

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Str("quiet_hours", s.cfg.QuietHours.String()).
		Int("max_failures", s.cfg.MaxConsecutiveFailures).
		Msg("scheduler started")

	for ctx.Err() == nil {
		if s.cfg.QuietHours.Active(s.clock.Now()) {
			if err := s.waitQuietHours(ctx); err != nil {
				return nil
			}
			continue
		}
		if s.ConsecutiveFailures() >= s.cfg.MaxConsecutiveFailures {
			if err := s.cooldown(ctx); err != nil {
				return nil
			}
			continue
		}

		s.setState(StatePolling)
		s.runCycle(ctx)

		if s.cfg.QuietHours.Active(s.clock.Now()) || s.ConsecutiveFailures() >= s.cfg.MaxConsecutiveFailures {
			continue
		}
		s.setState(StateSleepingInterval)
		if err := s.sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) {
	// In-flight requests drain after ctx is cancelled; backoff sleeps inside
	// the cycle do not.
	cycleCtx, cancel := context.WithTimeout(clock.WithStop(context.WithoutCancel(ctx), ctx), s.cfg.CycleTimeout)
	_, err := s.runner.Run(cycleCtx)
	cancel()

	s.mu.Lock()
	s.cycles++
	if err != nil {
		s.failures++
		s.lastError = err.Error()
	} else {
		s.failures = 0
	}
	failures, cycles := s.failures, s.cycles
	s.mu.Unlock()
	metrics.SetConsecutiveFailures(failures)

	if err != nil {
		s.logger.Warn().Int("consecutive_failures", failures).Int("max_failures", s.cfg.MaxConsecutiveFailures).Msg("cycle counted as failure")
	}
	if s.cfg.StatusEvery > 0 && cycles%s.cfg.StatusEvery == 0 {
		s.LogStatus()
	}
}

func (s *Scheduler) waitQuietHours(ctx context.Context) error {
	s.setState(StateSleepingQuietHours)
	s.logger.Info().Str("window", s.cfg.QuietHours.String()).Msg("quiet hours, polling paused")
	for s.cfg.QuietHours.Active(s.clock.Now()) {
		if err := s.sleep(ctx, s.cfg.SleepGranule); err != nil {
			return err
		}
	}
	s.logger.Info().Msg("quiet hours over, polling resumes")
	return nil
}

func (s *Scheduler) cooldown(ctx context.Context) error {
	s.setState(StateSleepingCooldown)
	s.mu.Lock()
	failures, lastError, cycles := s.failures, s.lastError, s.cycles
	s.mu.Unlock()
	resumeAt := s.clock.Now().Add(s.cfg.FailureCooldown)
	s.logger.Error().
		Int("consecutive_failures", failures).
		Dur("cooldown", s.cfg.FailureCooldown).
		Str("last_error", lastError).
		Msg("too many consecutive failures, cooling down")
	s.alert(ctx, notify.AlertMessage{
		Source:              "poller",
		Summary:             "polling paused after consecutive failures",
		ConsecutiveFailures: failures,
		LastError:           lastError,
		Cooldown:            s.cfg.FailureCooldown,
		ResumeAt:            resumeAt,
		Meta:                s.alertLabels(cycles),
	})

	if err := s.sleep(ctx, s.cfg.FailureCooldown); err != nil {
		return err
	}
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	metrics.SetConsecutiveFailures(0)
	s.logger.Info().Msg("cooldown finished, failure counter reset")
	return nil
}

func (s *Scheduler) alertLabels(cycles int) map[string]string {
	meta := make(map[string]string, len(s.alertMeta)+2)
	maps.Copy(meta, s.alertMeta)
	meta["interval"] = s.cfg.Interval.String()
	meta["cycles"] = strconv.Itoa(cycles)
	return meta
}

func (s *Scheduler) alert(ctx context.Context, msg notify.AlertMessage) {
	if s.notifier == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(alertCtx, msg); err != nil {
		s.logger.Warn().Err(err).Msg("alert delivery failed")
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	return clock.Sleep(ctx, s.clock, d, s.cfg.SleepGranule)
}

func (s *Scheduler) stop(ctx context.Context) {
	s.setState(StateStopped)
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if s.session.LoggedIn() {
		s.session.Logout(logoutCtx)
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	metrics.SetSchedulerState(string(state))
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConsecutiveFailures returns the failure counter.
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Status returns a snapshot of the scheduler and session.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:             s.running,
		State:               s.state,
		ConsecutiveFailures: s.failures,
		Cycles:              s.cycles,
		LastError:           s.lastError,
	}
	s.mu.Unlock()
	st.LoggedIn = s.session.LoggedIn()
	st.LastLogin = s.session.LastLogin()
	return st
}

// LogStatus writes the current status at info level.
func (s *Scheduler) LogStatus() {
	st := s.Status()
	s.logger.Info().
		Bool("running", st.Running).
		Str("state", string(st.State)).
		Bool("logged_in", st.LoggedIn).
		Time("last_login", st.LastLogin).
		Int("consecutive_failures", st.ConsecutiveFailures).
		Int("cycles", st.Cycles).
		Msg("service status")
}
