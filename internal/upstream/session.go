package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ncu-collector/internal/clock"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
)

// ErrCredentialsRejected is returned when the portal sends the login form back.
var ErrCredentialsRejected = errors.New("credentials rejected")

const (
	maxPageBytes  = 2 << 20
	logoutTimeout = 10 * time.Second
)

// SessionConfig configures the portal login flow.
type SessionConfig struct {
	BaseURL    string
	LoginPath  string
	LogoutPath string
	Email      string
	Password   string
	UserAgent  string

	LoginTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	MaxAge       time.Duration
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithHTTPClient replaces the default client. A cookie jar is added when missing.
func WithHTTPClient(client *http.Client) SessionOption {
	return func(s *Session) {
		if client != nil {
			s.client = client
		}
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionClock overrides the clock and the backoff sleeper.
func WithSessionClock(now func() time.Time, sleep func(context.Context, time.Duration) error) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Session holds an authenticated cookie session against the portal.
type Session struct {
	cfg       SessionConfig
	base      *url.URL
	loginURL  *url.URL
	logoutURL *url.URL
	client    *http.Client
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	mu        sync.Mutex
	loggedIn  bool
	lastLogin time.Time
}

// NewSession constructs a session. No request is made until Login.
func NewSession(cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream session: empty base url")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream session: parse base url: %w", err)
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.LogoutPath == "" {
		cfg.LogoutPath = "/logout"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 60 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	s := &Session{
		cfg:       cfg,
		base:      base,
		loginURL:  base.JoinPath(cfg.LoginPath),
		logoutURL: base.JoinPath(cfg.LogoutPath),
		logger:    zerolog.Nop(),
		now:       time.Now,
		sleep:     clock.Wait,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		client, err := NewHTTPClient(HTTPOptions{})
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	if s.client.Jar == nil {
		jar, err := newJar()
		if err != nil {
			return nil, err
		}
		s.client.Jar = jar
	}
	return s, nil
}

// Client returns the HTTP client carrying the session cookies.
func (s *Session) Client() *http.Client {
	return s.client
}

// BaseURL returns the portal origin.
func (s *Session) BaseURL() *url.URL {
	u := *s.base
	return &u
}

// UserAgent returns the browser identity used for every request.
func (s *Session) UserAgent() string {
	return s.cfg.UserAgent
}

// LoggedIn reports whether the last login succeeded and was not invalidated.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// LastLogin returns the time of the last successful login.
func (s *Session) LastLogin() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLogin
}

// IsFresh reports whether the session exists and is younger than maxAge.
func (s *Session) IsFresh(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return false
	}
	return s.now().Sub(s.lastLogin) < maxAge
}

// Invalidate marks the session as unusable so the next EnsureFresh logs in.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
}

// EnsureFresh logs in when no session exists or the current one is too old.
func (s *Session) EnsureFresh(ctx context.Context) error {
	if s.IsFresh(s.cfg.MaxAge) {
		return nil
	}
	if s.LoggedIn() {
		s.logger.Info().Time("last_login", s.LastLogin()).Msg("session expired, logging in again")
		s.Logout(ctx)
	}
	return s.Login(ctx)
}

// Login authenticates with linear backoff between attempts.
func (s *Session) Login(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err := s.loginOnce(ctx)
		if err == nil {
			metrics.IncLoginAttempt(metrics.ResultSuccess)
			s.mu.Lock()
			s.loggedIn = true
			s.lastLogin = s.now()
			s.mu.Unlock()
			s.logger.Info().Int("attempt", attempt).Msg("portal login succeeded")
			return nil
		}
		metrics.IncLoginAttempt(metrics.ResultError)
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", s.cfg.MaxRetries).Msg("portal login failed")
		if attempt == s.cfg.MaxRetries {
			break
		}
		if err := s.sleep(ctx, s.cfg.RetryDelay*time.Duration(attempt)); err != nil {
			return &telemetry.AuthError{Op: "login", Err: err}
		}
	}
	s.Invalidate()
	return lastErr
}

func (s *Session) loginOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoginTimeout)
	defer cancel()

	token, err := s.fetchCSRFToken(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("_token", token)
	form.Set("email", s.cfg.Email)
	form.Set("password", s.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return &telemetry.AuthError{Op: "login", Err: err}
	}
	s.browserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Referer", s.loginURL.String())
	req.Header.Set("Origin", s.base.Scheme+"://"+s.base.Host)
	req.Header.Set("X-CSRF-TOKEN", token)

	resp, err := s.client.Do(req)
	if err != nil {
		return &telemetry.AuthError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))

	if resp.StatusCode != http.StatusOK {
		return &telemetry.AuthError{Op: "login", StatusCode: resp.StatusCode}
	}
	if resp.Request != nil && resp.Request.URL.Path == s.loginURL.Path {
		return &telemetry.AuthError{Op: "login", StatusCode: resp.StatusCode, Err: ErrCredentialsRejected}
	}
	return nil
}

func (s *Session) fetchCSRFToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.loginURL.String(), nil)
	if err != nil {
		return "", &telemetry.AuthError{Op: "login page", Err: err}
	}
	s.browserHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &telemetry.AuthError{Op: "login page", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &telemetry.AuthError{Op: "login page", StatusCode: resp.StatusCode}
	}
	token, err := extractCSRFToken(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", &telemetry.AuthError{Op: "login page", Err: err}
	}
	return token, nil
}

// Logout ends the portal session. Failures are logged and the local state is
// cleared regardless.
func (s *Session) Logout(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.logoutURL.String(), nil)
	if err == nil {
		s.browserHeaders(req)
		var resp *http.Response
		resp, err = s.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
			resp.Body.Close()
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("portal logout failed")
	} else {
		s.logger.Info().Msg("portal logout")
	}

	if jar, jarErr := newJar(); jarErr == nil {
		s.client.Jar = jar
	}
	s.mu.Lock()
	s.loggedIn = false
	s.lastLogin = time.Time{}
	s.mu.Unlock()
}

func (s *Session) browserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}
