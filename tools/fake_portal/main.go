// Command fake_portal serves a local stand-in for the operations portal and
// the cloud status API so the collector can be exercised end to end.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const sessionCookie = "portal_session"

type fakePortal struct {
	email    string
	password string
	units    int
	latency  time.Duration
	failRate float64
	logger   zerolog.Logger

	mu       sync.Mutex
	tokens   map[string]struct{}
	sessions map[string]struct{}

	polls    atomic.Int64
	rowSeq   atomic.Int64
	projects []string
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "fake-portal").Logger()

	srv := &fakePortal{
		email:    getenvDefault("FAKE_PORTAL_EMAIL", "ops@example.com"),
		password: getenvDefault("FAKE_PORTAL_PASSWORD", "secret"),
		units:    getenvIntDefault("FAKE_PORTAL_UNITS", 12),
		latency:  time.Duration(getenvIntDefault("FAKE_PORTAL_LATENCY_MS", 0)) * time.Millisecond,
		failRate: getenvFloatDefault("FAKE_PORTAL_FAIL_RATE", 0),
		logger:   logger,
		tokens:   make(map[string]struct{}),
		sessions: make(map[string]struct{}),
		projects: []string{"North Ridge", "Salt Flats", "Kestrel"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/login", srv.handleLogin)
	mux.HandleFunc("/logout", srv.handleLogout)
	mux.HandleFunc("/admin/home", srv.handleHome)
	mux.HandleFunc("/admin/tcu-overview", srv.handleOverview)
	mux.HandleFunc("/master", srv.handleMaster)
	mux.HandleFunc("/data", srv.handleData)

	addr := getenvDefault("FAKE_PORTAL_ADDR", ":18081")
	logger.Info().Str("addr", addr).Str("email", srv.email).Msg("fake portal listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}
}

func (s *fakePortal) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"polls": s.polls.Load()})
}

func (s *fakePortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		token := randomHex(16)
		s.mu.Lock()
		s.tokens[token] = struct{}{}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><meta name="csrf-token" content="%s"></head>
<body><form method="post" action="/login"><input type="hidden" name="_token" value="%s"></form></body></html>`, token, token)
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		token := r.PostForm.Get("_token")
		s.mu.Lock()
		_, known := s.tokens[token]
		delete(s.tokens, token)
		s.mu.Unlock()
		if !known || r.Header.Get("X-CSRF-TOKEN") != token {
			http.Error(w, "page expired", 419)
			return
		}
		if r.PostForm.Get("email") != s.email || r.PostForm.Get("password") != s.password {
			s.logger.Warn().Str("email", r.PostForm.Get("email")).Msg("rejected login")
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		id := randomHex(16)
		s.mu.Lock()
		s.sessions[id] = struct{}{}
		s.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true})
		http.Redirect(w, r, "/admin/home", http.StatusFound)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakePortal) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *fakePortal) handleHome(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	_, _ = w.Write([]byte("<html><body>dashboard</body></html>"))
}

func (s *fakePortal) handleOverview(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && mathrand.Float64() < s.failRate {
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
		return
	}
	s.polls.Add(1)

	rows := make([]map[string]any, 0, s.units+1)
	for u := 0; u < s.units; u++ {
		rows = append(rows, map[string]any{
			"project":            s.projects[u%len(s.projects)],
			"ncu":                fmt.Sprintf("NCU-%02d", u+1),
			"user_id":            u + 1,
			"ncu_id":             100 + u,
			"alarm":              map[string]any{"value": boolInt(mathrand.IntN(20) == 0)},
			"batteryAlarm":       0,
			"batteryWarning":     strconv.Itoa(boolInt(mathrand.IntN(10) == 0)),
			"warning":            mathrand.IntN(3),
			"masterMode":         true,
			"manualMode":         false,
			"okStatus":           mathrand.IntN(40),
			"communicationError": mathrand.IntN(2),
			"inactvieTCU":        mathrand.IntN(3),
			"maxWindSpeed":       fmt.Sprintf("%.1f", 5+mathrand.Float64()*15),
			"avgWindSpeed":       3 + mathrand.Float64()*8,
		})
	}
	rows = append(rows, map[string]any{"project": "AAA", "ncu": "placeholder"})
	writeJSON(w, map[string]any{"data": rows})
}

func (s *fakePortal) handleMaster(w http.ResponseWriter, _ *http.Request) {
	out := make([]map[string]string, 0, len(s.projects))
	for i, name := range s.projects {
		out = append(out, map[string]string{"project_name": name, "db_name": fmt.Sprintf("site_%d", i+1)})
	}
	writeJSON(w, map[string]any{"success": true, "count": len(out), "data": out})
}

func (s *fakePortal) handleData(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse("2006-01-02 15:04:05", r.URL.Query().Get("start"))
	if err != nil || r.URL.Query().Get("project_db") == "" {
		writeJSON(w, map[string]any{"success": false, "error": "project_db and start are required"})
		return
	}
	statuses := []string{"OK", "OK", "OK", "Stowed", "Motor fault", "Comms lost"}
	rows := make([]map[string]any, 0, 8)
	for i := 0; i < 8; i++ {
		created := start.Add(time.Duration(i) * 7 * time.Minute)
		rows = append(rows, map[string]any{
			"id":           s.rowSeq.Add(1),
			"tcu_id":       fmt.Sprintf("TCU-%03d", i+1),
			"actual_angle": -30 + mathrand.Float64()*60,
			"target_angle": -30 + mathrand.Float64()*60,
			"status_name":  statuses[mathrand.IntN(len(statuses))],
			"alarm":        mathrand.IntN(2),
			"manual_mode":  0,
			"tcu_rows":     i % 4,
			"wind_speed":   mathrand.Float64() * 20,
			"created_at":   created.UTC().Format(http.TimeFormat),
		})
	}
	writeJSON(w, map[string]any{"success": true, "count": len(rows), "data": rows})
}

func (s *fakePortal) authenticated(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[c.Value]
	return ok
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
