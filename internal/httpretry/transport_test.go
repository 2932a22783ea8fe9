package httpretry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"ncu-collector/internal/clock"
)

func newTestTransport(maxRetries int, waits *[]time.Duration) *Transport {
	tr := New(http.DefaultTransport, maxRetries, time.Second, zerolog.Nop())
	tr.client.Backoff = func(lo, hi time.Duration, attempt int, resp *http.Response) time.Duration {
		*waits = append(*waits, retryablehttp.DefaultBackoff(lo, hi, attempt, resp))
		return 0
	}
	return tr
}

func TestRetriesRetryableStatusWithExponentialBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	var waits []time.Duration
	client := &http.Client{Transport: newTestTransport(3, &waits)}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", waits)
	}
}

func TestStopsAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var waits []time.Duration
	client := &http.Client{Transport: newTestTransport(3, &waits)}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected final 429, got %d", resp.StatusCode)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if len(waits) != 3 || waits[2] != 4*time.Second {
		t.Fatalf("unexpected backoff %v", waits)
	}
}

func TestDoesNotRetryPostOrClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var waits []time.Duration
	client := &http.Client{Transport: newTestTransport(3, &waits)}
	resp, err := client.Post(server.URL, "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	resp, err = client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(waits) != 0 {
		t.Fatalf("expected no waits, got %v", waits)
	}
}

func TestRedirectsReachCallerClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		http.Redirect(w, r, "/done", http.StatusFound)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	var hops []string
	var waits []time.Duration
	client := &http.Client{
		Transport: newTestTransport(3, &waits),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			hops = append(hops, req.URL.Path)
			return nil
		},
	}
	resp, err := client.Get(server.URL + "/start")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(hops) != 1 || hops[0] != "/done" {
		t.Fatalf("expected the redirect to pass through the caller's client, got %v", hops)
	}
}

func TestShutdownEndsRetriesWithLastResponse(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	ctx := clock.WithStop(context.WithoutCancel(parent), parent)

	var waits []time.Duration
	client := &http.Client{Transport: newTestTransport(3, &waits)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the in-flight 503, got %d", resp.StatusCode)
	}
	if calls != 1 || len(waits) != 0 {
		t.Fatalf("expected no retries after shutdown, got %d calls and waits %v", calls, waits)
	}
}
