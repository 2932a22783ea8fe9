package upstream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

const sessionCookie = "portal_session"

type fakePortal struct {
	mu sync.Mutex

	password     string
	tokenSeq     int
	currentToken string
	rejectPosts  int

	posts       []url.Values
	postHeaders []http.Header
	logouts     int

	dataStatus  int
	dataBody    string
	dataDelay   time.Duration
	dataQueries []url.Values
	dataHeaders []http.Header
}

func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server) {
	t.Helper()
	p := &fakePortal{
		password:   "secret",
		dataStatus: http.StatusOK,
		dataBody:   `{"data":[]}`,
	}
	server := httptest.NewServer(p.handler())
	t.Cleanup(server.Close)
	return p, server
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if r.Method == http.MethodGet {
			p.tokenSeq++
			p.currentToken = fmt.Sprintf("token-%d", p.tokenSeq)
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><meta charset="utf-8"><meta name="csrf-token" content="%s"></head><body><form method="post"><input type="hidden" name="_token" value="%s"></form></body></html>`, p.currentToken, p.currentToken)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.posts = append(p.posts, r.PostForm)
		p.postHeaders = append(p.postHeaders, r.Header.Clone())
		if p.rejectPosts > 0 {
			p.rejectPosts--
			w.WriteHeader(419)
			return
		}
		if r.PostForm.Get("_token") != p.currentToken || r.Header.Get("X-CSRF-TOKEN") != p.currentToken {
			w.WriteHeader(419)
			return
		}
		if r.PostForm.Get("password") != p.password {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "auth", Path: "/"})
		http.Redirect(w, r, "/admin/home", http.StatusFound)
	})
	mux.HandleFunc("/admin/home", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("home"))
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.logouts++
		p.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/tcu-overview", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.dataQueries = append(p.dataQueries, r.URL.Query())
		p.dataHeaders = append(p.dataHeaders, r.Header.Clone())
		status, body, delay := p.dataStatus, p.dataBody, p.dataDelay
		p.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "auth" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return mux
}
