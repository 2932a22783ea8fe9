package upstream

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"ncu-collector/internal/httpretry"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// HTTPOptions configures the portal HTTP client.
type HTTPOptions struct {
	ConnectTimeout time.Duration
	MaxRetries     int
	BackoffFactor  time.Duration
	Logger         zerolog.Logger
}

// NewHTTPClient builds a cookie-carrying client whose GETs are retried on
// transient statuses. Per-request deadlines come from the caller's context.
func NewHTTPClient(opts HTTPOptions) (*http.Client, error) {
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Jar:       jar,
		Transport: httpretry.New(base, opts.MaxRetries, opts.BackoffFactor, opts.Logger),
	}, nil
}

func newJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}
