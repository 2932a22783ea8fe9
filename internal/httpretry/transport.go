// Package httpretry retries idempotent requests on transient failures using
// go-retryablehttp.
package httpretry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"ncu-collector/internal/clock"
)

// maxBackoffShift caps the exponent used for the longest wait.
const maxBackoffShift = 16

// retryStatuses are the response codes that trigger a retry.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Transport retries GET, HEAD and OPTIONS requests on retryable statuses and
// connection errors. The n-th retry waits BackoffFactor * 2^(n-1), or the
// server's Retry-After on 429 and 503. Other methods go straight to the base
// transport.
type Transport struct {
	base       http.RoundTripper
	maxRetries int
	client     *retryablehttp.Client
	retrying   *retryablehttp.RoundTripper
}

// New wraps base. Redirects are handed back to the caller's client so its
// cookie jar sees every hop.
func New(base http.RoundTripper, maxRetries int, backoffFactor time.Duration, logger zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoffFactor < 0 {
		backoffFactor = 0
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: base,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	client.RetryMax = maxRetries
	client.RetryWaitMin = backoffFactor
	client.RetryWaitMax = backoffFactor << min(maxRetries, maxBackoffShift)
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{logger: logger.With().Str("component", "httpretry").Logger()}
	return &Transport{
		base:       base,
		maxRetries: maxRetries,
		client:     client,
		retrying:   &retryablehttp.RoundTripper{Client: client},
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) || t.maxRetries == 0 {
		return t.base.RoundTrip(req)
	}
	resp, err := t.retrying.RoundTrip(req)
	if err != nil && resp != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, err
}

// checkRetry stops on cancellation and on shutdown; a request that is still
// running when shutdown starts gets its current response back.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if clock.Stopped(ctx) != nil {
		return false, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		var opErr *net.OpError
		return errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF), nil
	}
	return retryStatuses[resp.StatusCode], nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}
