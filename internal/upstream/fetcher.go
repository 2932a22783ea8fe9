package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
)

const maxPayloadBytes = 32 << 20

// Item is one element of the polled data list.
type Item struct {
	Fields map[string]json.RawMessage
	Raw    json.RawMessage
}

// Poll is the decoded result of one telemetry request.
type Poll struct {
	Timestamp int64
	Items     []Item
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger zerolog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithFetcherClock overrides the clock used for the cache-buster.
func WithFetcherClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Fetcher polls the portal's XHR telemetry endpoint using an authenticated session.
type Fetcher struct {
	session *Session
	target  *url.URL
	referer string
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFetcher constructs a fetcher for the target path under the session's origin.
func NewFetcher(session *Session, targetPath string, timeout time.Duration, opts ...FetcherOption) (*Fetcher, error) {
	if session == nil {
		return nil, errors.New("upstream fetcher: nil session")
	}
	if targetPath == "" {
		return nil, errors.New("upstream fetcher: empty target path")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := session.BaseURL()
	f := &Fetcher{
		session: session,
		target:  base.JoinPath(targetPath),
		referer: base.JoinPath("/admin").String(),
		timeout: timeout,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch performs one poll. The returned Poll carries the cache-buster
// timestamp, which doubles as the cycle's poll timestamp.
func (f *Fetcher) Fetch(ctx context.Context) (Poll, error) {
	ts := f.now().UnixMilli()
	poll, err := f.fetch(ctx, ts)
	if err != nil {
		var fetchErr *telemetry.FetchError
		if errors.As(err, &fetchErr) {
			metrics.IncFetchError(string(fetchErr.Kind))
			f.logger.Warn().Str("kind", string(fetchErr.Kind)).Int("status", fetchErr.StatusCode).Err(fetchErr.Err).Msg("telemetry fetch failed")
		}
		return Poll{Timestamp: ts}, err
	}
	return poll, nil
}

func (f *Fetcher) fetch(ctx context.Context, ts int64) (Poll, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := *f.target
	q := target.Query()
	q.Set("_", strconv.FormatInt(ts, 10))
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Poll{}, &telemetry.FetchError{Kind: telemetry.FetchTransport, Err: err}
	}
	req.Header.Set("User-Agent", f.session.UserAgent())
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", f.referer)

	resp, err := f.session.Client().Do(req)
	if err != nil {
		return Poll{}, &telemetry.FetchError{Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Poll{}, &telemetry.FetchError{Kind: telemetry.FetchUnauthorized, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return Poll{}, &telemetry.FetchError{Kind: telemetry.FetchUnexpectedStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return Poll{}, &telemetry.FetchError{Kind: classifyTransport(err), Err: err}
	}
	items, err := decodeItems(body)
	if err != nil {
		return Poll{}, &telemetry.FetchError{Kind: telemetry.FetchMalformed, StatusCode: resp.StatusCode, Err: err}
	}
	return Poll{Timestamp: ts, Items: items}, nil
}

func decodeItems(body []byte) ([]Item, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	rawData, ok := envelope["data"]
	if !ok {
		return nil, errors.New("missing data field")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(rawData, &list); err != nil || list == nil {
		return nil, errors.New("data field is not a list")
	}
	items := make([]Item, 0, len(list))
	for i, raw := range list {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			return nil, fmt.Errorf("data[%d] is not an object", i)
		}
		items = append(items, Item{Fields: fields, Raw: raw})
	}
	return items, nil
}

func classifyTransport(err error) telemetry.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return telemetry.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return telemetry.FetchTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return telemetry.FetchConnectionRefused
	}
	return telemetry.FetchTransport
}
