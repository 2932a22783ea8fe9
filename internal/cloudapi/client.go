package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ncu-collector/internal/telemetry/domain"
)

// TimeLayout is the wall-clock format the data endpoint expects.
const TimeLayout = "2006-01-02 15:04:05"

var errNotFound = errors.New("cloudapi: not found")

// Client reads the project directory and per-project history from the cloud API.
type Client struct {
	baseURL  string
	client   *http.Client
	location *time.Location
	logger   zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLocation sets the zone window bounds are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a cloud API client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("cloudapi: empty base url")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		location: time.UTC,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Count   int             `json:"count"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Projects returns the project directory.
func (c *Client) Projects(ctx context.Context) ([]telemetry.Project, error) {
	var projects []telemetry.Project
	if err := c.getData(ctx, "/master", nil, &projects); err != nil {
		return nil, fmt.Errorf("cloudapi: projects: %w", err)
	}
	out := projects[:0]
	for _, p := range projects {
		p.Name = strings.TrimSpace(p.Name)
		p.StorageKey = strings.TrimSpace(p.StorageKey)
		if p.StorageKey == "" {
			c.logger.Warn().Str("project", p.Name).Msg("project without storage key skipped")
			continue
		}
		if p.Name == "" {
			p.Name = p.StorageKey
		}
		out = append(out, p)
	}
	return out, nil
}

// StatusRows returns the project's rows created in [start, end).
func (c *Client) StatusRows(ctx context.Context, project telemetry.Project, start, end time.Time) ([]telemetry.StatusRecord, error) {
	query := url.Values{}
	query.Set("project_db", project.StorageKey)
	query.Set("start", start.In(c.location).Format(TimeLayout))
	query.Set("end", end.In(c.location).Format(TimeLayout))

	var rows []map[string]json.RawMessage
	if err := c.getData(ctx, "/data", query, &rows); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cloudapi: rows for %s: %w", project.StorageKey, err)
	}
	records, warnings := DecodeStatusRows(rows, project, c.location, start)
	for _, w := range warnings {
		c.logger.Warn().Err(w).Str("project", project.Name).Msg("status row field unusable")
	}
	return records, nil
}

func (c *Client) getData(ctx context.Context, path string, query url.Values, out any) error {
	var env envelope
	if err := c.doJSON(ctx, http.MethodGet, path, query, &env); err != nil {
		return err
	}
	if env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "request unsuccessful"
		}
		return errors.New(msg)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloudapi: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
