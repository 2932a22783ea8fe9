// Package backfill walks historical hourly windows of every project and
// stores the abnormal tracker status rows.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ncu-collector/internal/clock"
	"ncu-collector/internal/ingest"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
)

// Directory lists the projects to walk.
type Directory interface {
	Projects(ctx context.Context) ([]telemetry.Project, error)
}

// RowSource returns a project's rows created in [start, end).
type RowSource interface {
	StatusRows(ctx context.Context, project telemetry.Project, start, end time.Time) ([]telemetry.StatusRecord, error)
}

// StatusIngestor stores status rows.
type StatusIngestor interface {
	Ingest(ctx context.Context, records []telemetry.StatusRecord, batchSize int) (ingest.Result, error)
}

// Config controls window size and pacing.
type Config struct {
	Window           time.Duration
	CatchUpPoll      time.Duration
	ProjectDelay     time.Duration
	BatchSize        int
	ExitWhenCaughtUp bool
}

// Option customises a Walker.
type Option func(*Walker)

// WithClock overrides the clock.
func WithClock(clk clock.Clock) Option {
	return func(w *Walker) {
		if clk != nil {
			w.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Walker) {
		w.logger = logger
	}
}

// Walker advances a cursor one window at a time across all projects.
type Walker struct {
	directory Directory
	source    RowSource
	ingestor  StatusIngestor
	cfg       Config
	clock     clock.Clock
	logger    zerolog.Logger
}

// WindowSummary aggregates one window across projects.
type WindowSummary struct {
	Start          time.Time
	End            time.Time
	Projects       int
	FailedProjects int
	Fetched        int
	Abnormal       int
	Inserted       int
	Duplicates     int
}

// NewWalker constructs a walker.
func NewWalker(directory Directory, source RowSource, ingestor StatusIngestor, cfg Config, opts ...Option) (*Walker, error) {
	if directory == nil || source == nil || ingestor == nil {
		return nil, errors.New("backfill: nil dependency")
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.CatchUpPoll <= 0 {
		cfg.CatchUpPoll = 5 * time.Minute
	}
	w := &Walker{
		directory: directory,
		source:    source,
		ingestor:  ingestor,
		cfg:       cfg,
		clock:     clock.System{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run walks windows from start until ctx is cancelled, or until the cursor
// reaches the present when ExitWhenCaughtUp is set. A window is only pulled
// once its end is strictly in the past.
func (w *Walker) Run(ctx context.Context, start time.Time) error {
	projects, err := w.directory.Projects(ctx)
	if err != nil {
		return fmt.Errorf("backfill: project directory: %w", err)
	}
	if len(projects) == 0 {
		return errors.New("backfill: project directory is empty")
	}
	w.logger.Info().Int("projects", len(projects)).Time("start", start).Dur("window", w.cfg.Window).Msg("backfill started")

	limit := rate.Inf
	if w.cfg.ProjectDelay > 0 {
		limit = rate.Every(w.cfg.ProjectDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	cursor := start
	for ctx.Err() == nil {
		end := cursor.Add(w.cfg.Window)
		if !end.Before(w.clock.Now()) {
			if w.cfg.ExitWhenCaughtUp {
				w.logger.Info().Time("cursor", cursor).Msg("backfill caught up")
				return nil
			}
			w.logger.Debug().Time("window_end", end).Msg("window still open, waiting")
			if err := clock.Sleep(ctx, w.clock, w.cfg.CatchUpPoll, clock.MaxGranule); err != nil {
				return nil
			}
			continue
		}

		summary, err := w.walkWindow(ctx, projects, cursor, end, limiter)
		if err != nil {
			return nil
		}
		w.logger.Info().
			Time("window_start", summary.Start).
			Time("window_end", summary.End).
			Int("fetched", summary.Fetched).
			Int("abnormal", summary.Abnormal).
			Int("inserted", summary.Inserted).
			Int("duplicates", summary.Duplicates).
			Int("failed_projects", summary.FailedProjects).
			Msg("backfill window done")
		metrics.SetBackfillCursor(cursor)
		cursor = end
	}
	return nil
}

// walkWindow pulls one window for every project. A failing project is logged
// and skipped; only cancellation aborts the window.
func (w *Walker) walkWindow(ctx context.Context, projects []telemetry.Project, start, end time.Time, limiter *rate.Limiter) (WindowSummary, error) {
	summary := WindowSummary{Start: start, End: end, Projects: len(projects)}
	for _, project := range projects {
		if err := limiter.Wait(ctx); err != nil {
			return summary, err
		}
		logger := w.logger.With().Str("project", project.Name).Time("window_start", start).Logger()

		rows, err := w.source.StatusRows(ctx, project, start, end)
		if err != nil {
			summary.FailedProjects++
			metrics.IncBackfillProject(metrics.ResultError)
			logger.Warn().Err(err).Msg("project window fetch failed")
			continue
		}
		summary.Fetched += len(rows)
		abnormal := telemetry.FilterAbnormal(rows)
		summary.Abnormal += len(abnormal)
		if len(abnormal) == 0 {
			metrics.IncBackfillProject(metrics.ResultSuccess)
			continue
		}

		res, err := w.ingestor.Ingest(ctx, abnormal, w.cfg.BatchSize)
		summary.Inserted += res.Inserted
		summary.Duplicates += res.Duplicates
		if err != nil || res.FailedRecords > 0 {
			summary.FailedProjects++
			metrics.IncBackfillProject(metrics.ResultError)
			logger.Warn().Err(err).Int("failed_records", res.FailedRecords).Msg("project window store failed")
			continue
		}
		metrics.IncBackfillProject(metrics.ResultSuccess)
		logger.Debug().Int("inserted", res.Inserted).Int("duplicates", res.Duplicates).Msg("project window stored")
	}
	return summary, ctx.Err()
}
