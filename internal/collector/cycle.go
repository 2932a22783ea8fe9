package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ncu-collector/internal/clock"
	"ncu-collector/internal/ingest"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
	"ncu-collector/internal/upstream"
)

// Authenticator is the session surface a cycle needs.
type Authenticator interface {
	EnsureFresh(ctx context.Context) error
	Login(ctx context.Context) error
	Invalidate()
}

// Poller fetches one batch of telemetry.
type Poller interface {
	Fetch(ctx context.Context) (upstream.Poll, error)
}

// SnapshotIngestor writes canonical snapshots.
type SnapshotIngestor interface {
	Ingest(ctx context.Context, records []telemetry.Snapshot, batchSize int) (ingest.Result, error)
}

// TrackingStore persists the per-cycle tracking row.
type TrackingStore interface {
	EnsureConnected(ctx context.Context) error
	Reconnect(ctx context.Context) error
	InsertTracking(ctx context.Context, rec telemetry.TrackingRecord) error
}

// Cycle runs one poll: authenticate, fetch, filter, ingest, track.
type Cycle struct {
	auth      Authenticator
	poller    Poller
	ingestor  SnapshotIngestor
	tracking  TrackingStore
	batchSize int
	clock     clock.Clock
	logger    zerolog.Logger
}

// CycleOption customises a Cycle.
type CycleOption func(*Cycle)

// WithCycleClock overrides the clock.
func WithCycleClock(clk clock.Clock) CycleOption {
	return func(c *Cycle) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithCycleLogger sets the logger.
func WithCycleLogger(logger zerolog.Logger) CycleOption {
	return func(c *Cycle) {
		c.logger = logger
	}
}

// WithBatchSize overrides the ingest batch size.
func WithBatchSize(size int) CycleOption {
	return func(c *Cycle) {
		c.batchSize = size
	}
}

// NewCycle constructs a poll cycle.
func NewCycle(auth Authenticator, poller Poller, ingestor SnapshotIngestor, tracking TrackingStore, opts ...CycleOption) (*Cycle, error) {
	if auth == nil || poller == nil || ingestor == nil || tracking == nil {
		return nil, errors.New("collector cycle: nil dependency")
	}
	c := &Cycle{
		auth:     auth,
		poller:   poller,
		ingestor: ingestor,
		tracking: tracking,
		clock:    clock.System{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes one cycle. A tracking record is written whatever the outcome;
// the returned error is the cycle failure, if any.
func (c *Cycle) Run(ctx context.Context) (telemetry.TrackingRecord, error) {
	start := c.clock.Now()
	logger := c.logger.With().Str("cycle_id", uuid.NewString()).Logger()
	rec := telemetry.TrackingRecord{
		CollectionTime: start.UTC(),
		PollTimestamp:  start.UnixMilli(),
	}

	err := c.collect(ctx, &rec, logger)
	rec.Duration = c.clock.Now().Sub(start)
	rec.Success = err == nil
	result := metrics.ResultSuccess
	if err != nil {
		rec.ErrorMessage = err.Error()
		result = metrics.ResultError
		logger.Error().Err(err).Dur("duration", rec.Duration).Msg("poll cycle failed")
	} else {
		logger.Info().
			Int("seen", rec.RecordsSeen).
			Int("inserted", rec.RecordsInserted).
			Int("excluded", rec.RecordsExcluded).
			Dur("duration", rec.Duration).
			Msg("poll cycle finished")
	}
	metrics.ObservePollCycle(result, rec.Duration)

	if terr := c.writeTracking(ctx, rec); terr != nil {
		logger.Error().Err(terr).Msg("tracking record not stored")
	}
	return rec, err
}

func (c *Cycle) collect(ctx context.Context, rec *telemetry.TrackingRecord, logger zerolog.Logger) error {
	if err := c.auth.EnsureFresh(ctx); err != nil {
		return err
	}

	poll, err := c.poller.Fetch(ctx)
	if isUnauthorized(err) {
		logger.Warn().Msg("session rejected by portal, logging in again")
		c.auth.Invalidate()
		if err := c.auth.Login(ctx); err != nil {
			return err
		}
		poll, err = c.poller.Fetch(ctx)
	}
	if err != nil {
		return err
	}
	rec.PollTimestamp = poll.Timestamp
	rec.RecordsSeen = len(poll.Items)

	snaps, excluded, warnings := upstream.Canonicalize(poll.Items, poll.Timestamp)
	rec.RecordsExcluded = excluded
	metrics.AddRecords(metrics.OutcomeExcluded, excluded)
	for _, w := range warnings {
		logger.Warn().Err(w).Msg("field conversion fell back to zero")
	}
	if len(snaps) == 0 {
		return nil
	}

	res, err := c.ingestor.Ingest(ctx, snaps, c.batchSize)
	rec.RecordsInserted = res.Inserted
	if err != nil {
		return err
	}
	if res.FailedRecords > 0 {
		return fmt.Errorf("%d of %d records not stored", res.FailedRecords, len(snaps))
	}
	return nil
}

func (c *Cycle) writeTracking(ctx context.Context, rec telemetry.TrackingRecord) error {
	if err := c.tracking.EnsureConnected(ctx); err == nil {
		if err := c.tracking.InsertTracking(ctx, rec); err == nil {
			return nil
		}
	}
	if err := c.tracking.Reconnect(ctx); err != nil {
		return err
	}
	return c.tracking.InsertTracking(ctx, rec)
}

func isUnauthorized(err error) bool {
	var fetchErr *telemetry.FetchError
	return errors.As(err, &fetchErr) && fetchErr.Kind == telemetry.FetchUnauthorized
}
