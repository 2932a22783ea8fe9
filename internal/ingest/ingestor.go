// Package ingest writes record sets to storage in bounded batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ncu-collector/internal/clock"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
)

// DefaultBatchSize is used when neither the caller nor Config sets one.
const DefaultBatchSize = 100

// Connection is the part of the storage backend the ingestor manages.
type Connection interface {
	EnsureConnected(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// InsertFunc writes one batch and returns the number of rows stored.
type InsertFunc[T any] func(ctx context.Context, batch []T) (int, error)

// LookupFunc returns the subset of keys already stored.
type LookupFunc func(ctx context.Context, keys []string) (map[string]struct{}, error)

// Config tunes batching and retries.
type Config struct {
	BatchSize       int
	MaxAttempts     int
	RetryDelay      time.Duration
	InterBatchDelay time.Duration
	Logger          zerolog.Logger

	sleep func(context.Context, time.Duration) error
}

// Result summarises one Ingest call.
type Result struct {
	BatchesAttempted int
	BatchesSucceeded int
	Inserted         int
	Duplicates       int
	FailedRecords    int
}

// Ingestor writes records of type T through an InsertFunc.
type Ingestor[T any] struct {
	conn   Connection
	insert InsertFunc[T]
	key    func(T) string
	lookup LookupFunc
	cfg    Config
}

// New constructs an ingestor.
func New[T any](conn Connection, insert InsertFunc[T], cfg Config) (*Ingestor[T], error) {
	if conn == nil {
		return nil, errors.New("ingest: nil connection")
	}
	if insert == nil {
		return nil, errors.New("ingest: nil insert func")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.sleep == nil {
		cfg.sleep = clock.Wait
	}
	return &Ingestor[T]{conn: conn, insert: insert, cfg: cfg}, nil
}

// WithDedup drops records whose key is already stored or repeated in the input.
func (i *Ingestor[T]) WithDedup(key func(T) string, lookup LookupFunc) *Ingestor[T] {
	i.key = key
	i.lookup = lookup
	return i
}

// Ingest deduplicates, partitions and writes records. Batch failures are
// contained; the returned error is set only when the whole call could not
// proceed (connection or dedup lookup failure, cancellation).
func (i *Ingestor[T]) Ingest(ctx context.Context, records []T, batchSize int) (Result, error) {
	var res Result
	if len(records) == 0 {
		return res, nil
	}
	if batchSize <= 0 {
		batchSize = i.cfg.BatchSize
	}

	if err := i.conn.EnsureConnected(ctx); err != nil {
		res.FailedRecords = len(records)
		metrics.AddRecords(metrics.OutcomeFailed, len(records))
		return res, fmt.Errorf("ingest: ensure connected: %w", err)
	}

	if i.lookup != nil && i.key != nil {
		fresh, dupes, err := i.dedup(ctx, records)
		if err != nil {
			res.FailedRecords = len(records)
			metrics.AddRecords(metrics.OutcomeFailed, len(records))
			return res, fmt.Errorf("ingest: dedup lookup: %w", err)
		}
		res.Duplicates = dupes
		metrics.AddRecords(metrics.OutcomeDuplicate, dupes)
		records = fresh
	}

	limit := rate.Inf
	if i.cfg.InterBatchDelay > 0 {
		limit = rate.Every(i.cfg.InterBatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := limiter.Wait(ctx); err != nil {
			res.FailedRecords += len(records) - start
			metrics.AddRecords(metrics.OutcomeFailed, len(records)-start)
			return res, err
		}
		res.BatchesAttempted++
		inserted, failed := i.writeBatch(ctx, records[start:end])
		res.Inserted += inserted
		res.FailedRecords += failed
		if failed == 0 {
			res.BatchesSucceeded++
			metrics.IncBatch(metrics.ResultSuccess)
		} else {
			metrics.IncBatch(metrics.ResultError)
		}
		metrics.AddRecords(metrics.OutcomeInserted, inserted)
		metrics.AddRecords(metrics.OutcomeFailed, failed)
	}

	i.cfg.Logger.Debug().
		Int("batches", res.BatchesAttempted).
		Int("batches_ok", res.BatchesSucceeded).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("failed", res.FailedRecords).
		Msg("ingest finished")
	return res, nil
}

func (i *Ingestor[T]) dedup(ctx context.Context, records []T) ([]T, int, error) {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, i.key(r))
	}
	existing, err := i.lookup(ctx, keys)
	if err != nil {
		return nil, 0, err
	}
	fresh := make([]T, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for idx, r := range records {
		k := keys[idx]
		if _, ok := existing[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh, len(records) - len(fresh), nil
}

// writeBatch returns the rows stored and the records given up on.
func (i *Ingestor[T]) writeBatch(ctx context.Context, batch []T) (int, int) {
	logger := i.cfg.Logger.With().Int("batch_size", len(batch)).Logger()
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		n, err := i.insert(ctx, batch)
		if err == nil {
			return n, 0
		}
		if ctx.Err() != nil {
			break
		}

		switch storageKind(err) {
		case telemetry.StoragePayloadTooLarge:
			metrics.IncBatchBisection()
			if len(batch) == 1 {
				logger.Error().Err(err).Msg("record rejected as too large, skipping")
				return 0, 1
			}
			mid := len(batch) / 2
			logger.Warn().Err(err).Int("split_at", mid).Msg("batch too large, splitting")
			n1, f1 := i.writeBatch(ctx, batch[:mid])
			n2, f2 := i.writeBatch(ctx, batch[mid:])
			return n1 + n2, f1 + f2
		case telemetry.StorageConnectionLost:
			logger.Warn().Err(err).Int("attempt", attempt).Msg("connection lost during batch, reconnecting")
			if rerr := i.conn.Reconnect(ctx); rerr != nil {
				logger.Warn().Err(rerr).Msg("reconnect failed")
			}
		default:
			logger.Warn().Err(err).Int("attempt", attempt).Msg("batch insert failed")
			if attempt < i.cfg.MaxAttempts {
				if serr := i.cfg.sleep(ctx, i.cfg.RetryDelay); serr != nil {
					return 0, len(batch)
				}
			}
		}
	}
	logger.Error().Int("attempts", i.cfg.MaxAttempts).Msg("batch abandoned")
	return 0, len(batch)
}

func storageKind(err error) telemetry.StorageErrorKind {
	var storageErr *telemetry.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Kind
	}
	return telemetry.StorageOther
}
