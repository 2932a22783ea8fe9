package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ncu-collector/internal/clock"
)

// Options configures engine selection.
type Options struct {
	PrimaryDSN        string
	PrimaryAttempts   int
	PrimaryRetryDelay time.Duration
	ConnectTimeout    time.Duration
	FallbackPath      string
	Logger            zerolog.Logger

	sleep func(context.Context, time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.PrimaryAttempts <= 0 {
		o.PrimaryAttempts = 3
	}
	if o.PrimaryRetryDelay < 0 {
		o.PrimaryRetryDelay = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.FallbackPath == "" {
		o.FallbackPath = "ncu_data.db"
	}
	if o.sleep == nil {
		o.sleep = clock.Wait
	}
	return o
}

// Open selects the storage engine. The primary is tried PrimaryAttempts
// times; after that the embedded fallback is used for the life of the Store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	if opts.PrimaryDSN != "" {
		for attempt := 1; attempt <= opts.PrimaryAttempts; attempt++ {
			store := newStore(DialectPostgres, opts.PrimaryDSN, opts.ConnectTimeout, logger)
			store.mu.Lock()
			err := store.connectLocked(ctx)
			store.mu.Unlock()
			if err == nil {
				logger.Info().Int("attempt", attempt).Msg("connected to primary storage")
				return store, nil
			}
			logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", opts.PrimaryAttempts).Msg("primary storage unavailable")
			if attempt < opts.PrimaryAttempts {
				if err := opts.sleep(ctx, opts.PrimaryRetryDelay); err != nil {
					return nil, err
				}
			}
		}
		logger.Warn().Str("path", opts.FallbackPath).Msg("falling back to embedded storage")
	} else {
		logger.Info().Str("path", opts.FallbackPath).Msg("no primary storage configured, using embedded storage")
	}

	store := newStore(DialectSQLite, opts.FallbackPath, opts.ConnectTimeout, logger)
	store.mu.Lock()
	err := store.connectLocked(ctx)
	store.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	return store, nil
}
