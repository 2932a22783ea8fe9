package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"ncu-collector/internal/config"
	"ncu-collector/internal/ingest"
	"ncu-collector/internal/storage"
)

// openStorage selects the engine and brings its schema up to date. Any
// failure here is fatal for the caller.
func openStorage(ctx context.Context, cfg config.Storage, logger zerolog.Logger) (*storage.Store, error) {
	store, err := storage.Open(ctx, storage.Options{
		PrimaryDSN:        cfg.PrimaryDSN,
		PrimaryAttempts:   cfg.PrimaryAttempts,
		PrimaryRetryDelay: cfg.PrimaryRetryDelay,
		ConnectTimeout:    cfg.ConnectTimeout,
		FallbackPath:      cfg.FallbackPath,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.CreateSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.MigrateSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info().Str("engine", store.Dialect().String()).Msg("storage ready")
	return store, nil
}

func ingestConfig(cfg config.Ingest, logger zerolog.Logger) ingest.Config {
	return ingest.Config{
		BatchSize:       cfg.BatchSize,
		MaxAttempts:     cfg.MaxAttempts,
		RetryDelay:      cfg.RetryDelay,
		InterBatchDelay: cfg.InterBatchDelay,
		Logger:          logger,
	}
}
