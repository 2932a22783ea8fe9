package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ncu-collector/internal/collector"
	"ncu-collector/internal/config"
	"ncu-collector/internal/ingest"
	"ncu-collector/internal/notify"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
	"ncu-collector/internal/upstream"
)

const statusEveryCycles = 10

func newRunCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the portal and store NCU snapshots until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := env.load(config.ModeRun)
			if err != nil {
				return err
			}
			return runCollector(cmd.Context(), cfg, logger)
		},
	}
}

func runCollector(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.Init(store, logger)

	httpClient, err := upstream.NewHTTPClient(upstream.HTTPOptions{
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffFactor:  cfg.HTTP.BackoffFactor,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	session, err := upstream.NewSession(upstream.SessionConfig{
		BaseURL:      cfg.Portal.BaseURL,
		LoginPath:    cfg.Portal.LoginPath,
		LogoutPath:   cfg.Portal.LogoutPath,
		Email:        cfg.Portal.Email,
		Password:     cfg.Portal.Password,
		UserAgent:    cfg.Portal.UserAgent,
		LoginTimeout: cfg.HTTP.LoginTimeout,
		MaxRetries:   cfg.Auth.MaxRetries,
		RetryDelay:   cfg.Auth.RetryDelay,
		MaxAge:       cfg.Auth.SessionMaxAge,
	}, upstream.WithHTTPClient(httpClient), upstream.WithSessionLogger(logger))
	if err != nil {
		return err
	}
	fetcher, err := upstream.NewFetcher(session, cfg.Portal.TargetPath, cfg.HTTP.DataTimeout, upstream.WithFetcherLogger(logger))
	if err != nil {
		return err
	}

	snapshots, err := ingest.New[telemetry.Snapshot](store, store.InsertSnapshotBatch, ingestConfig(cfg.Ingest, logger))
	if err != nil {
		return err
	}
	cycle, err := collector.NewCycle(session, fetcher, snapshots, store,
		collector.WithCycleLogger(logger),
		collector.WithBatchSize(cfg.Ingest.BatchSize),
	)
	if err != nil {
		return err
	}

	quiet, err := cfg.QuietHours.Parse()
	if err != nil {
		return err
	}
	opts := []collector.SchedulerOption{
		collector.WithLogger(logger),
		collector.WithAlertMeta(map[string]string{
			"portal":  cfg.Portal.BaseURL,
			"storage": store.Dialect().String(),
		}),
	}
	if cfg.Notify.WebhookURL != "" {
		opts = append(opts, collector.WithNotifier(notify.NewWebhookNotifier(cfg.Notify.WebhookURL)))
	}
	scheduler, err := collector.NewScheduler(cycle, session, collector.SchedulerConfig{
		Interval:               cfg.Poll.Interval,
		MaxConsecutiveFailures: cfg.Poll.MaxConsecutiveFailures,
		FailureCooldown:        cfg.Poll.FailureCooldown,
		SleepGranule:           cfg.Poll.SleepGranule,
		CycleTimeout:           cfg.Poll.CycleTimeout,
		QuietHours:             quiet,
		StatusEvery:            statusEveryCycles,
	}, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		cron, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		_, err = cron.NewJob(
			gocron.DurationJob(cfg.Poll.StatusLogInterval),
			gocron.NewTask(scheduler.LogStatus),
		)
		if err != nil {
			return err
		}
		cron.Start()
		<-gctx.Done()
		return cron.Shutdown()
	})

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, func() any { return scheduler.Status() }, logger)
		})
	}

	return g.Wait()
}

// serveMetrics exposes /metrics and a /healthz endpoint rendering health()
// until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, health func() any, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health())
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
