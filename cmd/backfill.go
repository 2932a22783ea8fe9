package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ncu-collector/internal/backfill"
	"ncu-collector/internal/cloudapi"
	"ncu-collector/internal/config"
	"ncu-collector/internal/httpretry"
	"ncu-collector/internal/ingest"
	"ncu-collector/internal/observability/metrics"
	"ncu-collector/internal/telemetry/domain"
)

func newBackfillCmd(env *environment) *cobra.Command {
	var exitWhenCaughtUp bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Walk historical status windows and store abnormal tracker rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := env.load(config.ModeBackfill)
			if err != nil {
				return err
			}
			return runBackfill(cmd.Context(), cfg, exitWhenCaughtUp, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("start", "", `first window start, "YYYY-MM-DD HH:MM:SS" in backfill.timezone or RFC3339`)
	flags.String("projects-file", "", "YAML project directory used instead of the cloud API master list")
	flags.BoolVar(&exitWhenCaughtUp, "exit-when-caught-up", false, "exit once the cursor reaches the present")
	_ = env.v.BindPFlag("backfill.start", flags.Lookup("start"))
	_ = env.v.BindPFlag("backfill.projects_file", flags.Lookup("projects-file"))
	return cmd
}

func runBackfill(ctx context.Context, cfg config.Config, exitWhenCaughtUp bool, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start, err := cfg.Backfill.StartTime()
	if err != nil {
		return err
	}
	loc, err := cfg.Backfill.Location()
	if err != nil {
		return err
	}

	store, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.Init(store, logger)

	client, err := cloudapi.NewClient(cfg.Backfill.APIBaseURL,
		cloudapi.WithHTTPClient(&http.Client{
			Transport: httpretry.New(http.DefaultTransport, cfg.HTTP.MaxRetries, cfg.HTTP.BackoffFactor, logger),
			Timeout:   cfg.HTTP.DataTimeout,
		}),
		cloudapi.WithLocation(loc),
		cloudapi.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	var directory backfill.Directory = client
	if cfg.Backfill.ProjectsFile != "" {
		file, err := cloudapi.LoadProjectsFile(cfg.Backfill.ProjectsFile)
		if err != nil {
			return err
		}
		directory = file
	}

	statuses, err := ingest.New[telemetry.StatusRecord](store, store.InsertStatusBatch, ingestConfig(cfg.Ingest, logger))
	if err != nil {
		return err
	}
	statuses.WithDedup(func(r telemetry.StatusRecord) string { return r.ID }, store.StatusIDsExist)

	walker, err := backfill.NewWalker(directory, client, statuses, backfill.Config{
		Window:           cfg.Backfill.Window,
		CatchUpPoll:      cfg.Backfill.CatchUpPoll,
		ProjectDelay:     cfg.Backfill.ProjectDelay,
		BatchSize:        cfg.Ingest.BatchSize,
		ExitWhenCaughtUp: exitWhenCaughtUp,
	}, backfill.WithLogger(logger))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return walker.Run(gctx, start)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, func() any {
				return map[string]string{"status": "backfilling"}
			}, logger)
		})
	}
	return g.Wait()
}
