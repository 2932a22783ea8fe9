// Package cmd wires the collector's command-line entry points.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ncu-collector/internal/config"
	"ncu-collector/internal/logging"
)

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// environment carries the viper instance shared by every subcommand.
type environment struct {
	v          *viper.Viper
	configPath string
}

func (e *environment) load(mode config.Mode) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(e.v, e.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if err := cfg.Validate(mode); err != nil {
		return config.Config{}, logger, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	env := &environment{v: config.New()}

	root := &cobra.Command{
		Use:   "ncu-collector",
		Short: "Collects NCU telemetry from the operations portal",
		Long: `Polls the operations portal for NCU telemetry and stores it in Postgres,
falling back to an embedded SQLite file when Postgres is unreachable. The
backfill command walks historical tracker status windows from the cloud API.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&env.configPath, "config", "", "path to a YAML config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")
	flags.String("metrics-addr", "", "listen address for /metrics and /healthz; empty disables")
	_ = env.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = env.v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = env.v.BindPFlag("metrics.addr", flags.Lookup("metrics-addr"))

	root.AddCommand(
		newRunCmd(env),
		newBackfillCmd(env),
		newMigrateCmd(env),
		newStatsCmd(env),
	)
	return root
}
