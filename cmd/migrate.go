package cmd

import (
	"github.com/spf13/cobra"

	"ncu-collector/internal/config"
)

func newMigrateCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Select the storage engine, create and migrate the schema, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := env.load(config.ModeStorage)
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), cfg.Storage, logger)
			if err != nil {
				return err
			}
			return store.Close()
		},
	}
}
