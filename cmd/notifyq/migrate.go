package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/facilityhub/notifyq/internal/config"
	"github.com/facilityhub/notifyq/internal/db"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, revert) the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			down, _ := cmd.Flags().GetBool("down")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.StoreDriverPostgres {
				return errors.New("migrate requires STORE_DRIVER=postgres")
			}
			logger := newLogger(cfg.LogLevel)
			defer logger.Sync() //nolint:errcheck

			if down {
				if err := db.Rollback(cfg.DatabaseURL); err != nil {
					return err
				}
				logger.Info("database migrations reverted")
				return nil
			}
			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("database migrations applied")
			return nil
		},
	}
	cmd.Flags().Bool("down", false, "revert all migrations")
	return cmd
}
