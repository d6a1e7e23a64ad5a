package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/config"
	"github.com/facilityhub/notifyq/internal/redislock"
	"github.com/facilityhub/notifyq/internal/service"
	"github.com/facilityhub/notifyq/internal/worker"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stalled leases once and exit",
		Long:  "Runs a single stall sweep. Useful from cron when no serve process is running its own sweeper.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			defer logger.Sync() //nolint:errcheck

			store, _, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			rdb, err := openRedis(ctx, cfg, logger)
			if err != nil {
				return err
			}
			var locker *redislock.Locker
			if rdb != nil {
				defer rdb.Close() //nolint:errcheck
				locker = redislock.New(rdb)
			}

			d := service.NewDispatcher(store, service.OptionsFromConfig(cfg), logger, service.MetricHooks{})
			sw := worker.NewSweepWorker(service.NewStallDetector(d), locker, cfg.WorkerID, cfg.SweepInterval, logger)

			start := time.Now()
			n, err := sw.Sweep(ctx)
			if err != nil {
				logger.Error("sweep failed", zap.Int("reclaimed", n), zap.Error(err))
				return err
			}
			logger.Info("sweep finished", zap.Int("reclaimed", n), zap.Duration("took", time.Since(start)))
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stalled item(s)\n", n)
			return nil
		},
	}
}
