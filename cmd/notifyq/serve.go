package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/api"
	"github.com/facilityhub/notifyq/internal/config"
	"github.com/facilityhub/notifyq/internal/metrics"
	"github.com/facilityhub/notifyq/internal/provider"
	"github.com/facilityhub/notifyq/internal/ratelimiter"
	"github.com/facilityhub/notifyq/internal/redislock"
	"github.com/facilityhub/notifyq/internal/service"
	"github.com/facilityhub/notifyq/internal/worker"
)

const depthInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, delivery workers and stall sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			noWorkers, _ := cmd.Flags().GetBool("no-workers")
			return serve(cmd.Context(), noWorkers)
		},
	}
	cmd.Flags().Bool("no-workers", false, "serve the API only; leases are claimed by external workers")
	return cmd
}

func serve(ctx context.Context, noWorkers bool) error {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	// ---- storage ----
	store, pool, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close() //nolint:errcheck
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	d := service.NewDispatcher(store, service.OptionsFromConfig(cfg), logger, m.ServiceHooks())
	stall := service.NewStallDetector(d)

	deps := api.Deps{
		Dispatcher:    d,
		Stall:         stall,
		Gatherer:      reg,
		Logger:        logger,
		OnRateLimited: m.RateLimitedRequests.Inc,
	}
	if pool != nil {
		deps.DB = pool
	}
	var locker *redislock.Locker
	if rdb != nil {
		deps.TenantLimiter = ratelimiter.NewTokenBucket(rdb, cfg.TenantRateCapacity, cfg.TenantRateRefill, time.Hour)
		locker = redislock.New(rdb)
	}

	// ---- background workers ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var workers *worker.Pool
	if !noWorkers {
		prov := provider.NewWebhookProvider(cfg.ProviderBaseURL, cfg.ProviderTimeout)
		workers = worker.NewPool(cfg, d, prov, ratelimiter.New(cfg.RateLimit), logger)
		workers.Start(workerCtx)
		logger.Info("delivery workers started", zap.Int("count", workers.Size()))
	}

	sweeper := worker.NewSweepWorker(stall, locker, cfg.WorkerID, cfg.SweepInterval, logger)
	go sweeper.Run(workerCtx)

	go worker.NewDepthWorker(d, depthInterval, logger).Run(workerCtx)

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
		cancelWorkers()
		if workers != nil {
			workers.Wait()
		}
		return err
	}

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop claiming. In-flight deliveries are abandoned to the stall
	// sweep of whichever replica runs next.
	cancelWorkers()

	// 3. Wait for workers to return.
	if workers != nil {
		workers.Wait()
	}

	logger.Info("server stopped cleanly")
	return nil
}
