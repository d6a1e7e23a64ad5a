package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/config"
	"github.com/facilityhub/notifyq/internal/db"
	"github.com/facilityhub/notifyq/internal/repository"
)

// openStore returns the configured queue store. pool is nil for the memory
// driver; close releases whatever was opened.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store repository.QueueStore, pool *pgxpool.Pool, closeFn func(), err error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; queue state is lost on restart")
		return repository.NewMemoryQueueStore(), nil, func() {}, nil
	}

	pool, err = db.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return repository.NewPgQueueStore(pool), pool, pool.Close, nil
}

// openRedis connects when REDIS_ADDR is set. A nil client disables the
// tenant rate limit and the sweep lock.
func openRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		logger.Info("redis not configured; tenant rate limit and sweep lock disabled")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
