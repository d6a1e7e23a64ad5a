package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/service"
)

// DepthWorker refreshes the queue depth gauges on a fixed interval so the
// Prometheus scrape reflects the store even when nobody calls /stats.
type DepthWorker struct {
	d        *service.Dispatcher
	interval time.Duration
	logger   *zap.Logger
}

func NewDepthWorker(d *service.Dispatcher, interval time.Duration, logger *zap.Logger) *DepthWorker {
	return &DepthWorker{d: d, interval: interval, logger: logger}
}

func (dw *DepthWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(dw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := dw.d.Stats(ctx); err != nil && ctx.Err() == nil {
				dw.logger.Warn("queue depth snapshot failed", zap.Error(err))
			}
		}
	}
}
