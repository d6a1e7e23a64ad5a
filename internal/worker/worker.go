package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/provider"
	"github.com/facilityhub/notifyq/internal/ratelimiter"
	"github.com/facilityhub/notifyq/internal/service"
)

// Worker is a single goroutine that claims batches of items for one channel,
// applies the channel rate limit, delivers via the provider and reports each
// outcome through the dispatcher.
type Worker struct {
	id           string
	channel      domain.Channel
	d            *service.Dispatcher
	prov         provider.Provider
	limiter      *ratelimiter.ChannelLimiters
	batchSize    int
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewWorker(
	id string,
	channel domain.Channel,
	d *service.Dispatcher,
	prov provider.Provider,
	limiter *ratelimiter.ChannelLimiters,
	batchSize int,
	pollInterval time.Duration,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		id: id, channel: channel, d: d, prov: prov, limiter: limiter,
		batchSize: batchSize, pollInterval: pollInterval, logger: logger,
	}
}

// Run blocks until ctx is cancelled. It claims immediately while work is
// available and sleeps for the poll interval when the queue is empty.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		idle := !w.runOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}
		if !idle {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// runOnce processes one claimed batch and reports whether anything was claimed.
func (w *Worker) runOnce(ctx context.Context) bool {
	sum, err := w.d.RunOnce(ctx, w.id, &w.channel, w.batchSize, w.deliver)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim failed", zap.Error(err))
		}
		return false
	}
	if sum.Claimed > 0 {
		w.logger.Debug("batch processed",
			zap.Int("claimed", sum.Claimed),
			zap.Int("completed", sum.Completed),
			zap.Int("retried", sum.Retried),
			zap.Int("failed", sum.Failed),
			zap.Int("stale", sum.Stale),
		)
	}
	return sum.Claimed > 0
}

func (w *Worker) deliver(ctx context.Context, item *domain.QueueItem) error {
	// Block here until the per-channel rate limiter grants a token.
	if err := w.limiter.Wait(ctx, item.Channel); err != nil {
		return domain.Transient(err)
	}
	resp, err := w.prov.Send(ctx, item)
	if err != nil {
		return err
	}
	w.logger.Debug("item delivered",
		zap.String("item_id", item.ID),
		zap.String("provider_msg_id", resp.MessageID))
	return nil
}
