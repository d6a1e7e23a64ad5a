package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/repository"
)

// BatchCoordinator tracks aggregate progress for items sharing a batch ref.
// Counter updates go through the store's single increment-and-recompute
// operation; the coordinator never reads then writes a batch itself.
type BatchCoordinator struct {
	store  repository.QueueStore
	opts   Options
	logger *zap.Logger
}

func NewBatchCoordinator(store repository.QueueStore, opts Options, logger *zap.Logger) *BatchCoordinator {
	return &BatchCoordinator{store: store, opts: opts.withDefaults(), logger: logger}
}

// CreateBatch registers a batch expecting req.TotalCount items and returns it.
// Producers pass the returned ID as batchRef when enqueueing.
func (c *BatchCoordinator) CreateBatch(ctx context.Context, req domain.CreateBatchRequest) (*domain.Batch, error) {
	b, err := domain.NewBatch(c.opts.NewID(), req.Channel, req.TotalCount, c.opts.Now())
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	c.logger.Info("batch created",
		zap.String("batch_id", b.ID),
		zap.String("channel", string(b.Channel)),
		zap.Int("total_count", b.TotalCount),
	)
	return b, nil
}

// RecordItemSettled counts one terminal item outcome against the batch.
func (c *BatchCoordinator) RecordItemSettled(ctx context.Context, batchRef string, success bool) (*domain.Batch, error) {
	b, err := c.store.RecordBatchSettled(ctx, batchRef, success, c.opts.Now())
	if err != nil {
		return nil, err
	}
	if b.Status == domain.BatchStatusCompleted {
		c.logger.Info("batch completed",
			zap.String("batch_id", b.ID),
			zap.Int("success_count", b.SuccessCount),
			zap.Int("failure_count", b.FailureCount),
		)
	}
	return b, nil
}

// GetBatchStatus returns the read-only progress view of a batch.
func (c *BatchCoordinator) GetBatchStatus(ctx context.Context, batchRef string) (domain.BatchProgress, error) {
	b, err := c.store.GetBatch(ctx, batchRef)
	if err != nil {
		return domain.BatchProgress{}, err
	}
	return b.Progress(), nil
}

// settle records a terminal outcome on the item's batch, if any. The item
// write has already committed, so failures here are logged, not returned.
func (c *BatchCoordinator) settle(ctx context.Context, it *domain.QueueItem) {
	if it.BatchRef == nil || !it.Status.IsTerminal() {
		return
	}
	_, err := c.RecordItemSettled(ctx, *it.BatchRef, it.Status == domain.StatusCompleted)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrBatchComplete):
		c.logger.Warn("item settled after its batch completed",
			zap.String("batch_id", *it.BatchRef), zap.String("item_id", it.ID))
	default:
		c.logger.Error("failed to update batch progress",
			zap.String("batch_id", *it.BatchRef), zap.String("item_id", it.ID), zap.Error(err))
	}
}

// markStarted moves the batches of freshly claimed items to processing.
func (c *BatchCoordinator) markStarted(ctx context.Context, items []*domain.QueueItem) {
	seen := make(map[string]struct{})
	for _, it := range items {
		if it.BatchRef == nil {
			continue
		}
		if _, ok := seen[*it.BatchRef]; ok {
			continue
		}
		seen[*it.BatchRef] = struct{}{}
		if err := c.store.MarkBatchStarted(ctx, *it.BatchRef, c.opts.Now()); err != nil {
			c.logger.Warn("failed to mark batch started",
				zap.String("batch_id", *it.BatchRef), zap.Error(err))
		}
	}
}
