package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/repository"
)

// LeaseManager hands out time-bounded exclusive claims on ready items.
type LeaseManager struct {
	store   repository.QueueStore
	batches *BatchCoordinator
	d       *Dispatcher
	opts    Options
	hooks   MetricHooks
	logger  *zap.Logger
}

// Claim leases up to limit ready items to workerID for the configured lease
// duration. A nil channel claims across all channels. Losing a race with
// another claimer yields fewer items, never an error.
func (m *LeaseManager) Claim(ctx context.Context, channel *domain.Channel, limit int, workerID string) ([]*domain.QueueItem, error) {
	if workerID == "" {
		return nil, domain.ErrMissingWorkerID
	}
	if limit > m.opts.MaxClaimLimit {
		return nil, domain.ErrInvalidClaimLimit
	}
	if limit <= 0 {
		return []*domain.QueueItem{}, nil
	}

	items, err := m.store.ClaimBatch(ctx, repository.ClaimParams{
		Channel:       channel,
		Limit:         limit,
		WorkerID:      workerID,
		LeaseDuration: m.opts.LeaseDuration,
		Now:           m.opts.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	m.batches.markStarted(ctx, items)

	perChannel := make(map[domain.Channel]int)
	for _, it := range items {
		perChannel[it.Channel]++
	}
	for ch, n := range perChannel {
		m.hooks.OnClaimed(ch, n)
	}
	m.logger.Debug("items claimed", zap.String("worker_id", workerID), zap.Int("count", len(items)))
	return items, nil
}

// Renew extends the lease on itemID held by workerID. It returns
// domain.ErrStaleLease when the caller no longer holds the lease.
func (m *LeaseManager) Renew(ctx context.Context, itemID, workerID string) (*domain.QueueItem, error) {
	if workerID == "" {
		return nil, domain.ErrMissingWorkerID
	}
	cur, err := m.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.StatusProcessing || cur.LeaseOwner != workerID {
		return nil, m.stale("renew", cur, workerID)
	}

	next, err := cur.Renewed(m.opts.Now(), m.opts.LeaseDuration)
	if err != nil {
		return nil, err
	}
	// The version pins the read: a reclaim and re-claim by the same worker id
	// in between must not be overwritten by this snapshot.
	ok, err := m.store.CompareAndSetStatus(ctx, itemID, repository.Expectation{
		Status:     domain.StatusProcessing,
		LeaseOwner: workerID,
		Version:    cur.Version,
	}, next)
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	if !ok {
		return nil, m.stale("renew", cur, workerID)
	}
	next.Version = cur.Version + 1
	return next, nil
}

// Release hands a claimed item back with its delivery outcome.
func (m *LeaseManager) Release(ctx context.Context, o Outcome) (*domain.QueueItem, error) {
	return m.d.ReportOutcome(ctx, o)
}

func (m *LeaseManager) stale(op string, cur *domain.QueueItem, workerID string) error {
	m.hooks.OnStaleReport(op)
	m.logger.Info("stale lease",
		zap.String("op", op),
		zap.String("item_id", cur.ID),
		zap.String("worker_id", workerID),
		zap.String("status", string(cur.Status)),
		zap.String("lease_owner", cur.LeaseOwner),
	)
	return domain.ErrStaleLease
}
