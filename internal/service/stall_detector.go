package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/repository"
)

// StallDetector reclaims processing items whose lease expired without a report.
type StallDetector struct {
	store   repository.QueueStore
	batches *BatchCoordinator
	opts    Options
	hooks   MetricHooks
	logger  *zap.Logger
}

func NewStallDetector(d *Dispatcher) *StallDetector {
	return &StallDetector{
		store:   d.store,
		batches: d.batches,
		opts:    d.opts,
		hooks:   d.hooks,
		logger:  d.logger,
	}
}

// Now reports the detector's clock, the default reference time for a sweep.
func (s *StallDetector) Now() time.Time { return s.opts.Now() }

// SweepStalled returns every item whose lease expired before now to the
// queue, leaving retryCount untouched. An item that has already been
// reclaimed StallReclaimCap times fails with kind "stalled" instead.
// It returns how many items were reclaimed. A store error aborts the sweep;
// the next tick retries it.
func (s *StallDetector) SweepStalled(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		expired, err := s.store.FindExpiredLeases(ctx, now, s.opts.SweepPageSize)
		if err != nil {
			return total, fmt.Errorf("find expired leases: %w", err)
		}

		reclaimed := 0
		for _, it := range expired {
			ok, err := s.reclaim(ctx, it, now)
			if err != nil {
				return total, err
			}
			if ok {
				reclaimed++
			}
		}
		total += reclaimed

		// A short page is the last one. A page where nothing could be
		// reclaimed would return the same rows again.
		if len(expired) < s.opts.SweepPageSize || reclaimed == 0 {
			break
		}
	}

	if total > 0 {
		s.logger.Info("stalled leases reclaimed", zap.Int("count", total))
	}
	return total, nil
}

func (s *StallDetector) reclaim(ctx context.Context, it *domain.QueueItem, now time.Time) (bool, error) {
	next, err := it.Reclaimed(now, s.opts.StallReclaimCap)
	if err != nil {
		return false, err
	}

	// The lease must still be expired and untouched since it was read, so a
	// renew or report that lands first always wins.
	expiredBefore := now
	ok, err := s.store.CompareAndSetStatus(ctx, it.ID, repository.Expectation{
		Status:             domain.StatusProcessing,
		LeaseOwner:         it.LeaseOwner,
		Version:            it.Version,
		LeaseExpiredBefore: &expiredBefore,
	}, next)
	if err != nil {
		return false, fmt.Errorf("reclaim item %s: %w", it.ID, err)
	}
	if !ok {
		return false, nil
	}

	log := s.logger.With(
		zap.String("item_id", it.ID),
		zap.String("lease_owner", it.LeaseOwner),
		zap.Int("stall_count", next.StallCount),
	)
	if next.Status == domain.StatusFailed {
		s.hooks.OnFailed(next.Channel, domain.ErrorKindStalled)
		log.Warn("item failed after repeated stalls")
		s.batches.settle(ctx, next)
	} else {
		s.hooks.OnStallReclaimed(next.Channel)
		log.Info("stalled item returned to queue")
	}
	return true, nil
}
