package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/redislock"
	"github.com/facilityhub/notifyq/internal/service"
)

const sweepLockName = "stall-sweep"

// SweepWorker runs the stall detector on a fixed interval, independent of
// delivery activity. Leases, not timers, carry the recovery state, so a
// restart loses nothing.
//
// When a locker is configured only one replica sweeps per tick.
type SweepWorker struct {
	detector *service.StallDetector
	locker   *redislock.Locker // nil sweeps without coordination
	owner    string
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewSweepWorker(
	detector *service.StallDetector,
	locker *redislock.Locker,
	owner string,
	interval time.Duration,
	logger *zap.Logger,
) *SweepWorker {
	return &SweepWorker{
		detector: detector, locker: locker, owner: owner, interval: interval,
		now: detector.Now, logger: logger,
	}
}

// WithClock replaces the time source passed to the detector.
func (sw *SweepWorker) WithClock(now func() time.Time) *SweepWorker {
	sw.now = now
	return sw
}

// Run ticks every interval and reclaims stalled leases.
// Stops cleanly when ctx is cancelled.
func (sw *SweepWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("sweep worker started", zap.Duration("interval", sw.interval))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweep worker stopping")
			return
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil {
				sw.logger.Error("stall sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs a single cycle and returns the number of reclaimed items.
// Skipping because another replica holds the lock is not an error. Lock and
// store errors end the cycle and are returned; the next tick retries.
func (sw *SweepWorker) Sweep(ctx context.Context) (int, error) {
	if sw.locker != nil {
		lock, err := sw.locker.TryAcquire(ctx, sweepLockName, sw.owner, sw.interval)
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if lock == nil {
			sw.logger.Debug("another replica holds the sweep lock")
			return 0, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				sw.logger.Warn("sweep lock release failed", zap.Error(err))
			}
		}()
	}

	return sw.detector.SweepStalled(ctx, sw.now())
}
