package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/config"
	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/provider"
	"github.com/facilityhub/notifyq/internal/ratelimiter"
	"github.com/facilityhub/notifyq/internal/service"
)

// Pool manages the lifecycle of all delivery workers.
// Each worker is bound to one channel and claims only that channel's items,
// so a slow channel cannot starve the others.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates the configured number of workers per channel. Worker ids
// are derived from cfg.WorkerID so every lease names its process.
func NewPool(
	cfg *config.Config,
	d *service.Dispatcher,
	prov provider.Provider,
	limiter *ratelimiter.ChannelLimiters,
	logger *zap.Logger,
) *Pool {
	counts := map[domain.Channel]int{
		domain.ChannelEmail: cfg.EmailWorkers,
		domain.ChannelSMS:   cfg.SMSWorkers,
		domain.ChannelPush:  cfg.PushWorkers,
		domain.ChannelInApp: cfg.InAppWorkers,
	}

	var workers []*Worker
	for _, ch := range domain.Channels {
		for i := 0; i < counts[ch]; i++ {
			id := fmt.Sprintf("%s/%s-%d", cfg.WorkerID, ch, i)
			workers = append(workers, NewWorker(
				id, ch, d, prov, limiter,
				cfg.ClaimBatchSize, cfg.PollInterval,
				logger.With(zap.String("worker_id", id), zap.String("channel", string(ch))),
			))
		}
	}

	return &Pool{workers: workers}
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches all workers as goroutines.
// The provided ctx is forwarded to every worker; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight items are reported.
func (p *Pool) Wait() {
	p.wg.Wait()
}
