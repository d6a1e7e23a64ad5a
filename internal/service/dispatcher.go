package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/repository"
)

// reportTimeout bounds the outcome write issued after a handler returns, so
// an in-flight delivery is still recorded while the process shuts down.
const reportTimeout = 10 * time.Second

// Outcome is a worker's report on a claimed item.
type Outcome struct {
	ItemID       string           `json:"-"`
	WorkerID     string           `json:"worker_id"`
	Success      bool             `json:"success"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Handler delivers one claimed item. A nil error means delivered; any other
// error is classified with domain.ClassifyError. The context is cancelled if
// the lease is lost while the handler runs.
type Handler func(ctx context.Context, item *domain.QueueItem) error

// RunSummary counts what happened to the items of one RunOnce call.
type RunSummary struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Stale     int
	Abandoned int
}

// QueueStats is the queue depth snapshot served to monitoring tooling.
type QueueStats struct {
	Depth map[domain.Status]int `json:"depth"`
	Total int                   `json:"total"`
}

// Dispatcher drives the item state machine: enqueue, claim, execute, settle.
// HTTP handlers and delivery workers depend on the dispatcher, not on the
// store directly.
type Dispatcher struct {
	store   repository.QueueStore
	leases  *LeaseManager
	batches *BatchCoordinator
	opts    Options
	hooks   MetricHooks
	logger  *zap.Logger
}

func NewDispatcher(
	store repository.QueueStore,
	opts Options,
	logger *zap.Logger,
	hooks MetricHooks,
) *Dispatcher {
	opts = opts.withDefaults()
	hooks = hooks.withDefaults()
	d := &Dispatcher{
		store:   store,
		batches: NewBatchCoordinator(store, opts, logger),
		opts:    opts,
		hooks:   hooks,
		logger:  logger,
	}
	d.leases = &LeaseManager{
		store:   store,
		batches: d.batches,
		d:       d,
		opts:    opts,
		hooks:   hooks,
		logger:  logger,
	}
	return d
}

func (d *Dispatcher) Leases() *LeaseManager { return d.leases }

func (d *Dispatcher) Batches() *BatchCoordinator { return d.batches }

// Enqueue validates producer input and inserts a queued item. A batch member
// takes one of the batch's TotalCount slots; a full, completed or unknown
// batch rejects it.
func (d *Dispatcher) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error) {
	now := d.opts.Now()
	if err := req.Validate(now, d.opts.EnqueueStaleHorizon); err != nil {
		return nil, err
	}

	maxRetries := d.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	it := &domain.QueueItem{
		ID:           d.opts.NewID(),
		PayloadRef:   req.PayloadRef,
		Channel:      req.Channel,
		Priority:     req.Priority,
		Status:       domain.StatusQueued,
		ScheduledFor: req.ScheduledFor,
		QueuedAt:     now,
		MaxRetries:   maxRetries,
		BatchRef:     req.BatchRef,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := d.store.InsertItem(ctx, it); err != nil {
		return nil, fmt.Errorf("persist item: %w", err)
	}

	d.hooks.OnEnqueued(it.Channel)
	d.logger.Debug("item enqueued",
		zap.String("item_id", it.ID),
		zap.String("channel", string(it.Channel)),
		zap.String("priority", string(it.Priority)),
	)
	return it, nil
}

// ReportOutcome settles a processing item held by o.WorkerID. When the lease
// has already been reclaimed or settled the call changes nothing and returns
// domain.ErrStaleLease.
func (d *Dispatcher) ReportOutcome(ctx context.Context, o Outcome) (*domain.QueueItem, error) {
	if o.WorkerID == "" {
		return nil, domain.ErrMissingWorkerID
	}
	cur, err := d.store.GetItem(ctx, o.ItemID)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.StatusProcessing || cur.LeaseOwner != o.WorkerID {
		return nil, d.leases.stale("report", cur, o.WorkerID)
	}

	now := d.opts.Now()
	var next *domain.QueueItem
	if o.Success {
		next, err = cur.Completed(now)
	} else {
		kind := domain.ErrorKindTransient
		if o.ErrorKind == domain.ErrorKindPermanent {
			kind = domain.ErrorKindPermanent
		}
		next, err = cur.Failed(kind, o.ErrorMessage, now, d.opts.Backoff.Delay)
	}
	if err != nil {
		return nil, err
	}

	ok, err := d.store.CompareAndSetStatus(ctx, cur.ID, repository.Expectation{
		Status:     domain.StatusProcessing,
		LeaseOwner: o.WorkerID,
		Version:    cur.Version,
	}, next)
	if err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}
	if !ok {
		return nil, d.leases.stale("report", cur, o.WorkerID)
	}
	next.Version = cur.Version + 1

	log := d.logger.With(
		zap.String("item_id", next.ID),
		zap.String("channel", string(next.Channel)),
		zap.Int("retry_count", next.RetryCount),
	)
	switch next.Status {
	case domain.StatusCompleted:
		d.hooks.OnCompleted(next.Channel)
		log.Debug("item completed")
	case domain.StatusQueued:
		d.hooks.OnRetried(next.Channel)
		log.Info("item scheduled for retry",
			zap.Timep("next_retry_at", next.NextRetryAt),
			zap.String("error", o.ErrorMessage))
	case domain.StatusFailed:
		d.hooks.OnFailed(next.Channel, next.LastError.Kind)
		log.Warn("item failed",
			zap.String("error_kind", string(next.LastError.Kind)),
			zap.String("error", o.ErrorMessage))
	}

	d.batches.settle(ctx, next)
	return next, nil
}

// Cancel moves a queued item to cancelled. Items in any other state are
// rejected with domain.ErrInvalidStateTransition.
func (d *Dispatcher) Cancel(ctx context.Context, itemID string) (*domain.QueueItem, error) {
	cur, err := d.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	next, err := cur.Cancelled(d.opts.Now())
	if err != nil {
		return nil, err
	}

	ok, err := d.store.CompareAndSetStatus(ctx, itemID, repository.Expectation{
		Status:  domain.StatusQueued,
		Version: cur.Version,
	}, next)
	if err != nil {
		return nil, fmt.Errorf("cancel item: %w", err)
	}
	if !ok {
		// Claimed or cancelled between the read and the write.
		return nil, fmt.Errorf("%w: item changed while cancelling", domain.ErrInvalidStateTransition)
	}
	next.Version = cur.Version + 1

	d.hooks.OnCancelled(next.Channel)
	d.logger.Info("item cancelled", zap.String("item_id", itemID))
	d.batches.settle(ctx, next)
	return next, nil
}

func (d *Dispatcher) GetItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	return d.store.GetItem(ctx, id)
}

// ListItems returns a page of items and the total matching count.
func (d *Dispatcher) ListItems(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	return d.store.ListItems(ctx, f)
}

// Stats returns item counts per status and publishes them to the depth hook.
func (d *Dispatcher) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("count items: %w", err)
	}
	stats := QueueStats{Depth: make(map[domain.Status]int, 5)}
	for _, st := range []domain.Status{
		domain.StatusQueued, domain.StatusProcessing, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusCancelled,
	} {
		n := counts[st]
		stats.Depth[st] = n
		stats.Total += n
		d.hooks.OnQueueDepth(st, n)
	}
	return stats, nil
}

// RunOnce claims up to limit items for workerID and runs h on each in turn,
// reporting every outcome. The lease is renewed while h runs. One item's
// failure, panic or lost lease never prevents the rest from being processed.
//
// If ctx is cancelled mid-batch the unprocessed items are left leased; the
// stall detector returns them to the queue without spending retry budget.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string, channel *domain.Channel, limit int, h Handler) (RunSummary, error) {
	var sum RunSummary
	items, err := d.leases.Claim(ctx, channel, limit, workerID)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(items)

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		d.process(ctx, workerID, it, h, &sum)
	}
	return sum, nil
}

func (d *Dispatcher) process(ctx context.Context, workerID string, it *domain.QueueItem, h Handler, sum *RunSummary) {
	log := d.logger.With(
		zap.String("item_id", it.ID),
		zap.String("channel", string(it.Channel)),
		zap.String("worker_id", workerID),
	)

	hctx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.heartbeat(hctx, cancel, it.ID, workerID, &lost, log)
	}()

	start := time.Now()
	herr := callHandler(hctx, h, it)
	elapsed := time.Since(start)
	cancel()
	<-done

	if lost.Load() {
		sum.Stale++
		log.Warn("lease lost during delivery; outcome discarded")
		return
	}

	if herr != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not a delivery failure. The stall
		// detector requeues it without spending retry budget.
		sum.Abandoned++
		log.Info("delivery interrupted by shutdown; lease left to expire")
		return
	}

	o := Outcome{ItemID: it.ID, WorkerID: workerID, Success: herr == nil}
	if herr != nil {
		o.ErrorKind = domain.ClassifyError(herr)
		o.ErrorMessage = herr.Error()
	} else {
		d.hooks.OnDelivered(it.Channel, elapsed)
	}

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer rcancel()
	next, err := d.ReportOutcome(rctx, o)
	switch {
	case errors.Is(err, domain.ErrStaleLease):
		sum.Stale++
		return
	case err != nil:
		log.Error("failed to report outcome", zap.Error(err))
		return
	}

	switch next.Status {
	case domain.StatusCompleted:
		sum.Completed++
	case domain.StatusQueued:
		sum.Retried++
	case domain.StatusFailed:
		sum.Failed++
	}
}

// heartbeat renews the lease every RenewInterval until ctx ends. A stale
// renew marks the lease lost and cancels the handler.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, itemID, workerID string, lost *atomic.Bool, log *zap.Logger) {
	ticker := time.NewTicker(d.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := d.leases.Renew(ctx, itemID, workerID)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrStaleLease):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("lease renew failed", zap.Error(err))
			}
		}
	}
}

// callHandler runs h and converts a panic into a transient delivery error.
func callHandler(ctx context.Context, h Handler, it *domain.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, it)
}
