package repository

import (
	"context"
	"time"

	"github.com/facilityhub/notifyq/internal/domain"
)

// ClaimParams selects and leases ready items.
type ClaimParams struct {
	Channel       *domain.Channel // nil = any channel
	Limit         int
	WorkerID      string
	LeaseDuration time.Duration
	Now           time.Time
}

// Expectation guards a compare-and-set write. The write applies only when
// the stored item still matches every populated field.
type Expectation struct {
	Status     domain.Status
	LeaseOwner string // "" expects no lease owner

	// Version, when non-zero, must equal the stored version.
	Version int64
	// LeaseExpiredBefore, when set, requires lease_expires_at < the value.
	LeaseExpiredBefore *time.Time
}

// QueueStore is the durable table of queue items and batches.
//
// Items are only mutated through ClaimBatch and CompareAndSetStatus so that
// at most one worker holds a processing lease on any item. The pgx
// implementation is in pg_queue_store.go; memory_queue_store.go backs tests
// and the single-process memory driver.
type QueueStore interface {
	// InsertItem stores a new item. When item.BatchRef is set it reserves a
	// member slot on the batch in the same atomic step and fails with
	// domain.ErrNotFound, ErrBatchChannelMismatch or ErrBatchClosed.
	InsertItem(ctx context.Context, item *domain.QueueItem) error
	GetItem(ctx context.Context, id string) (*domain.QueueItem, error)
	ListItems(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, int, error)

	// ClaimBatch atomically leases up to p.Limit ready items ordered by
	// priority descending then queued_at ascending. Concurrent callers never
	// receive the same item.
	ClaimBatch(ctx context.Context, p ClaimParams) ([]*domain.QueueItem, error)

	// CompareAndSetStatus writes next's mutable state only if the stored item
	// matches expect. It returns false, without mutating, otherwise.
	CompareAndSetStatus(ctx context.Context, id string, expect Expectation, next *domain.QueueItem) (bool, error)

	// FindExpiredLeases returns processing items whose lease ended before now.
	FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error)

	// CountByStatus returns the number of items in each status.
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	CreateBatch(ctx context.Context, b *domain.Batch) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)

	// MarkBatchStarted moves a queued batch to processing.
	MarkBatchStarted(ctx context.Context, id string, now time.Time) error

	// RecordBatchSettled atomically increments the batch counters and
	// recomputes status, throughput and ETA.
	RecordBatchSettled(ctx context.Context, id string, success bool, now time.Time) (*domain.Batch, error)
}
