package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/facilityhub/notifyq/internal/domain"
)

// MemoryQueueStore is an in-memory QueueStore. A single mutex makes every
// operation atomic, which gives the same claim and compare-and-set guarantees
// as the Postgres store within one process.
type MemoryQueueStore struct {
	mu      sync.RWMutex
	items   map[string]*domain.QueueItem
	batches map[string]*domain.Batch

	// Optional error overrides, set in tests to simulate failure paths.
	InsertErr      error
	ClaimErr       error
	CASErr         error
	FindExpiredErr error
	BatchErr       error
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		items:   make(map[string]*domain.QueueItem),
		batches: make(map[string]*domain.Batch),
	}
}

func (m *MemoryQueueStore) InsertItem(_ context.Context, item *domain.QueueItem) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.BatchRef != nil {
		b, ok := m.batches[*item.BatchRef]
		if !ok {
			return domain.ErrNotFound
		}
		if err := b.Admit(item.Channel, item.QueuedAt); err != nil {
			return err
		}
	}
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *MemoryQueueStore) GetItem(_ context.Context, id string) (*domain.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return it.Clone(), nil
}

func (m *MemoryQueueStore) ListItems(_ context.Context, f domain.ListFilter) ([]*domain.QueueItem, int, error) {
	m.mu.RLock()
	matched := make([]*domain.QueueItem, 0, len(m.items))
	for _, it := range m.items {
		if f.Status != nil && it.Status != *f.Status {
			continue
		}
		if f.Channel != nil && it.Channel != *f.Channel {
			continue
		}
		if f.BatchRef != nil && (it.BatchRef == nil || *it.BatchRef != *f.BatchRef) {
			continue
		}
		matched = append(matched, it.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].QueuedAt.After(matched[j].QueuedAt)
	})

	total := len(matched)
	if f.Limit <= 0 {
		return matched, total, nil
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * f.Limit
	if start >= total {
		return []*domain.QueueItem{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryQueueStore) ClaimBatch(_ context.Context, p ClaimParams) ([]*domain.QueueItem, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	if p.Limit <= 0 {
		return []*domain.QueueItem{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ready := make([]*domain.QueueItem, 0)
	for _, it := range m.items {
		if p.Channel != nil && it.Channel != *p.Channel {
			continue
		}
		if it.IsReady(p.Now) {
			ready = append(ready, it)
		}
	}
	SortForClaim(ready)
	if len(ready) > p.Limit {
		ready = ready[:p.Limit]
	}

	claimed := make([]*domain.QueueItem, 0, len(ready))
	for _, it := range ready {
		next, err := it.Claimed(p.WorkerID, p.Now, p.LeaseDuration)
		if err != nil {
			return nil, err
		}
		next.Version = it.Version + 1
		m.items[it.ID] = next
		claimed = append(claimed, next.Clone())
	}
	return claimed, nil
}

func (m *MemoryQueueStore) CompareAndSetStatus(_ context.Context, id string, expect Expectation, next *domain.QueueItem) (bool, error) {
	if m.CASErr != nil {
		return false, m.CASErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != expect.Status || cur.LeaseOwner != expect.LeaseOwner {
		return false, nil
	}
	if expect.Version != 0 && cur.Version != expect.Version {
		return false, nil
	}
	if expect.LeaseExpiredBefore != nil &&
		(cur.LeaseExpiresAt == nil || !cur.LeaseExpiresAt.Before(*expect.LeaseExpiredBefore)) {
		return false, nil
	}

	// Identity and enqueue-time fields are immutable; copy only mutable state.
	updated := cur.Clone()
	applyMutable(updated, next)
	updated.Version = cur.Version + 1
	m.items[id] = updated
	return true, nil
}

func applyMutable(dst, src *domain.QueueItem) {
	s := src.Clone()
	dst.Status = s.Status
	dst.LeaseOwner = s.LeaseOwner
	dst.LeaseExpiresAt = s.LeaseExpiresAt
	dst.RetryCount = s.RetryCount
	dst.StallCount = s.StallCount
	dst.NextRetryAt = s.NextRetryAt
	dst.LastError = s.LastError
	dst.CompletedAt = s.CompletedAt
	dst.UpdatedAt = s.UpdatedAt
}

func (m *MemoryQueueStore) FindExpiredLeases(_ context.Context, now time.Time, limit int) ([]*domain.QueueItem, error) {
	if m.FindExpiredErr != nil {
		return nil, m.FindExpiredErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	expired := make([]*domain.QueueItem, 0)
	for _, it := range m.items {
		if it.LeaseExpired(now) {
			expired = append(expired, it.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *MemoryQueueStore) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.Status]int)
	for _, it := range m.items {
		counts[it.Status]++
	}
	return counts, nil
}

func (m *MemoryQueueStore) CreateBatch(_ context.Context, b *domain.Batch) error {
	if m.BatchErr != nil {
		return m.BatchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b.Clone()
	return nil
}

func (m *MemoryQueueStore) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryQueueStore) MarkBatchStarted(_ context.Context, id string, now time.Time) error {
	if m.BatchErr != nil {
		return m.BatchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return domain.ErrNotFound
	}
	b.MarkStarted(now)
	return nil
}

func (m *MemoryQueueStore) RecordBatchSettled(_ context.Context, id string, success bool, now time.Time) (*domain.Batch, error) {
	if m.BatchErr != nil {
		return nil, m.BatchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := b.RecordSettled(success, now); err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// SortForClaim orders items by priority descending then queued_at ascending.
func SortForClaim(items []*domain.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}

// compile-time check that MemoryQueueStore implements QueueStore
var _ QueueStore = (*MemoryQueueStore)(nil)
