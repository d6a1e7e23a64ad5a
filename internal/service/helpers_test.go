package service_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/repository"
	"github.com/facilityhub/notifyq/internal/service"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	d     *service.Dispatcher
	store *repository.MemoryQueueStore
	clock *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*service.Options)) *harness {
	t.Helper()
	clk := &fakeClock{now: t0}
	var seq atomic.Int64

	opts := service.DefaultOptions()
	opts.Now = clk.Now
	opts.NewID = func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	for _, m := range mutate {
		m(&opts)
	}

	store := repository.NewMemoryQueueStore()
	return &harness{
		d:     service.NewDispatcher(store, opts, zap.NewNop(), service.MetricHooks{}),
		store: store,
		clock: clk,
	}
}

func (h *harness) enqueue(t *testing.T, req domain.EnqueueRequest) *domain.QueueItem {
	t.Helper()
	it, err := h.d.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return it
}

func (h *harness) claim(t *testing.T, limit int, worker string) []*domain.QueueItem {
	t.Helper()
	items, err := h.d.Leases().Claim(context.Background(), nil, limit, worker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return items
}

func (h *harness) item(t *testing.T, id string) *domain.QueueItem {
	t.Helper()
	it, err := h.store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return it
}

func req(p domain.Priority) domain.EnqueueRequest {
	return domain.EnqueueRequest{
		PayloadRef: "announcement:42",
		Channel:    domain.ChannelEmail,
		Priority:   p,
	}
}

func intPtr(n int) *int { return &n }
