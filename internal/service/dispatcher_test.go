package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/repository"
	"github.com/facilityhub/notifyq/internal/service"
)

func TestDispatcher_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	low := h.enqueue(t, req(domain.PriorityLow))
	h.clock.Advance(time.Second)
	urgentReq := req(domain.PriorityUrgent)
	urgentReq.MaxRetries = intPtr(2)
	urgent := h.enqueue(t, urgentReq)
	h.clock.Advance(time.Second)
	medium := h.enqueue(t, req(domain.PriorityMedium))

	claimed := h.claim(t, 3, "worker-a")
	want := []string{urgent.ID, medium.ID, low.ID}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed items, got %d", len(claimed))
	}
	for i, id := range want {
		if claimed[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, claimed[i].ID)
		}
	}

	now := h.clock.Now()
	got, err := h.d.ReportOutcome(ctx, service.Outcome{
		ItemID:       urgent.ID,
		WorkerID:     "worker-a",
		ErrorKind:    domain.ErrorKindTransient,
		ErrorMessage: "provider timeout",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", got.RetryCount)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(now.Add(60*time.Second)) {
		t.Fatalf("expected next_retry_at=now+60s, got %v", got.NextRetryAt)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatal("expected lease fields cleared")
	}

	stored := h.item(t, urgent.ID)
	if stored.Status != domain.StatusQueued || stored.LastError == nil || stored.LastError.Kind != domain.ErrorKindTransient {
		t.Fatalf("unexpected stored item: %+v", stored)
	}

	// Not claimable until the backoff elapses.
	if items := h.claim(t, 1, "worker-b"); len(items) != 0 {
		t.Fatalf("expected item to be backing off, got %d claimed", len(items))
	}
	h.clock.Advance(61 * time.Second)
	if items := h.claim(t, 1, "worker-b"); len(items) != 1 || items[0].ID != urgent.ID {
		t.Fatalf("expected urgent item to be claimable after backoff, got %v", items)
	}
}

func TestDispatcher_Enqueue_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.d.Batches().CreateBatch(ctx, domain.CreateBatchRequest{Channel: domain.ChannelSMS, TotalCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	old := t0.Add(-2 * time.Hour)
	missing := "no-such-batch"
	mismatched := b.ID

	tests := []struct {
		name   string
		mutate func(*domain.EnqueueRequest)
		want   error
	}{
		{"unknown channel", func(r *domain.EnqueueRequest) { r.Channel = "fax" }, domain.ErrInvalidChannel},
		{"unknown priority", func(r *domain.EnqueueRequest) { r.Priority = "critical" }, domain.ErrInvalidPriority},
		{"empty payload", func(r *domain.EnqueueRequest) { r.PayloadRef = "" }, domain.ErrInvalidPayloadRef},
		{"stale schedule", func(r *domain.EnqueueRequest) { r.ScheduledFor = &old }, domain.ErrScheduleTooOld},
		{"negative retries", func(r *domain.EnqueueRequest) { r.MaxRetries = intPtr(-1) }, domain.ErrInvalidMaxRetries},
		{"unknown batch", func(r *domain.EnqueueRequest) { r.BatchRef = &missing }, domain.ErrNotFound},
		{"batch channel mismatch", func(r *domain.EnqueueRequest) { r.BatchRef = &mismatched }, domain.ErrBatchChannelMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := req(domain.PriorityHigh)
			tc.mutate(&r)
			_, err := h.d.Enqueue(ctx, r)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if n, _, _ := h.store.ListItems(ctx, domain.ListFilter{}); len(n) != 0 {
		t.Fatalf("rejected requests must not enqueue, found %d items", len(n))
	}
}

func TestDispatcher_Enqueue_Defaults(t *testing.T) {
	h := newHarness(t, func(o *service.Options) { o.DefaultMaxRetries = 4 })

	it := h.enqueue(t, req(domain.PriorityLow))
	if it.Status != domain.StatusQueued || it.MaxRetries != 4 || it.Version != 1 {
		t.Fatalf("unexpected item: %+v", it)
	}
	if !it.QueuedAt.Equal(t0) {
		t.Fatalf("expected queued_at=%s, got %s", t0, it.QueuedAt)
	}
}

func TestDispatcher_Enqueue_ClosedBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, _ := h.d.Batches().CreateBatch(ctx, domain.CreateBatchRequest{Channel: domain.ChannelEmail, TotalCount: 1})
	r := req(domain.PriorityLow)
	r.BatchRef = &b.ID
	it := h.enqueue(t, r)
	h.claim(t, 1, "w")
	if _, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "w", Success: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.d.Enqueue(ctx, r); !errors.Is(err, domain.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed, got %v", err)
	}
}

func TestDispatcher_RetryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := req(domain.PriorityHigh)
	r.MaxRetries = intPtr(1)
	it := h.enqueue(t, r)

	fail := func() *domain.QueueItem {
		t.Helper()
		if got := h.claim(t, 1, "w"); len(got) != 1 {
			t.Fatalf("expected to claim the item, got %d", len(got))
		}
		next, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "w", ErrorMessage: "503"})
		if err != nil {
			t.Fatalf("report: %v", err)
		}
		return next
	}

	first := fail()
	if first.Status != domain.StatusQueued || first.RetryCount != 1 {
		t.Fatalf("expected queued with retry_count=1, got %s/%d", first.Status, first.RetryCount)
	}

	h.clock.Advance(time.Hour)
	second := fail()
	if second.Status != domain.StatusFailed {
		t.Fatalf("expected failed once budget is spent, got %s", second.Status)
	}
	if second.RetryCount != 1 {
		t.Fatalf("retry_count must not exceed max_retries, got %d", second.RetryCount)
	}
}

func TestDispatcher_PermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t)
	it := h.enqueue(t, req(domain.PriorityHigh))
	h.claim(t, 1, "w")

	got, err := h.d.ReportOutcome(context.Background(), service.Outcome{
		ItemID: it.ID, WorkerID: "w", ErrorKind: domain.ErrorKindPermanent, ErrorMessage: "invalid recipient",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("expected failed with retry_count=0, got %s/%d", got.Status, got.RetryCount)
	}
	if got.LastError.Kind != domain.ErrorKindPermanent || got.LastError.Message != "invalid recipient" {
		t.Fatalf("unexpected last error: %+v", got.LastError)
	}
}

func TestDispatcher_ReportOutcome_Stale(t *testing.T) {
	ctx := context.Background()

	t.Run("second report is a no-op", func(t *testing.T) {
		h := newHarness(t)
		it := h.enqueue(t, req(domain.PriorityHigh))
		h.claim(t, 1, "w")

		if _, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "w", Success: true}); err != nil {
			t.Fatal(err)
		}
		before := h.item(t, it.ID)
		_, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "w", ErrorMessage: "late"})
		if !errors.Is(err, domain.ErrStaleLease) {
			t.Fatalf("expected ErrStaleLease, got %v", err)
		}
		after := h.item(t, it.ID)
		if after.Version != before.Version || after.Status != domain.StatusCompleted {
			t.Fatalf("stale report mutated the item: %+v", after)
		}
	})

	t.Run("report after stall reclaim", func(t *testing.T) {
		h := newHarness(t)
		it := h.enqueue(t, req(domain.PriorityHigh))
		h.claim(t, 1, "w")

		h.clock.Advance(31 * time.Minute)
		if n, err := service.NewStallDetector(h.d).SweepStalled(ctx, h.clock.Now()); err != nil || n != 1 {
			t.Fatalf("sweep: n=%d err=%v", n, err)
		}

		_, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "w", Success: true})
		if !errors.Is(err, domain.ErrStaleLease) {
			t.Fatalf("expected ErrStaleLease, got %v", err)
		}
		got := h.item(t, it.ID)
		if got.Status != domain.StatusQueued || got.RetryCount != 0 {
			t.Fatalf("expected queued with retry_count=0, got %s/%d", got.Status, got.RetryCount)
		}
	})

	t.Run("wrong worker", func(t *testing.T) {
		h := newHarness(t)
		it := h.enqueue(t, req(domain.PriorityHigh))
		h.claim(t, 1, "w")
		_, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "intruder", Success: true})
		if !errors.Is(err, domain.ErrStaleLease) {
			t.Fatalf("expected ErrStaleLease, got %v", err)
		}
	})

	t.Run("unknown item", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: "nope", WorkerID: "w", Success: true})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDispatcher_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued item is cancelled", func(t *testing.T) {
		h := newHarness(t)
		it := h.enqueue(t, req(domain.PriorityLow))
		got, err := h.d.Cancel(ctx, it.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.StatusCancelled || got.CompletedAt == nil {
			t.Fatalf("unexpected item: %+v", got)
		}
		if items := h.claim(t, 10, "w"); len(items) != 0 {
			t.Fatal("cancelled item must not be claimable")
		}
	})

	t.Run("processing item is rejected", func(t *testing.T) {
		h := newHarness(t)
		it := h.enqueue(t, req(domain.PriorityLow))
		h.claim(t, 1, "w")
		_, err := h.d.Cancel(ctx, it.ID)
		if !errors.Is(err, domain.ErrInvalidStateTransition) {
			t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
		}
		if got := h.item(t, it.ID); got.Status != domain.StatusProcessing || got.LeaseOwner != "w" {
			t.Fatalf("rejected cancel must not mutate: %+v", got)
		}
	})

	t.Run("terminal item is rejected", func(t *testing.T) {
		h := newHarness(t)
		it := h.enqueue(t, req(domain.PriorityLow))
		if _, err := h.d.Cancel(ctx, it.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := h.d.Cancel(ctx, it.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
			t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.d.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestLeaseManager_Claim_Validation(t *testing.T) {
	h := newHarness(t, func(o *service.Options) { o.MaxClaimLimit = 5 })
	ctx := context.Background()
	h.enqueue(t, req(domain.PriorityLow))

	if _, err := h.d.Leases().Claim(ctx, nil, 1, ""); !errors.Is(err, domain.ErrMissingWorkerID) {
		t.Fatalf("expected ErrMissingWorkerID, got %v", err)
	}
	if _, err := h.d.Leases().Claim(ctx, nil, 6, "w"); !errors.Is(err, domain.ErrInvalidClaimLimit) {
		t.Fatalf("expected ErrInvalidClaimLimit, got %v", err)
	}
	if got, err := h.d.Leases().Claim(ctx, nil, 0, "w"); err != nil || len(got) != 0 {
		t.Fatalf("expected empty no-op claim, got %d items (err=%v)", len(got), err)
	}
	other := domain.Channel("carrier-pigeon")
	if got, err := h.d.Leases().Claim(ctx, &other, 5, "w"); err != nil || len(got) != 0 {
		t.Fatalf("expected no rows for unknown channel, got %d (err=%v)", len(got), err)
	}
}

func TestLeaseManager_Renew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.enqueue(t, req(domain.PriorityLow))
	h.claim(t, 1, "w")

	h.clock.Advance(20 * time.Minute)
	got, err := h.d.Leases().Renew(ctx, it.ID, "w")
	if err != nil {
		t.Fatal(err)
	}
	want := h.clock.Now().Add(30 * time.Minute)
	if !got.LeaseExpiresAt.Equal(want) {
		t.Fatalf("expected lease to run until %s, got %s", want, got.LeaseExpiresAt)
	}

	if _, err := h.d.Leases().Renew(ctx, it.ID, "other"); !errors.Is(err, domain.ErrStaleLease) {
		t.Fatalf("expected ErrStaleLease, got %v", err)
	}

	// A renewed lease survives a sweep past the original expiry.
	h.clock.Advance(15 * time.Minute)
	n, err := service.NewStallDetector(h.d).SweepStalled(ctx, h.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing reclaimed, got n=%d err=%v", n, err)
	}
}

func TestLeaseManager_Release(t *testing.T) {
	h := newHarness(t)
	it := h.enqueue(t, req(domain.PriorityLow))
	h.claim(t, 1, "w")

	got, err := h.d.Leases().Release(context.Background(), service.Outcome{ItemID: it.ID, WorkerID: "w", Success: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestDispatcher_RunOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	okItem := h.enqueue(t, req(domain.PriorityUrgent))
	h.clock.Advance(time.Second)
	transient := h.enqueue(t, req(domain.PriorityHigh))
	h.clock.Advance(time.Second)
	permanent := h.enqueue(t, req(domain.PriorityMedium))
	h.clock.Advance(time.Second)
	panicky := h.enqueue(t, req(domain.PriorityLow))

	handler := func(_ context.Context, it *domain.QueueItem) error {
		switch it.ID {
		case transient.ID:
			return errors.New("connection reset")
		case permanent.ID:
			return domain.Permanent(errors.New("400 bad recipient"))
		case panicky.ID:
			panic("boom")
		}
		return nil
	}

	sum, err := h.d.RunOnce(ctx, "w", nil, 10, handler)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Claimed != 4 || sum.Completed != 1 || sum.Retried != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	if got := h.item(t, okItem.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got := h.item(t, permanent.ID); got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got := h.item(t, panicky.ID); got.Status != domain.StatusQueued || got.RetryCount != 1 {
		t.Fatalf("expected panic to count as a transient failure, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestDispatcher_RunOnce_LeaseLost(t *testing.T) {
	h := newHarness(t, func(o *service.Options) { o.RenewInterval = 20 * time.Millisecond })
	ctx := context.Background()
	it := h.enqueue(t, req(domain.PriorityHigh))

	cancelled := false
	handler := func(hctx context.Context, _ *domain.QueueItem) error {
		// Simulate the lease expiring and being swept while the send is slow.
		h.clock.Advance(31 * time.Minute)
		if _, err := service.NewStallDetector(h.d).SweepStalled(context.Background(), h.clock.Now()); err != nil {
			return err
		}
		select {
		case <-hctx.Done():
			cancelled = true
			return hctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	}

	sum, err := h.d.RunOnce(ctx, "w", nil, 1, handler)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("expected handler context to be cancelled after losing the lease")
	}
	if sum.Stale != 1 {
		t.Fatalf("expected one stale item, got %+v", sum)
	}
	if got := h.item(t, it.ID); got.Status != domain.StatusQueued || got.RetryCount != 0 {
		t.Fatalf("expected reclaimed item untouched by the lost worker, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestDispatcher_Stats(t *testing.T) {
	depth := map[domain.Status]int{}
	clk := &fakeClock{now: t0}
	opts := service.DefaultOptions()
	opts.Now = clk.Now
	store := repository.NewMemoryQueueStore()
	d := service.NewDispatcher(store, opts, zap.NewNop(), service.MetricHooks{
		OnQueueDepth: func(st domain.Status, n int) { depth[st] = n },
	})
	ctx := context.Background()

	var last *domain.QueueItem
	for i := 0; i < 3; i++ {
		it, err := d.Enqueue(ctx, req(domain.PriorityLow))
		if err != nil {
			t.Fatal(err)
		}
		last = it
	}
	if _, err := d.Cancel(ctx, last.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := d.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Depth[domain.StatusQueued] != 2 || stats.Depth[domain.StatusCancelled] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if depth[domain.StatusQueued] != 2 || depth[domain.StatusProcessing] != 0 {
		t.Fatalf("unexpected depth hook values: %v", depth)
	}
}

// racingStore returns the first read of an item and then runs between before
// the caller gets to write, simulating a sweep and re-claim in that window.
type racingStore struct {
	*repository.MemoryQueueStore
	between func()
	fired   bool
}

func (s *racingStore) GetItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	it, err := s.MemoryQueueStore.GetItem(ctx, id)
	if err == nil && !s.fired && s.between != nil {
		s.fired = true
		s.between()
	}
	return it, err
}

func TestDispatcher_WriteFromStaleReadIsRejected(t *testing.T) {
	tests := []struct {
		name  string
		write func(d *service.Dispatcher, id string) error
	}{
		{"renew", func(d *service.Dispatcher, id string) error {
			_, err := d.Leases().Renew(context.Background(), id, "w")
			return err
		}},
		{"report", func(d *service.Dispatcher, id string) error {
			_, err := d.ReportOutcome(context.Background(), service.Outcome{ItemID: id, WorkerID: "w", ErrorMessage: "timeout"})
			return err
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fakeClock{now: t0}
			store := &racingStore{MemoryQueueStore: repository.NewMemoryQueueStore()}
			opts := service.DefaultOptions()
			opts.Now = clk.Now
			opts.StallReclaimCap = 1
			d := service.NewDispatcher(store, opts, zap.NewNop(), service.MetricHooks{})
			sweeper := service.NewStallDetector(d)

			it, err := d.Enqueue(ctx, req(domain.PriorityHigh))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := d.Leases().Claim(ctx, nil, 1, "w"); err != nil {
				t.Fatal(err)
			}
			clk.Advance(31 * time.Minute)

			// Same worker id is reclaimed and re-claims the item after the
			// write path has read it.
			store.between = func() {
				if n, err := sweeper.SweepStalled(ctx, clk.Now()); err != nil || n != 1 {
					t.Fatalf("expected one reclaim, got n=%d err=%v", n, err)
				}
				if got, err := d.Leases().Claim(ctx, nil, 1, "w"); err != nil || len(got) != 1 {
					t.Fatalf("expected re-claim, got %d err=%v", len(got), err)
				}
			}

			if err := tc.write(d, it.ID); !errors.Is(err, domain.ErrStaleLease) {
				t.Fatalf("expected ErrStaleLease, got %v", err)
			}

			got, _ := store.MemoryQueueStore.GetItem(ctx, it.ID)
			if got.StallCount != 1 || got.RetryCount != 0 || got.Status != domain.StatusProcessing {
				t.Fatalf("stale write leaked into state: %+v", got)
			}

			// The stall cap still applies to the current lease.
			clk.Advance(31 * time.Minute)
			if _, err := sweeper.SweepStalled(ctx, clk.Now()); err != nil {
				t.Fatal(err)
			}
			got, _ = store.MemoryQueueStore.GetItem(ctx, it.ID)
			if got.Status != domain.StatusFailed || got.LastError == nil || got.LastError.Kind != domain.ErrorKindStalled {
				t.Fatalf("expected failed after reaching the stall cap, got %+v", got)
			}
		})
	}
}

func TestDispatcher_Enqueue_BatchFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, _ := h.d.Batches().CreateBatch(ctx, domain.CreateBatchRequest{Channel: domain.ChannelEmail, TotalCount: 2})
	r := req(domain.PriorityMedium)
	r.BatchRef = &b.ID
	h.enqueue(t, r)
	h.enqueue(t, r)

	if _, err := h.d.Enqueue(ctx, r); !errors.Is(err, domain.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed for a member beyond total_count, got %v", err)
	}

	claimed := h.claim(t, 10, "w")
	if len(claimed) != 2 {
		t.Fatalf("expected only the two members queued, got %d", len(claimed))
	}
	for _, it := range claimed {
		if _, err := h.d.ReportOutcome(ctx, service.Outcome{ItemID: it.ID, WorkerID: "w", Success: true}); err != nil {
			t.Fatal(err)
		}
	}

	progress, _ := h.d.Batches().GetBatchStatus(ctx, b.ID)
	if progress.Status != domain.BatchStatusCompleted || progress.EnqueuedCount != 2 || progress.ProcessedCount != 2 {
		t.Fatalf("unexpected batch progress: %+v", progress)
	}
}
