package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(client, capacity, refill, time.Minute).WithClock(func() time.Time { return now })
	return b, &now
}

func TestTokenBucket_Capacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "tenant-a")
		if err != nil || !allowed {
			t.Fatalf("call %d: expected allowed, got allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, tokens, err := bucket.Allow(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected third call to be rejected")
	}
	if tokens >= 1 {
		t.Fatalf("expected less than one token left, got %v", tokens)
	}

	// Tenants have independent buckets.
	if allowed, _, _ := bucket.Allow(ctx, "tenant-b"); !allowed {
		t.Fatal("expected a different tenant to be allowed")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 2)

	if allowed, _, _ := bucket.Allow(ctx, "tenant"); !allowed {
		t.Fatal("expected first call allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); allowed {
		t.Fatal("expected empty bucket to reject")
	}

	*now = now.Add(600 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); !allowed {
		t.Fatal("expected a token after refill")
	}
}
