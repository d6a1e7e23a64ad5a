package redislock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocker(t)

	a, err := l.TryAcquire(ctx, "sweep", "replica-a", time.Minute)
	if err != nil || a == nil {
		t.Fatalf("expected replica-a to acquire, got lock=%v err=%v", a, err)
	}
	b, err := l.TryAcquire(ctx, "sweep", "replica-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatal("expected replica-b to be refused while replica-a holds the lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, _ = l.TryAcquire(ctx, "sweep", "replica-b", time.Minute)
	if b == nil {
		t.Fatal("expected replica-b to acquire after release")
	}
}

func TestLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	a, _ := l.TryAcquire(ctx, "sweep", "replica-a", time.Second)
	mr.FastForward(2 * time.Second)

	b, _ := l.TryAcquire(ctx, "sweep", "replica-b", time.Minute)
	if b == nil {
		t.Fatal("expected expired lock to be free")
	}
	if err := a.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if got, _ := mr.Get("notifyq:lock:sweep"); got != "replica-b" {
		t.Fatalf("old holder must not delete the new lock, got %q", got)
	}
}
