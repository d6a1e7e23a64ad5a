// Package redislock provides a best-effort mutual exclusion lock in Redis,
// used so that only one replica runs each stall sweep.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock expired or belongs to
// another holder.
var ErrNotHeld = errors.New("lock not held")

// Client is the subset of the go-redis client the locker needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Locker acquires named locks with a TTL.
type Locker struct {
	client Client
	prefix string
}

func New(client Client) *Locker {
	return &Locker{client: client, prefix: "notifyq:lock:"}
}

// Lock is a held lock. Release it when the guarded work is done; the TTL
// frees it if the holder dies first.
type Lock struct {
	l     *Locker
	key   string
	token string
}

// TryAcquire takes the lock for owner if it is free. It returns (nil, nil)
// when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (*Lock, error) {
	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{l: l, key: key, token: owner}, nil
}

// Release frees the lock only if it is still held by this token.
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.l.client, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", lk.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
