package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis distributed lock
// ============================================================================
//
// Acquire: SET key token NX PX ttl
// Release: compare-and-delete in a Lua script, so a holder whose lease
// expired cannot delete the next holder's lock.
//
// Used to keep a single instance running the stuck-job sweep and the
// queued-job worker at a time. Ledger correctness never depends on it.
//
// ============================================================================

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is satisfied by DistributedLock and NoopLock.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock creates a lock owned by a fresh random token.
func NewDistributedLock(client *redis.Client, key string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      uuid.NewString(),
		expiration: expiration,
	}
}

// TryLock is non-blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// NoopLock always succeeds; used when Redis is disabled (single instance).
type NoopLock struct{}

func (NoopLock) TryLock(context.Context) (bool, error) { return true, nil }
func (NoopLock) Unlock(context.Context) error { return nil }

// Factory returns a Locker for key; nil client yields NoopLock.
func Factory(client *redis.Client) func(key string, ttl time.Duration) Locker {
	return func(key string, ttl time.Duration) Locker {
		if client == nil {
			return NoopLock{}
		}
		return NewDistributedLock(client, key, ttl)
	}
}

const (
	SweepLockKey = "picfit:lock:sweep"
	QueueLockKey = "picfit:lock:queue"
)
