package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// TickLock is a best-effort distributed lock over the scheduler tick.
// Correctness does not depend on it: the queue's uniqueness constraint and
// the conditional last-call stamp stay authoritative. The lock only stops
// overlapping scheduler replicas from burning identical due queries.
type TickLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewTickLock constructs a lock for the given key.
func NewTickLock(client *redis.Client, key string, ttl time.Duration) *TickLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TickLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// TryAcquire attempts to take the lock without blocking.
func (l *TickLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("tick lock: acquire: %w", err)
	}
	return ok, nil
}

// Release frees the lock if this instance still holds it.
func (l *TickLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	if _, err := script.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("tick lock: release: %w", err)
	}
	return nil
}
