package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyTTL is how long a processed event ID blocks replays.
const IdempotencyTTL = 48 * time.Hour

// IdempotencyBarrier records processed event IDs. Claim returns true
// exactly once per key within the TTL.
type IdempotencyBarrier interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisBarrier implements the barrier with SET NX EX, giving
// cross-replica idempotency.
type RedisBarrier struct {
	client *redis.Client
	prefix string
}

func NewRedisBarrier(client *redis.Client) *RedisBarrier {
	return &RedisBarrier{client: client, prefix: "webhook:event:"}
}

func (b *RedisBarrier) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, b.prefix+key, 1, ttl).Result()
}

// MemoryBarrier is the single-process fallback when Redis is not
// configured.
type MemoryBarrier struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryBarrier() *MemoryBarrier {
	return &MemoryBarrier{seen: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (b *MemoryBarrier) WithClock(clock func() time.Time) *MemoryBarrier {
	b.clock = clock
	return b
}

func (b *MemoryBarrier) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if expiry, ok := b.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	b.seen[key] = now.Add(ttl)

	// opportunistic sweep
	for k, expiry := range b.seen {
		if now.After(expiry) {
			delete(b.seen, k)
		}
	}
	return true, nil
}
