// Package replay remembers recently seen webhook deliveries so a redelivered
// body is acknowledged without triggering provider calls again.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL matches the longest provider signature window
const DefaultTTL = 10 * time.Minute

// Guard records delivery keys
type Guard interface {
	// FirstSeen records key and reports whether it had not been seen within the TTL
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// Key derives a delivery key from the provider and the parts that identify
// one delivery (routing key, raw body, provider message number)
func Key(provider string, parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p)
		_, _ = h.Write([]byte{0})
	}
	return provider + ":" + hex.EncodeToString(h.Sum(nil))
}

// MemoryGuard is a process-local guard
type MemoryGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard creates a process-local guard
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) FirstSeen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, k)
		}
	}

	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(g.ttl)
	return true, nil
}

// RedisGuard shares seen keys across instances
type RedisGuard struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a guard backed by client
func NewRedisGuard(client redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl, prefix: "pulsebox:webhook:"}
}

// NewRedisClient opens a client from a redis:// URL
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (g *RedisGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}
	return ok, nil
}
