package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeWindow is how long a delivered event id is remembered
const DefaultDedupeWindow = 5 * time.Minute

// Deduplicator remembers event ids already handled
type Deduplicator interface {
	// Claim returns true the first time id is seen within the window
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a redelivery is processed again
	Release(ctx context.Context, id string) error
}

// MemoryDeduplicator keeps event ids in process memory
type MemoryDeduplicator struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDeduplicator creates an in-process deduplicator
func NewMemoryDeduplicator(window time.Duration) *MemoryDeduplicator {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &MemoryDeduplicator{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Claim implements Deduplicator
func (d *MemoryDeduplicator) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.window {
		return false, nil
	}
	d.seen[id] = now

	// Cleanup old entries if map gets too big
	if len(d.seen) > 10000 {
		for k, at := range d.seen {
			if now.Sub(at) > 2*d.window {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

// Release implements Deduplicator
func (d *MemoryDeduplicator) Release(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
	return nil
}

// RedisDeduplicator shares event ids between instances
type RedisDeduplicator struct {
	client    redis.UniversalClient
	keyPrefix string
	window    time.Duration
}

// NewRedisDeduplicator creates a deduplicator backed by SET NX with expiry
func NewRedisDeduplicator(client redis.UniversalClient, keyPrefix string, window time.Duration) *RedisDeduplicator {
	if keyPrefix == "" {
		keyPrefix = "catalogsync:event:"
	}
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &RedisDeduplicator{client: client, keyPrefix: keyPrefix, window: window}
}

// Claim implements Deduplicator
func (d *RedisDeduplicator) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return true, nil
	}
	ok, err := d.client.SetNX(ctx, d.keyPrefix+id, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", id, err)
	}
	return ok, nil
}

// Release implements Deduplicator
func (d *RedisDeduplicator) Release(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := d.client.Del(ctx, d.keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("release event %s: %w", id, err)
	}
	return nil
}
