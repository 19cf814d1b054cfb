package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/redis/go-redis/v9"
)

// MemoryDedup tracks event IDs seen within a bounded window. Entries are
// pruned lazily on each call, keeping the map bounded by the window's event
// rate.
type MemoryDedup struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		seen:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Seen records eventID and reports whether it was already seen within the
// window. The first call for an ID returns false; repeats return true until
// the window passes.
func (d *MemoryDedup) Seen(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	for id, at := range d.seen {
		if now.Sub(at) > window {
			delete(d.seen, id)
		}
	}

	if at, ok := d.seen[eventID]; ok && now.Sub(at) <= window {
		return true, nil
	}

	d.seen[eventID] = now
	return false, nil
}

// RedisDedup implements the dedup window with SET NX PX, so the window is
// shared across replicas and cleanup is Redis key expiry.
type RedisDedup struct {
	client *redis.Client
}

func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

func (d *RedisDedup) Seen(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, "event#"+eventID, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx: %v", domain.ErrUpstreamUnavailable, err)
	}

	return !ok, nil
}
