package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"checkin/internal/clock"
)

// Entry is a cached credential for one (activity, participant) key.
type Entry struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache holds issued credentials until they expire or settle. Get must
// never return an entry whose ExpiresAt has passed.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache evicts lazily: an expired entry is dropped when read.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]Entry
}

// NewMemoryCache returns an empty cache reading time from c.
func NewMemoryCache(c clock.Clock) *MemoryCache {
	return &MemoryCache{clock: c, entries: make(map[string]Entry)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !m.clock.Now().Before(e.ExpiresAt) {
		delete(m.entries, key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryCache) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// RedisCache stores entries as JSON with a Redis TTL matching the
// credential expiry.
type RedisCache struct {
	client *redis.Client
	clock  clock.Clock
	prefix string
}

// NewRedisCache builds a cache under prefix (default "checkin:credential:").
func NewRedisCache(client *redis.Client, c clock.Clock, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "checkin:credential:"
	}
	return &RedisCache{client: client, clock: c, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	if !r.clock.Now().Before(e.ExpiresAt) {
		if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
			return Entry{}, false, fmt.Errorf("evict expired credential: %w", err)
		}
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *RedisCache) Put(ctx context.Context, e Entry) error {
	ttl := e.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+e.Key, raw, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
