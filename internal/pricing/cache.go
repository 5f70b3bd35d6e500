package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rate    Rate
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, currency string) (*Rate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[currency]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, currency)
		return nil, nil
	}
	r := e.rate
	return &r, nil
}

func (c *MemoryCache) Set(ctx context.Context, rate *Rate, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[rate.Currency] = memoryEntry{rate: *rate, expires: c.now().Add(ttl)}
	return nil
}

// RedisCache shares rates between processes under prefix+currency keys.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(opt *redis.Options, prefix string) *RedisCache {
	return &RedisCache{client: redis.NewClient(opt), prefix: prefix}
}

func (r *RedisCache) key(currency string) string {
	return r.prefix + currency
}

func (r *RedisCache) Get(ctx context.Context, currency string) (*Rate, error) {
	val, err := r.client.Get(ctx, r.key(currency)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rate Rate
	if err := json.Unmarshal([]byte(val), &rate); err != nil {
		return nil, err
	}
	return &rate, nil
}

func (r *RedisCache) Set(ctx context.Context, rate *Rate, ttl time.Duration) error {
	data, err := json.Marshal(rate)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(rate.Currency), data, ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
