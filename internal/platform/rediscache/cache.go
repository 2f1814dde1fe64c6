// Package rediscache is a soft, non-authoritative cache the CRM client
// fronts its batch finders with, to cut down duplicate lookups across a
// retry-heavy cycle. It exposes the same narrow Get/Set interface a
// production Redis client and an in-memory test double both satisfy, so
// tests never need a live Redis instance. A miss, a connection error, or
// a stale entry never changes correctness — every miss falls back to a
// live CRM batch call.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
)

// ErrMiss indicates the key is absent; it is not itself an error worth
// logging above debug level.
var ErrMiss = errors.New("rediscache: miss")

// Cache abstracts the soft lookup cache so tests can substitute an
// in-memory fake instead of a live Redis server.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache is the go-redis-backed implementation.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a RedisCache from LookupCacheConfig. It does not ping;
// connection errors surface lazily on first Get/Set and are treated as
// cache misses by callers.
func New(cfg config.LookupCacheConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{client: client, ttl: cfg.TTL}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Fake is an in-memory Cache for unit tests: swap it in wherever a
// component takes a Cache and no live Redis instance is available.
type Fake struct {
	values map[string]string
}

// NewFake builds an empty in-memory cache.
func NewFake() *Fake {
	return &Fake{values: make(map[string]string)}
}

func (f *Fake) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (f *Fake) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.values[key] = value
	return nil
}
