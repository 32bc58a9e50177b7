package storage

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/tiered-cache/cache"
)

const scanBatch = 500

// RedisRegionFactory creates regions stored in Redis under
// <prefix><region>:<key>.
type RedisRegionFactory struct {
	client     *redis.Client
	prefix     string
	marshaller cache.Marshaller
	ownsClient bool
}

// NewRedisRegionFactory connects to Redis and returns a factory that owns
// the connection.
func NewRedisRegionFactory(addr, password string, db int, prefix string, marshaller cache.Marshaller) (*RedisRegionFactory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	f := NewRedisRegionFactoryWithClient(client, prefix, marshaller)
	f.ownsClient = true
	return f, nil
}

// NewRedisRegionFactoryWithClient returns a factory on an existing client.
// Close leaves the client open.
func NewRedisRegionFactoryWithClient(client *redis.Client, prefix string, marshaller cache.Marshaller) *RedisRegionFactory {
	if marshaller == nil {
		marshaller = cache.NewJSONMarshaller()
	}
	return &RedisRegionFactory{
		client:     client,
		prefix:     prefix,
		marshaller: marshaller,
	}
}

// Create returns a region view. Regions share the factory's client.
func (f *RedisRegionFactory) Create(ctx context.Context, region string) (cache.Cache, error) {
	return &RedisRegion{
		name:       region,
		client:     f.client,
		keyPrefix:  f.prefix + region + ":",
		marshaller: f.marshaller,
	}, nil
}

// Close closes the Redis connection if the factory opened it.
func (f *RedisRegionFactory) Close() error {
	if !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

// GetClient returns the underlying Redis client.
func (f *RedisRegionFactory) GetClient() *redis.Client {
	return f.client
}

// RedisRegion is a region whose entries live in Redis.
type RedisRegion struct {
	name       string
	client     *redis.Client
	keyPrefix  string
	marshaller cache.Marshaller
	destroyed  atomic.Bool
}

// Name returns the region name.
func (rr *RedisRegion) Name() string { return rr.name }

// Shared reports true: every node reads and writes the same keys.
func (rr *RedisRegion) Shared() bool { return true }

func (rr *RedisRegion) key(k string) string { return rr.keyPrefix + k }

func (rr *RedisRegion) check(op string) error {
	if rr.destroyed.Load() {
		return cache.DestroyedFailure(rr.name, op)
	}
	return nil
}

// Get retrieves a value from Redis.
func (rr *RedisRegion) Get(ctx context.Context, key string) (any, bool, error) {
	if err := cache.CheckKey(rr.name, "get", key); err != nil {
		return nil, false, err
	}
	if err := rr.check("get"); err != nil {
		return nil, false, err
	}

	data, err := rr.client.Get(ctx, rr.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, cache.StoreFailure(rr.name, "get", err)
	}

	var value any
	if err := rr.marshaller.Unmarshal(data, &value); err != nil {
		return nil, false, cache.StoreFailure(rr.name, "get", err)
	}
	return value, true, nil
}

// Put stores a value in Redis. A ttl <= 0 stores it without expiry.
func (rr *RedisRegion) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := cache.CheckKey(rr.name, "put", key); err != nil {
		return err
	}
	if err := rr.check("put"); err != nil {
		return err
	}

	data, err := rr.marshaller.Marshal(value)
	if err != nil {
		return cache.StoreFailure(rr.name, "put", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return cache.StoreFailure(rr.name, "put", rr.client.Set(ctx, rr.key(key), data, ttl).Err())
}

// Evict removes a value from Redis.
func (rr *RedisRegion) Evict(ctx context.Context, key string) error {
	if err := cache.CheckKey(rr.name, "evict", key); err != nil {
		return err
	}
	if err := rr.check("evict"); err != nil {
		return err
	}
	return cache.StoreFailure(rr.name, "evict", rr.client.Del(ctx, rr.key(key)).Err())
}

// EvictAll removes every given key with one DEL.
func (rr *RedisRegion) EvictAll(ctx context.Context, keys []string) error {
	if err := cache.CheckKeys(rr.name, "evict_all", keys); err != nil {
		return err
	}
	if err := rr.check("evict_all"); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = rr.key(k)
	}
	return cache.StoreFailure(rr.name, "evict_all", rr.client.Del(ctx, full...).Err())
}

// Clear deletes every key of the region. Other regions on the same
// database are left alone.
func (rr *RedisRegion) Clear(ctx context.Context) error {
	if err := rr.check("clear"); err != nil {
		return err
	}
	err := rr.scan(ctx, func(batch []string) error {
		return rr.client.Del(ctx, batch...).Err()
	})
	return cache.StoreFailure(rr.name, "clear", err)
}

// Keys lists the region's keys with SCAN.
func (rr *RedisRegion) Keys(ctx context.Context) ([]string, error) {
	if err := rr.check("keys"); err != nil {
		return nil, err
	}
	var keys []string
	err := rr.scan(ctx, func(batch []string) error {
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, rr.keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, cache.StoreFailure(rr.name, "keys", err)
	}
	return keys, nil
}

// Destroy detaches the region. Stored entries stay in Redis for other
// nodes; the shared client is closed by the factory.
func (rr *RedisRegion) Destroy(ctx context.Context) error {
	if !rr.destroyed.CompareAndSwap(false, true) {
		return cache.DestroyedFailure(rr.name, "destroy")
	}
	return nil
}

func (rr *RedisRegion) scan(ctx context.Context, fn func(batch []string) error) error {
	match := escapeGlob(rr.keyPrefix) + "*"
	var cursor uint64
	for {
		batch, next, err := rr.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// escapeGlob quotes the characters Redis MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
