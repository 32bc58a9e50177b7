package cache

import (
	"context"
	"sync"
	"time"
)

// entry is a stored value with an optional absolute expiry.
// A zero expiresAt never expires.
type entry struct {
	value     any
	expiresAt time.Time
}

func newEntry(value any, ttl time.Duration, now time.Time) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MapCacheFactory creates MapCache regions.
type MapCacheFactory struct{}

// NewMapCacheFactory creates a new map cache factory.
func NewMapCacheFactory() RegionFactory {
	return &MapCacheFactory{}
}

// Create creates a new map region.
func (mf *MapCacheFactory) Create(ctx context.Context, region string) (Cache, error) {
	return NewMapCache(region), nil
}

// MapCache is an unbounded map-backed region with lazy expiry.
type MapCache struct {
	name    string
	mu      sync.RWMutex
	entries map[string]entry // nil once destroyed
	now     func() time.Time
}

// NewMapCache creates an empty map region.
func NewMapCache(name string) *MapCache {
	return &MapCache{
		name:    name,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Name returns the region name.
func (mc *MapCache) Name() string { return mc.name }

// Get retrieves a value from the region.
func (mc *MapCache) Get(ctx context.Context, key string) (any, bool, error) {
	if err := CheckKey(mc.name, "get", key); err != nil {
		return nil, false, err
	}

	mc.mu.RLock()
	if mc.entries == nil {
		mc.mu.RUnlock()
		return nil, false, DestroyedFailure(mc.name, "get")
	}
	e, ok := mc.entries[key]
	mc.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	now := mc.now()
	if e.expired(now) {
		mc.mu.Lock()
		// Re-read: a Put may have replaced the entry since the read lock.
		if cur, ok := mc.entries[key]; ok && cur.expired(now) {
			delete(mc.entries, key)
		}
		mc.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put stores a value in the region.
func (mc *MapCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := CheckKey(mc.name, "put", key); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.entries == nil {
		return DestroyedFailure(mc.name, "put")
	}
	mc.entries[key] = newEntry(value, ttl, mc.now())
	return nil
}

// Evict removes a value from the region.
func (mc *MapCache) Evict(ctx context.Context, key string) error {
	if err := CheckKey(mc.name, "evict", key); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.entries == nil {
		return DestroyedFailure(mc.name, "evict")
	}
	delete(mc.entries, key)
	return nil
}

// EvictAll removes every given key from the region.
func (mc *MapCache) EvictAll(ctx context.Context, keys []string) error {
	if err := CheckKeys(mc.name, "evict_all", keys); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.entries == nil {
		return DestroyedFailure(mc.name, "evict_all")
	}
	for _, k := range keys {
		delete(mc.entries, k)
	}
	return nil
}

// Clear removes all values from the region.
func (mc *MapCache) Clear(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.entries == nil {
		return DestroyedFailure(mc.name, "clear")
	}
	clear(mc.entries)
	return nil
}

// Keys returns the live keys.
func (mc *MapCache) Keys(ctx context.Context) ([]string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if mc.entries == nil {
		return nil, DestroyedFailure(mc.name, "keys")
	}
	now := mc.now()
	keys := make([]string, 0, len(mc.entries))
	for k, e := range mc.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Destroy drops the map.
func (mc *MapCache) Destroy(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.entries == nil {
		return DestroyedFailure(mc.name, "destroy")
	}
	mc.entries = nil
	return nil
}
