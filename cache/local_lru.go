package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCacheFactory creates LRU regions.
type LRUCacheFactory struct {
	maxSize int
}

// NewLRUCacheFactory creates a new LRU cache factory.
func NewLRUCacheFactory(maxSize int) RegionFactory {
	return &LRUCacheFactory{maxSize: maxSize}
}

// Create creates a new LRU region.
func (lcf *LRUCacheFactory) Create(ctx context.Context, region string) (Cache, error) {
	return NewLRUCache(region, lcf.maxSize)
}

// LRUCache is a bounded region using golang-lru. Expiry is checked lazily.
type LRUCache struct {
	name      string
	cache     *lru.Cache[string, entry]
	maxSize   int
	mu        sync.RWMutex // guards destroyed
	destroyed bool
	now       func() time.Time
}

// NewLRUCache creates a new LRU region holding at most maxSize entries.
func NewLRUCache(name string, maxSize int) (*LRUCache, error) {
	cache, err := lru.New[string, entry](maxSize)
	if err != nil {
		return nil, err
	}

	return &LRUCache{
		name:    name,
		cache:   cache,
		maxSize: maxSize,
		now:     time.Now,
	}, nil
}

// Name returns the region name.
func (lc *LRUCache) Name() string { return lc.name }

// check takes the read lock; callers must call lc.mu.RUnlock when it returns nil.
func (lc *LRUCache) check(op string) error {
	lc.mu.RLock()
	if lc.destroyed {
		lc.mu.RUnlock()
		return DestroyedFailure(lc.name, op)
	}
	return nil
}

// Get retrieves a value from the region.
func (lc *LRUCache) Get(ctx context.Context, key string) (any, bool, error) {
	if err := CheckKey(lc.name, "get", key); err != nil {
		return nil, false, err
	}
	if err := lc.check("get"); err != nil {
		return nil, false, err
	}
	defer lc.mu.RUnlock()

	e, found := lc.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	if e.expired(lc.now()) {
		lc.cache.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put stores a value in the region.
func (lc *LRUCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := CheckKey(lc.name, "put", key); err != nil {
		return err
	}
	if err := lc.check("put"); err != nil {
		return err
	}
	defer lc.mu.RUnlock()

	lc.cache.Add(key, newEntry(value, ttl, lc.now()))
	return nil
}

// Evict removes a value from the region.
func (lc *LRUCache) Evict(ctx context.Context, key string) error {
	if err := CheckKey(lc.name, "evict", key); err != nil {
		return err
	}
	if err := lc.check("evict"); err != nil {
		return err
	}
	defer lc.mu.RUnlock()

	lc.cache.Remove(key)
	return nil
}

// EvictAll removes every given key from the region.
func (lc *LRUCache) EvictAll(ctx context.Context, keys []string) error {
	if err := CheckKeys(lc.name, "evict_all", keys); err != nil {
		return err
	}
	if err := lc.check("evict_all"); err != nil {
		return err
	}
	defer lc.mu.RUnlock()

	for _, k := range keys {
		lc.cache.Remove(k)
	}
	return nil
}

// Clear removes all values from the region.
func (lc *LRUCache) Clear(ctx context.Context) error {
	if err := lc.check("clear"); err != nil {
		return err
	}
	defer lc.mu.RUnlock()

	lc.cache.Purge()
	return nil
}

// Keys returns the live keys.
func (lc *LRUCache) Keys(ctx context.Context) ([]string, error) {
	if err := lc.check("keys"); err != nil {
		return nil, err
	}
	defer lc.mu.RUnlock()

	now := lc.now()
	keys := make([]string, 0, lc.cache.Len())
	for _, k := range lc.cache.Keys() {
		// Peek keeps recency untouched.
		if e, ok := lc.cache.Peek(k); ok && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Destroy purges the region and marks it unusable.
func (lc *LRUCache) Destroy(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.destroyed {
		return DestroyedFailure(lc.name, "destroy")
	}
	lc.destroyed = true
	lc.cache.Purge()
	return nil
}
