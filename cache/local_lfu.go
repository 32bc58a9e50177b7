package cache

import (
	"context"
	"sync"
	"time"

	lfu "github.com/dgraph-io/ristretto"
)

// LFUCacheFactory creates Ristretto regions.
type LFUCacheFactory struct {
	config LocalCacheConfig
}

// NewLFUCacheFactory creates a new Ristretto cache factory.
func NewLFUCacheFactory(config LocalCacheConfig) RegionFactory {
	return &LFUCacheFactory{config: config}
}

// Create creates a new Ristretto region.
func (rcf *LFUCacheFactory) Create(ctx context.Context, region string) (Cache, error) {
	return NewLFUCache(region, rcf.config)
}

// LFUCache is a region backed by Ristretto. Ristretto may refuse a write
// under cost pressure; such a Put succeeds but the key stays absent.
type LFUCache struct {
	name      string
	cache     *lfu.Cache
	mu        sync.RWMutex // guards destroyed and index
	index     map[string]struct{}
	destroyed bool
}

// NewLFUCache creates a new Ristretto-based region.
func NewLFUCache(name string, config LocalCacheConfig) (*LFUCache, error) {
	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters:        config.NumCounters,
		MaxCost:            config.MaxCost,
		BufferItems:        config.BufferItems,
		IgnoreInternalCost: config.IgnoreInternalCost,
	})
	if err != nil {
		return nil, err
	}

	return &LFUCache{
		name:  name,
		cache: cache,
		index: make(map[string]struct{}),
	}, nil
}

// Name returns the region name.
func (rc *LFUCache) Name() string { return rc.name }

// Get retrieves a value from the region.
func (rc *LFUCache) Get(ctx context.Context, key string) (any, bool, error) {
	if err := CheckKey(rc.name, "get", key); err != nil {
		return nil, false, err
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.destroyed {
		return nil, false, DestroyedFailure(rc.name, "get")
	}
	value, found := rc.cache.Get(key)
	return value, found, nil
}

// Put stores a value and waits for Ristretto's write buffer to drain so the
// next Get observes it.
func (rc *LFUCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := CheckKey(rc.name, "put", key); err != nil {
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.destroyed {
		return DestroyedFailure(rc.name, "put")
	}

	var accepted bool
	if ttl > 0 {
		accepted = rc.cache.SetWithTTL(key, value, 1, ttl)
	} else {
		accepted = rc.cache.Set(key, value, 1)
	}
	rc.cache.Wait()

	if accepted {
		rc.index[key] = struct{}{}
	} else {
		// A rejected overwrite must not leave the previous value readable.
		rc.cache.Del(key)
		delete(rc.index, key)
	}
	return nil
}

// Evict removes a value from the region.
func (rc *LFUCache) Evict(ctx context.Context, key string) error {
	if err := CheckKey(rc.name, "evict", key); err != nil {
		return err
	}
	return rc.EvictAll(ctx, []string{key})
}

// EvictAll removes every given key from the region.
func (rc *LFUCache) EvictAll(ctx context.Context, keys []string) error {
	if err := CheckKeys(rc.name, "evict_all", keys); err != nil {
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.destroyed {
		return DestroyedFailure(rc.name, "evict_all")
	}
	for _, k := range keys {
		rc.cache.Del(k)
		delete(rc.index, k)
	}
	rc.cache.Wait()
	return nil
}

// Clear removes all values from the region.
func (rc *LFUCache) Clear(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.destroyed {
		return DestroyedFailure(rc.name, "clear")
	}
	rc.cache.Clear()
	clear(rc.index)
	return nil
}

// Keys returns indexed keys that Ristretto still holds. Ristretto does not
// expose its keys, so entries it evicted on its own are pruned here.
func (rc *LFUCache) Keys(ctx context.Context) ([]string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.destroyed {
		return nil, DestroyedFailure(rc.name, "keys")
	}
	keys := make([]string, 0, len(rc.index))
	for k := range rc.index {
		if _, ok := rc.cache.Get(k); ok {
			keys = append(keys, k)
		} else {
			delete(rc.index, k)
		}
	}
	return keys, nil
}

// Destroy closes the Ristretto cache.
func (rc *LFUCache) Destroy(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.destroyed {
		return DestroyedFailure(rc.name, "destroy")
	}
	rc.destroyed = true
	rc.index = nil
	rc.cache.Close()
	return nil
}
