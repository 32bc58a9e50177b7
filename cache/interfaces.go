package cache

import (
	"context"
	"time"

	"github.com/huykn/tiered-cache/types"
)

// Logger defines the interface for logging in the tiered cache.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for value marshalling/unmarshalling.
// Only stores that keep bytes (redis, sqlite) use it.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// Cache is a single named region. Implementations must be safe for
// concurrent use and must only return *CacheFailure errors.
type Cache interface {
	// Name returns the region name.
	Name() string

	// Get returns the value and true on a hit. A missing or expired key is
	// (nil, false, nil), never an error.
	Get(ctx context.Context, key string) (any, bool, error)

	// Put inserts or overwrites a value. A ttl <= 0 means no expiry.
	// The value is visible to the next Get on the same instance.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error

	// Evict removes a key. Evicting an absent key is a no-op.
	Evict(ctx context.Context, key string) error

	// EvictAll removes every given key.
	EvictAll(ctx context.Context, keys []string) error

	// Clear removes all entries; the region stays usable.
	Clear(ctx context.Context) error

	// Keys returns a snapshot of the live keys in no particular order.
	Keys(ctx context.Context) ([]string, error)

	// Destroy releases the region's resources. Every later call fails
	// with KindDestroyed.
	Destroy(ctx context.Context) error
}

// SharedCache is implemented by regions whose entries are stored once for
// every node. A write through any node is already visible to the others,
// so invalidations from other nodes are not applied to a shared region.
type SharedCache interface {
	Shared() bool
}

// IsShared reports whether c stores its entries once for every node.
func IsShared(c Cache) bool {
	s, ok := c.(SharedCache)
	return ok && s.Shared()
}

// RegionFactory builds the Cache for a region name.
type RegionFactory interface {
	// Create creates a new region instance.
	Create(ctx context.Context, region string) (Cache, error)
}

// FactoryFunc adapts a function to RegionFactory.
type FactoryFunc func(ctx context.Context, region string) (Cache, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, region string) (Cache, error) {
	return f(ctx, region)
}

// Channel carries invalidation events between nodes.
type Channel interface {
	// Publish hands an event to the transport without waiting on the network.
	Publish(ctx context.Context, event types.InvalidationEvent) error

	// Subscribe registers handler for events of region. The returned
	// function removes the registration.
	Subscribe(region string, handler types.EventHandler) (unsubscribe func(), err error)
}

// Stats represents coordinator statistics.
type Stats struct {
	LocalHits       int64
	LocalMisses     int64
	Loads           int64
	Invalidations   int64
	PublishFailures int64
	Regions         int64
}
