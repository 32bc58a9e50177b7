package cache

import (
	"time"
)

// LocalCacheConfig configures the in-process region providers.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (LFU only).
	// Recommended: 10 * MaxItems
	NumCounters int64 `env:"NUM_COUNTERS"`

	// MaxCost is the maximum cost of items in the cache (LFU only).
	// Recommended: 1GB = 1 << 30
	MaxCost int64 `env:"MAX_COST"`

	// BufferItems is the number of keys per Get buffer (LFU only).
	// Recommended: 64
	BufferItems int64 `env:"BUFFER_ITEMS"`

	// IgnoreInternalCost ignores the internal cost of items (LFU only).
	IgnoreInternalCost bool `env:"IGNORE_INTERNAL_COST"`

	// MaxSize is the maximum number of items per region (LRU only).
	MaxSize int `env:"MAX_SIZE"`
}

// Options configures a Coordinator.
type Options struct {
	// NodeID identifies this process in the cluster.
	// Events carrying it as origin are this node's own echoes.
	NodeID string

	// RegionFactory builds regions on first Open.
	// If nil, defaults to the map provider.
	RegionFactory RegionFactory

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// DefaultTTL applies to Put calls without a ttl. Zero means no expiry.
	DefaultTTL time.Duration

	// ContextTimeout bounds the local work done for one inbound event.
	ContextTimeout time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default coordinator options.
func DefaultOptions() Options {
	return Options{
		NodeID:         "default-node",
		ContextTimeout: 5 * time.Second,
		RegionFactory:  nil, // Will default to the map provider in NewCoordinator()
		Logger:         nil, // Will default to no-op in NewCoordinator()
		DebugMode:      false,
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e7,     // 10 million
		MaxCost:            1 << 30, // 1GB
		BufferItems:        64,
		IgnoreInternalCost: false,
		MaxSize:            10000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.NodeID == "" {
		return ErrInvalidConfig
	}
	if o.DefaultTTL < 0 {
		return ErrInvalidConfig
	}
	if o.ContextTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Validate validates the local cache configuration.
func (c *LocalCacheConfig) Validate() error {
	if c.NumCounters <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxCost <= 0 {
		return ErrInvalidConfig
	}
	if c.BufferItems <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
