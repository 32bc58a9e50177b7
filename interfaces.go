package tieredcache

import (
	"github.com/apex/log"

	"github.com/huykn/tiered-cache/cache"
	cachesync "github.com/huykn/tiered-cache/sync"
	"github.com/huykn/tiered-cache/types"
)

// Cache is an alias for cache.Cache, the region contract.
type Cache = cache.Cache

// RegionFactory is an alias for cache.RegionFactory.
type RegionFactory = cache.RegionFactory

// FactoryFunc is an alias for cache.FactoryFunc.
type FactoryFunc = cache.FactoryFunc

// Handle is an alias for cache.Handle.
type Handle = cache.Handle

// Loader is an alias for cache.Loader.
type Loader = cache.Loader

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// Stats is an alias for cache.Stats.
type Stats = cache.Stats

// ChannelStats is an alias for sync.ChannelStats.
type ChannelStats = cachesync.ChannelStats

// InvalidationEvent is an alias for types.InvalidationEvent.
type InvalidationEvent = types.InvalidationEvent

// Transport is an alias for sync.Transport.
type Transport = cachesync.Transport

// Codec is an alias for sync.Codec.
type Codec = cachesync.Codec

// Bus is an alias for sync.Bus.
type Bus = cachesync.Bus

// NewBus creates an in-process broker for the "memory" transport.
func NewBus() *Bus {
	return cachesync.NewBus()
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}

// NewConsoleLogger creates a logger that prints to stdout.
func NewConsoleLogger(prefix string) Logger {
	return cache.NewConsoleLogger(prefix)
}

// NewApexLogger adapts an apex/log Interface. A nil l uses the apex
// package logger.
func NewApexLogger(l log.Interface) Logger {
	return cache.NewApexLogger(l)
}
