package tieredcache

import (
	"github.com/huykn/tiered-cache/cache"
	cachesync "github.com/huykn/tiered-cache/sync"
)

// ErrDestroyed matches failures from a destroyed region.
var ErrDestroyed = cache.ErrDestroyed

// ErrInvalidKey matches failures for keys a region cannot hold.
var ErrInvalidKey = cache.ErrInvalidKey

// ErrBackingStore matches malfunctions of the store behind a region.
var ErrBackingStore = cache.ErrBackingStore

// ErrFactoryFailed matches region construction failures.
var ErrFactoryFailed = cache.ErrFactoryFailed

// ErrRegistryStopped is returned when regions are opened after Shutdown.
var ErrRegistryStopped = cache.ErrRegistryStopped

// ErrPublishUnavailable matches events that could not be handed to the transport.
var ErrPublishUnavailable = cachesync.ErrPublishUnavailable

// ErrMalformedEvent matches events that failed validation or decoding.
var ErrMalformedEvent = cachesync.ErrMalformedEvent

// ErrCacheClosed is returned when operations are performed on a shut down node.
var ErrCacheClosed = cache.ErrClosed

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig

// ErrInvalidRegion is returned for an empty region name.
var ErrInvalidRegion = cache.ErrInvalidRegion
