package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huykn/tiered-cache/types"
)

// Coordinator joins a Registry and a Channel. Local mutations are applied
// to the local region first and then broadcast; inbound events evict the
// affected keys locally (invalidate-on-write).
//
// The Coordinator does not own the Registry or the Channel; whoever built
// them stops them.
type Coordinator struct {
	registry *Registry
	channel  Channel
	factory  RegionFactory
	logger   Logger
	options  Options

	mu         sync.RWMutex
	handles    map[string]*Handle
	tombstones map[string]struct{}

	closed int32
	stats  Stats
}

// NewCoordinator creates a coordinator on top of a started registry.
func NewCoordinator(registry *Registry, channel Channel, opts Options) (*Coordinator, error) {
	if registry == nil || channel == nil {
		return nil, ErrInvalidConfig
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if opts.RegionFactory == nil {
		opts.RegionFactory = NewMapCacheFactory()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}

	return &Coordinator{
		registry:   registry,
		channel:    channel,
		factory:    opts.RegionFactory,
		logger:     opts.Logger,
		options:    opts,
		handles:    make(map[string]*Handle),
		tombstones: make(map[string]struct{}),
	}, nil
}

// NodeID returns the id this coordinator stamps on its events.
func (c *Coordinator) NodeID() string { return c.options.NodeID }

// Open returns the handle for a region, creating the region on first use.
// A destroyed region cannot be reopened.
func (c *Coordinator) Open(ctx context.Context, region string) (*Handle, error) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, ErrClosed
	}
	if region == "" {
		return nil, ErrInvalidRegion
	}

	if h, err := c.lookupHandle(region); h != nil || err != nil {
		return h, err
	}

	local, err := c.registry.GetOrCreate(ctx, region, c.factory)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dead := c.tombstones[region]; dead {
		// Destroy raced with this Open; drop anything the registry rebuilt.
		if err := c.registry.Remove(ctx, region); err != nil && !errors.Is(err, ErrDestroyed) {
			c.logger.Warn("Open: failed to drop region rebuilt during destroy", "region", region, "error", err)
		}
		return nil, DestroyedFailure(region, "open")
	}
	if h, ok := c.handles[region]; ok {
		return h, nil
	}
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, ErrClosed
	}

	h := newHandle(c, local)
	unsubscribe, err := c.channel.Subscribe(region, c.handleInvalidation)
	if err != nil {
		return nil, err
	}
	h.unsubscribe = unsubscribe
	c.handles[region] = h

	if c.options.DebugMode {
		c.logger.Debug("Open: region ready", "region", region)
	}
	return h, nil
}

func (c *Coordinator) lookupHandle(region string) (*Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, dead := c.tombstones[region]; dead {
		return nil, DestroyedFailure(region, "open")
	}
	return c.handles[region], nil
}

// Regions returns the names of the regions opened through this coordinator.
func (c *Coordinator) Regions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handles))
	for name := range c.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close detaches every region from the channel. Handles keep working
// against their local region until the registry is stopped, but no longer
// receive or send invalidations.
func (c *Coordinator) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.handles {
		h.unsubscribe()
	}
	return nil
}

// Stats returns coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	regions := int64(len(c.handles))
	c.mu.RUnlock()

	return Stats{
		LocalHits:       atomic.LoadInt64(&c.stats.LocalHits),
		LocalMisses:     atomic.LoadInt64(&c.stats.LocalMisses),
		Loads:           atomic.LoadInt64(&c.stats.Loads),
		Invalidations:   atomic.LoadInt64(&c.stats.Invalidations),
		PublishFailures: atomic.LoadInt64(&c.stats.PublishFailures),
		Regions:         regions,
	}
}

// destroy tombstones a region and destroys its local instance.
func (c *Coordinator) destroy(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	delete(c.handles, h.name)
	c.tombstones[h.name] = struct{}{}
	c.mu.Unlock()

	h.unsubscribe()
	if err := c.registry.Remove(ctx, h.name); err != nil {
		return err
	}
	if c.options.DebugMode {
		c.logger.Debug("Destroy: region destroyed", "region", h.name)
	}
	return nil
}

// publish broadcasts an event for a mutation that already took effect
// locally. Failures are logged and never returned.
func (c *Coordinator) publish(ctx context.Context, event types.InvalidationEvent) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return
	}
	event.Origin = c.options.NodeID
	event.Timestamp = time.Now().UnixNano()

	if err := c.channel.Publish(ctx, event); err != nil {
		atomic.AddInt64(&c.stats.PublishFailures, 1)
		c.logger.Warn("Publish: failed to broadcast invalidation", "region", event.Region, "op", event.Op.String(), "error", err)
		if c.options.OnError != nil {
			c.options.OnError(err)
		}
		return
	}
	if c.options.DebugMode {
		c.logger.Debug("Publish: broadcast invalidation", "region", event.Region, "op", event.Op.String(), "key", event.Key, "keys", len(event.Keys))
	}
}

// handleInvalidation applies an event received from another node.
func (c *Coordinator) handleInvalidation(event types.InvalidationEvent) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return
	}
	if c.options.DebugMode {
		c.logger.Info("Received invalidation event", "region", event.Region, "op", event.Op.String(), "key", event.Key, "origin", event.Origin)
	}

	c.mu.RLock()
	h := c.handles[event.Region]
	c.mu.RUnlock()
	if h == nil || h.destroyed() {
		if c.options.DebugMode {
			c.logger.Debug("Sync: ignoring event for unknown region", "region", event.Region)
		}
		return
	}

	h.invalidateLoads(event)
	if h.shared {
		if c.options.DebugMode {
			c.logger.Debug("Sync: shared region, nothing to evict", "region", event.Region, "op", event.Op.String(), "origin", event.Origin)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.options.ContextTimeout)
	defer cancel()

	var err error
	switch event.Op {
	case types.OpUpdate, types.OpEvict:
		// Updates evict too: the next Get misses and the caller refetches
		// from the source of truth.
		err = h.region.Evict(ctx, event.Key)
	case types.OpEvictBatch:
		err = h.region.EvictAll(ctx, event.Keys)
	case types.OpClear:
		err = h.region.Clear(ctx)
	default:
		c.logger.Warn("Sync: unknown operation", "region", event.Region, "op", event.Op.String(), "origin", event.Origin)
		return
	}

	if err != nil {
		if errors.Is(err, ErrDestroyed) {
			return
		}
		c.logger.Error("Sync: failed to apply invalidation", "region", event.Region, "op", event.Op.String(), "error", err)
		if c.options.OnError != nil {
			c.options.OnError(err)
		}
		return
	}

	atomic.AddInt64(&c.stats.Invalidations, 1)
	if c.options.DebugMode {
		c.logger.Debug("Sync: applied invalidation", "region", event.Region, "op", event.Op.String(), "origin", event.Origin)
	}
}
