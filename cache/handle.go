package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/huykn/tiered-cache/types"
)

const (
	stateActive int32 = iota
	stateDestroyed
)

// Loader fetches a value from the source of truth after a miss.
type Loader func(ctx context.Context) (any, error)

// Handle is the caller's view of one region on this node.
type Handle struct {
	name        string
	coord       *Coordinator
	region      Cache
	state       atomic.Int32
	unsubscribe func()
	shared      bool
	loads       singleflight.Group

	fillMu  sync.Mutex
	pending map[string]*pendingLoad
}

// pendingLoad tracks a GetOrLoad in flight. An invalidation of its key
// marks it stale and the loaded value is returned without being stored.
type pendingLoad struct {
	stale bool
}

func newHandle(c *Coordinator, region Cache) *Handle {
	return &Handle{
		name:        region.Name(),
		coord:       c,
		region:      region,
		unsubscribe: func() {},
		shared:      IsShared(region),
		pending:     make(map[string]*pendingLoad),
	}
}

// Name returns the region name.
func (h *Handle) Name() string { return h.name }

func (h *Handle) destroyed() bool {
	return h.state.Load() == stateDestroyed
}

func (h *Handle) check(op string) error {
	if h.destroyed() {
		return DestroyedFailure(h.name, op)
	}
	return nil
}

// Get retrieves a value from the local region.
func (h *Handle) Get(ctx context.Context, key string) (any, bool, error) {
	if err := h.check("get"); err != nil {
		return nil, false, err
	}

	value, found, err := h.region.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		atomic.AddInt64(&h.coord.stats.LocalHits, 1)
	} else {
		atomic.AddInt64(&h.coord.stats.LocalMisses, 1)
	}
	if h.coord.options.DebugMode {
		h.coord.logger.Debug("Get: local lookup", "region", h.name, "key", key, "found", found)
	}
	return value, found, nil
}

// GetOrLoad returns the cached value or fills the region from loader.
// Concurrent misses on one key share a single loader call, which runs
// detached from any one caller's cancellation. The fill is local only and
// is skipped when the key is invalidated while loader runs.
func (h *Handle) GetOrLoad(ctx context.Context, key string, loader Loader, ttl time.Duration) (any, error) {
	value, found, err := h.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}

	ch := h.loads.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.coord.options.ContextTimeout)
		defer cancel()
		return h.load(loadCtx, key, loader, ttl)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) load(ctx context.Context, key string, loader Loader, ttl time.Duration) (any, error) {
	p := h.beginLoad(key)
	defer h.endLoad(key, p)

	if v, ok, err := h.region.Get(ctx, key); err != nil || ok {
		return v, err
	}

	v, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}
	atomic.AddInt64(&h.coord.stats.Loads, 1)

	h.fillMu.Lock()
	defer h.fillMu.Unlock()
	if p.stale {
		if h.coord.options.DebugMode {
			h.coord.logger.Debug("GetOrLoad: key invalidated during load, not filling", "region", h.name, "key", key)
		}
		return v, nil
	}
	if err := h.region.Put(ctx, key, v, h.ttl(ttl)); err != nil {
		return nil, err
	}
	return v, nil
}

func (h *Handle) beginLoad(key string) *pendingLoad {
	p := &pendingLoad{}
	h.fillMu.Lock()
	h.pending[key] = p
	h.fillMu.Unlock()
	return p
}

func (h *Handle) endLoad(key string, p *pendingLoad) {
	h.fillMu.Lock()
	if h.pending[key] == p {
		delete(h.pending, key)
	}
	h.fillMu.Unlock()
}

// invalidateLoads marks in-flight loads touched by event as stale. It
// takes fillMu, so a fill either lands before the event's eviction or is
// skipped.
func (h *Handle) invalidateLoads(event types.InvalidationEvent) {
	h.fillMu.Lock()
	defer h.fillMu.Unlock()
	if len(h.pending) == 0 {
		return
	}
	switch event.Op {
	case types.OpUpdate, types.OpEvict:
		if p := h.pending[event.Key]; p != nil {
			p.stale = true
		}
	case types.OpEvictBatch:
		for _, k := range event.Keys {
			if p := h.pending[k]; p != nil {
				p.stale = true
			}
		}
	case types.OpClear:
		for _, p := range h.pending {
			p.stale = true
		}
	}
}

// Put stores a value locally and tells the other nodes to drop theirs.
// A ttl of zero uses the coordinator's default TTL.
func (h *Handle) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := h.check("put"); err != nil {
		return err
	}
	event := types.InvalidationEvent{Region: h.name, Op: types.OpUpdate, Key: key}
	h.invalidateLoads(event)
	if err := h.region.Put(ctx, key, value, h.ttl(ttl)); err != nil {
		return err
	}
	h.coord.publish(ctx, event)
	return nil
}

// Evict removes a key locally and on the other nodes.
func (h *Handle) Evict(ctx context.Context, key string) error {
	if err := h.check("evict"); err != nil {
		return err
	}
	event := types.InvalidationEvent{Region: h.name, Op: types.OpEvict, Key: key}
	h.invalidateLoads(event)
	if err := h.region.Evict(ctx, key); err != nil {
		return err
	}
	h.coord.publish(ctx, event)
	return nil
}

// EvictAll removes keys locally and on the other nodes.
func (h *Handle) EvictAll(ctx context.Context, keys []string) error {
	if err := h.check("evict_all"); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	event := types.InvalidationEvent{Region: h.name, Op: types.OpEvictBatch, Keys: append([]string(nil), keys...)}
	h.invalidateLoads(event)
	if err := h.region.EvictAll(ctx, keys); err != nil {
		return err
	}
	h.coord.publish(ctx, event)
	return nil
}

// Clear empties the region locally and on the other nodes.
func (h *Handle) Clear(ctx context.Context) error {
	if err := h.check("clear"); err != nil {
		return err
	}
	event := types.InvalidationEvent{Region: h.name, Op: types.OpClear}
	h.invalidateLoads(event)
	if err := h.region.Clear(ctx); err != nil {
		return err
	}
	h.coord.publish(ctx, event)
	return nil
}

// Keys returns a snapshot of the local region's keys.
func (h *Handle) Keys(ctx context.Context) ([]string, error) {
	if err := h.check("keys"); err != nil {
		return nil, err
	}
	return h.region.Keys(ctx)
}

// Destroy releases the local region. It is not broadcast. Every later
// call on this handle, and every later Open of the same name, fails
// with KindDestroyed.
func (h *Handle) Destroy(ctx context.Context) error {
	if !h.state.CompareAndSwap(stateActive, stateDestroyed) {
		return DestroyedFailure(h.name, "destroy")
	}
	return h.coord.destroy(ctx, h)
}

func (h *Handle) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return h.coord.options.DefaultTTL
	}
	return ttl
}
