package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huykn/tiered-cache/types"
)

// fakeChannel records published events and delivers inbound ones
// synchronously.
type fakeChannel struct {
	mu         sync.Mutex
	published  []types.InvalidationEvent
	handlers   map[string]map[int]types.EventHandler
	nextID     int
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]types.EventHandler)}
}

func (f *fakeChannel) Publish(ctx context.Context, event types.InvalidationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, event)
	return nil
}

func (f *fakeChannel) Subscribe(region string, handler types.EventHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[region] == nil {
		f.handlers[region] = make(map[int]types.EventHandler)
	}
	f.handlers[region][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[region], id)
	}, nil
}

func (f *fakeChannel) deliver(event types.InvalidationEvent) {
	f.mu.Lock()
	var targets []types.EventHandler
	for _, h := range f.handlers[event.Region] {
		targets = append(targets, h)
	}
	f.mu.Unlock()
	for _, h := range targets {
		h(event)
	}
}

func (f *fakeChannel) events() []types.InvalidationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.InvalidationEvent(nil), f.published...)
}

func (f *fakeChannel) subscribers(region string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[region])
}

func newTestCoordinator(t *testing.T, ch Channel, modify ...func(*Options)) *Coordinator {
	t.Helper()
	r := NewRegistry(nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	opts := DefaultOptions()
	opts.NodeID = "node-a"
	for _, m := range modify {
		m(&opts)
	}
	c, err := NewCoordinator(r, ch, opts)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = r.Stop(context.Background())
	})
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := NewCoordinator(nil, newFakeChannel(), DefaultOptions()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil registry, got %v", err)
	}
	if _, err := NewCoordinator(r, nil, DefaultOptions()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil channel, got %v", err)
	}
	opts := DefaultOptions()
	opts.NodeID = ""
	if _, err := NewCoordinator(r, newFakeChannel(), opts); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for empty node id, got %v", err)
	}
}

func TestCoordinatorOpen(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)

	h1, err := c.Open(ctx, "user_cache")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h2, err := c.Open(ctx, "user_cache")
	if err != nil {
		t.Fatalf("Second Open failed: %v", err)
	}
	if h1 != h2 {
		t.Fatal("Expected the same handle for the same region")
	}
	if ch.subscribers("user_cache") != 1 {
		t.Fatalf("Expected one subscription, got %d", ch.subscribers("user_cache"))
	}
	if _, err := c.Open(ctx, ""); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("Expected ErrInvalidRegion, got %v", err)
	}
	if regions := c.Regions(); len(regions) != 1 || regions[0] != "user_cache" {
		t.Fatalf("Expected [user_cache], got %v", regions)
	}
}

func TestHandleMutationsPublish(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	h, _ := c.Open(ctx, "user_cache")

	if err := h.Put(ctx, "u42", "alice", 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := h.Evict(ctx, "u42"); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	keys := []string{"u1", "u2"}
	if err := h.EvictAll(ctx, keys); err != nil {
		t.Fatalf("EvictAll failed: %v", err)
	}
	keys[0] = "mutated"
	if err := h.EvictAll(ctx, nil); err != nil {
		t.Fatalf("Empty EvictAll failed: %v", err)
	}
	if err := h.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	events := ch.events()
	want := []types.Operation{types.OpUpdate, types.OpEvict, types.OpEvictBatch, types.OpClear}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, e := range events {
		if e.Op != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], e.Op)
		}
		if e.Region != "user_cache" || e.Origin != "node-a" || e.Timestamp == 0 {
			t.Errorf("Event %d not stamped correctly: %+v", i, e)
		}
		if err := e.Validate(); err != nil {
			t.Errorf("Event %d invalid: %v", i, err)
		}
	}
	if events[0].Key != "u42" {
		t.Errorf("Expected update for u42, got %q", events[0].Key)
	}
	if events[2].Keys[0] != "u1" {
		t.Errorf("Expected batch keys to be copied, got %v", events[2].Keys)
	}
}

func TestInboundEventsInvalidate(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	h, _ := c.Open(ctx, "user_cache")

	for _, k := range []string{"u1", "u2", "u3", "u42"} {
		h.Put(ctx, k, "v", 0)
	}

	// Updates from other nodes evict rather than copy the value.
	ch.deliver(types.InvalidationEvent{Region: "user_cache", Op: types.OpUpdate, Key: "u42", Origin: "node-b"})
	if _, found, _ := h.Get(ctx, "u42"); found {
		t.Fatal("Expected remote update to evict u42")
	}

	ch.deliver(types.InvalidationEvent{Region: "user_cache", Op: types.OpEvictBatch, Keys: []string{"u1", "u2"}, Origin: "node-b"})
	keys, _ := h.Keys(ctx)
	if len(keys) != 1 || keys[0] != "u3" {
		t.Fatalf("Expected [u3], got %v", keys)
	}

	ch.deliver(types.InvalidationEvent{Region: "user_cache", Op: types.OpClear, Origin: "node-b"})
	if keys, _ := h.Keys(ctx); len(keys) != 0 {
		t.Fatalf("Expected empty region after clear, got %v", keys)
	}

	if got := c.Stats().Invalidations; got != 3 {
		t.Fatalf("Expected 3 invalidations, got %d", got)
	}
	// Inbound events are never re-broadcast.
	if n := len(ch.events()); n != 4 {
		t.Fatalf("Expected only the 4 local puts to be published, got %d", n)
	}
}

func TestInboundEventForUnknownRegion(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	if _, err := c.Open(ctx, "user_cache"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	c.handleInvalidation(types.InvalidationEvent{Region: "other", Op: types.OpClear, Origin: "node-b"})
	if regions := c.Regions(); len(regions) != 1 {
		t.Fatalf("Unknown region must not be created, got %v", regions)
	}
	if _, ok := c.registry.Lookup("other"); ok {
		t.Fatal("Unknown region must not reach the registry")
	}
}

func TestPublishFailureIsLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	ch.publishErr = errors.New("broker down")
	var reported int32
	c := newTestCoordinator(t, ch, func(o *Options) {
		o.OnError = func(error) { atomic.AddInt32(&reported, 1) }
	})
	h, _ := c.Open(ctx, "user_cache")

	if err := h.Put(ctx, "u1", "v", 0); err != nil {
		t.Fatalf("Put must succeed when publish fails, got %v", err)
	}
	if v, found, _ := h.Get(ctx, "u1"); !found || v != "v" {
		t.Fatalf("Expected local write to stick, got %v %v", v, found)
	}
	if c.Stats().PublishFailures != 1 || reported != 1 {
		t.Fatalf("Expected one recorded failure, got stats=%d reported=%d", c.Stats().PublishFailures, reported)
	}
}

func TestHandleDestroy(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	h, _ := c.Open(ctx, "tmp")
	h.Put(ctx, "k", "v", 0)
	before := len(ch.events())

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if len(ch.events()) != before {
		t.Fatal("Destroy must not be broadcast")
	}
	if ch.subscribers("tmp") != 0 {
		t.Fatal("Destroy must unsubscribe the region")
	}

	checks := map[string]error{
		"destroy": h.Destroy(ctx),
		"put":     h.Put(ctx, "k", "v", 0),
		"evict":   h.Evict(ctx, "k"),
		"clear":   h.Clear(ctx),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrDestroyed) {
			t.Errorf("%s: expected ErrDestroyed, got %v", op, err)
		}
	}
	if _, err := h.Keys(ctx); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Keys: expected ErrDestroyed, got %v", err)
	}
	if _, err := c.Open(ctx, "tmp"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Reopen: expected ErrDestroyed, got %v", err)
	}

	// Late events for the destroyed region are ignored.
	ch.deliver(types.InvalidationEvent{Region: "tmp", Op: types.OpClear, Origin: "node-b"})
	if c.Stats().Invalidations != 0 {
		t.Fatal("Expected no invalidation on a destroyed region")
	}
}

func TestGetOrLoad(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	h, _ := c.Open(ctx, "products")

	var calls int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "widget", nil
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.GetOrLoad(ctx, "p1", loader, time.Minute)
			if err != nil || v != "widget" {
				t.Errorf("GetOrLoad: got %v %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("Expected a single load, got %d", calls)
	}
	if v, found, _ := h.Get(ctx, "p1"); !found || v != "widget" {
		t.Fatalf("Expected loaded value to be cached, got %v %v", v, found)
	}
	if len(ch.events()) != 0 {
		t.Fatal("A load must not be broadcast")
	}
	if c.Stats().Loads != 1 {
		t.Fatalf("Expected Loads=1, got %d", c.Stats().Loads)
	}

	_, err := h.GetOrLoad(ctx, "p2", func(ctx context.Context) (any, error) {
		return nil, errors.New("not found")
	}, 0)
	if err == nil {
		t.Fatal("Expected loader error")
	}
	if _, found, _ := h.Get(ctx, "p2"); found {
		t.Fatal("A failed load must not fill the region")
	}
}

func TestGetOrLoadSkipsFillInvalidatedDuringLoad(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	h, _ := c.Open(ctx, "products")

	tests := []struct {
		name  string
		event types.InvalidationEvent
	}{
		{"update", types.InvalidationEvent{Region: "products", Op: types.OpUpdate, Key: "k", Origin: "node-b"}},
		{"evict", types.InvalidationEvent{Region: "products", Op: types.OpEvict, Key: "k", Origin: "node-b"}},
		{"evict batch", types.InvalidationEvent{Region: "products", Op: types.OpEvictBatch, Keys: []string{"x", "k"}, Origin: "node-b"}},
		{"clear", types.InvalidationEvent{Region: "products", Op: types.OpClear, Origin: "node-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := h.GetOrLoad(ctx, "k", func(ctx context.Context) (any, error) {
				ch.deliver(tt.event)
				return "stale", nil
			}, 0)
			if err != nil || v != "stale" {
				t.Fatalf("GetOrLoad: got %v %v", v, err)
			}
			if v, found, _ := h.Get(ctx, "k"); found {
				t.Fatalf("Expected no fill after invalidation during load, got %v", v)
			}
		})
	}

	// An event for another key leaves the fill alone.
	v, err := h.GetOrLoad(ctx, "k", func(ctx context.Context) (any, error) {
		ch.deliver(types.InvalidationEvent{Region: "products", Op: types.OpEvict, Key: "other", Origin: "node-b"})
		return "fresh", nil
	}, 0)
	if err != nil || v != "fresh" {
		t.Fatalf("GetOrLoad: got %v %v", v, err)
	}
	if v, found, _ := h.Get(ctx, "k"); !found || v != "fresh" {
		t.Fatalf("Expected fill, got %v %v", v, found)
	}
}

func TestGetOrLoadLocalWriteDuringLoadWins(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, newFakeChannel())
	h, _ := c.Open(ctx, "products")

	_, err := h.GetOrLoad(ctx, "k", func(ctx context.Context) (any, error) {
		if err := h.Put(ctx, "k", "new", 0); err != nil {
			t.Errorf("Put failed: %v", err)
		}
		return "old", nil
	}, 0)
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if v, _, _ := h.Get(ctx, "k"); v != "new" {
		t.Fatalf("Expected local write to survive the load, got %v", v)
	}
}

func TestGetOrLoadCallerCancellation(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, newFakeChannel())
	h, _ := c.Open(ctx, "products")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loader := func(ctx context.Context) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return "widget", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.GetOrLoad(firstCtx, "p1", loader, 0)
		firstErr <- err
	}()
	<-started

	second := make(chan any, 1)
	go func() {
		v, err := h.GetOrLoad(ctx, "p1", loader, 0)
		if err != nil {
			t.Errorf("Second caller failed: %v", err)
		}
		second <- v
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled for the first caller, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)

	select {
	case v := <-second:
		if v != "widget" {
			t.Fatalf("Expected widget, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Second caller did not finish")
	}
	if v, found, _ := h.Get(ctx, "p1"); !found || v != "widget" {
		t.Fatalf("Expected shared load to fill the region, got %v %v", v, found)
	}
}

// sharedMap is a map region that reports shared storage.
type sharedMap struct {
	*MapCache
}

func (sharedMap) Shared() bool { return true }

func TestInboundEventsSkipSharedRegions(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch, func(o *Options) {
		o.RegionFactory = FactoryFunc(func(ctx context.Context, region string) (Cache, error) {
			return sharedMap{NewMapCache(region)}, nil
		})
	})
	h, _ := c.Open(ctx, "user_cache")
	h.Put(ctx, "u42", "v1", 0)

	ch.deliver(types.InvalidationEvent{Region: "user_cache", Op: types.OpUpdate, Key: "u42", Origin: "node-b"})
	ch.deliver(types.InvalidationEvent{Region: "user_cache", Op: types.OpClear, Origin: "node-b"})

	if v, found, _ := h.Get(ctx, "u42"); !found || v != "v1" {
		t.Fatalf("Expected shared region to keep v1, got %v %v", v, found)
	}
	if got := c.Stats().Invalidations; got != 0 {
		t.Fatalf("Expected no applied invalidations, got %d", got)
	}
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	factory := FactoryFunc(func(ctx context.Context, region string) (Cache, error) {
		m := NewMapCache(region)
		m.now = func() time.Time { return now }
		return m, nil
	})
	c := newTestCoordinator(t, newFakeChannel(), func(o *Options) {
		o.RegionFactory = factory
		o.DefaultTTL = time.Minute
	})
	h, _ := c.Open(ctx, "sessions")

	h.Put(ctx, "s1", "token", 0)
	h.Put(ctx, "s2", "token", time.Hour)
	now = now.Add(2 * time.Minute)

	if _, found, _ := h.Get(ctx, "s1"); found {
		t.Error("Expected default TTL to expire s1")
	}
	if _, found, _ := h.Get(ctx, "s2"); !found {
		t.Error("Expected explicit TTL to keep s2")
	}
}

func TestCoordinatorClose(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	c := newTestCoordinator(t, ch)
	h, _ := c.Open(ctx, "users")

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ch.subscribers("users") != 0 {
		t.Fatal("Expected Close to unsubscribe every region")
	}
	if _, err := c.Open(ctx, "users"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := h.Put(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Local writes keep working after Close, got %v", err)
	}
	if len(ch.events()) != 0 {
		t.Fatal("A closed coordinator must not publish")
	}
}
