package cache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func testProviders(t *testing.T) map[string]RegionFactory {
	t.Helper()
	cfg := DefaultLocalCacheConfig()
	cfg.NumCounters = 1000
	cfg.MaxCost = 100
	return map[string]RegionFactory{
		"map": NewMapCacheFactory(),
		"lru": NewLRUCacheFactory(100),
		"lfu": NewLFUCacheFactory(cfg),
	}
}

func TestRegionContract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range testProviders(t) {
		t.Run(name, func(t *testing.T) {
			c, err := factory.Create(ctx, "users")
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if c.Name() != "users" {
				t.Errorf("Expected name 'users', got %s", c.Name())
			}

			if _, found, err := c.Get(ctx, "missing"); err != nil || found {
				t.Fatalf("Expected miss without error, got found=%v err=%v", found, err)
			}

			if err := c.Put(ctx, "k1", "v1", 0); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			value, found, err := c.Get(ctx, "k1")
			if err != nil || !found || value != "v1" {
				t.Fatalf("Expected v1, got %v %v %v", value, found, err)
			}

			if err := c.Put(ctx, "k1", "v2", 0); err != nil {
				t.Fatalf("Overwrite failed: %v", err)
			}
			if value, _, _ := c.Get(ctx, "k1"); value != "v2" {
				t.Fatalf("Expected v2 after overwrite, got %v", value)
			}

			if err := c.Evict(ctx, "absent"); err != nil {
				t.Fatalf("Evict of absent key should be a no-op, got %v", err)
			}
			if err := c.Evict(ctx, "k1"); err != nil {
				t.Fatalf("Evict failed: %v", err)
			}
			if _, found, _ := c.Get(ctx, "k1"); found {
				t.Fatal("Expected k1 to be evicted")
			}

			for _, k := range []string{"a", "b", "c"} {
				if err := c.Put(ctx, k, k, 0); err != nil {
					t.Fatalf("Put %s failed: %v", k, err)
				}
			}
			if err := c.EvictAll(ctx, []string{"a", "b", "zz"}); err != nil {
				t.Fatalf("EvictAll failed: %v", err)
			}
			keys, err := c.Keys(ctx)
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			if len(keys) != 1 || keys[0] != "c" {
				t.Fatalf("Expected [c], got %v", keys)
			}

			if err := c.Clear(ctx); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			if keys, _ := c.Keys(ctx); len(keys) != 0 {
				t.Fatalf("Expected no keys after clear, got %v", keys)
			}
			// Cleared regions stay usable.
			if err := c.Put(ctx, "after", 1, 0); err != nil {
				t.Fatalf("Put after clear failed: %v", err)
			}

			if err := c.Destroy(ctx); err != nil {
				t.Fatalf("Destroy failed: %v", err)
			}
			if _, _, err := c.Get(ctx, "after"); !errors.Is(err, ErrDestroyed) {
				t.Errorf("Expected ErrDestroyed from Get, got %v", err)
			}
			if err := c.Put(ctx, "k", 1, 0); !errors.Is(err, ErrDestroyed) {
				t.Errorf("Expected ErrDestroyed from Put, got %v", err)
			}
			if err := c.Clear(ctx); !errors.Is(err, ErrDestroyed) {
				t.Errorf("Expected ErrDestroyed from Clear, got %v", err)
			}
			if _, err := c.Keys(ctx); !errors.Is(err, ErrDestroyed) {
				t.Errorf("Expected ErrDestroyed from Keys, got %v", err)
			}
		})
	}
}

func TestRegionInvalidKey(t *testing.T) {
	ctx := context.Background()

	for name, factory := range testProviders(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := factory.Create(ctx, "users")
			defer c.Destroy(ctx)

			if err := c.Put(ctx, "", "v", 0); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Expected ErrInvalidKey from Put, got %v", err)
			}
			if _, _, err := c.Get(ctx, ""); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Expected ErrInvalidKey from Get, got %v", err)
			}
			if err := c.EvictAll(ctx, []string{"ok", ""}); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Expected ErrInvalidKey from EvictAll, got %v", err)
			}
		})
	}
}

func TestMapCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewMapCache("sessions")
	c.now = func() time.Time { return now }

	if err := c.Put(ctx, "s1", "token", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, "s2", "forever", 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	now = now.Add(59 * time.Second)
	if _, found, _ := c.Get(ctx, "s1"); !found {
		t.Fatal("Expected s1 before expiry")
	}

	now = now.Add(time.Second)
	if _, found, _ := c.Get(ctx, "s1"); found {
		t.Fatal("Expected s1 to expire")
	}
	keys, _ := c.Keys(ctx)
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "s2" {
		t.Fatalf("Expected [s2], got %v", keys)
	}
}

func TestLRUCacheExpiryAndBound(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c, err := NewLRUCache("recent", 2)
	if err != nil {
		t.Fatalf("NewLRUCache failed: %v", err)
	}
	c.now = func() time.Time { return now }

	c.Put(ctx, "a", 1, time.Second)
	c.Put(ctx, "b", 2, 0)
	c.Put(ctx, "c", 3, 0)

	if _, found, _ := c.Get(ctx, "a"); found {
		t.Fatal("Expected a to be pushed out by the size bound")
	}

	c.Put(ctx, "d", 4, time.Second)
	now = now.Add(2 * time.Second)
	if _, found, _ := c.Get(ctx, "d"); found {
		t.Fatal("Expected d to expire")
	}
	if _, found, _ := c.Get(ctx, "c"); !found {
		t.Fatal("Expected c to survive")
	}
}

func TestNewLRUCacheInvalidSize(t *testing.T) {
	if _, err := NewLRUCache("bad", 0); err == nil {
		t.Fatal("Expected error for zero size")
	}
}
