package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

type registryState int

const (
	registryNew registryState = iota
	registryRunning
	registryStopped
)

// construction marks a region whose factory is running. done is closed
// when the attempt finishes, successful or not.
type construction struct {
	done chan struct{}
}

// Registry maps region names to live Cache instances and builds each
// region at most once.
//
// Reads go through a sync.Map without locking. Construction is serialized
// per region name: the first caller runs the factory outside the registry
// lock while later callers for the same name wait for it and then look
// again. If the factory fails, only its caller sees the error; waiters
// retry construction themselves.
type Registry struct {
	regions sync.Map // string -> Cache

	mu      sync.Mutex
	state   registryState
	pending map[string]*construction

	logger Logger
}

// NewRegistry creates a registry. Call Start before use.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Registry{logger: logger}
}

// Start initializes the registry. Calls after the first are no-ops;
// a stopped registry cannot be restarted.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case registryRunning:
		return nil
	case registryStopped:
		return ErrRegistryStopped
	}
	r.pending = make(map[string]*construction)
	r.state = registryRunning
	return nil
}

// Lookup returns the live region without creating it.
func (r *Registry) Lookup(name string) (Cache, bool) {
	c, ok := r.regions.Load(name)
	if !ok {
		return nil, false
	}
	return c.(Cache), true
}

// GetOrCreate returns the region called name, building it with factory
// if it does not exist yet.
func (r *Registry) GetOrCreate(ctx context.Context, name string, factory RegionFactory) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidRegion
	}

	for {
		if c, ok := r.Lookup(name); ok {
			return c, nil
		}

		r.mu.Lock()
		if r.state != registryRunning {
			r.mu.Unlock()
			return nil, &RegistryFailure{Kind: KindRegistryStopped, Region: name}
		}
		if c, ok := r.Lookup(name); ok {
			r.mu.Unlock()
			return c, nil
		}
		if p, ok := r.pending[name]; ok {
			r.mu.Unlock()
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		p := &construction{done: make(chan struct{})}
		r.pending[name] = p
		r.mu.Unlock()

		c, err := build(ctx, name, factory)

		r.mu.Lock()
		delete(r.pending, name)
		if err == nil && r.state != registryRunning {
			// Stop ran while the factory was busy; do not leak the instance.
			if derr := c.Destroy(ctx); derr != nil {
				r.logger.Warn("Registry: failed to destroy region built during stop", "region", name, "error", derr)
			}
			c, err = nil, &RegistryFailure{Kind: KindRegistryStopped, Region: name}
		} else if err == nil {
			r.regions.Store(name, c)
		}
		close(p.done)
		r.mu.Unlock()

		if err != nil {
			return nil, err
		}
		r.logger.Debug("Registry: created region", "region", name)
		return c, nil
	}
}

// build runs the factory, converting errors and panics into a
// RegistryFailure.
func build(ctx context.Context, name string, factory RegionFactory) (c Cache, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c, err = nil, &RegistryFailure{Kind: KindFactoryFailed, Region: name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	c, err = factory.Create(ctx, name)
	if err != nil {
		return nil, &RegistryFailure{Kind: KindFactoryFailed, Region: name, Err: err}
	}
	if c == nil {
		return nil, &RegistryFailure{Kind: KindFactoryFailed, Region: name, Err: fmt.Errorf("factory returned nil cache")}
	}
	return c, nil
}

// Remove destroys a region and drops it from the mapping. Removing an
// unknown region is a no-op.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.regions.LoadAndDelete(name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return c.(Cache).Destroy(ctx)
}

// Names returns the live region names, sorted.
func (r *Registry) Names() []string {
	var names []string
	r.regions.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Stop destroys every live region and clears the mapping. Regions are
// destroyed in parallel; the first error is returned.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != registryRunning {
		r.state = registryStopped
		r.mu.Unlock()
		return nil
	}
	r.state = registryStopped
	var live []Cache
	r.regions.Range(func(k, v any) bool {
		live = append(live, v.(Cache))
		r.regions.Delete(k)
		return true
	})
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range live {
		g.Go(func() error {
			if err := c.Destroy(ctx); err != nil {
				r.logger.Error("Registry: failed to destroy region", "region", c.Name(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
