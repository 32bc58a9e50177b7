package tieredcache

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/tiered-cache/cache"
	"github.com/huykn/tiered-cache/storage"
	cachesync "github.com/huykn/tiered-cache/sync"
)

// newRegionFactory resolves the configured provider. The returned closer,
// if any, belongs to the node.
func newRegionFactory(cfg Config) (RegionFactory, io.Closer, error) {
	if cfg.RegionFactory != nil {
		return cfg.RegionFactory, nil, nil
	}

	switch cfg.Provider {
	case "map":
		return cache.NewMapCacheFactory(), nil, nil
	case "lru":
		return cache.NewLRUCacheFactory(cfg.LocalCacheConfig.MaxSize), nil, nil
	case "lfu":
		return cache.NewLFUCacheFactory(cfg.LocalCacheConfig), nil, nil
	}

	marshaller := cfg.Marshaller
	if marshaller == nil {
		m, err := storage.GetSerializer(cfg.SerializationFormat)
		if err != nil {
			return nil, nil, err
		}
		marshaller = m
	}

	switch cfg.Provider {
	case "redis":
		f, err := storage.NewRedisRegionFactory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix, marshaller)
		if err != nil {
			return nil, nil, fmt.Errorf("redis provider: %w", err)
		}
		return f, f, nil
	case "sqlite":
		f, err := storage.OpenSQLite(cfg.SQLitePath, marshaller)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite provider: %w", err)
		}
		f.SetShared(cfg.SQLiteShared)
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// newTransport resolves the configured transport.
func newTransport(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.CustomTransport != nil {
		return cfg.CustomTransport, nil
	}

	switch cfg.Transport {
	case "memory":
		bus := cfg.Bus
		if bus == nil {
			bus = cachesync.NewBus()
		}
		return bus.Transport(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		return cachesync.NewRedisTransport(client, true), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
}
