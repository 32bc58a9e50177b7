package tieredcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/huykn/tiered-cache/cache"
	cachesync "github.com/huykn/tiered-cache/sync"
)

// EnvPrefix prefixes every environment variable read by ConfigFromEnv.
const EnvPrefix = "TIEREDCACHE_"

// Config configures a tiered cache node.
type Config struct {
	// NodeID is the unique identifier for this process in the cluster.
	// Used to recognise this node's own events. If empty, a random UUID is used.
	NodeID string `env:"NODE_ID"`

	// Provider selects the region store: "map", "lru", "lfu", "redis" or "sqlite".
	// Ignored when RegionFactory is set.
	Provider string `env:"PROVIDER"`

	// RegionFactory overrides Provider with a custom store.
	RegionFactory RegionFactory

	// LocalCacheConfig sizes the "lru" and "lfu" providers.
	LocalCacheConfig LocalCacheConfig `envPrefix:"LOCAL_"`

	// Transport selects how invalidations travel: "redis" or "memory".
	// Ignored when CustomTransport is set.
	Transport string `env:"TRANSPORT"`

	// CustomTransport overrides Transport. The node closes it on Shutdown.
	CustomTransport Transport

	// Bus is the broker used by the "memory" transport. Nodes that should
	// see each other must share it. If nil, the node gets a private bus.
	Bus *Bus

	// Codec selects the wire format for invalidation events: "cbor" or "json".
	Codec string `env:"CODEC"`

	// RedisAddr is the Redis server address (e.g., "localhost:6379").
	RedisAddr string `env:"REDIS_ADDR"`

	// RedisPassword is the optional Redis password.
	RedisPassword string `env:"REDIS_PASSWORD"`

	// RedisDB is the Redis database number.
	RedisDB int `env:"REDIS_DB"`

	// KeyPrefix prefixes every key the "redis" provider writes.
	KeyPrefix string `env:"KEY_PREFIX"`

	// SQLitePath is the database file for the "sqlite" provider.
	SQLitePath string `env:"SQLITE_PATH"`

	// SQLiteShared marks SQLitePath as one file used by every node. Such
	// regions skip invalidations from other nodes.
	SQLiteShared bool `env:"SQLITE_SHARED"`

	// InvalidationChannel is the pub/sub topic for cache invalidation.
	InvalidationChannel string `env:"INVALIDATION_CHANNEL"`

	// SerializationFormat specifies how the "redis" and "sqlite" providers
	// store values ("json" or "cbor").
	SerializationFormat string `env:"SERIALIZATION_FORMAT"`

	// Marshaller overrides SerializationFormat.
	Marshaller Marshaller

	// SuppressSelf drops this node's own events when the transport echoes them.
	SuppressSelf bool `env:"SUPPRESS_SELF"`

	// PublishQueueSize bounds the events waiting to be sent.
	PublishQueueSize int `env:"PUBLISH_QUEUE_SIZE"`

	// PublishTimeout bounds each transport publish.
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT"`

	// ContextTimeout bounds startup and the handling of each inbound event.
	ContextTimeout time.Duration `env:"CONTEXT_TIMEOUT"`

	// DefaultTTL applies to Put calls without a ttl. Zero means no expiry.
	DefaultTTL time.Duration `env:"DEFAULT_TTL"`

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool `env:"DEBUG"`

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultConfig returns default node configuration.
func DefaultConfig() Config {
	return Config{
		Provider:            "map",
		Transport:           "redis",
		Codec:               "cbor",
		RedisAddr:           "localhost:6379",
		RedisDB:             0,
		KeyPrefix:           "tieredcache:",
		InvalidationChannel: "cache:invalidate",
		SerializationFormat: "json",
		SuppressSelf:        true,
		PublishQueueSize:    1024,
		PublishTimeout:      5 * time.Second,
		ContextTimeout:      5 * time.Second,
		LocalCacheConfig:    DefaultLocalCacheConfig(),
		RegionFactory:       nil, // Will default to Provider in New()
		Logger:              nil, // Will default to no-op in New()
		DebugMode:           false,
	}
}

// ConfigFromEnv overlays TIEREDCACHE_* environment variables on DefaultConfig.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RegionFactory == nil {
		switch c.Provider {
		case "map":
		case "lru", "lfu":
			if err := c.LocalCacheConfig.Validate(); err != nil {
				return err
			}
		case "redis":
			if c.RedisAddr == "" {
				return fmt.Errorf("%w: redis provider needs RedisAddr", ErrInvalidConfig)
			}
		case "sqlite":
			if c.SQLitePath == "" {
				return fmt.Errorf("%w: sqlite provider needs SQLitePath", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
		}
	}
	if c.CustomTransport == nil {
		switch c.Transport {
		case "memory":
		case "redis":
			if c.RedisAddr == "" {
				return fmt.Errorf("%w: redis transport needs RedisAddr", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
		}
	}
	if c.Marshaller == nil && c.SerializationFormat != "json" && c.SerializationFormat != "cbor" {
		return fmt.Errorf("%w: unknown serialization format %q", ErrInvalidConfig, c.SerializationFormat)
	}
	if c.Codec != "cbor" && c.Codec != "json" {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, c.Codec)
	}
	if c.InvalidationChannel == "" {
		return fmt.Errorf("%w: empty invalidation channel", ErrInvalidConfig)
	}
	if c.PublishQueueSize <= 0 || c.PublishTimeout <= 0 || c.ContextTimeout <= 0 {
		return fmt.Errorf("%w: queue size and timeouts must be positive", ErrInvalidConfig)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("%w: negative default ttl", ErrInvalidConfig)
	}
	return nil
}

// Node is one process's view of the cluster: a region registry, an
// invalidation channel, and the coordinator joining them.
type Node struct {
	coordinator *cache.Coordinator
	registry    *cache.Registry
	channel     *cachesync.Channel
	closers     []io.Closer
	logger      Logger
	shutdown    int32
}

// New creates and starts a node.
func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	factory, closer, err := newRegionFactory(cfg)
	if err != nil {
		return nil, err
	}
	n := &Node{logger: cfg.Logger}
	if closer != nil {
		n.closers = append(n.closers, closer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ContextTimeout)
	defer cancel()

	n.channel, err = NewChannel(ctx, cfg)
	if err != nil {
		n.closeAll()
		return nil, err
	}

	n.registry = cache.NewRegistry(cfg.Logger)
	if err := n.registry.Start(); err != nil {
		n.closeAll()
		return nil, err
	}

	n.coordinator, err = cache.NewCoordinator(n.registry, n.channel, cache.Options{
		NodeID:         cfg.NodeID,
		RegionFactory:  factory,
		Logger:         cfg.Logger,
		DebugMode:      cfg.DebugMode,
		DefaultTTL:     cfg.DefaultTTL,
		ContextTimeout: cfg.ContextTimeout,
		OnError:        cfg.OnError,
	})
	if err != nil {
		n.closeAll()
		return nil, err
	}

	if cfg.DebugMode {
		cfg.Logger.Info("Node started", "node", cfg.NodeID, "provider", cfg.Provider, "transport", cfg.Transport, "codec", cfg.Codec)
	}
	return n, nil
}

// NewChannel builds and starts the invalidation channel described by cfg.
// The caller closes it.
func NewChannel(ctx context.Context, cfg Config) (*cachesync.Channel, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	codec, err := cachesync.GetCodec(cfg.Codec)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	channel, err := cachesync.NewChannel(transport, cachesync.ChannelOptions{
		Topic:          cfg.InvalidationChannel,
		NodeID:         cfg.NodeID,
		Codec:          codec,
		SuppressSelf:   cfg.SuppressSelf,
		QueueSize:      cfg.PublishQueueSize,
		PublishTimeout: cfg.PublishTimeout,
		Logger:         cfg.Logger,
		DebugMode:      cfg.DebugMode,
		OnError:        cfg.OnError,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := channel.Start(ctx); err != nil {
		_ = channel.Close()
		return nil, err
	}
	return channel, nil
}

// Open returns the handle for a region, creating it on first use.
func (n *Node) Open(ctx context.Context, region string) (*Handle, error) {
	return n.coordinator.Open(ctx, region)
}

// NodeID returns this node's id.
func (n *Node) NodeID() string { return n.coordinator.NodeID() }

// Regions returns the open region names.
func (n *Node) Regions() []string { return n.coordinator.Regions() }

// Stats returns coordinator statistics.
func (n *Node) Stats() Stats { return n.coordinator.Stats() }

// ChannelStats returns invalidation channel statistics.
func (n *Node) ChannelStats() ChannelStats { return n.channel.Stats() }

// Shutdown detaches from the cluster, destroys every region and releases
// the channel and store resources. Later calls are no-ops.
func (n *Node) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&n.shutdown, 0, 1) {
		return nil
	}

	var errs []error
	if err := n.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.registry.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := n.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (n *Node) closeAll() error {
	var errs []error
	if n.channel != nil {
		if err := n.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
