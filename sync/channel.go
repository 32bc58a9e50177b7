package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huykn/tiered-cache/cache"
	"github.com/huykn/tiered-cache/types"
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// Topic is the transport topic shared by every node of the cluster.
	Topic string

	// NodeID is stamped as origin on every published event.
	NodeID string

	// Codec encodes events. If nil, defaults to CBOR.
	Codec Codec

	// SuppressSelf drops inbound events whose origin is NodeID.
	SuppressSelf bool

	// QueueSize bounds the outbound queue. Publish fails once it is full.
	QueueSize int

	// PublishTimeout bounds each transport publish.
	PublishTimeout time.Duration

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called when a queued publish fails.
	OnError func(error)
}

// DefaultChannelOptions returns default channel options.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		Topic:          "cache:invalidate",
		NodeID:         "default-node",
		SuppressSelf:   true,
		QueueSize:      1024,
		PublishTimeout: 5 * time.Second,
	}
}

// Validate validates the options.
func (o *ChannelOptions) Validate() error {
	if o.Topic == "" || o.NodeID == "" {
		return cache.ErrInvalidConfig
	}
	if o.QueueSize <= 0 || o.PublishTimeout <= 0 {
		return cache.ErrInvalidConfig
	}
	return nil
}

// ChannelStats counts channel traffic.
type ChannelStats struct {
	Published       int64
	PublishFailures int64
	Received        int64
	Dropped         int64
	Suppressed      int64
	Delivered       int64
}

// Channel publishes invalidation events through a Transport and dispatches
// received events to per-region handlers.
//
// Publish encodes the event and queues it; a single goroutine drains the
// queue, so this node's events leave in the order they were published.
// The Channel owns its transport and closes it on Close.
type Channel struct {
	transport Transport
	codec     Codec
	logger    cache.Logger
	options   ChannelOptions

	queue chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	closed    int32
	// sendMu orders enqueues against Close so an accepted event is always
	// flushed.
	sendMu sync.RWMutex

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]types.EventHandler
	all      map[uint64]types.EventHandler

	stats ChannelStats
}

// NewChannel creates a channel on transport. Call Start to begin
// receiving and sending.
func NewChannel(transport Transport, opts ChannelOptions) (*Channel, error) {
	if transport == nil {
		return nil, cache.ErrInvalidConfig
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Codec == nil {
		opts.Codec = NewCBORCodec()
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}

	return &Channel{
		transport: transport,
		codec:     opts.Codec,
		logger:    opts.Logger,
		options:   opts,
		queue:     make(chan []byte, opts.QueueSize),
		done:      make(chan struct{}),
		handlers:  make(map[string]map[uint64]types.EventHandler),
		all:       make(map[uint64]types.EventHandler),
	}, nil
}

// Start subscribes to the topic and starts the publish loop.
func (c *Channel) Start(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return unavailable(ErrTransportClosed)
	}
	var err error
	c.startOnce.Do(func() {
		if err = c.transport.Subscribe(ctx, c.options.Topic, c.receive); err != nil {
			err = fmt.Errorf("subscribe %q: %w", c.options.Topic, err)
			return
		}
		c.wg.Add(1)
		go c.publishLoop()
	})
	return err
}

// Publish stamps the event with this node's id and queues it. It never
// waits on the network.
func (c *Channel) Publish(ctx context.Context, event types.InvalidationEvent) error {
	event.Origin = c.options.NodeID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}
	data, err := c.codec.Encode(event)
	if err != nil {
		return err
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if atomic.LoadInt32(&c.closed) != 0 {
		return unavailable(errors.New("channel is closed"))
	}
	select {
	case c.queue <- data:
		return nil
	case <-ctx.Done():
		return unavailable(ctx.Err())
	default:
		atomic.AddInt64(&c.stats.PublishFailures, 1)
		return unavailable(errors.New("publish queue is full"))
	}
}

// Subscribe registers handler for events of region.
func (c *Channel) Subscribe(region string, handler types.EventHandler) (func(), error) {
	if region == "" || handler == nil {
		return nil, cache.ErrInvalidConfig
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[region] == nil {
		c.handlers[region] = make(map[uint64]types.EventHandler)
	}
	c.handlers[region][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[region], id)
		if len(c.handlers[region]) == 0 {
			delete(c.handlers, region)
		}
	}, nil
}

// SubscribeAll registers handler for events of every region.
func (c *Channel) SubscribeAll(handler types.EventHandler) (func(), error) {
	if handler == nil {
		return nil, cache.ErrInvalidConfig
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.all[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.all, id)
	}, nil
}

// Close flushes queued events, stops the publish loop and closes the
// transport.
func (c *Channel) Close() error {
	c.sendMu.Lock()
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.sendMu.Unlock()
		return nil
	}
	c.sendMu.Unlock()
	close(c.done)
	c.wg.Wait()
	return c.transport.Close()
}

// Stats returns channel statistics.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Published:       atomic.LoadInt64(&c.stats.Published),
		PublishFailures: atomic.LoadInt64(&c.stats.PublishFailures),
		Received:        atomic.LoadInt64(&c.stats.Received),
		Dropped:         atomic.LoadInt64(&c.stats.Dropped),
		Suppressed:      atomic.LoadInt64(&c.stats.Suppressed),
		Delivered:       atomic.LoadInt64(&c.stats.Delivered),
	}
}

func (c *Channel) publishLoop() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.queue:
			c.send(data)
		case <-c.done:
			for {
				select {
				case data := <-c.queue:
					c.send(data)
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) send(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.options.PublishTimeout)
	defer cancel()

	if err := c.transport.Publish(ctx, c.options.Topic, data); err != nil {
		atomic.AddInt64(&c.stats.PublishFailures, 1)
		c.logger.Warn("Channel: transport publish failed", "topic", c.options.Topic, "error", err)
		if c.options.OnError != nil {
			c.options.OnError(unavailable(err))
		}
		return
	}
	atomic.AddInt64(&c.stats.Published, 1)
}

// receive runs on the transport's delivery goroutine.
func (c *Channel) receive(payload []byte) {
	atomic.AddInt64(&c.stats.Received, 1)

	event, err := c.codec.Decode(payload)
	if err != nil {
		atomic.AddInt64(&c.stats.Dropped, 1)
		c.logger.Warn("Channel: dropping malformed event", "topic", c.options.Topic, "bytes", len(payload), "error", err)
		return
	}

	if c.options.SuppressSelf && event.Origin == c.options.NodeID {
		atomic.AddInt64(&c.stats.Suppressed, 1)
		return
	}

	// Copy under the lock and call outside it so handlers may subscribe or
	// unsubscribe while an event is being delivered.
	c.mu.RLock()
	targets := make([]types.EventHandler, 0, len(c.handlers[event.Region])+len(c.all))
	for _, h := range c.handlers[event.Region] {
		targets = append(targets, h)
	}
	for _, h := range c.all {
		targets = append(targets, h)
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		if c.options.DebugMode {
			c.logger.Debug("Channel: no subscriber for region", "region", event.Region)
		}
		return
	}
	for _, h := range targets {
		c.dispatch(h, event)
	}
	atomic.AddInt64(&c.stats.Delivered, 1)
}

func (c *Channel) dispatch(h types.EventHandler, event types.InvalidationEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Channel: event handler panicked", "region", event.Region, "op", event.Op.String(), "panic", rec)
		}
	}()
	h(event)
}
