package sync

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport implements Transport using Redis Pub/Sub.
type RedisTransport struct {
	client     *redis.Client
	ownsClient bool

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRedisTransport creates a Pub/Sub transport. When ownsClient is true,
// Close also closes client.
func NewRedisTransport(client *redis.Client, ownsClient bool) *RedisTransport {
	return &RedisTransport{
		client:     client,
		ownsClient: ownsClient,
		done:       make(chan struct{}),
	}
}

// Publish publishes payload on topic.
func (rt *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return rt.client.Publish(ctx, topic, payload).Err()
}

// Subscribe subscribes to topic and waits for Redis to confirm before
// returning, so no message published afterwards is missed.
func (rt *RedisTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrTransportClosed
	}

	pubsub := rt.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	rt.pubsubs = append(rt.pubsubs, pubsub)

	rt.wg.Add(1)
	go rt.listen(pubsub, handler)
	return nil
}

// listen delivers messages from one subscription until Close.
func (rt *RedisTransport) listen(pubsub *redis.PubSub, handler func([]byte)) {
	defer rt.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case <-rt.done:
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Close stops every subscription.
func (rt *RedisTransport) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	pubsubs := rt.pubsubs
	rt.pubsubs = nil
	rt.mu.Unlock()

	close(rt.done)
	rt.wg.Wait()

	var firstErr error
	for _, ps := range pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.ownsClient {
		if err := rt.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
