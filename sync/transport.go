package sync

import (
	"context"
	"errors"
	"sync"
)

// Transport moves opaque payloads between nodes. Handlers registered for a
// topic must be called one payload at a time, in the order a given
// publisher sent them.
type Transport interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe starts delivering payloads for topic to handler.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error

	// Close stops delivery and releases transport resources.
	Close() error
}

// ErrTransportClosed is returned by a closed transport.
var ErrTransportClosed = errors.New("transport is closed")

// Bus is an in-process broker. Every BusTransport created from the same Bus
// sees the others' messages, including its own, which makes it a stand-in
// for a pub/sub server in tests and single-process deployments.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*busSubscriber]struct{}
	// queueSize bounds each subscriber's backlog; a full backlog makes
	// Publish wait.
	queueSize int
}

// NewBus creates an in-process broker.
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[string]map[*busSubscriber]struct{}),
		queueSize: 1024,
	}
}

// Transport returns a new endpoint on the bus.
func (b *Bus) Transport() *BusTransport {
	return &BusTransport{bus: b}
}

func (b *Bus) publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := make([]*busSubscriber, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		msg := append([]byte(nil), payload...)
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) add(topic string, s *busSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*busSubscriber]struct{})
	}
	b.subs[topic][s] = struct{}{}
}

func (b *Bus) remove(topic string, s *busSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], s)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

type busSubscriber struct {
	queue   chan []byte
	done    chan struct{}
	stopped chan struct{}
	handler func([]byte)
	once    sync.Once
}

func (s *busSubscriber) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.handler(msg)
		}
	}
}

func (s *busSubscriber) stop() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}

// BusTransport is one node's endpoint on a Bus.
type BusTransport struct {
	bus    *Bus
	mu     sync.Mutex
	subs   []*busSubscriber
	topics []string
	closed bool
}

// Publish sends payload to every subscriber of topic on the bus.
func (t *BusTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.bus.publish(ctx, topic, payload)
}

// Subscribe registers handler for topic.
func (t *BusTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	s := &busSubscriber{
		queue:   make(chan []byte, t.bus.queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		handler: handler,
	}
	go s.run()
	t.bus.add(topic, s)
	t.subs = append(t.subs, s)
	t.topics = append(t.topics, topic)
	return nil
}

// Close detaches the endpoint from the bus and waits for in-flight
// handlers to return.
func (t *BusTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs, topics := t.subs, t.topics
	t.subs, t.topics = nil, nil
	t.mu.Unlock()

	for i, s := range subs {
		t.bus.remove(topics[i], s)
		s.stop()
	}
	return nil
}
