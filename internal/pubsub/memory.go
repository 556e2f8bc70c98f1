package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber queue length of MemoryBroker.
const DefaultBuffer = 64

// MemoryBroker delivers events within one process. Each subscriber has a
// bounded queue; when it is full the event is dropped for that subscriber
// only.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

type memorySub struct {
	ch   chan Event
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBroker creates a broker. buffer <= 0 uses DefaultBuffer.
func NewMemoryBroker(buffer int, logger *slog.Logger) *MemoryBroker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Publish implements Broker. It never blocks on a slow subscriber.
func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	ev := Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event", slog.String("topic", topic))
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	sub := &memorySub{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs[topic], sub)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			sub.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close implements Broker. Every subscriber channel is closed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for sub := range subs {
			sub.close()
		}
		delete(b.subs, topic)
	}
	return nil
}
