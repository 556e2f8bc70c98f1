package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBroker shares events between gateway replicas over redis
// PUBLISH/SUBSCRIBE. Channel names are the topics under prefix.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBroker creates a broker over client. An empty prefix uses
// "events:".
func NewRedisBroker(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "events:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		buffer: DefaultBuffer,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Broker. It returns once redis has confirmed the
// subscription, so events published afterwards are delivered.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	if _, err := ps.Receive(ctx); err != nil {
		b.release(ps)
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan Event, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.release(ps)
		})
	}

	msgs := ps.Channel(redis.WithChannelSize(b.buffer))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := Event{Topic: topic, Payload: []byte(msg.Payload), PublishedAt: time.Now()}
				select {
				case out <- ev:
				default:
					b.logger.Warn("subscriber queue full, dropping event", slog.String("topic", topic))
				}
			}
		}
	}()
	return out, cancel, nil
}

func (b *RedisBroker) release(ps *redis.PubSub) {
	b.mu.Lock()
	_, ok := b.subs[ps]
	delete(b.subs, ps)
	b.mu.Unlock()
	if ok {
		if err := ps.Close(); err != nil {
			b.logger.Debug("redis pubsub close", slog.String("error", err.Error()))
		}
	}
}

// Close implements Broker. It closes every subscription but not the
// shared client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.mu.Unlock()
	for _, ps := range subs {
		b.release(ps)
	}
	return nil
}
