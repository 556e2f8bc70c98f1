package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func waitClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func newRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBroker(client, "", nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func brokers(t *testing.T) map[string]Broker {
	mem := NewMemoryBroker(4, nil)
	t.Cleanup(func() { _ = mem.Close() })
	return map[string]Broker{
		"memory": mem,
		"redis":  newRedisBroker(t),
	}
}

func TestBroker_FanOut(t *testing.T) {
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, cancelA, err := b.Subscribe(ctx, TopicAppointmentCreated)
			require.NoError(t, err)
			defer cancelA()
			c, cancelC, err := b.Subscribe(ctx, TopicAppointmentCreated)
			require.NoError(t, err)
			defer cancelC()
			other, cancelOther, err := b.Subscribe(ctx, TopicPatientUpdated)
			require.NoError(t, err)
			defer cancelOther()

			require.NoError(t, b.Publish(ctx, TopicAppointmentCreated, []byte(`{"id":"a1"}`)))

			for _, ch := range []<-chan Event{a, c} {
				ev := receive(t, ch)
				assert.Equal(t, TopicAppointmentCreated, ev.Topic)
				assert.JSONEq(t, `{"id":"a1"}`, string(ev.Payload))
			}
			select {
			case ev := <-other:
				t.Fatalf("unexpected event on other topic: %v", ev)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ch, cancel, err := b.Subscribe(context.Background(), TopicDoctorStatusChanged)
			require.NoError(t, err)
			cancel()
			cancel()
			waitClosed(t, ch)
		})
	}
}

func TestBroker_ContextEndClosesChannel(t *testing.T) {
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			ch, _, err := b.Subscribe(ctx, TopicDoctorStatusChanged)
			require.NoError(t, err)
			cancel()
			waitClosed(t, ch)
		})
	}
}

func TestMemoryBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewMemoryBroker(2, nil)
	defer b.Close()

	slow, cancel, err := b.Subscribe(context.Background(), TopicPatientUpdated)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), TopicPatientUpdated, []byte(`{}`)))
	}
	assert.Len(t, slow, 2)
}

func TestMemoryBroker_Close(t *testing.T) {
	b := NewMemoryBroker(0, nil)
	ch, _, err := b.Subscribe(context.Background(), TopicPatientUpdated)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers(TopicPatientUpdated))

	require.NoError(t, b.Close())
	waitClosed(t, ch)
	assert.ErrorIs(t, b.Publish(context.Background(), TopicPatientUpdated, nil), ErrClosed)
	_, _, err = b.Subscribe(context.Background(), TopicPatientUpdated)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBroker_CancelRemovesSubscriber(t *testing.T) {
	b := NewMemoryBroker(0, nil)
	defer b.Close()
	_, cancel, err := b.Subscribe(context.Background(), TopicPatientUpdated)
	require.NoError(t, err)
	cancel()
	assert.Equal(t, 0, b.Subscribers(TopicPatientUpdated))
}
