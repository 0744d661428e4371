package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records deliveries.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func connect(t *testing.T, b *MemoryBroker, client string) Bus {
	t.Helper()
	bus, err := b.Connect(context.Background(), client)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestMemoryBroker_PubSub(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	pub := connect(t, b, "pub")
	sub := connect(t, b, "sub")

	var got collector
	_, err := sub.Subscribe(ctx, "ws/+/edits", got.handle)
	require.NoError(t, err)

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Publish(ctx, "ws/a/edits", []byte(p)))
	}
	require.NoError(t, pub.Publish(ctx, "ws/a/b/edits", []byte("nested")))

	require.Eventually(t, func() bool { return len(got.payloads()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, got.payloads(), "single publisher order is kept")
}

func TestMemoryBroker_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	bus := connect(t, b, "c")

	var got collector
	s, err := bus.Subscribe(ctx, "t", got.handle)
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe())

	require.NoError(t, bus.Publish(ctx, "t", []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.payloads())
}

func TestMemoryBroker_Partition(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	pub := connect(t, b, "pub")
	victim := connect(t, b, "victim")

	var got collector
	_, err := victim.Subscribe(ctx, "t", got.handle)
	require.NoError(t, err)

	b.Partition("victim")

	select {
	case <-victim.Done():
	case <-time.After(time.Second):
		t.Fatal("partitioned connection not closed")
	}
	assert.ErrorIs(t, victim.Publish(ctx, "t", []byte("x")), ErrDisconnected)

	require.NoError(t, pub.Publish(ctx, "t", []byte("lost")))
	_, err = b.Connect(ctx, "victim")
	assert.ErrorIs(t, err, ErrDisconnected)

	b.Heal("victim")
	again := connect(t, b, "victim")
	_, err = again.Subscribe(ctx, "t", got.handle)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, "t", []byte("after")))

	require.Eventually(t, func() bool { return len(got.payloads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after"}, got.payloads())
}

func TestMemoryBroker_Duplicate(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	bus := connect(t, b, "c")

	var got collector
	_, err := bus.Subscribe(ctx, "t", got.handle)
	require.NoError(t, err)

	b.SetDuplicate(true)
	require.NoError(t, bus.Publish(ctx, "t", []byte("x")))

	require.Eventually(t, func() bool { return len(got.payloads()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x", "x"}, got.payloads())
}

func TestNewDialer(t *testing.T) {
	b := NewMemoryBroker()
	d, err := NewDialer("memory://", DialOptions{Client: "c", Memory: b})
	require.NoError(t, err)
	bus, err := d(context.Background())
	require.NoError(t, err)
	bus.Close()

	_, err = NewDialer("redis://localhost:6379/0", DialOptions{})
	assert.NoError(t, err)
	_, err = NewDialer("kafka://b1:9092/events", DialOptions{})
	assert.NoError(t, err)

	_, err = NewDialer("localhost:6379", DialOptions{})
	assert.Error(t, err)
	_, err = NewDialer("amqp://x", DialOptions{})
	assert.Error(t, err)
	_, err = NewDialer("kafka:///topic", DialOptions{})
	assert.Error(t, err)
}

func TestParseKafkaEndpoint(t *testing.T) {
	cfg, err := parseKafkaEndpoint("kafka://b1:9092,b2:9092/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Brokers)
	assert.Equal(t, "docs", cfg.Topic)

	cfg, err = parseKafkaEndpoint("kafka://b1:9092")
	require.NoError(t, err)
	assert.Equal(t, "commonplace", cfg.Topic)
}
