package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/commonplace/internal/queue"
)

// MemoryBroker is an in-process broker. Every client connection gets its
// own delivery goroutine per subscription, so publishers never block and
// per-publisher order on a topic is preserved.
//
// Partition and SetDuplicate simulate network loss and at-least-once
// redelivery.
type MemoryBroker struct {
	mu          sync.Mutex
	conns       map[*memoryConn]struct{}
	partitioned map[string]bool
	duplicate   bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		conns:       make(map[*memoryConn]struct{}),
		partitioned: make(map[string]bool),
	}
}

// Connect opens a connection for client. Fails with ErrDisconnected while
// the client is partitioned.
func (b *MemoryBroker) Connect(_ context.Context, client string) (Bus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partitioned[client] {
		return nil, fmt.Errorf("connect %s: %w", client, ErrDisconnected)
	}
	c := &memoryConn{
		broker: b,
		client: client,
		subs:   make(map[*memorySub]struct{}),
		done:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// Dialer returns a Dialer that connects as client.
func (b *MemoryBroker) Dialer(client string) Dialer {
	return func(ctx context.Context) (Bus, error) {
		return b.Connect(ctx, client)
	}
}

// Partition drops every connection of client and refuses new ones until
// Heal. Messages published meanwhile are lost to it.
func (b *MemoryBroker) Partition(client string) {
	b.mu.Lock()
	b.partitioned[client] = true
	var victims []*memoryConn
	for c := range b.conns {
		if c.client == client {
			victims = append(victims, c)
		}
	}
	b.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
}

// Heal lets client connect again.
func (b *MemoryBroker) Heal(client string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitioned, client)
}

// SetDuplicate makes every delivery happen twice.
func (b *MemoryBroker) SetDuplicate(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicate = on
}

func (b *MemoryBroker) publish(topic string, payload []byte) {
	b.mu.Lock()
	copies := 1
	if b.duplicate {
		copies = 2
	}
	var targets []*memorySub
	for c := range b.conns {
		c.mu.Lock()
		for s := range c.subs {
			if Match(s.filter, topic) {
				targets = append(targets, s)
			}
		}
		c.mu.Unlock()
	}
	b.mu.Unlock()

	for _, s := range targets {
		for i := 0; i < copies; i++ {
			// Each subscriber gets its own copy of the payload.
			p := make([]byte, len(payload))
			copy(p, payload)
			s.q.Enqueue(Message{Topic: topic, Payload: p})
		}
	}
}

func (b *MemoryBroker) remove(c *memoryConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

type memoryConn struct {
	broker *MemoryBroker
	client string

	mu     sync.Mutex
	subs   map[*memorySub]struct{}
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *memoryConn) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	c.broker.publish(topic, payload)
	return nil
}

func (c *memoryConn) Subscribe(_ context.Context, filter string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrDisconnected
	}
	s := &memorySub{conn: c, filter: filter, q: queue.New[Message]()}
	c.subs[s] = struct{}{}
	go s.deliver(h)
	return s, nil
}

func (c *memoryConn) Done() <-chan struct{} {
	return c.done
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = make(map[*memorySub]struct{})
		c.mu.Unlock()

		c.broker.remove(c)
		for s := range subs {
			s.q.Close()
		}
		close(c.done)
	})
	return nil
}

type memorySub struct {
	conn   *memoryConn
	filter string
	q      *queue.FIFO[Message]
}

// deliver runs handlers in arrival order until the subscription closes.
// Messages still queued at close are dropped, like a broken socket.
func (s *memorySub) deliver(h Handler) {
	for {
		if s.q.Closed() {
			return
		}
		if m, ok := s.q.TryDequeue(); ok {
			h(m)
			continue
		}
		<-s.q.Wait()
	}
}

func (s *memorySub) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	s.q.Close()
	return nil
}
