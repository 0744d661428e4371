// Package transport carries the document protocol over a pub/sub bus.
//
// A Bus is one connection to a broker. Session owns the single
// process-wide connection, re-dials it with backoff and restores
// subscriptions. Requester multiplexes concurrent request/reply exchanges
// over shared response topics by correlation id.
//
// Delivery is at-least-once with no ordering across topics or publishers.
// Edit payloads are raw update bytes; everything else is JSON.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrDisconnected reports an operation attempted without a live connection.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrClosed reports use of a closed bus.
	ErrClosed = errors.New("transport closed")
)

// Message is one delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives deliveries for a subscription. Handlers run on a
// transport goroutine and must not block for long.
type Handler func(Message)

// Subscription is an active filter registration.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a connection to a pub/sub broker.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string, h Handler) (Subscription, error)
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a new Bus.
type Dialer func(ctx context.Context) (Bus, error)
