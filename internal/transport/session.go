package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SessionConfig configures reconnect behaviour.
type SessionConfig struct {
	// InitialBackoff is the first reconnect delay (default 100ms).
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay (default 30s).
	MaxBackoff time.Duration
	// HealthyAfter is how long a connection must last before the backoff
	// resets to InitialBackoff (default 10s).
	HealthyAfter time.Duration
	Logger       *slog.Logger
}

func (c *SessionConfig) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HealthyAfter <= 0 {
		c.HealthyAfter = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session owns the process's single bus connection. Subscriptions made
// through it survive reconnects. Listeners are told about every connect
// and disconnect so protocol state can be restarted.
type Session struct {
	dial   Dialer
	cfg    SessionConfig
	logger *slog.Logger

	mu        sync.Mutex
	bus       Bus
	subs      map[int]*sessionSub
	nextSub   int
	listeners []func(connected bool)
}

type sessionSub struct {
	filter string
	h      Handler
	live   Subscription
}

// NewSession creates a session that connects with dial once Run starts.
func NewSession(dial Dialer, cfg SessionConfig) *Session {
	cfg.setDefaults()
	return &Session{
		dial:   dial,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session"),
		subs:   make(map[int]*sessionSub),
	}
}

// OnConnection registers fn to be called with true after each connect
// (subscriptions already restored) and false after each disconnect.
// Must be called before Run.
func (s *Session) OnConnection(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Connected reports whether a connection is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus != nil
}

// Publish sends on the live connection. Fails with ErrDisconnected when
// there is none; callers queue and retry after reconnect.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return ErrDisconnected
	}
	return bus.Publish(ctx, topic, payload)
}

// Subscribe registers a subscription that is restored on every connect.
// The returned function removes it.
func (s *Session) Subscribe(ctx context.Context, filter string, h Handler) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &sessionSub{filter: filter, h: h}
	if s.bus != nil {
		// A failure here means the connection is dying; the next attach
		// restores the subscription.
		live, err := s.bus.Subscribe(ctx, filter, h)
		if err != nil {
			s.logger.Warn("subscribe on live connection failed", "filter", filter, "error", err)
		}
		sub.live = live
	}
	s.subs[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		cur, ok := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if ok && cur.live != nil {
			cur.live.Unsubscribe()
		}
	}
}

// Run connects and keeps reconnecting with capped exponential backoff
// until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		bus, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := b.NextBackOff()
			s.logger.Warn("connect failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		connectedAt := time.Now()
		if err := s.attach(ctx, bus); err != nil {
			bus.Close()
			delay := b.NextBackOff()
			s.logger.Warn("restoring subscriptions failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		s.logger.Info("connected")
		s.notify(true)

		select {
		case <-ctx.Done():
			s.detach()
			bus.Close()
			s.notify(false)
			return ctx.Err()
		case <-bus.Done():
		}

		s.detach()
		bus.Close()
		s.notify(false)

		if time.Since(connectedAt) >= s.cfg.HealthyAfter {
			b.Reset()
		}
		delay := b.NextBackOff()
		s.logger.Warn("connection lost", "retry_in", delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// attach restores every registered subscription on bus and makes it live.
func (s *Session) attach(ctx context.Context, bus Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		live, err := bus.Subscribe(ctx, sub.filter, sub.h)
		if err != nil {
			for _, other := range s.subs {
				if other.live != nil {
					other.live.Unsubscribe()
					other.live = nil
				}
			}
			return fmt.Errorf("subscribe %s: %w", sub.filter, err)
		}
		sub.live = live
	}
	s.bus = bus
	return nil
}

func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = nil
	for _, sub := range s.subs {
		sub.live = nil
	}
}

func (s *Session) notify(connected bool) {
	s.mu.Lock()
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
