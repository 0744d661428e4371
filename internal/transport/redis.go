package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisBus.
type RedisConfig struct {
	// Options are the go-redis client options (see redis.ParseURL).
	Options *redis.Options
	// HealthInterval is how often the connection is pinged. A failed ping
	// ends the connection so the session re-dials and resynchronises.
	HealthInterval time.Duration
	Logger         *slog.Logger
}

// RedisBus maps the bus onto Redis PUBLISH / PSUBSCRIBE.
//
// Redis glob patterns cannot express single-segment wildcards, so filters
// are widened to a glob and deliveries are re-checked with Match.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redisSub]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Options == nil {
		return nil, fmt.Errorf("redis options are required")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := redis.NewClient(cfg.Options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Options.Addr, err)
	}

	b := &RedisBus{
		client: client,
		logger: cfg.Logger.With("component", "redis-bus", "addr", cfg.Options.Addr),
		subs:   make(map[*redisSub]struct{}),
		done:   make(chan struct{}),
	}
	go b.monitor(cfg.HealthInterval)
	return b, nil
}

func (b *RedisBus) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := b.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				b.logger.Warn("redis health check failed", "error", err)
				b.Close()
				return
			}
		}
	}
}

// Publish sends payload to every subscriber of topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-b.done:
		return ErrDisconnected
	default:
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topics matching filter.
func (b *RedisBus) Subscribe(ctx context.Context, filter string, h Handler) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, redisPattern(filter))
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", filter, err)
	}

	s := &redisSub{bus: b, ps: ps}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			if !Match(filter, msg.Channel) {
				continue
			}
			h(Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}()
	return s, nil
}

// Done is closed when the connection fails a health check or is closed.
func (b *RedisBus) Done() <-chan struct{} {
	return b.done
}

// Close ends every subscription and the client.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()
		for s := range subs {
			s.ps.Close()
		}
		err = b.client.Close()
	})
	return err
}

type redisSub struct {
	bus *RedisBus
	ps  *redis.PubSub
}

func (s *redisSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.ps.Close()
}

// redisPattern widens an MQTT filter to a Redis glob. Literal segments
// are escaped.
func redisPattern(filter string) string {
	segs := strings.Split(filter, "/")
	for i, seg := range segs {
		switch seg {
		case "+", "#":
			segs[i] = "*"
		default:
			segs[i] = globEscaper.Replace(seg)
		}
	}
	return strings.Join(segs, "/")
}

var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)
