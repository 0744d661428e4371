package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures a KafkaBus.
type KafkaConfig struct {
	Brokers []string
	// Topic is the single Kafka topic carrying every bus topic.
	Topic string
	// HealthInterval is how often the brokers are pinged.
	HealthInterval time.Duration
	Logger         *slog.Logger
}

// KafkaBus carries the bus over one Kafka topic. Kafka topic names cannot
// hold the "/" separated bus topics, so the bus topic travels as the
// record key and subscribers filter locally. There is no consumer group:
// every connection reads the whole stream from its end, which gives
// broadcast semantics.
type KafkaBus struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*kafkaSub]struct{}
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

// NewKafkaBus connects to the brokers and starts consuming.
func NewKafkaBus(ctx context.Context, cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
		kgo.FetchMaxWait(250*time.Millisecond),
		kgo.FetchMinBytes(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b := &KafkaBus{
		client: client,
		topic:  cfg.Topic,
		logger: cfg.Logger.With("component", "kafka-bus", "topic", cfg.Topic),
		subs:   make(map[*kafkaSub]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.poll(pollCtx)
	go b.monitor(cfg.HealthInterval)
	return b, nil
}

func (b *KafkaBus) poll(ctx context.Context) {
	for {
		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				b.logger.Error("kafka fetch error", "partition", err.Partition, "error", err.Err)
			}
			continue
		}
		fetches.EachRecord(func(r *kgo.Record) {
			b.dispatch(Message{Topic: string(r.Key), Payload: r.Value})
		})
	}
}

func (b *KafkaBus) dispatch(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if Match(s.filter, m.Topic) {
			s.h(m)
		}
	}
}

func (b *KafkaBus) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := b.client.Ping(ctx)
			cancel()
			if err != nil {
				b.logger.Warn("kafka health check failed", "error", err)
				b.Close()
				return
			}
		}
	}
}

// Publish produces one record keyed by topic and waits for the ack.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-b.done:
		return ErrDisconnected
	default:
	}
	rec := &kgo.Record{Key: []byte(topic), Value: payload}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for bus topics matching filter.
func (b *KafkaBus) Subscribe(_ context.Context, filter string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		return nil, ErrClosed
	}
	s := &kafkaSub{bus: b, filter: filter, h: h}
	b.subs[s] = struct{}{}
	return s, nil
}

// Done is closed when the brokers become unreachable or the bus is closed.
func (b *KafkaBus) Done() <-chan struct{} {
	return b.done
}

// Close stops consuming and closes the client.
func (b *KafkaBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.cancel()
		b.mu.Lock()
		b.subs = nil
		b.mu.Unlock()
		b.client.Close()
	})
	return nil
}

type kafkaSub struct {
	bus    *KafkaBus
	filter string
	h      Handler
}

func (s *kafkaSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	return nil
}
