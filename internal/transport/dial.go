package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DialOptions tune Dial.
type DialOptions struct {
	// Client names this connection on brokers that track clients.
	Client string
	// Memory is the broker used for memory:// endpoints. A private
	// broker is created when nil.
	Memory *MemoryBroker
	Logger *slog.Logger
}

// Dial opens a bus for endpoint, selected by scheme:
//
//	memory://              in-process broker
//	redis://host:6379/0    Redis pub/sub (any redis.ParseURL form)
//	kafka://b1:9092,b2:9092/topic
func Dial(ctx context.Context, endpoint string, opts DialOptions) (Bus, error) {
	d, err := NewDialer(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return d(ctx)
}

// NewDialer validates endpoint and returns a Dialer for it, suitable for
// a Session that re-dials after disconnects.
func NewDialer(endpoint string, opts DialOptions) (Dialer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	scheme, _, ok := strings.Cut(endpoint, "://")
	if !ok {
		return nil, fmt.Errorf("transport endpoint %q has no scheme", endpoint)
	}

	switch scheme {
	case "memory":
		broker := opts.Memory
		if broker == nil {
			broker = NewMemoryBroker()
		}
		return broker.Dialer(opts.Client), nil

	case "redis", "rediss", "unix":
		ropts, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse redis endpoint: %w", err)
		}
		if opts.Client != "" {
			ropts.ClientName = opts.Client
		}
		return func(ctx context.Context) (Bus, error) {
			return NewRedisBus(ctx, RedisConfig{Options: ropts, Logger: opts.Logger})
		}, nil

	case "kafka":
		cfg, err := parseKafkaEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		cfg.Logger = opts.Logger
		return func(ctx context.Context) (Bus, error) {
			return NewKafkaBus(ctx, cfg)
		}, nil
	}
	return nil, fmt.Errorf("unsupported transport scheme %q", scheme)
}

func parseKafkaEndpoint(endpoint string) (KafkaConfig, error) {
	rest := strings.TrimPrefix(endpoint, "kafka://")
	hosts, topic, _ := strings.Cut(rest, "/")
	var brokers []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			brokers = append(brokers, h)
		}
	}
	if len(brokers) == 0 {
		return KafkaConfig{}, fmt.Errorf("kafka endpoint %q has no brokers", endpoint)
	}
	topic = strings.Trim(topic, "/")
	if topic == "" {
		topic = "commonplace"
	}
	return KafkaConfig{Brokers: brokers, Topic: topic}, nil
}
