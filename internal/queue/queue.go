// Package queue carries mixer events between processes. Kafka is the
// production driver; stdio pipes newline-delimited envelopes; memory connects
// producers and consumers inside one process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

const (
	envKafkaTLS          = "MIXER_QUEUE_KAFKA_TLS"
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is a queue record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (Kafka) or local receive time.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message when the driver tracks offsets.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes keyed messages. Messages sharing a key keep their
// relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers []string
	Group   string
	Topics  []string

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int

	// Memory fields.
	Broker *MemoryBroker
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer

	// Memory fields.
	Broker *MemoryBroker
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	case DriverMemory:
		if cfg.Broker == nil {
			return nil, fmt.Errorf("%w: memory consumer requires broker", ErrInvalidConfig)
		}
		return cfg.Broker.subscribe(ctx, normalizeList(cfg.Topics)), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	case DriverMemory:
		if cfg.Broker == nil {
			return nil, fmt.Errorf("%w: memory producer requires broker", ErrInvalidConfig)
		}
		return cfg.Broker, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
