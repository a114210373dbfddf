package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/pkg/config"
)

// AttemptHeader carries the number of failed deliveries a message has been through.
const AttemptHeader = "x-attempt"

// Message is a unit travelling on the durable write queue.
type Message struct {
	Topic   string
	Key     string
	Body    []byte
	Attempt int
}

// Handler processes a delivered message. A non-nil error schedules a redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// Consumer drains a topic until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler Handler) error
}

// Broker is the full driver surface.
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Options tune consumer behaviour shared by every driver.
type Options struct {
	Workers        int
	MaxAttempts    int
	HandlerTimeout time.Duration
	RetryDelay     time.Duration
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 10 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// DeadLetterTopic names the topic that receives messages which exhausted their attempts.
func DeadLetterTopic(topic string) string {
	return topic + ".dead"
}

// New builds the broker selected by cfg.Driver.
func New(cfg config.QueueConfig, opts Options) (Broker, error) {
	switch cfg.Driver {
	case config.QueueDriverRabbitMQ, "":
		return NewRabbitMQBroker(cfg.RabbitMQURL, opts)
	case config.QueueDriverKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("queue: kafka driver requires at least one broker")
		}
		return NewKafkaBroker(cfg.KafkaBrokers, cfg.KafkaGroupID, opts), nil
	case config.QueueDriverMemory:
		return NewMemoryBroker(MemoryConfig{Options: opts}), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}

// runHandler invokes handler under the per-message timeout.
func runHandler(ctx context.Context, opts Options, msg Message, handler Handler) error {
	hctx, cancel := context.WithTimeout(ctx, opts.HandlerTimeout)
	defer cancel()
	return handler(hctx, msg)
}

// nextDelivery decides where a failed message goes: back to its topic with one more
// attempt recorded, or to the dead letter topic once MaxAttempts is reached.
func nextDelivery(opts Options, msg Message, cause error) (string, Message) {
	next := msg
	next.Attempt++
	if next.Attempt >= opts.MaxAttempts {
		opts.Logger.Error("message exhausted attempts, dead-lettering",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempt", next.Attempt),
			zap.Error(cause),
		)
		return DeadLetterTopic(msg.Topic), next
	}
	opts.Logger.Warn("message failed, retrying",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int("attempt", next.Attempt),
		zap.Error(cause),
	)
	return msg.Topic, next
}

func parseAttempt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
