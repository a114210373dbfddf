package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer is the subset of kafka.Writer the broker needs. It lets tests capture messages.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroker writes keyed messages so every event of an activity lands on the same
// partition, and consumes with a consumer group committing only after handling.
type KafkaBroker struct {
	brokers []string
	groupID string
	writer  Writer
	opts    Options
}

// NewKafkaBroker creates a broker writing to the provided brokers.
func NewKafkaBroker(brokers []string, groupID string, opts Options) *KafkaBroker {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaBrokerWithWriter(brokers, groupID, w, opts)
}

// NewKafkaBrokerWithWriter allows injecting a test writer.
func NewKafkaBrokerWithWriter(brokers []string, groupID string, w Writer, opts Options) *KafkaBroker {
	return &KafkaBroker{brokers: brokers, groupID: groupID, writer: w, opts: opts.withDefaults()}
}

// Publish writes one message to topic.
func (k *KafkaBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	return k.publish(ctx, Message{Topic: topic, Key: key, Body: body})
}

func (k *KafkaBroker) publish(ctx context.Context, msg Message) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: []kafka.Header{{Key: AttemptHeader, Value: []byte(strconv.Itoa(msg.Attempt))}},
	})
	if err != nil {
		return fmt.Errorf("queue: kafka write to %s: %w", msg.Topic, err)
	}
	return nil
}

// Consume runs Workers readers in the consumer group; partitions are split between them.
func (k *KafkaBroker) Consume(ctx context.Context, topic string, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < k.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.readLoop(ctx, topic, handler)
		}()
	}
	k.opts.Logger.Info("consumer started", zap.String("topic", topic), zap.String("group", k.groupID), zap.Int("workers", k.opts.Workers))
	wg.Wait()
	k.opts.Logger.Info("consumer stopped", zap.String("topic", topic))
	return nil
}

func (k *KafkaBroker) readLoop(ctx context.Context, topic string, handler Handler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  k.groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			k.opts.Logger.Warn("kafka fetch failed", zap.String("topic", topic), zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		msg := Message{Topic: topic, Key: string(m.Key), Body: m.Value, Attempt: kafkaAttempt(m.Headers)}
		if !k.settle(ctx, msg, handler) {
			return
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.opts.Logger.Warn("kafka commit failed", zap.String("topic", topic), zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// settle handles msg and, on failure, republishes it until that succeeds. The offset is
// only committed once the message has either been handled or safely handed back to the log.
func (k *KafkaBroker) settle(ctx context.Context, msg Message, handler Handler) bool {
	err := runHandler(ctx, k.opts, msg, handler)
	if err == nil {
		return true
	}
	target, next := nextDelivery(k.opts, msg, err)
	next.Topic = target
	for {
		pubErr := k.publish(ctx, next)
		if pubErr == nil {
			return true
		}
		k.opts.Logger.Error("kafka requeue failed", zap.String("topic", target), zap.Error(pubErr))
		if !sleepCtx(ctx, k.opts.RetryDelay) {
			return false
		}
	}
}

func kafkaAttempt(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == AttemptHeader {
			return parseAttempt(string(h.Value))
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the underlying writer.
func (k *KafkaBroker) Close() error {
	return k.writer.Close()
}
