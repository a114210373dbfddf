package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQBroker publishes persistent messages to durable queues named after the topic
// and consumes them with manual acknowledgements.
type RabbitMQBroker struct {
	conn *amqp.Connection
	// publishing channel in confirm mode
	chn  *amqp.Channel
	opts Options

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewRabbitMQBroker dials the server and opens a confirm-mode publishing channel.
func NewRabbitMQBroker(url string, opts Options) (*RabbitMQBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial rabbitmq: %w", err)
	}
	chn, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: open rabbitmq channel: %w", err)
	}
	if err := chn.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: enable publisher confirms: %w", err)
	}
	return &RabbitMQBroker{
		conn:     conn,
		chn:      chn,
		opts:     opts.withDefaults(),
		declared: make(map[string]struct{}),
	}, nil
}

func (r *RabbitMQBroker) declare(chn *amqp.Channel, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.declared[topic]; ok && chn == r.chn {
		return nil
	}
	for _, name := range []string{topic, DeadLetterTopic(topic)} {
		if _, err := chn.QueueDeclare(
			name,  // name of queue
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("queue: declare %s: %w", name, err)
		}
	}
	if chn == r.chn {
		r.declared[topic] = struct{}{}
	}
	return nil
}

// Publish sends a persistent message and waits for the broker confirmation.
func (r *RabbitMQBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	return r.publish(ctx, Message{Topic: topic, Key: key, Body: body})
}

func (r *RabbitMQBroker) publish(ctx context.Context, msg Message) error {
	if err := r.declare(r.chn, strings.TrimSuffix(msg.Topic, DeadLetterTopic(""))); err != nil {
		return err
	}
	confirm, err := r.chn.PublishWithDeferredConfirmWithContext(
		ctx,
		"",        // exchange
		msg.Topic, // routing key (queue name)
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.Key,
			Headers:      amqp.Table{AttemptHeader: int32(msg.Attempt)},
			Body:         msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", msg.Topic, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("queue: confirm from %s: %w", msg.Topic, err)
	}
	if !acked {
		return fmt.Errorf("queue: broker nacked message on %s", msg.Topic)
	}
	return nil
}

// Consume opens a dedicated channel and processes deliveries with Workers goroutines.
// It returns nil when ctx is cancelled and an error if the channel is closed underneath it.
func (r *RabbitMQBroker) Consume(ctx context.Context, topic string, handler Handler) error {
	chn, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open consumer channel: %w", err)
	}
	defer chn.Close()

	if err := r.declare(chn, topic); err != nil {
		return err
	}
	if err := chn.Qos(r.opts.Workers*2, 0, false); err != nil {
		return fmt.Errorf("queue: set qos: %w", err)
	}
	deliveries, err := chn.ConsumeWithContext(
		ctx,
		topic, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", topic, err)
	}
	r.opts.Logger.Info("consumer started", zap.String("topic", topic), zap.Int("workers", r.opts.Workers))

	var closed error
	var once sync.Once
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						if ctx.Err() == nil {
							once.Do(func() { closed = errors.New("queue: delivery channel closed") })
						}
						return
					}
					r.handleDelivery(ctx, topic, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	r.opts.Logger.Info("consumer stopped", zap.String("topic", topic))
	return closed
}

func (r *RabbitMQBroker) handleDelivery(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	msg := Message{Topic: topic, Key: d.MessageId, Body: d.Body, Attempt: headerAttempt(d.Headers)}
	err := runHandler(ctx, r.opts, msg, handler)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			r.opts.Logger.Warn("ack failed", zap.String("topic", topic), zap.Error(ackErr))
		}
		return
	}

	target, next := nextDelivery(r.opts, msg, err)
	next.Topic = target
	if pubErr := r.publish(ctx, next); pubErr != nil {
		// leave redelivery to the broker
		r.opts.Logger.Error("requeue publish failed", zap.String("topic", target), zap.Error(pubErr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func headerAttempt(headers amqp.Table) int {
	switch v := headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		return parseAttempt(v)
	default:
		return 0
	}
}

// Close releases the publishing channel and the connection.
func (r *RabbitMQBroker) Close() error {
	if err := r.chn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return r.conn.Close()
}
