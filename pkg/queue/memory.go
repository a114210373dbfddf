package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryConfig configures the in-process broker.
type MemoryConfig struct {
	Options
	BufferSize int
}

// MemoryBroker is a lightweight in-process broker backed by buffered channels and
// worker goroutines. Messages do not survive a restart; it exists for development
// and tests.
type MemoryBroker struct {
	opts       Options
	bufferSize int

	mu     sync.Mutex
	topics map[string]chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewMemoryBroker builds an in-memory broker.
func NewMemoryBroker(cfg MemoryConfig) *MemoryBroker {
	opts := cfg.Options.withDefaults()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = opts.Workers * 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBroker{
		opts:       opts,
		bufferSize: cfg.BufferSize,
		topics:     make(map[string]chan Message),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *MemoryBroker) topic(name string) (chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("queue: memory broker closed")
	}
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan Message, b.bufferSize)
		b.topics[name] = ch
	}
	return ch, nil
}

// Publish pushes a message onto the topic, blocking while the buffer is full.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, body []byte) error {
	return b.enqueue(ctx, Message{Topic: topic, Key: key, Body: body})
}

func (b *MemoryBroker) enqueue(ctx context.Context, msg Message) error {
	ch, err := b.topic(msg.Topic)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue: publish to %s: %w", msg.Topic, ctx.Err())
	case <-b.ctx.Done():
		return fmt.Errorf("queue: memory broker closed")
	case ch <- msg:
		return nil
	}
}

// Depth reports how many messages are waiting on topic.
func (b *MemoryBroker) Depth(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.topics[topic]; ok {
		return len(ch)
	}
	return 0
}

// Consume starts Workers goroutines on topic and blocks until ctx is cancelled or the broker closes.
func (b *MemoryBroker) Consume(ctx context.Context, topic string, handler Handler) error {
	ch, err := b.topic(topic)
	if err != nil {
		return err
	}
	b.opts.Logger.Info("consumer started", zap.String("topic", topic), zap.Int("workers", b.opts.Workers))

	var wg sync.WaitGroup
	for i := 0; i < b.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(ctx, ch, handler)
		}()
	}
	wg.Wait()
	b.opts.Logger.Info("consumer stopped", zap.String("topic", topic))
	return nil
}

func (b *MemoryBroker) worker(ctx context.Context, ch chan Message, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case msg := <-ch:
			if err := runHandler(ctx, b.opts, msg, handler); err != nil {
				b.handleFailure(msg, err)
			}
		}
	}
}

func (b *MemoryBroker) handleFailure(msg Message, cause error) {
	target, next := nextDelivery(b.opts, msg, cause)
	next.Topic = target

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(b.opts.RetryDelay)
		defer timer.Stop()
		select {
		case <-b.ctx.Done():
			return
		case <-timer.C:
			if err := b.enqueue(b.ctx, next); err != nil {
				b.opts.Logger.Error("failed to requeue message", zap.String("topic", target), zap.String("key", next.Key), zap.Error(err))
			}
		}
	}()
}

// Close stops pending retries. Messages still buffered are dropped.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}
