package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
	"github.com/noah-isme/activity-admission-api/pkg/queue"
)

type registrationWriter interface {
	Upsert(ctx context.Context, reg *models.Registration) (bool, error)
	MarkCheckedIn(ctx context.Context, activityID int64, phone string) (bool, error)
}

type outboxAcknowledger interface {
	Acknowledge(ctx context.Context, eventType models.EventType, activityID int64, phone string) error
}

// WriteBackConfig names the topics drained by the consumer.
type WriteBackConfig struct {
	RegistrationTopic string
	CheckinTopic      string
}

// WriteBackService persists admitted events. Every handler is idempotent so redelivery is safe.
type WriteBackService struct {
	registrations registrationWriter
	outbox        outboxAcknowledger
	ids           idAllocator
	consumer      queue.Consumer
	metrics       *MetricsService
	logger        *zap.Logger
	cfg           WriteBackConfig
}

// NewWriteBackService constructs the consumer.
func NewWriteBackService(registrations registrationWriter, outbox outboxAcknowledger, ids idAllocator, consumer queue.Consumer, metrics *MetricsService, logger *zap.Logger, cfg WriteBackConfig) *WriteBackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RegistrationTopic == "" {
		cfg.RegistrationTopic = "registration"
	}
	if cfg.CheckinTopic == "" {
		cfg.CheckinTopic = "checkin"
	}
	return &WriteBackService{
		registrations: registrations,
		outbox:        outbox,
		ids:           ids,
		consumer:      consumer,
		metrics:       metrics,
		logger:        logger,
		cfg:           cfg,
	}
}

// Run drains both topics until ctx is cancelled. It returns the first consumer error.
func (s *WriteBackService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for topic, handler := range map[string]queue.Handler{
		s.cfg.RegistrationTopic: s.HandleRegistration,
		s.cfg.CheckinTopic:      s.HandleCheckin,
	} {
		wg.Add(1)
		go func(topic string, handler queue.Handler) {
			defer wg.Done()
			if err := s.consumer.Consume(ctx, topic, handler); err != nil {
				s.logger.Error("write-back consumer stopped", zap.String("topic", topic), zap.Error(err))
				errs <- fmt.Errorf("consume %s: %w", topic, err)
				cancel()
			}
		}(topic, handler)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// HandleRegistration inserts the roster row unless it already exists.
func (s *WriteBackService) HandleRegistration(ctx context.Context, msg queue.Message) error {
	event, err := decodeEvent(msg, models.EventRegistration)
	if err != nil {
		s.metrics.RecordWriteBack(msg.Topic, "malformed")
		return err
	}
	id, err := s.ids.NextID()
	if err != nil {
		return fmt.Errorf("allocate registration id: %w", err)
	}
	reg := &models.Registration{
		ID:               id,
		ActivityID:       event.ActivityID,
		Name:             event.Name,
		College:          event.College,
		Phone:            event.Phone,
		RegistrationTime: event.OccurredAt,
	}
	inserted, err := s.registrations.Upsert(ctx, reg)
	if err != nil {
		s.metrics.RecordWriteBack(msg.Topic, "failed")
		return err
	}
	result := "persisted"
	if !inserted {
		result = "duplicate"
	}
	s.metrics.RecordWriteBack(msg.Topic, result)
	s.acknowledge(ctx, event)
	s.logger.Debug("registration written back",
		zap.String("event_id", event.ID),
		zap.Int64("activity_id", event.ActivityID),
		zap.Int("attempt", msg.Attempt),
		zap.String("result", result),
	)
	return nil
}

// HandleCheckin flags the roster row as checked in. A row already flagged is left untouched.
func (s *WriteBackService) HandleCheckin(ctx context.Context, msg queue.Message) error {
	event, err := decodeEvent(msg, models.EventCheckin)
	if err != nil {
		s.metrics.RecordWriteBack(msg.Topic, "malformed")
		return err
	}
	changed, err := s.registrations.MarkCheckedIn(ctx, event.ActivityID, event.Phone)
	if err != nil {
		s.metrics.RecordWriteBack(msg.Topic, "failed")
		return err
	}
	result := "persisted"
	if !changed {
		result = "duplicate"
	}
	s.metrics.RecordWriteBack(msg.Topic, result)
	s.acknowledge(ctx, event)
	s.logger.Debug("checkin written back",
		zap.String("event_id", event.ID),
		zap.Int64("activity_id", event.ActivityID),
		zap.Int("attempt", msg.Attempt),
		zap.String("result", result),
	)
	return nil
}

// acknowledge clears the outbox entry. Failure only means the sweep republishes a duplicate later.
func (s *WriteBackService) acknowledge(ctx context.Context, event models.PendingWriteEvent) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Acknowledge(ctx, event.Type, event.ActivityID, event.Phone); err != nil {
		s.logger.Warn("outbox acknowledge failed",
			zap.String("event_id", event.ID),
			zap.Int64("activity_id", event.ActivityID),
			zap.Error(err),
		)
	}
}

func decodeEvent(msg queue.Message, want models.EventType) (models.PendingWriteEvent, error) {
	var event models.PendingWriteEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return event, fmt.Errorf("decode %s event: %w", want, err)
	}
	if event.Type != want {
		return event, fmt.Errorf("decode %s event: unexpected type %q", want, event.Type)
	}
	if event.ActivityID <= 0 || event.Phone == "" {
		return event, fmt.Errorf("decode %s event: missing activity or phone", want)
	}
	return event, nil
}
