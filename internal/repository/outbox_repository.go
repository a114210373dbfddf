package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

// OutboxEntry is one admitted event not yet confirmed as persisted.
type OutboxEntry struct {
	Type       models.EventType
	ActivityID int64
	Phone      string
	Payload    []byte
}

// OutboxRepository reads and acknowledges the per-activity outbox hashes written by the
// admission scripts.
type OutboxRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewOutboxRepository constructs the outbox repository.
func NewOutboxRepository(client *redis.Client, logger *zap.Logger) *OutboxRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxRepository{client: client, logger: logger}
}

func outboxKey(eventType models.EventType, activityID int64) (string, error) {
	switch eventType {
	case models.EventRegistration:
		return RegistrationOutboxKey(activityID), nil
	case models.EventCheckin:
		return CheckinOutboxKey(activityID), nil
	default:
		return "", fmt.Errorf("outbox: unknown event type %q", eventType)
	}
}

// Acknowledge drops the outbox entry once the event has been persisted.
func (r *OutboxRepository) Acknowledge(ctx context.Context, eventType models.EventType, activityID int64, phone string) error {
	key, err := outboxKey(eventType, activityID)
	if err != nil {
		return err
	}
	if err := r.client.HDel(ctx, key, phone).Err(); err != nil {
		return fmt.Errorf("outbox ack %s: %w", key, err)
	}
	return nil
}

// Count returns how many events of the activity are still waiting for persistence.
func (r *OutboxRepository) Count(ctx context.Context, activityID int64) (int64, error) {
	pipe := r.client.Pipeline()
	reg := pipe.HLen(ctx, RegistrationOutboxKey(activityID))
	chk := pipe.HLen(ctx, CheckinOutboxKey(activityID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("outbox count activity %d: %w", activityID, err)
	}
	return reg.Val() + chk.Val(), nil
}

// Pending lists the phones whose events of the given type are still waiting for persistence.
func (r *OutboxRepository) Pending(ctx context.Context, eventType models.EventType, activityID int64) ([]string, error) {
	key, err := outboxKey(eventType, activityID)
	if err != nil {
		return nil, err
	}
	phones, err := r.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("outbox pending %s: %w", key, err)
	}
	return phones, nil
}

// Scan visits every outbox entry of both event types.
func (r *OutboxRepository) Scan(ctx context.Context, visit func(OutboxEntry) error) error {
	for _, src := range []struct {
		prefix    string
		eventType models.EventType
	}{
		{registrationOutboxPrefix, models.EventRegistration},
		{checkinOutboxPrefix, models.EventCheckin},
	} {
		iter := r.client.Scan(ctx, 0, src.prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			activityID, ok := parseKeyID(key, src.prefix)
			if !ok {
				r.logger.Warn("skipping malformed outbox key", zap.String("key", key))
				continue
			}
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("outbox read %s: %w", key, err)
			}
			for phone, payload := range fields {
				if err := visit(OutboxEntry{
					Type:       src.eventType,
					ActivityID: activityID,
					Phone:      phone,
					Payload:    []byte(payload),
				}); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("outbox scan %s: %w", src.prefix, err)
		}
	}
	return nil
}
