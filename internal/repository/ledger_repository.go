package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

// DefaultOutboxGrace keeps undelivered events around after their ledger entry expires
// so the reconciliation sweep can still republish them.
const DefaultOutboxGrace = 24 * time.Hour

// LedgerRepository is the Redis-backed admission ledger: remaining capacity plus the
// set of admitted phones for every activity whose registration window is open.
type LedgerRepository struct {
	client      *redis.Client
	logger      *zap.Logger
	outboxGrace time.Duration
}

// NewLedgerRepository constructs a ledger repository.
func NewLedgerRepository(client *redis.Client, logger *zap.Logger) *LedgerRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRepository{client: client, logger: logger, outboxGrace: DefaultOutboxGrace}
}

// Admit atomically checks the window, dedups the phone, checks capacity and, on success,
// decrements the counter, records the phone and stores event in the outbox.
func (r *LedgerRepository) Admit(ctx context.Context, activityID int64, phone string, event []byte) (models.AdmissionResult, error) {
	keys := []string{LedgerCounterKey(activityID), LedgerAdmittedKey(activityID), RegistrationOutboxKey(activityID)}
	code, err := admitScript.Run(ctx, r.client, keys, phone, event, r.outboxGrace.Milliseconds()).Int64()
	if err != nil {
		return "", fmt.Errorf("ledger admit activity %d: %w", activityID, err)
	}
	switch code {
	case 0:
		return models.AdmissionAccepted, nil
	case 1:
		return models.AdmissionNotInRegistrationWindow, nil
	case 2:
		return models.AdmissionCapacityExhausted, nil
	case 3:
		return models.AdmissionAlreadyRegistered, nil
	default:
		return "", fmt.Errorf("ledger admit activity %d: unexpected script result %d", activityID, code)
	}
}

// Exists reports whether a ledger entry is present for the activity.
func (r *LedgerRepository) Exists(ctx context.Context, activityID int64) (bool, error) {
	n, err := r.client.Exists(ctx, LedgerCounterKey(activityID)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger exists activity %d: %w", activityID, err)
	}
	return n > 0, nil
}

// Provision creates the ledger entry if absent. Phones already persisted are seeded into the
// admitted set and subtracted from capacity. It returns false when the entry already existed.
func (r *LedgerRepository) Provision(ctx context.Context, activityID int64, capacity int, admitted []string, ttl time.Duration) (bool, int64, error) {
	if ttl <= 0 {
		return false, 0, fmt.Errorf("ledger provision activity %d: non-positive ttl %s", activityID, ttl)
	}
	args := make([]interface{}, 0, len(admitted)+2)
	args = append(args, capacity, ttl.Milliseconds())
	for _, phone := range admitted {
		args = append(args, phone)
	}
	keys := []string{LedgerCounterKey(activityID), LedgerAdmittedKey(activityID)}
	remaining, err := provisionLedgerScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("ledger provision activity %d: %w", activityID, err)
	}
	if remaining < 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// AdjustCapacity applies an explicit capacity edit. ok is false when no ledger entry exists.
func (r *LedgerRepository) AdjustCapacity(ctx context.Context, activityID int64, delta int) (int64, bool, error) {
	remaining, err := adjustCapacityScript.Run(ctx, r.client, []string{LedgerCounterKey(activityID)}, delta).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("ledger adjust activity %d: %w", activityID, err)
	}
	if remaining < 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// LedgerState is a read-only view of the ledger entry.
type LedgerState struct {
	Open      bool
	Remaining int64
	Admitted  int64
}

// State reads the ledger entry without mutating it.
func (r *LedgerRepository) State(ctx context.Context, activityID int64) (LedgerState, error) {
	pipe := r.client.Pipeline()
	counter := pipe.Get(ctx, LedgerCounterKey(activityID))
	admitted := pipe.SCard(ctx, LedgerAdmittedKey(activityID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return LedgerState{}, fmt.Errorf("ledger state activity %d: %w", activityID, err)
	}
	state := LedgerState{Admitted: admitted.Val()}
	remaining, err := counter.Int64()
	switch {
	case err == redis.Nil:
		return state, nil
	case err != nil:
		return LedgerState{}, fmt.Errorf("ledger state activity %d: %w", activityID, err)
	}
	state.Open = true
	state.Remaining = remaining
	return state, nil
}

// Delete removes the ledger entry and its outbox.
func (r *LedgerRepository) Delete(ctx context.Context, activityID int64) error {
	keys := []string{LedgerCounterKey(activityID), LedgerAdmittedKey(activityID), RegistrationOutboxKey(activityID)}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("ledger delete activity %d: %w", activityID, err)
	}
	return nil
}
