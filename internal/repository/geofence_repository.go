package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

// CheckinAttempt carries the inputs of one geofenced check-in.
type CheckinAttempt struct {
	ActivityID int64
	Phone      string
	Latitude   float64
	Longitude  float64
	RadiusKM   float64
	// ScratchMember must be unique per call; it is inserted next to the reference point
	// for the distance computation and removed before the script returns.
	ScratchMember string
	Event         []byte
}

// CheckinOutcome is the script verdict plus the measured distance when one was computed.
type CheckinOutcome struct {
	Result     models.AdmissionResult
	DistanceKM *float64
}

// GeofenceRepository is the Redis-backed geospatial index of undergoing activities.
type GeofenceRepository struct {
	client      *redis.Client
	logger      *zap.Logger
	outboxGrace time.Duration
}

// NewGeofenceRepository constructs the geofence repository.
func NewGeofenceRepository(client *redis.Client, logger *zap.Logger) *GeofenceRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeofenceRepository{client: client, logger: logger, outboxGrace: DefaultOutboxGrace}
}

// Checkin consumes the phone from the allow-list when it is within RadiusKM of the reference point.
func (r *GeofenceRepository) Checkin(ctx context.Context, attempt CheckinAttempt) (CheckinOutcome, error) {
	keys := []string{
		CheckinAllowListKey(attempt.ActivityID),
		CheckinLocationKey(attempt.ActivityID),
		CheckinOutboxKey(attempt.ActivityID),
	}
	args := []interface{}{
		attempt.Phone,
		strconv.FormatInt(attempt.ActivityID, 10),
		attempt.ScratchMember,
		strconv.FormatFloat(attempt.Longitude, 'f', -1, 64),
		strconv.FormatFloat(attempt.Latitude, 'f', -1, 64),
		strconv.FormatFloat(attempt.RadiusKM, 'f', -1, 64),
		attempt.Event,
		r.outboxGrace.Milliseconds(),
	}
	raw, err := checkinScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return CheckinOutcome{}, fmt.Errorf("geofence checkin activity %d: %w", attempt.ActivityID, err)
	}
	if len(raw) != 2 {
		return CheckinOutcome{}, fmt.Errorf("geofence checkin activity %d: unexpected script reply %v", attempt.ActivityID, raw)
	}
	code, ok := raw[0].(int64)
	if !ok {
		return CheckinOutcome{}, fmt.Errorf("geofence checkin activity %d: unexpected script code %v", attempt.ActivityID, raw[0])
	}

	var outcome CheckinOutcome
	if s, ok := raw[1].(string); ok && s != "" {
		if d, perr := strconv.ParseFloat(s, 64); perr == nil {
			outcome.DistanceKM = &d
		}
	}
	switch code {
	case 0:
		outcome.Result = models.AdmissionAccepted
	case 1:
		outcome.Result = models.AdmissionNotEligible
	case 2:
		outcome.Result = models.AdmissionNotStarted
	case 3:
		outcome.Result = models.AdmissionOutOfRange
	default:
		return CheckinOutcome{}, fmt.Errorf("geofence checkin activity %d: unexpected script code %d", attempt.ActivityID, code)
	}
	return outcome, nil
}

// Exists reports whether the geofence for the activity is installed.
func (r *GeofenceRepository) Exists(ctx context.Context, activityID int64) (bool, error) {
	n, err := r.client.Exists(ctx, CheckinLocationKey(activityID)).Result()
	if err != nil {
		return false, fmt.Errorf("geofence exists activity %d: %w", activityID, err)
	}
	return n > 0, nil
}

// Provision installs the allow-list and reference point if absent. It returns false when
// the geofence already existed.
func (r *GeofenceRepository) Provision(ctx context.Context, activityID int64, latitude, longitude float64, phones []string, ttl time.Duration) (bool, int64, error) {
	if ttl <= 0 {
		return false, 0, fmt.Errorf("geofence provision activity %d: non-positive ttl %s", activityID, ttl)
	}
	args := make([]interface{}, 0, len(phones)+4)
	args = append(args,
		strconv.FormatInt(activityID, 10),
		ttl.Milliseconds(),
		strconv.FormatFloat(longitude, 'f', -1, 64),
		strconv.FormatFloat(latitude, 'f', -1, 64),
	)
	for _, phone := range phones {
		args = append(args, phone)
	}
	keys := []string{CheckinAllowListKey(activityID), CheckinLocationKey(activityID)}
	eligible, err := provisionGeofenceScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("geofence provision activity %d: %w", activityID, err)
	}
	if eligible < 0 {
		return false, 0, nil
	}
	return true, eligible, nil
}

// GeofenceState is a read-only view of the geofence entry.
type GeofenceState struct {
	Open     bool
	Eligible int64
}

// State reads the geofence entry without mutating it.
func (r *GeofenceRepository) State(ctx context.Context, activityID int64) (GeofenceState, error) {
	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, CheckinLocationKey(activityID))
	eligible := pipe.SCard(ctx, CheckinAllowListKey(activityID))
	if _, err := pipe.Exec(ctx); err != nil {
		return GeofenceState{}, fmt.Errorf("geofence state activity %d: %w", activityID, err)
	}
	return GeofenceState{Open: exists.Val() > 0, Eligible: eligible.Val()}, nil
}

// Delete removes the geofence entry and its outbox.
func (r *GeofenceRepository) Delete(ctx context.Context, activityID int64) error {
	keys := []string{CheckinAllowListKey(activityID), CheckinLocationKey(activityID), CheckinOutboxKey(activityID)}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("geofence delete activity %d: %w", activityID, err)
	}
	return nil
}
