package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
	"github.com/noah-isme/activity-admission-api/internal/repository"
	appErrors "github.com/noah-isme/activity-admission-api/pkg/errors"
	"github.com/noah-isme/activity-admission-api/pkg/logger"
)

// Redis refuses GEOADD outside this latitude band.
const maxGeoLatitude = 85.05112878

type admissionLedger interface {
	Admit(ctx context.Context, activityID int64, phone string, event []byte) (models.AdmissionResult, error)
	AdjustCapacity(ctx context.Context, activityID int64, delta int) (int64, bool, error)
	State(ctx context.Context, activityID int64) (repository.LedgerState, error)
	Delete(ctx context.Context, activityID int64) error
}

type checkinIndex interface {
	Checkin(ctx context.Context, attempt repository.CheckinAttempt) (repository.CheckinOutcome, error)
	State(ctx context.Context, activityID int64) (repository.GeofenceState, error)
	Delete(ctx context.Context, activityID int64) error
}

type outboxCounter interface {
	Count(ctx context.Context, activityID int64) (int64, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

type idAllocator interface {
	NextID() (int64, error)
}

// AdmissionServiceConfig tunes the coordinator.
type AdmissionServiceConfig struct {
	RegistrationTopic string
	CheckinTopic      string
	CheckinRadiusKM   float64
	ScriptTimeout     time.Duration
	PublishTimeout    time.Duration
}

// RegisterCommand is a validated registration attempt.
type RegisterCommand struct {
	ActivityID int64
	Phone      string
	Name       string
	College    string
}

// CheckinCommand is a validated check-in attempt.
type CheckinCommand struct {
	ActivityID int64
	Phone      string
	Latitude   float64
	Longitude  float64
}

// AdmissionService is the admission coordinator. It holds no contended state of its own;
// every decision is taken by an atomic script against the ledger or geofence index.
type AdmissionService struct {
	ledger    admissionLedger
	geofence  checkinIndex
	outbox    outboxCounter
	publisher eventPublisher
	ids       idAllocator
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       AdmissionServiceConfig
	now       func() time.Time
}

// NewAdmissionService constructs the coordinator.
func NewAdmissionService(ledger admissionLedger, geofence checkinIndex, outbox outboxCounter, publisher eventPublisher, ids idAllocator, metrics *MetricsService, logger *zap.Logger, cfg AdmissionServiceConfig) *AdmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RegistrationTopic == "" {
		cfg.RegistrationTopic = "registration"
	}
	if cfg.CheckinTopic == "" {
		cfg.CheckinTopic = "checkin"
	}
	if cfg.CheckinRadiusKM <= 0 {
		cfg.CheckinRadiusKM = 0.1
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 2 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	return &AdmissionService{
		ledger:    ledger,
		geofence:  geofence,
		outbox:    outbox,
		publisher: publisher,
		ids:       ids,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TryRegister admits phone into the activity if the registration window is open, the phone is
// new and capacity remains.
func (s *AdmissionService) TryRegister(ctx context.Context, activityID int64, phone string) (models.AdmissionResult, error) {
	outcome, err := s.Register(ctx, RegisterCommand{ActivityID: activityID, Phone: phone})
	if err != nil {
		return "", err
	}
	return outcome.Result, nil
}

// Register is TryRegister carrying the participant details persisted by write-back.
func (s *AdmissionService) Register(ctx context.Context, cmd RegisterCommand) (models.AdmissionOutcome, error) {
	cmd.Phone = strings.TrimSpace(cmd.Phone)
	if cmd.ActivityID <= 0 || cmd.Phone == "" {
		return models.AdmissionOutcome{}, appErrors.Clone(appErrors.ErrValidation, "activity_id and phone are required")
	}
	log := logger.FromContext(ctx, s.logger).With(zap.Int64("activity_id", cmd.ActivityID), zap.String("phone", cmd.Phone))

	event := models.PendingWriteEvent{
		ID:         uuid.NewString(),
		Type:       models.EventRegistration,
		ActivityID: cmd.ActivityID,
		Phone:      cmd.Phone,
		Name:       strings.TrimSpace(cmd.Name),
		College:    strings.TrimSpace(cmd.College),
		OccurredAt: s.now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return models.AdmissionOutcome{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode registration event")
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScriptTimeout)
	start := time.Now()
	result, err := s.ledger.Admit(sctx, cmd.ActivityID, cmd.Phone, body)
	cancel()
	if err != nil {
		s.metrics.RecordAdmission(models.EventRegistration, "unavailable", time.Since(start))
		log.Error("registration admission unavailable", zap.Error(err))
		return models.AdmissionOutcome{}, unavailable(err)
	}
	s.metrics.RecordAdmission(models.EventRegistration, string(result), time.Since(start))

	outcome := models.AdmissionOutcome{Result: result}
	if result != models.AdmissionAccepted {
		log.Debug("registration denied", zap.String("result", string(result)))
		return outcome, nil
	}
	outcome.EventID = event.ID
	s.publish(ctx, log, s.cfg.RegistrationTopic, event, body)
	return outcome, nil
}

// TryCheckin confirms attendance for phone if it is eligible and within the check-in radius.
func (s *AdmissionService) TryCheckin(ctx context.Context, activityID int64, phone string, latitude, longitude float64) (models.AdmissionResult, error) {
	outcome, err := s.Checkin(ctx, CheckinCommand{ActivityID: activityID, Phone: phone, Latitude: latitude, Longitude: longitude})
	if err != nil {
		return "", err
	}
	return outcome.Result, nil
}

// Checkin is TryCheckin reporting the measured distance as well.
func (s *AdmissionService) Checkin(ctx context.Context, cmd CheckinCommand) (models.AdmissionOutcome, error) {
	cmd.Phone = strings.TrimSpace(cmd.Phone)
	if cmd.ActivityID <= 0 || cmd.Phone == "" {
		return models.AdmissionOutcome{}, appErrors.Clone(appErrors.ErrValidation, "activity_id and phone are required")
	}
	if cmd.Latitude < -maxGeoLatitude || cmd.Latitude > maxGeoLatitude || cmd.Longitude < -180 || cmd.Longitude > 180 {
		return models.AdmissionOutcome{}, appErrors.Clone(appErrors.ErrValidation, "coordinates out of range")
	}
	log := logger.FromContext(ctx, s.logger).With(zap.Int64("activity_id", cmd.ActivityID), zap.String("phone", cmd.Phone))

	scratchID, err := s.ids.NextID()
	if err != nil {
		log.Error("allocate scratch member failed", zap.Error(err))
		return models.AdmissionOutcome{}, unavailable(err)
	}
	event := models.PendingWriteEvent{
		ID:         uuid.NewString(),
		Type:       models.EventCheckin,
		ActivityID: cmd.ActivityID,
		Phone:      cmd.Phone,
		Latitude:   cmd.Latitude,
		Longitude:  cmd.Longitude,
		OccurredAt: s.now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return models.AdmissionOutcome{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode checkin event")
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScriptTimeout)
	start := time.Now()
	res, err := s.geofence.Checkin(sctx, repository.CheckinAttempt{
		ActivityID:    cmd.ActivityID,
		Phone:         cmd.Phone,
		Latitude:      cmd.Latitude,
		Longitude:     cmd.Longitude,
		RadiusKM:      s.cfg.CheckinRadiusKM,
		ScratchMember: "scratch:" + strconv.FormatInt(scratchID, 10),
		Event:         body,
	})
	cancel()
	if err != nil {
		s.metrics.RecordAdmission(models.EventCheckin, "unavailable", time.Since(start))
		log.Error("checkin admission unavailable", zap.Error(err))
		return models.AdmissionOutcome{}, unavailable(err)
	}
	s.metrics.RecordAdmission(models.EventCheckin, string(res.Result), time.Since(start))

	outcome := models.AdmissionOutcome{Result: res.Result, DistanceKM: res.DistanceKM}
	if res.Result != models.AdmissionAccepted {
		log.Debug("checkin denied", zap.String("result", string(res.Result)))
		return outcome, nil
	}
	outcome.EventID = event.ID
	s.publish(ctx, log, s.cfg.CheckinTopic, event, body)
	return outcome, nil
}

// AdjustCapacity applies an administrative capacity edit to an open ledger.
func (s *AdmissionService) AdjustCapacity(ctx context.Context, activityID int64, delta int) (int64, error) {
	if activityID <= 0 || delta == 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "activity_id and a non-zero delta are required")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScriptTimeout)
	defer cancel()
	remaining, ok, err := s.ledger.AdjustCapacity(sctx, activityID, delta)
	if err != nil {
		return 0, unavailable(err)
	}
	if !ok {
		return 0, appErrors.Clone(appErrors.ErrNotFound, "registration is not open for this activity")
	}
	logger.FromContext(ctx, s.logger).Info("capacity adjusted",
		zap.Int64("activity_id", activityID), zap.Int("delta", delta), zap.Int64("remaining", remaining))
	return remaining, nil
}

// Teardown drops every coordination key of the activity. Used when the activity is deleted.
func (s *AdmissionService) Teardown(ctx context.Context, activityID int64) error {
	if activityID <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, "activity_id is required")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScriptTimeout)
	defer cancel()
	if err := s.ledger.Delete(sctx, activityID); err != nil {
		return unavailable(err)
	}
	if err := s.geofence.Delete(sctx, activityID); err != nil {
		return unavailable(err)
	}
	logger.FromContext(ctx, s.logger).Info("coordination state removed", zap.Int64("activity_id", activityID))
	return nil
}

// Snapshot reads the live coordination state of an activity.
func (s *AdmissionService) Snapshot(ctx context.Context, activityID int64) (*models.AdmissionSnapshot, error) {
	if activityID <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "activity_id is required")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScriptTimeout)
	defer cancel()
	ledger, err := s.ledger.State(sctx, activityID)
	if err != nil {
		return nil, unavailable(err)
	}
	geofence, err := s.geofence.State(sctx, activityID)
	if err != nil {
		return nil, unavailable(err)
	}
	pending, err := s.outbox.Count(sctx, activityID)
	if err != nil {
		return nil, unavailable(err)
	}
	return &models.AdmissionSnapshot{
		ActivityID:        activityID,
		RegistrationOpen:  ledger.Open,
		Remaining:         ledger.Remaining,
		Admitted:          ledger.Admitted,
		CheckinOpen:       geofence.Open,
		PendingCheckins:   geofence.Eligible,
		UndeliveredEvents: pending,
	}, nil
}

// publish hands an admitted event to the write queue. The admission is already committed, so a
// failure here is logged and left to the outbox sweep instead of being reported to the caller.
func (s *AdmissionService) publish(ctx context.Context, log *zap.Logger, topic string, event models.PendingWriteEvent, body []byte) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, topic, strconv.FormatInt(event.ActivityID, 10), body); err != nil {
		s.metrics.RecordPublishFailure(topic)
		log.Warn("publish admitted event failed; left for reconciliation",
			zap.String("topic", topic), zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	log.Info("admission accepted", zap.String("topic", topic), zap.String("event_id", event.ID))
}

func unavailable(err error) error {
	return appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, appErrors.ErrServiceUnavailable.Message)
}
