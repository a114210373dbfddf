package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
	"github.com/noah-isme/activity-admission-api/internal/repository"
)

type activityStore interface {
	FindEnteringRegistration(ctx context.Context, now time.Time) ([]models.Activity, error)
	FindEnteringExecution(ctx context.Context, now time.Time) ([]models.Activity, error)
	UpdateStatus(ctx context.Context, id int64, status models.ActivityStatus) (bool, error)
}

type rosterReader interface {
	ListRegisteredPhones(ctx context.Context, activityID int64, excludeCheckedIn bool) ([]string, error)
}

type ledgerProvisioner interface {
	Exists(ctx context.Context, activityID int64) (bool, error)
	Provision(ctx context.Context, activityID int64, capacity int, admitted []string, ttl time.Duration) (bool, int64, error)
}

type geofenceProvisioner interface {
	Exists(ctx context.Context, activityID int64) (bool, error)
	Provision(ctx context.Context, activityID int64, latitude, longitude float64, phones []string, ttl time.Duration) (bool, int64, error)
}

type outboxScanner interface {
	Scan(ctx context.Context, visit func(repository.OutboxEntry) error) error
	Pending(ctx context.Context, eventType models.EventType, activityID int64) ([]string, error)
}

// LifecycleConfig drives the scheduler cadence.
type LifecycleConfig struct {
	Interval          time.Duration
	SweepInterval     time.Duration
	OutboxGrace       time.Duration
	PublishTimeout    time.Duration
	RegistrationTopic string
	CheckinTopic      string
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	LedgersProvisioned   int
	GeofencesProvisioned int
	Skipped              int
	Failed               int
	Overlapped           bool
}

// LifecycleService provisions ledgers and geofences as activities enter their windows and
// republishes admitted events that never reached the write-back consumer.
type LifecycleService struct {
	activities activityStore
	roster     rosterReader
	ledger     ledgerProvisioner
	geofence   geofenceProvisioner
	outbox     outboxScanner
	publisher  eventPublisher
	metrics    *MetricsService
	logger     *zap.Logger
	cfg        LifecycleConfig
	now        func() time.Time

	tickMu  sync.Mutex
	sweepMu sync.Mutex
}

// NewLifecycleService constructs the scheduler.
func NewLifecycleService(activities activityStore, roster rosterReader, ledger ledgerProvisioner, geofence geofenceProvisioner, outbox outboxScanner, publisher eventPublisher, metrics *MetricsService, logger *zap.Logger, cfg LifecycleConfig) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if cfg.OutboxGrace <= 0 {
		cfg.OutboxGrace = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.RegistrationTopic == "" {
		cfg.RegistrationTopic = "registration"
	}
	if cfg.CheckinTopic == "" {
		cfg.CheckinTopic = "checkin"
	}
	return &LifecycleService{
		activities: activities,
		roster:     roster,
		ledger:     ledger,
		geofence:   geofence,
		outbox:     outbox,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the tick loop and the sweep loop until ctx is cancelled.
func (s *LifecycleService) Start(ctx context.Context) {
	s.logger.Info("lifecycle scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
	)
	go s.loop(ctx, s.cfg.Interval, func(ctx context.Context) { _, _ = s.Tick(ctx) }, true)
	go s.loop(ctx, s.cfg.SweepInterval, func(ctx context.Context) { _, _ = s.Sweep(ctx) }, false)
}

func (s *LifecycleService) loop(ctx context.Context, every time.Duration, fn func(context.Context), immediate bool) {
	if immediate {
		fn(ctx)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Tick performs one scheduling pass. A pass that would overlap a running one returns at once.
func (s *LifecycleService) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	if !s.tickMu.TryLock() {
		report.Overlapped = true
		s.logger.Warn("lifecycle tick skipped, previous tick still running")
		return report, nil
	}
	defer s.tickMu.Unlock()
	s.metrics.RecordSchedulerTick()

	now := s.now()
	var firstErr error

	registering, err := s.activities.FindEnteringRegistration(ctx, now)
	if err != nil {
		s.metrics.RecordSchedulerError("list_registration")
		s.logger.Error("list activities entering registration failed", zap.Error(err))
		firstErr = err
	}
	for _, activity := range registering {
		s.openRegistration(ctx, now, activity, &report)
	}

	executing, err := s.activities.FindEnteringExecution(ctx, now)
	if err != nil {
		s.metrics.RecordSchedulerError("list_execution")
		s.logger.Error("list activities entering execution failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, activity := range executing {
		s.openCheckin(ctx, now, activity, &report)
	}

	if report.LedgersProvisioned > 0 || report.GeofencesProvisioned > 0 || report.Failed > 0 {
		s.logger.Info("lifecycle tick finished",
			zap.Int("ledgers", report.LedgersProvisioned),
			zap.Int("geofences", report.GeofencesProvisioned),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, firstErr
}

func (s *LifecycleService) openRegistration(ctx context.Context, now time.Time, activity models.Activity, report *TickReport) {
	log := s.logger.With(zap.Int64("activity_id", activity.ID))
	if activity.RegistrationEnd == nil {
		report.Skipped++
		log.Warn("registration end missing, ledger not provisioned")
		return
	}
	ttl := activity.RegistrationEnd.Sub(now)
	if ttl <= 0 {
		report.Skipped++
		return
	}

	exists, err := s.ledger.Exists(ctx, activity.ID)
	if err != nil {
		s.fail(log, report, "ledger", err)
		return
	}
	if !exists {
		admitted, err := s.roster.ListRegisteredPhones(ctx, activity.ID, false)
		if err != nil {
			s.fail(log, report, "ledger", err)
			return
		}
		created, remaining, err := s.ledger.Provision(ctx, activity.ID, activity.MaxParticipants, admitted, ttl)
		if err != nil {
			s.fail(log, report, "ledger", err)
			return
		}
		if created {
			report.LedgersProvisioned++
			s.metrics.RecordProvisioned("ledger")
			log.Info("registration ledger provisioned",
				zap.Int("capacity", activity.MaxParticipants),
				zap.Int64("remaining", remaining),
				zap.Duration("ttl", ttl),
			)
		}
	}
	s.advance(ctx, log, report, activity, models.ActivityStatusRegistering)
}

func (s *LifecycleService) openCheckin(ctx context.Context, now time.Time, activity models.Activity, report *TickReport) {
	log := s.logger.With(zap.Int64("activity_id", activity.ID))
	if activity.ActivityEnd == nil || !activity.HasLocation() {
		report.Skipped++
		log.Warn("activity end or location missing, geofence not provisioned")
		return
	}
	ttl := activity.ActivityEnd.Sub(now)
	if ttl <= 0 {
		report.Skipped++
		return
	}

	exists, err := s.geofence.Exists(ctx, activity.ID)
	if err != nil {
		s.fail(log, report, "geofence", err)
		return
	}
	if !exists {
		persisted, err := s.roster.ListRegisteredPhones(ctx, activity.ID, true)
		if err != nil {
			s.fail(log, report, "geofence", err)
			return
		}
		// admissions still in the outbox have no roster row yet but must be able to check in
		undelivered, err := s.outbox.Pending(ctx, models.EventRegistration, activity.ID)
		if err != nil {
			s.fail(log, report, "geofence", err)
			return
		}
		phones := mergePhones(persisted, undelivered)
		if len(phones) == 0 {
			report.Skipped++
			log.Debug("no registrants awaiting check-in, geofence not provisioned")
			return
		}
		created, eligible, err := s.geofence.Provision(ctx, activity.ID, *activity.Latitude, *activity.Longitude, phones, ttl)
		if err != nil {
			s.fail(log, report, "geofence", err)
			return
		}
		if created {
			report.GeofencesProvisioned++
			s.metrics.RecordProvisioned("geofence")
			log.Info("checkin geofence provisioned", zap.Int64("eligible", eligible), zap.Duration("ttl", ttl))
		}
	}
	s.advance(ctx, log, report, activity, models.ActivityStatusUndergoing)
}

func (s *LifecycleService) advance(ctx context.Context, log *zap.Logger, report *TickReport, activity models.Activity, status models.ActivityStatus) {
	if activity.Status >= status {
		return
	}
	changed, err := s.activities.UpdateStatus(ctx, activity.ID, status)
	if err != nil {
		s.fail(log, report, "status", err)
		return
	}
	if changed {
		log.Info("activity status advanced", zap.Stringer("from", activity.Status), zap.Stringer("to", status))
	}
}

func (s *LifecycleService) fail(log *zap.Logger, report *TickReport, stage string, err error) {
	report.Failed++
	s.metrics.RecordSchedulerError(stage)
	log.Error("lifecycle step failed, retrying next tick", zap.String("stage", stage), zap.Error(err))
}

// Sweep republishes outbox entries older than the configured grace. Entries younger than that
// are most likely still in flight.
func (s *LifecycleService) Sweep(ctx context.Context) (int, error) {
	if !s.sweepMu.TryLock() {
		return 0, nil
	}
	defer s.sweepMu.Unlock()

	cutoff := s.now().Add(-s.cfg.OutboxGrace)
	republished := 0
	err := s.outbox.Scan(ctx, func(entry repository.OutboxEntry) error {
		var event models.PendingWriteEvent
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			s.logger.Warn("skipping undecodable outbox entry",
				zap.Int64("activity_id", entry.ActivityID), zap.String("phone", entry.Phone), zap.Error(err))
			return nil
		}
		if event.OccurredAt.After(cutoff) {
			return nil
		}
		topic := s.cfg.RegistrationTopic
		if entry.Type == models.EventCheckin {
			topic = s.cfg.CheckinTopic
		}
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
		err := s.publisher.Publish(pctx, topic, strconv.FormatInt(entry.ActivityID, 10), entry.Payload)
		cancel()
		if err != nil {
			return err
		}
		republished++
		s.metrics.RecordRepublished(topic)
		return nil
	})
	if err != nil {
		s.metrics.RecordSchedulerError("sweep")
		s.logger.Error("outbox sweep failed", zap.Int("republished", republished), zap.Error(err))
		return republished, err
	}
	if republished > 0 {
		s.logger.Info("outbox sweep republished events", zap.Int("republished", republished))
	}
	return republished, nil
}

func mergePhones(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, phone := range list {
			if _, ok := seen[phone]; ok {
				continue
			}
			seen[phone] = struct{}{}
			out = append(out, phone)
		}
	}
	return out
}
