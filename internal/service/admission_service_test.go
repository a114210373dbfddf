package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
	"github.com/noah-isme/activity-admission-api/internal/repository"
	appErrors "github.com/noah-isme/activity-admission-api/pkg/errors"
	"github.com/noah-isme/activity-admission-api/pkg/idgen"
	"github.com/noah-isme/activity-admission-api/pkg/queue"
)

type publisherStub struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (p *publisherStub) Publish(ctx context.Context, topic, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, queue.Message{Topic: topic, Key: key, Body: body})
	return nil
}

func (p *publisherStub) published() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.messages...)
}

type failingIDs struct{}

func (failingIDs) NextID() (int64, error) { return 0, idgen.ErrClockMovedBackwards }

type admissionFixture struct {
	mr        *miniredis.Miniredis
	ledger    *repository.LedgerRepository
	geofence  *repository.GeofenceRepository
	publisher *publisherStub
	metrics   *MetricsService
	service   *AdmissionService
}

func newAdmissionFixture(t *testing.T) *admissionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	ids, err := idgen.New(1, 1)
	require.NoError(t, err)

	f := &admissionFixture{
		mr:        mr,
		ledger:    repository.NewLedgerRepository(client, zap.NewNop()),
		geofence:  repository.NewGeofenceRepository(client, zap.NewNop()),
		publisher: &publisherStub{},
		metrics:   NewMetricsService(),
	}
	f.service = NewAdmissionService(f.ledger, f.geofence, repository.NewOutboxRepository(client, zap.NewNop()), f.publisher, ids, f.metrics, zap.NewNop(), AdmissionServiceConfig{
		CheckinRadiusKM: 0.1,
	})
	return f
}

func (f *admissionFixture) openRegistration(t *testing.T, activityID int64, capacity int) {
	t.Helper()
	_, _, err := f.ledger.Provision(context.Background(), activityID, capacity, nil, time.Hour)
	require.NoError(t, err)
}

func (f *admissionFixture) openCheckin(t *testing.T, activityID int64, phones ...string) {
	t.Helper()
	_, _, err := f.geofence.Provision(context.Background(), activityID, 39.9, 116.4, phones, time.Hour)
	require.NoError(t, err)
}

func TestAdmissionTryRegisterCapacityTwoThreeCallers(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openRegistration(t, 1, 2)
	ctx := context.Background()

	phones := []string{"13800000001", "13800000002", "13800000003"}
	results := make([]models.AdmissionResult, len(phones))
	var wg sync.WaitGroup
	for i, phone := range phones {
		wg.Add(1)
		go func(i int, phone string) {
			defer wg.Done()
			result, err := f.service.TryRegister(ctx, 1, phone)
			assert.NoError(t, err)
			results[i] = result
		}(i, phone)
	}
	wg.Wait()

	counts := map[models.AdmissionResult]int{}
	for _, r := range results {
		counts[r]++
	}
	assert.Equal(t, 2, counts[models.AdmissionAccepted])
	assert.Equal(t, 1, counts[models.AdmissionCapacityExhausted])

	for i, phone := range phones {
		if results[i] != models.AdmissionAccepted {
			continue
		}
		again, err := f.service.TryRegister(ctx, 1, phone)
		require.NoError(t, err)
		assert.Equal(t, models.AdmissionAlreadyRegistered, again)
	}

	published := f.publisher.published()
	require.Len(t, published, 2)
	for _, msg := range published {
		assert.Equal(t, "registration", msg.Topic)
		assert.Equal(t, "1", msg.Key)
		var event models.PendingWriteEvent
		require.NoError(t, json.Unmarshal(msg.Body, &event))
		assert.Equal(t, models.EventRegistration, event.Type)
		assert.NotEmpty(t, event.ID)
	}
}

func TestAdmissionTryRegisterNeverOverAdmits(t *testing.T) {
	f := newAdmissionFixture(t)
	const capacity, extra = 20, 15
	f.openRegistration(t, 2, capacity)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		exhausted int
	)
	for i := 0; i < capacity+extra; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.service.TryRegister(ctx, 2, fmt.Sprintf("1390000%04d", i))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case models.AdmissionAccepted:
				accepted++
			case models.AdmissionCapacityExhausted:
				exhausted++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, extra, exhausted)
	assert.Equal(t, float64(capacity), testutil.ToFloat64(f.metrics.admissions.WithLabelValues("registration", "ACCEPTED")))
}

func TestAdmissionRegisterOutsideWindow(t *testing.T) {
	f := newAdmissionFixture(t)

	outcome, err := f.service.Register(context.Background(), RegisterCommand{ActivityID: 3, Phone: "13800000001", Name: "Li Lei"})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionNotInRegistrationWindow, outcome.Result)
	assert.Empty(t, outcome.EventID)
	assert.Empty(t, f.publisher.published())
}

func TestAdmissionRegisterPublishFailureStillAccepted(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openRegistration(t, 4, 5)
	f.publisher.err = errors.New("broker down")

	outcome, err := f.service.Register(context.Background(), RegisterCommand{ActivityID: 4, Phone: "13800000001", Name: "Li Lei", College: "CS"})
	require.NoError(t, err)
	assert.True(t, outcome.Accepted())
	assert.NotEmpty(t, outcome.EventID)

	var event models.PendingWriteEvent
	require.NoError(t, json.Unmarshal([]byte(f.mr.HGet(repository.RegistrationOutboxKey(4), "13800000001")), &event))
	assert.Equal(t, outcome.EventID, event.ID)
	assert.Equal(t, "Li Lei", event.Name)
	assert.Equal(t, "CS", event.College)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.publishFailures.WithLabelValues("registration")))
}

func TestAdmissionRegisterValidation(t *testing.T) {
	f := newAdmissionFixture(t)

	_, err := f.service.TryRegister(context.Background(), 1, "  ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.service.TryRegister(context.Background(), 0, "13800000001")
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestAdmissionRegisterCacheUnavailable(t *testing.T) {
	f := newAdmissionFixture(t)
	f.mr.Close()

	_, err := f.service.TryRegister(context.Background(), 1, "13800000001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrServiceUnavailable))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.admissions.WithLabelValues("registration", "unavailable")))
}

func TestAdmissionTryCheckinScenario(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openCheckin(t, 10, "13800000001", "13800000002")
	ctx := context.Background()

	result, err := f.service.TryCheckin(ctx, 10, "13800000001", 39.9, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAccepted, result)

	result, err = f.service.TryCheckin(ctx, 10, "13800000001", 39.9, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionNotEligible, result)

	outcome, err := f.service.Checkin(ctx, CheckinCommand{ActivityID: 10, Phone: "13800000002", Latitude: 39.905, Longitude: 116.4})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionOutOfRange, outcome.Result)
	require.NotNil(t, outcome.DistanceKM)
	assert.Greater(t, *outcome.DistanceKM, 0.5)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, "checkin", published[0].Topic)

	members, err := f.mr.ZMembers(repository.CheckinLocationKey(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, members)
}

func TestAdmissionTryCheckinBoundary(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openCheckin(t, 11, "13800000001", "13800000002")
	ctx := context.Background()

	inside, err := f.service.TryCheckin(ctx, 11, "13800000001", 39.9+0.0008, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAccepted, inside)

	outside, err := f.service.TryCheckin(ctx, 11, "13800000002", 39.9+0.0010, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionOutOfRange, outside)
}

// geoEarthRadiusKM is the sphere radius GEODIST measures on.
const geoEarthRadiusKM = 6372.797560856

// northOf returns the latitude lying km due north of lat on the GEODIST sphere.
func northOf(lat, km float64) float64 {
	return lat + km/geoEarthRadiusKM*180/math.Pi
}

func TestAdmissionTryCheckinTightBoundary(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openCheckin(t, 13, "13800000001", "13800000002")
	ctx := context.Background()

	// geohash cells put up to ~0.3m of error on a stored pair, so stay half a metre either side
	inside, err := f.service.Checkin(ctx, CheckinCommand{ActivityID: 13, Phone: "13800000001", Latitude: northOf(39.9, 0.0995), Longitude: 116.4})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAccepted, inside.Result)
	require.NotNil(t, inside.DistanceKM)
	assert.InDelta(t, 0.0995, *inside.DistanceKM, 0.0004)

	outside, err := f.service.Checkin(ctx, CheckinCommand{ActivityID: 13, Phone: "13800000002", Latitude: northOf(39.9, 0.1005), Longitude: 116.4})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionOutOfRange, outside.Result)
	require.NotNil(t, outside.DistanceKM)
	assert.InDelta(t, 0.1005, *outside.DistanceKM, 0.0004)
}

func TestAdmissionTryCheckinBeforeGeofenceIsNotEligible(t *testing.T) {
	f := newAdmissionFixture(t)

	result, err := f.service.TryCheckin(context.Background(), 12, "13800000001", 39.9, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionNotEligible, result)
}

func TestAdmissionTryCheckinNotStarted(t *testing.T) {
	f := newAdmissionFixture(t)
	_, err := f.mr.SAdd(repository.CheckinAllowListKey(12), "13800000001")
	require.NoError(t, err)

	result, err := f.service.TryCheckin(context.Background(), 12, "13800000001", 39.9, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionNotStarted, result)
	assert.Empty(t, f.publisher.published())
}

func TestAdmissionCheckinRejectsBadCoordinates(t *testing.T) {
	f := newAdmissionFixture(t)

	_, err := f.service.TryCheckin(context.Background(), 12, "13800000001", 89.5, 116.4)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	_, err = f.service.TryCheckin(context.Background(), 12, "13800000001", 39.9, 181)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestAdmissionCheckinIDAllocationFailure(t *testing.T) {
	f := newAdmissionFixture(t)
	f.service.ids = failingIDs{}

	_, err := f.service.TryCheckin(context.Background(), 12, "13800000001", 39.9, 116.4)
	assert.True(t, errors.Is(err, appErrors.ErrServiceUnavailable))
}

func TestAdmissionAdjustCapacity(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	_, err := f.service.AdjustCapacity(ctx, 20, 5)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = f.service.AdjustCapacity(ctx, 20, 0)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	f.openRegistration(t, 20, 1)
	remaining, err := f.service.AdjustCapacity(ctx, 20, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, remaining)
}

func TestAdmissionTeardownClosesWindows(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openRegistration(t, 30, 5)
	f.openCheckin(t, 30, "13800000001")
	ctx := context.Background()

	require.NoError(t, f.service.Teardown(ctx, 30))

	result, err := f.service.TryRegister(ctx, 30, "13800000002")
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionNotInRegistrationWindow, result)

	result, err = f.service.TryCheckin(ctx, 30, "13800000001", 39.9, 116.4)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionNotEligible, result)
}

func TestAdmissionSnapshot(t *testing.T) {
	f := newAdmissionFixture(t)
	f.openRegistration(t, 40, 3)
	f.openCheckin(t, 40, "13800000009")
	ctx := context.Background()

	_, err := f.service.TryRegister(ctx, 40, "13800000001")
	require.NoError(t, err)

	snapshot, err := f.service.Snapshot(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, &models.AdmissionSnapshot{
		ActivityID:        40,
		RegistrationOpen:  true,
		Remaining:         2,
		Admitted:          1,
		CheckinOpen:       true,
		PendingCheckins:   1,
		UndeliveredEvents: 1,
	}, snapshot)
}
