package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-admission-api/internal/models"
	"github.com/noah-isme/activity-admission-api/pkg/idgen"
	"github.com/noah-isme/activity-admission-api/pkg/queue"
)

type registrationStoreStub struct {
	mu       sync.Mutex
	rows     map[string]*models.Registration
	failures int
}

func newRegistrationStoreStub() *registrationStoreStub {
	return &registrationStoreStub{rows: map[string]*models.Registration{}}
}

func rowKey(activityID int64, phone string) string {
	return fmt.Sprintf("%d/%s", activityID, phone)
}

func (s *registrationStoreStub) Upsert(ctx context.Context, reg *models.Registration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset")
	}
	key := rowKey(reg.ActivityID, reg.Phone)
	if _, ok := s.rows[key]; ok {
		return false, nil
	}
	copied := *reg
	s.rows[key] = &copied
	return true, nil
}

func (s *registrationStoreStub) MarkCheckedIn(ctx context.Context, activityID int64, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowKey(activityID, phone)]
	if !ok {
		return false, errors.New("registration not found")
	}
	if row.Checkin {
		return false, nil
	}
	row.Checkin = true
	return true, nil
}

func (s *registrationStoreStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type outboxAckStub struct {
	mu    sync.Mutex
	acked []string
	err   error
}

func (o *outboxAckStub) Acknowledge(ctx context.Context, eventType models.EventType, activityID int64, phone string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.acked = append(o.acked, fmt.Sprintf("%s/%d/%s", eventType, activityID, phone))
	return nil
}

func encodeEvent(t *testing.T, event models.PendingWriteEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func newWriteBackForTest(t *testing.T, store *registrationStoreStub, outbox *outboxAckStub, consumer queue.Consumer) (*WriteBackService, *MetricsService) {
	t.Helper()
	ids, err := idgen.New(1, 2)
	require.NoError(t, err)
	metrics := NewMetricsService()
	return NewWriteBackService(store, outbox, ids, consumer, metrics, zap.NewNop(), WriteBackConfig{}), metrics
}

func TestWriteBackRegistrationIsIdempotent(t *testing.T) {
	store := newRegistrationStoreStub()
	outbox := &outboxAckStub{}
	svc, metrics := newWriteBackForTest(t, store, outbox, nil)

	body := encodeEvent(t, models.PendingWriteEvent{
		ID: "evt-1", Type: models.EventRegistration, ActivityID: 7, Phone: "13800000001",
		Name: "Li Lei", College: "CS", OccurredAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	})
	msg := queue.Message{Topic: "registration", Body: body}

	require.NoError(t, svc.HandleRegistration(context.Background(), msg))
	require.NoError(t, svc.HandleRegistration(context.Background(), msg))

	assert.Equal(t, 1, store.count())
	row := store.rows[rowKey(7, "13800000001")]
	assert.NotZero(t, row.ID)
	assert.Equal(t, "Li Lei", row.Name)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), row.RegistrationTime)
	assert.Len(t, outbox.acked, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.writebacks.WithLabelValues("registration", "duplicate")))
}

func TestWriteBackCheckinMarksOnce(t *testing.T) {
	store := newRegistrationStoreStub()
	store.rows[rowKey(7, "13800000001")] = &models.Registration{ActivityID: 7, Phone: "13800000001"}
	outbox := &outboxAckStub{}
	svc, _ := newWriteBackForTest(t, store, outbox, nil)

	msg := queue.Message{Topic: "checkin", Body: encodeEvent(t, models.PendingWriteEvent{
		ID: "evt-2", Type: models.EventCheckin, ActivityID: 7, Phone: "13800000001",
	})}
	require.NoError(t, svc.HandleCheckin(context.Background(), msg))
	require.NoError(t, svc.HandleCheckin(context.Background(), msg))

	assert.True(t, store.rows[rowKey(7, "13800000001")].Checkin)
	assert.Equal(t, []string{"checkin/7/13800000001", "checkin/7/13800000001"}, outbox.acked)
}

func TestWriteBackCheckinWithoutRowFails(t *testing.T) {
	svc, _ := newWriteBackForTest(t, newRegistrationStoreStub(), &outboxAckStub{}, nil)

	msg := queue.Message{Topic: "checkin", Body: encodeEvent(t, models.PendingWriteEvent{
		Type: models.EventCheckin, ActivityID: 7, Phone: "13800000001",
	})}
	require.Error(t, svc.HandleCheckin(context.Background(), msg))
}

func TestWriteBackRejectsMalformedEvents(t *testing.T) {
	svc, metrics := newWriteBackForTest(t, newRegistrationStoreStub(), &outboxAckStub{}, nil)
	ctx := context.Background()

	require.Error(t, svc.HandleRegistration(ctx, queue.Message{Topic: "registration", Body: []byte("{")}))
	require.Error(t, svc.HandleRegistration(ctx, queue.Message{Topic: "registration", Body: encodeEvent(t, models.PendingWriteEvent{
		Type: models.EventCheckin, ActivityID: 1, Phone: "13800000001",
	})}))
	require.Error(t, svc.HandleRegistration(ctx, queue.Message{Topic: "registration", Body: encodeEvent(t, models.PendingWriteEvent{
		Type: models.EventRegistration, ActivityID: 1,
	})}))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.writebacks.WithLabelValues("registration", "malformed")))
}

func TestWriteBackOutboxAckFailureDoesNotFailMessage(t *testing.T) {
	store := newRegistrationStoreStub()
	svc, _ := newWriteBackForTest(t, store, &outboxAckStub{err: errors.New("redis down")}, nil)

	msg := queue.Message{Topic: "registration", Body: encodeEvent(t, models.PendingWriteEvent{
		Type: models.EventRegistration, ActivityID: 7, Phone: "13800000001",
	})}
	require.NoError(t, svc.HandleRegistration(context.Background(), msg))
	assert.Equal(t, 1, store.count())
}

func TestWriteBackRunDrainsQueueWithRetries(t *testing.T) {
	broker := queue.NewMemoryBroker(queue.MemoryConfig{Options: queue.Options{
		Workers:     2,
		MaxAttempts: 5,
		RetryDelay:  5 * time.Millisecond,
	}})
	defer broker.Close()

	store := newRegistrationStoreStub()
	store.failures = 2
	svc, _ := newWriteBackForTest(t, store, &outboxAckStub{}, broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	for i := 0; i < 3; i++ {
		body := encodeEvent(t, models.PendingWriteEvent{
			ID: fmt.Sprintf("evt-%d", i), Type: models.EventRegistration, ActivityID: 9, Phone: fmt.Sprintf("1380000000%d", i),
		})
		require.NoError(t, broker.Publish(ctx, "registration", "9", body))
	}
	duplicate := encodeEvent(t, models.PendingWriteEvent{
		ID: "evt-0-again", Type: models.EventRegistration, ActivityID: 9, Phone: "13800000000",
	})
	require.NoError(t, broker.Publish(ctx, "registration", "9", duplicate))

	require.Eventually(t, func() bool { return store.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write-back consumer did not stop")
	}
}
