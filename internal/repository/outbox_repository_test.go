package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

func TestOutboxCountAcknowledgeAndScan(t *testing.T) {
	mr, client := newRedisFixture(t)
	ledger := NewLedgerRepository(client, nil)
	geofence := NewGeofenceRepository(client, nil)
	outbox := NewOutboxRepository(client, nil)
	ctx := context.Background()

	_, _, err := ledger.Provision(ctx, 9, 5, nil, time.Hour)
	require.NoError(t, err)
	_, err = ledger.Admit(ctx, 9, "13800000001", []byte(`reg-1`))
	require.NoError(t, err)
	_, err = ledger.Admit(ctx, 9, "13800000002", []byte(`reg-2`))
	require.NoError(t, err)

	_, _, err = geofence.Provision(ctx, 9, refLat, refLon, []string{"13800000003"}, time.Hour)
	require.NoError(t, err)
	_, err = geofence.Checkin(ctx, checkinAt(9, "13800000003", refLat, refLon, "s-1"))
	require.NoError(t, err)

	count, err := outbox.Count(ctx, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	mr.Set("registration:outbox:bogus", "x")

	var seen []string
	err = outbox.Scan(ctx, func(entry OutboxEntry) error {
		assert.EqualValues(t, 9, entry.ActivityID)
		seen = append(seen, string(entry.Type)+":"+entry.Phone+":"+string(entry.Payload))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(seen)
	assert.Equal(t, []string{
		"checkin:13800000003:{\"type\":\"checkin\"}",
		"registration:13800000001:reg-1",
		"registration:13800000002:reg-2",
	}, seen)

	require.NoError(t, outbox.Acknowledge(ctx, models.EventRegistration, 9, "13800000001"))
	require.NoError(t, outbox.Acknowledge(ctx, models.EventCheckin, 9, "13800000003"))
	count, err = outbox.Count(ctx, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestOutboxScanStopsOnVisitorError(t *testing.T) {
	_, client := newRedisFixture(t)
	ledger := NewLedgerRepository(client, nil)
	outbox := NewOutboxRepository(client, nil)
	ctx := context.Background()

	_, _, err := ledger.Provision(ctx, 1, 5, nil, time.Hour)
	require.NoError(t, err)
	_, err = ledger.Admit(ctx, 1, "13800000001", []byte(`reg-1`))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = outbox.Scan(ctx, func(OutboxEntry) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestOutboxAcknowledgeUnknownType(t *testing.T) {
	_, client := newRedisFixture(t)
	err := NewOutboxRepository(client, nil).Acknowledge(context.Background(), models.EventType("other"), 1, "13800000001")
	require.Error(t, err)
}

func TestOutboxPendingListsUndeliveredPhones(t *testing.T) {
	_, client := newRedisFixture(t)
	ledger := NewLedgerRepository(client, nil)
	outbox := NewOutboxRepository(client, nil)
	ctx := context.Background()

	phones, err := outbox.Pending(ctx, models.EventRegistration, 4)
	require.NoError(t, err)
	assert.Empty(t, phones)

	_, _, err = ledger.Provision(ctx, 4, 5, nil, time.Hour)
	require.NoError(t, err)
	_, err = ledger.Admit(ctx, 4, "13800000001", []byte(`reg-1`))
	require.NoError(t, err)
	_, err = ledger.Admit(ctx, 4, "13800000002", []byte(`reg-2`))
	require.NoError(t, err)
	require.NoError(t, outbox.Acknowledge(ctx, models.EventRegistration, 4, "13800000001"))

	phones, err = outbox.Pending(ctx, models.EventRegistration, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"13800000002"}, phones)

	checkins, err := outbox.Pending(ctx, models.EventCheckin, 4)
	require.NoError(t, err)
	assert.Empty(t, checkins)

	_, err = outbox.Pending(ctx, models.EventType("other"), 4)
	require.Error(t, err)
}
