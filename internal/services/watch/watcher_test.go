package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type fakeRepo struct {
	mu sync.Mutex

	claimOut []*models.Delivery
	claimErr error

	applied    []pgdispatch.WatchUpdate
	cleared    []uint64
	clearedRes bool

	vehicle    *models.Vehicle
	vehicleErr error
}

func (f *fakeRepo) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	return f.claimOut, f.claimErr
}
func (f *fakeRepo) ApplyWatchResult(ctx context.Context, upd pgdispatch.WatchUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, upd)
	return nil
}
func (f *fakeRepo) ClearExpiredOTP(ctx context.Context, deliveryID uint64, now time.Time) (bool, error) {
	f.cleared = append(f.cleared, deliveryID)
	return f.clearedRes, nil
}
func (f *fakeRepo) GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error) {
	if f.vehicleErr != nil {
		return nil, f.vehicleErr
	}
	return f.vehicle, nil
}

type fakeNotifier struct {
	types []string
}

func (n *fakeNotifier) EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref) {
	n.types = append(n.types, eventType)
}

type fakeRL struct {
	allowed bool
}

func (r fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, 1, nil
}

func inFlightDelivery() *models.Delivery {
	now := time.Now().UTC()
	tele := now.Add(-10 * time.Second)
	dep := now.Add(-20 * time.Minute)
	return &models.Delivery{
		ID:                  10,
		VehicleID:           3,
		Status:              models.DeliveryStatusInTransit,
		IsActive:            true,
		TotalDistanceKm:     20,
		RemainingDistanceKm: 8,
		DepartedAt:          &dep,
		LastTelemetryAt:     &tele,
	}
}

func TestWatcher_processOne_RefreshesETA(t *testing.T) {
	r := &fakeRepo{vehicle: &models.Vehicle{ID: 3, MaxSpeedKmh: 60}}
	w := New(r, nil, nil)

	require.NoError(t, w.processOne(context.Background(), inFlightDelivery()))
	require.Len(t, r.applied, 1)

	upd := r.applied[0]
	require.Nil(t, upd.Error)
	require.NotNil(t, upd.EstimatedArrivalAt) // 8 км на 60 км/ч -> ~8 минут
	require.WithinDuration(t, upd.CheckedAt.Add(8*time.Minute), *upd.EstimatedArrivalAt, 2*time.Second)
	require.True(t, upd.NextCheckAt.After(upd.CheckedAt))
}

func TestWatcher_processOne_ErrorBackoff(t *testing.T) {
	r := &fakeRepo{vehicleErr: errors.New("db down")}
	w := New(r, nil, nil)

	d := inFlightDelivery()
	d.CheckFailCount = 1
	err := w.processOne(context.Background(), d)
	require.Error(t, err)

	require.Len(t, r.applied, 1)
	upd := r.applied[0]
	require.NotNil(t, upd.Error)
	// второй подряд фейл -> вторая ступень бэкоффа
	require.Equal(t, 5*time.Minute, upd.NextCheckAt.Sub(upd.CheckedAt))
}

func TestWatcher_processOne_ExpiredOTPCleared(t *testing.T) {
	r := &fakeRepo{vehicle: &models.Vehicle{ID: 3, MaxSpeedKmh: 60}, clearedRes: true}
	n := &fakeNotifier{}
	w := New(r, n, nil)

	d := inFlightDelivery()
	exp := time.Now().UTC().Add(-time.Minute)
	code := "123456"
	d.OTPCode = &code
	d.OTPExpiresAt = &exp

	require.NoError(t, w.processOne(context.Background(), d))
	require.Equal(t, []uint64{10}, r.cleared)
	require.Contains(t, n.types, messages.EventOTPExpired)
}

func TestWatcher_processOne_VerifiedOTPUntouched(t *testing.T) {
	r := &fakeRepo{vehicle: &models.Vehicle{ID: 3, MaxSpeedKmh: 60}}
	w := New(r, &fakeNotifier{}, nil)

	d := inFlightDelivery()
	exp := time.Now().UTC().Add(-time.Minute)
	ver := time.Now().UTC().Add(-2 * time.Minute)
	d.OTPExpiresAt = &exp
	d.OTPVerifiedAt = &ver

	require.NoError(t, w.processOne(context.Background(), d))
	require.Empty(t, r.cleared)
}

func TestWatcher_StallAlert(t *testing.T) {
	r := &fakeRepo{vehicle: &models.Vehicle{ID: 3, MaxSpeedKmh: 60}}
	n := &fakeNotifier{}
	w := New(r, n, fakeRL{allowed: true}).
		WithSettings(0, 0, 0, 0, time.Minute)

	d := inFlightDelivery()
	old := time.Now().UTC().Add(-5 * time.Minute)
	d.LastTelemetryAt = &old

	require.NoError(t, w.processOne(context.Background(), d))
	require.Contains(t, n.types, messages.EventDeliveryStalled)
}

func TestWatcher_StallAlert_RateLimited(t *testing.T) {
	r := &fakeRepo{vehicle: &models.Vehicle{ID: 3, MaxSpeedKmh: 60}}
	n := &fakeNotifier{}
	w := New(r, n, fakeRL{allowed: false}).
		WithSettings(0, 0, 0, 0, time.Minute)

	d := inFlightDelivery()
	old := time.Now().UTC().Add(-5 * time.Minute)
	d.LastTelemetryAt = &old

	require.NoError(t, w.processOne(context.Background(), d))
	require.NotContains(t, n.types, messages.EventDeliveryStalled)
}

func TestWatcher_NoStallBeforeFlight(t *testing.T) {
	r := &fakeRepo{vehicle: &models.Vehicle{ID: 3}}
	n := &fakeNotifier{}
	w := New(r, n, nil).WithSettings(0, 0, 0, 0, time.Minute)

	d := inFlightDelivery()
	d.Status = models.DeliveryStatusScheduled
	d.LastTelemetryAt = nil

	require.NoError(t, w.processOne(context.Background(), d))
	require.Empty(t, n.types)
	// пре-полётный статус не трогает ETA
	require.Nil(t, r.applied[0].EstimatedArrivalAt)
}

func TestWatcher_WithSettings(t *testing.T) {
	w := New(&fakeRepo{}, nil, nil).
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13*time.Second)
	require.Equal(t, 5*time.Second, w.pollInterval)
	require.Equal(t, 7, w.batchSize)
	require.Equal(t, 9, w.concurrency)
	require.Equal(t, 11*time.Second, w.lease)
	require.Equal(t, 13*time.Second, w.stallAfter)
}

func TestWatcher_RunStopsOnContext(t *testing.T) {
	r := &fakeRepo{}
	w := New(r, nil, nil).WithSettings(10*time.Millisecond, 0, 0, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	st := w.Stats()
	require.False(t, st.StartedAt.IsZero())
}

func TestWatcher_runOnce_ProcessesBatch(t *testing.T) {
	r := &fakeRepo{
		claimOut: []*models.Delivery{inFlightDelivery(), inFlightDelivery()},
		vehicle:  &models.Vehicle{ID: 3, MaxSpeedKmh: 60},
	}
	w := New(r, nil, nil)

	w.runOnce(context.Background())
	require.Len(t, r.applied, 2)

	st := w.Stats()
	require.Equal(t, int64(2), st.TotalClaimed)
	require.Equal(t, int64(2), st.TotalProcessed)
	require.Equal(t, int64(0), st.TotalErrors)
}

func TestWatcher_Trigger_NonBlocking(t *testing.T) {
	w := New(&fakeRepo{}, nil, nil)
	w.Trigger()
	w.Trigger() // второй не должен блокировать
	st := w.Stats()
	require.NotNil(t, st.LastTriggerAt)
}
