package deliveries

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/models"
)

type fakeRepo struct {
	delivery *models.Delivery
	vehicle  *models.Vehicle

	startedETA   *time.Time
	completedID  uint64
	terminatedTo models.DeliveryStatus
	terminateVeh models.VehicleStatus
	reason       string
}

func (f *fakeRepo) GetDeliveryByID(ctx context.Context, id uint64) (*models.Delivery, error) {
	return f.delivery, nil
}
func (f *fakeRepo) GetDeliveryByTrackingNumber(ctx context.Context, tn string) (*models.Delivery, error) {
	if f.delivery == nil || f.delivery.TrackingNumber != tn {
		return nil, models.ErrNotFound
	}
	return f.delivery, nil
}
func (f *fakeRepo) GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error) {
	if f.vehicle == nil {
		return nil, models.ErrNotFound
	}
	return f.vehicle, nil
}
func (f *fakeRepo) GetAssignmentByDeliveryID(ctx context.Context, deliveryID uint64) (*models.Assignment, error) {
	return &models.Assignment{DeliveryID: deliveryID}, nil
}
func (f *fakeRepo) StartDelivery(ctx context.Context, id uint64, eta *time.Time) (*models.Delivery, error) {
	f.startedETA = eta
	out := *f.delivery
	out.Status = models.DeliveryStatusDeparted
	return &out, nil
}
func (f *fakeRepo) MarkDelivered(ctx context.Context, id uint64) (*models.Delivery, error) {
	out := *f.delivery
	out.Status = models.DeliveryStatusDelivered
	return &out, nil
}
func (f *fakeRepo) CompleteDelivery(ctx context.Context, id uint64) (*models.Delivery, error) {
	f.completedID = id
	out := *f.delivery
	out.Status = models.DeliveryStatusCompleted
	return &out, nil
}
func (f *fakeRepo) TerminateDelivery(ctx context.Context, id uint64, to models.DeliveryStatus, reason string, vehicleTo models.VehicleStatus) (*models.Delivery, error) {
	f.terminatedTo, f.reason, f.terminateVeh = to, reason, vehicleTo
	out := *f.delivery
	out.Status = to
	return &out, nil
}

type fakeCache struct {
	m       map[string][]byte
	deleted []string
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	return nil
}
func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.deleted = append(c.deleted, key)
	delete(c.m, key)
	return nil
}

type fakeNotifier struct {
	types []string
}

func (n *fakeNotifier) EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref) {
	n.types = append(n.types, eventType)
}

func activeDelivery() *models.Delivery {
	return &models.Delivery{
		ID:                  10,
		VehicleID:           3,
		TrackingNumber:      "MD-0000ABCD",
		Status:              models.DeliveryStatusInTransit,
		IsActive:            true,
		TotalDistanceKm:     20,
		RemainingDistanceKm: 5,
		UpdatedAt:           time.Now().UTC(),
	}
}

func TestService_TrackByNumber_CacheHit(t *testing.T) {
	c := &fakeCache{m: map[string][]byte{}}
	want := &TrackingSnapshot{TrackingNumber: "MD-0000ABCD", Status: models.DeliveryStatusInTransit}
	b, _ := json.Marshal(want)
	c.m["delivery:MD-0000ABCD:snapshot"] = b

	s := New(&fakeRepo{}, c, nil, 10*time.Second)
	out, err := s.TrackByNumber(context.Background(), "MD-0000ABCD")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusInTransit, out.Status)
}

func TestService_TrackByNumber_MissFillsCache(t *testing.T) {
	r := &fakeRepo{
		delivery: activeDelivery(),
		vehicle:  &models.Vehicle{ID: 3, MaxSpeedKmh: 60},
	}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, nil, 10*time.Second)

	out, err := s.TrackByNumber(context.Background(), "MD-0000ABCD")
	require.NoError(t, err)
	require.Equal(t, 75.0, out.ProgressPercent)
	require.NotNil(t, out.EstimatedMinutes)
	require.Equal(t, 5, *out.EstimatedMinutes) // 5 км на 60 км/ч

	_, ok := c.m["delivery:MD-0000ABCD:snapshot"]
	require.True(t, ok)
}

func TestService_TrackByNumber_NotFound(t *testing.T) {
	s := New(&fakeRepo{}, nil, nil, 0)
	_, err := s.TrackByNumber(context.Background(), "MD-MISSING")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_Start_ComputesETA(t *testing.T) {
	r := &fakeRepo{
		delivery: activeDelivery(),
		vehicle:  &models.Vehicle{ID: 3, MaxSpeedKmh: 60},
	}
	s := New(r, nil, nil, 0)

	out, err := s.Start(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusDeparted, out.Status)
	require.NotNil(t, r.startedETA) // 20 км на 60 км/ч -> ~20 минут
}

func TestService_Complete_EmitsEventAndInvalidates(t *testing.T) {
	r := &fakeRepo{delivery: activeDelivery()}
	c := &fakeCache{m: map[string][]byte{}}
	n := &fakeNotifier{}
	s := New(r, c, n, time.Minute)

	out, err := s.Complete(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusCompleted, out.Status)
	require.Equal(t, []string{messages.EventDeliveryCompleted}, n.types)
	require.Contains(t, c.deleted, "delivery:MD-0000ABCD:snapshot")
}

func TestService_Cancel_RequiresReason(t *testing.T) {
	r := &fakeRepo{delivery: activeDelivery()}
	n := &fakeNotifier{}
	s := New(r, nil, n, 0)

	_, err := s.Cancel(context.Background(), 10, "")
	require.Error(t, err)

	out, err := s.Cancel(context.Background(), 10, "weather hold")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusCancelled, out.Status)
	require.Equal(t, "weather hold", r.reason)
	require.Equal(t, models.VehicleStatusAvailable, r.terminateVeh)
	require.Equal(t, []string{messages.EventDeliveryCancelled}, n.types)
}

func TestService_EmergencyLand_KeepsVehicleGrounded(t *testing.T) {
	r := &fakeRepo{delivery: activeDelivery()}
	s := New(r, nil, nil, 0)

	out, err := s.EmergencyLand(context.Background(), 10, "")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusEmergencyLanded, out.Status)
	require.Equal(t, models.VehicleStatusEmergency, r.terminateVeh)
	require.Equal(t, "emergency landing", r.reason)
}

func TestService_Fail_SendsVehicleToMaintenance(t *testing.T) {
	r := &fakeRepo{delivery: activeDelivery()}
	s := New(r, nil, nil, 0)

	_, err := s.Fail(context.Background(), 10, "rotor fault")
	require.NoError(t, err)
	require.Equal(t, models.VehicleStatusMaintenance, r.terminateVeh)
}
