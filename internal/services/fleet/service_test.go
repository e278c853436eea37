package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type fakeRepo struct {
	created *models.Vehicle
	getOut  *models.Vehicle

	batteryIn     float64
	batteryChange pgdispatch.VehicleStatusChange
	batteryErr    error

	statusFrom []models.VehicleStatus
	statusTo   models.VehicleStatus

	activeID  uint64
	activeVal bool

	posLat, posLon, posAlt float64
}

func (f *fakeRepo) CreateVehicle(ctx context.Context, v *models.Vehicle) (*models.Vehicle, error) {
	f.created = v
	return v, nil
}
func (f *fakeRepo) GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error) {
	if f.getOut != nil {
		return f.getOut, nil
	}
	return &models.Vehicle{ID: id}, nil
}
func (f *fakeRepo) ListVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	return []*models.Vehicle{}, nil
}
func (f *fakeRepo) UpdateVehiclePosition(ctx context.Context, id uint64, lat, lon, alt float64) error {
	f.posLat, f.posLon, f.posAlt = lat, lon, alt
	return nil
}
func (f *fakeRepo) UpdateVehicleBattery(ctx context.Context, id uint64, level float64) (pgdispatch.VehicleStatusChange, error) {
	f.batteryIn = level
	return f.batteryChange, f.batteryErr
}
func (f *fakeRepo) SetVehicleStatus(ctx context.Context, id uint64, from []models.VehicleStatus, to models.VehicleStatus) error {
	f.statusFrom, f.statusTo = from, to
	return nil
}
func (f *fakeRepo) SetVehicleActive(ctx context.Context, id uint64, active bool) error {
	f.activeID, f.activeVal = id, active
	return nil
}

type fakeNotifier struct {
	types []string
	refs  []models.Ref
}

func (n *fakeNotifier) EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref) {
	n.types = append(n.types, eventType)
	n.refs = append(n.refs, ref)
}

func validVehicle() *models.Vehicle {
	return &models.Vehicle{
		Name:         "Falcon-1",
		SerialNumber: "SN-001",
		MaxPayloadKg: 5,
		MaxRangeKm:   30,
		MaxSpeedKmh:  80,
		Battery:      100,
		Lat:          55.75,
		Lon:          37.61,
		Active:       true,
	}
}

func TestService_RegisterVehicle_Validate(t *testing.T) {
	s := New(&fakeRepo{}, nil)
	ctx := context.Background()

	v := validVehicle()
	v.Name = ""
	_, err := s.RegisterVehicle(ctx, v)
	require.Error(t, err)

	v = validVehicle()
	v.MaxPayloadKg = 0
	_, err = s.RegisterVehicle(ctx, v)
	require.Error(t, err)

	v = validVehicle()
	v.Lat = 91
	_, err = s.RegisterVehicle(ctx, v)
	require.Error(t, err)
}

func TestService_RegisterVehicle_ClampsBattery(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil)

	v := validVehicle()
	v.Battery = 140
	_, err := s.RegisterVehicle(context.Background(), v)
	require.NoError(t, err)
	require.Equal(t, 100.0, r.created.Battery)
}

func TestService_UpdateBattery_EmitsEmergency(t *testing.T) {
	r := &fakeRepo{batteryChange: pgdispatch.VehicleStatusChange{
		VehicleID: 3,
		From:      models.VehicleStatusInFlight,
		To:        models.VehicleStatusEmergency,
		Battery:   7,
	}}
	n := &fakeNotifier{}
	s := New(r, n)

	_, err := s.UpdateBattery(context.Background(), 3, 7)
	require.NoError(t, err)
	require.Equal(t, []string{messages.EventVehicleEmergency}, n.types)
	require.Equal(t, models.Ref{Kind: models.RefVehicle, ID: 3}, n.refs[0])
}

func TestService_UpdateBattery_NoEventWithoutTransition(t *testing.T) {
	r := &fakeRepo{batteryChange: pgdispatch.VehicleStatusChange{
		VehicleID: 3,
		From:      models.VehicleStatusInFlight,
		To:        models.VehicleStatusInFlight,
		Battery:   45,
	}}
	n := &fakeNotifier{}
	s := New(r, n)

	_, err := s.UpdateBattery(context.Background(), 3, 45)
	require.NoError(t, err)
	require.Empty(t, n.types)
}

func TestService_SetStatus_ManualOnly(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil)

	require.NoError(t, s.SetStatus(context.Background(), 1, models.VehicleStatusMaintenance))
	require.Equal(t, models.VehicleStatusMaintenance, r.statusTo)
	require.Contains(t, r.statusFrom, models.VehicleStatusAvailable)

	// IN_FLIGHT руками не выставляется
	require.Error(t, s.SetStatus(context.Background(), 1, models.VehicleStatusInFlight))
}

func TestService_SetStatus_OfflineFromAnywhere(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil)

	require.NoError(t, s.SetStatus(context.Background(), 1, models.VehicleStatusOffline))
	require.Equal(t, models.VehicleStatusOffline, r.statusTo)
	// снять с линии можно и занятую, и летящую, и аварийную машину
	require.Contains(t, r.statusFrom, models.VehicleStatusAssigned)
	require.Contains(t, r.statusFrom, models.VehicleStatusInFlight)
	require.Contains(t, r.statusFrom, models.VehicleStatusEmergency)
}

func TestService_UpdatePosition_Validate(t *testing.T) {
	r := &fakeRepo{}
	s := New(r, nil)

	require.Error(t, s.UpdatePosition(context.Background(), 1, 95, 0, 0))
	require.NoError(t, s.UpdatePosition(context.Background(), 1, 55.0, 37.0, 120))
	require.Equal(t, 120.0, r.posAlt)
}
