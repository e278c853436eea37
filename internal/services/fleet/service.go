package fleet

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/geo"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type Repository interface {
	CreateVehicle(ctx context.Context, v *models.Vehicle) (*models.Vehicle, error)
	GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error)
	ListVehicles(ctx context.Context) ([]*models.Vehicle, error)
	UpdateVehiclePosition(ctx context.Context, id uint64, lat, lon, alt float64) error
	UpdateVehicleBattery(ctx context.Context, id uint64, level float64) (pgdispatch.VehicleStatusChange, error)
	SetVehicleStatus(ctx context.Context, id uint64, from []models.VehicleStatus, to models.VehicleStatus) error
	SetVehicleActive(ctx context.Context, id uint64, active bool) error
}

type Notifier interface {
	EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref)
}

type Service struct {
	repo     Repository
	notifier Notifier
}

func New(repo Repository, notifier Notifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

func (s *Service) RegisterVehicle(ctx context.Context, v *models.Vehicle) (*models.Vehicle, error) {
	if v.Name == "" {
		return nil, errors.New("name is required")
	}
	if v.SerialNumber == "" {
		return nil, errors.New("serialNumber is required")
	}
	if v.MaxPayloadKg <= 0 {
		return nil, errors.New("maxPayloadKg must be positive")
	}
	if v.MaxRangeKm <= 0 {
		return nil, errors.New("maxRangeKm must be positive")
	}
	if v.MaxSpeedKmh <= 0 {
		return nil, errors.New("maxSpeedKmh must be positive")
	}
	if !geo.ValidLat(v.Lat) || !geo.ValidLon(v.Lon) {
		return nil, errors.New("invalid home coordinates")
	}
	v.Battery = models.ClampBattery(v.Battery)
	return s.repo.CreateVehicle(ctx, v)
}

func (s *Service) ListVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	return s.repo.ListVehicles(ctx)
}

func (s *Service) GetVehicle(ctx context.Context, id uint64) (*models.Vehicle, error) {
	return s.repo.GetVehicleByID(ctx, id)
}

func (s *Service) UpdatePosition(ctx context.Context, id uint64, lat, lon, alt float64) error {
	if !geo.ValidLat(lat) || !geo.ValidLon(lon) {
		return errors.New("invalid coordinates")
	}
	return s.repo.UpdateVehiclePosition(ctx, id, lat, lon, alt)
}

// UpdateBattery writes the clamped level; when the post-condition pushed an
// airborne vehicle into EMERGENCY, an event goes out.
func (s *Service) UpdateBattery(ctx context.Context, id uint64, level float64) (*models.Vehicle, error) {
	change, err := s.repo.UpdateVehicleBattery(ctx, id, level)
	if err != nil {
		return nil, err
	}
	s.emitEmergency(ctx, change)
	return s.repo.GetVehicleByID(ctx, id)
}

func (s *Service) emitEmergency(ctx context.Context, change pgdispatch.VehicleStatusChange) {
	if s.notifier == nil || !change.Changed() || change.To != models.VehicleStatusEmergency {
		return
	}
	s.notifier.EmitBestEffort(ctx,
		messages.EventVehicleEmergency,
		models.Ref{Kind: models.RefVehicle, ID: change.VehicleID},
		fmt.Sprintf("battery %.1f%% in flight", change.Battery))
}

// manualTransitions перечисляет, откуда можно вручную перевести машину в
// каждый целевой статус. Автоматические переходы (EMERGENCY и т.п.) сюда
// не входят. OFFLINE достижим отовсюду: машину снимают с линии и в полёте.
var manualTransitions = map[models.VehicleStatus][]models.VehicleStatus{
	models.VehicleStatusCharging:    {models.VehicleStatusAvailable},
	models.VehicleStatusMaintenance: {models.VehicleStatusAvailable, models.VehicleStatusCharging, models.VehicleStatusEmergency},
	models.VehicleStatusOffline: {
		models.VehicleStatusAvailable, models.VehicleStatusAssigned,
		models.VehicleStatusInFlight, models.VehicleStatusCharging,
		models.VehicleStatusMaintenance, models.VehicleStatusEmergency,
	},
	models.VehicleStatusAvailable: {models.VehicleStatusCharging, models.VehicleStatusMaintenance, models.VehicleStatusOffline, models.VehicleStatusEmergency},
}

func (s *Service) SetStatus(ctx context.Context, id uint64, to models.VehicleStatus) error {
	from, ok := manualTransitions[to]
	if !ok {
		return errors.Errorf("status %s cannot be set manually", to)
	}
	return s.repo.SetVehicleStatus(ctx, id, from, to)
}

func (s *Service) SetActive(ctx context.Context, id uint64, active bool) error {
	return s.repo.SetVehicleActive(ctx, id, active)
}
