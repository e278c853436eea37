package deliveries

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/cache"
	"github.com/medifleet/dispatch/internal/geo"
	"github.com/medifleet/dispatch/internal/models"
)

type Repository interface {
	GetDeliveryByID(ctx context.Context, id uint64) (*models.Delivery, error)
	GetDeliveryByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Delivery, error)
	GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error)
	GetAssignmentByDeliveryID(ctx context.Context, deliveryID uint64) (*models.Assignment, error)
	StartDelivery(ctx context.Context, id uint64, estimatedArrival *time.Time) (*models.Delivery, error)
	MarkDelivered(ctx context.Context, id uint64) (*models.Delivery, error)
	CompleteDelivery(ctx context.Context, id uint64) (*models.Delivery, error)
	TerminateDelivery(ctx context.Context, id uint64, to models.DeliveryStatus, reason string, vehicleTo models.VehicleStatus) (*models.Delivery, error)
}

type Notifier interface {
	EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref)
}

type Service struct {
	repo     Repository
	cache    cache.BytesCache
	notifier Notifier

	snapshotTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, notifier Notifier, snapshotTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, notifier: notifier, snapshotTTL: snapshotTTL}
}

func (s *Service) GetDelivery(ctx context.Context, id uint64) (*models.Delivery, error) {
	return s.repo.GetDeliveryByID(ctx, id)
}

func (s *Service) GetAssignment(ctx context.Context, deliveryID uint64) (*models.Assignment, error) {
	return s.repo.GetAssignmentByDeliveryID(ctx, deliveryID)
}

// TrackingSnapshot is the public view by tracking number: live position,
// progress and ETA, nothing operational.
type TrackingSnapshot struct {
	TrackingNumber string                `json:"trackingNumber"`
	Status         models.DeliveryStatus `json:"status"`

	CurrentLat *float64 `json:"currentLat,omitempty"`
	CurrentLon *float64 `json:"currentLon,omitempty"`

	ProgressPercent     float64 `json:"progressPercent"`
	RemainingDistanceKm float64 `json:"remainingDistanceKm"`

	EstimatedArrivalAt *time.Time `json:"estimatedArrivalAt,omitempty"`
	EstimatedMinutes   *int       `json:"estimatedMinutes,omitempty"`

	LastTelemetryAt *time.Time `json:"lastTelemetryAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TrackByNumber serves the hot public endpoint from redis when it can; кэш
// best-effort, без него просто идём в БД.
func (s *Service) TrackByNumber(ctx context.Context, trackingNumber string) (*TrackingSnapshot, error) {
	if trackingNumber == "" {
		return nil, errors.New("trackingNumber is required")
	}

	key := snapshotKey(trackingNumber)
	if s.cache != nil && s.snapshotTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var snap TrackingSnapshot
			if json.Unmarshal(b, &snap) == nil {
				return &snap, nil
			}
		}
	}

	d, err := s.repo.GetDeliveryByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	snap := s.buildSnapshot(ctx, d)

	if s.cache != nil && s.snapshotTTL > 0 {
		if b, err := json.Marshal(snap); err == nil {
			_ = s.cache.Set(ctx, key, b, s.snapshotTTL)
		}
	}
	return snap, nil
}

func (s *Service) buildSnapshot(ctx context.Context, d *models.Delivery) *TrackingSnapshot {
	snap := &TrackingSnapshot{
		TrackingNumber:      d.TrackingNumber,
		Status:              d.Status,
		CurrentLat:          d.CurrentLat,
		CurrentLon:          d.CurrentLon,
		ProgressPercent:     d.ProgressPercent(),
		RemainingDistanceKm: d.RemainingDistanceKm,
		EstimatedArrivalAt:  d.EstimatedArrivalAt,
		LastTelemetryAt:     d.LastTelemetryAt,
		UpdatedAt:           d.UpdatedAt,
	}
	if d.IsActive && d.RemainingDistanceKm > 0 {
		if v, err := s.repo.GetVehicleByID(ctx, d.VehicleID); err == nil && v.MaxSpeedKmh > 0 {
			m := geo.ETAMinutes(d.RemainingDistanceKm, v.MaxSpeedKmh)
			snap.EstimatedMinutes = &m
		}
	}
	return snap
}

// Start pushes the delivery out the door; the ETA is recomputed from the
// full leg at departure time.
func (s *Service) Start(ctx context.Context, id uint64) (*models.Delivery, error) {
	d, err := s.repo.GetDeliveryByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var eta *time.Time
	if v, err := s.repo.GetVehicleByID(ctx, d.VehicleID); err == nil && v.MaxSpeedKmh > 0 {
		t := time.Now().UTC().Add(time.Duration(geo.ETAMinutes(d.TotalDistanceKm, v.MaxSpeedKmh)) * time.Minute)
		eta = &t
	}

	out, err := s.repo.StartDelivery(ctx, id, eta)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshot(ctx, out.TrackingNumber)
	return out, nil
}

func (s *Service) MarkDelivered(ctx context.Context, id uint64) (*models.Delivery, error) {
	out, err := s.repo.MarkDelivered(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshot(ctx, out.TrackingNumber)
	return out, nil
}

func (s *Service) Complete(ctx context.Context, id uint64) (*models.Delivery, error) {
	out, err := s.repo.CompleteDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshot(ctx, out.TrackingNumber)
	if s.notifier != nil {
		s.notifier.EmitBestEffort(ctx, messages.EventDeliveryCompleted,
			models.Ref{Kind: models.RefDelivery, ID: out.ID}, "",
			models.Ref{Kind: models.RefVehicle, ID: out.VehicleID})
	}
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, id uint64, reason string) (*models.Delivery, error) {
	if reason == "" {
		return nil, errors.New("reason is required")
	}
	out, err := s.repo.TerminateDelivery(ctx, id, models.DeliveryStatusCancelled, reason, models.VehicleStatusAvailable)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshot(ctx, out.TrackingNumber)
	if s.notifier != nil {
		s.notifier.EmitBestEffort(ctx, messages.EventDeliveryCancelled,
			models.Ref{Kind: models.RefDelivery, ID: out.ID}, reason)
	}
	return out, nil
}

func (s *Service) Fail(ctx context.Context, id uint64, reason string) (*models.Delivery, error) {
	if reason == "" {
		return nil, errors.New("reason is required")
	}
	out, err := s.repo.TerminateDelivery(ctx, id, models.DeliveryStatusFailed, reason, models.VehicleStatusMaintenance)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshot(ctx, out.TrackingNumber)
	return out, nil
}

// EmergencyLand grounds the vehicle where it is; it stays in EMERGENCY until
// an operator inspects it.
func (s *Service) EmergencyLand(ctx context.Context, id uint64, reason string) (*models.Delivery, error) {
	if reason == "" {
		reason = "emergency landing"
	}
	out, err := s.repo.TerminateDelivery(ctx, id, models.DeliveryStatusEmergencyLanded, reason, models.VehicleStatusEmergency)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshot(ctx, out.TrackingNumber)
	return out, nil
}

func (s *Service) invalidateSnapshot(ctx context.Context, trackingNumber string) {
	if s.cache == nil || trackingNumber == "" {
		return
	}
	_ = s.cache.Delete(ctx, snapshotKey(trackingNumber))
}

func snapshotKey(trackingNumber string) string {
	return fmt.Sprintf("delivery:%s:snapshot", trackingNumber)
}
