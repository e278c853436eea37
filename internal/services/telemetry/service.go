package telemetry

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
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type Repository interface {
	GetDeliveryByID(ctx context.Context, id uint64) (*models.Delivery, error)
	ApplyTelemetry(ctx context.Context, upd pgdispatch.TelemetryUpdate) (*models.Delivery, pgdispatch.VehicleStatusChange, error)
	ListTrackingRecords(ctx context.Context, deliveryID uint64, limit, offset int) ([]*models.TrackingRecord, error)
}

type Notifier interface {
	EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref)
}

type Service struct {
	repo     Repository
	cache    cache.BytesCache
	notifier Notifier

	// approachThresholdKm flips in_transit -> approaching_destination when the
	// remaining distance drops under it (and back above it, the flap).
	approachThresholdKm float64
}

func New(repo Repository, c cache.BytesCache, notifier Notifier, approachThresholdKm float64) *Service {
	if approachThresholdKm <= 0 {
		approachThresholdKm = 2.0
	}
	return &Service{repo: repo, cache: c, notifier: notifier, approachThresholdKm: approachThresholdKm}
}

// RecordSample ingests one telemetry sample: the history row is always
// appended, the live state moves only while the delivery is active.
func (s *Service) RecordSample(ctx context.Context, msg messages.VehicleTelemetry) (*models.Delivery, error) {
	if msg.DeliveryID == 0 {
		return nil, errors.New("delivery_id is required")
	}
	if !geo.ValidLat(msg.Lat) || !geo.ValidLon(msg.Lon) {
		return nil, errors.New("invalid coordinates")
	}

	d, err := s.repo.GetDeliveryByID(ctx, msg.DeliveryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	remaining := geo.DistanceKm(msg.Lat, msg.Lon, d.DeliveryLat, d.DeliveryLon)

	rec := models.TrackingRecord{
		DeliveryID:     msg.DeliveryID,
		Lat:            msg.Lat,
		Lon:            msg.Lon,
		Alt:            msg.Alt,
		SpeedKmh:       msg.SpeedKmh,
		Heading:        msg.Heading,
		Battery:        msg.Battery,
		SignalStrength: msg.SignalStrength,
		GPSLocked:      msg.GPSLocked == nil || *msg.GPSLocked,
		Status:         deriveTrackingStatus(msg),
		RecordedAt:     now,
	}
	if len(msg.Sensors) > 0 {
		p := string(msg.Sensors)
		rec.SensorPayload = &p
	}

	upd := pgdispatch.TelemetryUpdate{
		DeliveryID:     msg.DeliveryID,
		Record:         rec,
		RemainingKm:    remaining,
		NewStatus:      s.transitStatusFor(remaining),
		VehicleBattery: msg.Battery,
		RecordedAt:     now,
	}

	out, change, err := s.repo.ApplyTelemetry(ctx, upd)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil && change.Changed() && change.To == models.VehicleStatusEmergency {
		s.notifier.EmitBestEffort(ctx, messages.EventVehicleEmergency,
			models.Ref{Kind: models.RefVehicle, ID: change.VehicleID},
			fmt.Sprintf("battery %.1f%% in flight", change.Battery),
			models.Ref{Kind: models.RefDelivery, ID: out.ID})
	}

	// Снапшот устарел: следующий TrackByNumber перечитает из БД.
	if s.cache != nil && out.TrackingNumber != "" {
		_ = s.cache.Delete(ctx, fmt.Sprintf("delivery:%s:snapshot", out.TrackingNumber))
	}
	return out, nil
}

// ApplyKafkaSample is the consumer entry point.
func (s *Service) ApplyKafkaSample(ctx context.Context, value []byte) error {
	var msg messages.VehicleTelemetry
	if err := json.Unmarshal(value, &msg); err != nil {
		return errors.Wrap(err, "unmarshal telemetry")
	}
	_, err := s.RecordSample(ctx, msg)
	return err
}

func (s *Service) History(ctx context.Context, deliveryID uint64, limit, offset int) ([]*models.TrackingRecord, error) {
	if deliveryID == 0 {
		return nil, errors.New("deliveryId is required")
	}
	return s.repo.ListTrackingRecords(ctx, deliveryID, limit, offset)
}

func (s *Service) transitStatusFor(remainingKm float64) *models.DeliveryStatus {
	st := models.DeliveryStatusInTransit
	if remainingKm <= s.approachThresholdKm {
		st = models.DeliveryStatusApproaching
	}
	return &st
}

// deriveTrackingStatus grades the sample itself. The worst signal wins.
func deriveTrackingStatus(msg messages.VehicleTelemetry) string {
	if msg.Battery != nil && *msg.Battery < models.EmergencyBattery {
		return models.TrackingStatusEmergency
	}
	if msg.GPSLocked != nil && !*msg.GPSLocked {
		return models.TrackingStatusCritical
	}
	if msg.Battery != nil && *msg.Battery < models.MinDispatchBattery {
		return models.TrackingStatusCritical
	}
	if msg.SignalStrength != nil && *msg.SignalStrength < 20 {
		return models.TrackingStatusWarning
	}
	if msg.Battery != nil && *msg.Battery < 30 {
		return models.TrackingStatusWarning
	}
	return models.TrackingStatusNormal
}
