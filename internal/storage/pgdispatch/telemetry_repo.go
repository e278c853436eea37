package pgdispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/models"
)

type TelemetryUpdate struct {
	DeliveryID uint64

	Record models.TrackingRecord

	// RemainingKm is the recomputed distance to the destination; the repo
	// clamps it into [0, total].
	RemainingKm float64

	// NewStatus, when set, is the telemetry-driven in_transit /
	// approaching_destination flip. Applied only while the delivery is in a
	// transit status, which keeps the transition idempotent.
	NewStatus *models.DeliveryStatus

	// VehicleBattery routes the sample's battery through the same
	// post-condition as a direct battery write.
	VehicleBattery *float64

	RecordedAt time.Time
}

// ApplyTelemetry appends the immutable tracking record and updates the
// delivery's and vehicle's live state in one transaction: either both the
// history row and the position land, or neither does.
func (s *Storage) ApplyTelemetry(ctx context.Context, upd TelemetryUpdate) (*models.Delivery, VehicleStatusChange, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, VehicleStatusChange{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, upd.DeliveryID)
	if err != nil {
		return nil, VehicleStatusChange{}, err
	}

	r := upd.Record
	_, err = tx.Exec(ctx, `
INSERT INTO tracking_records (
  delivery_id, lat, lon, alt, speed_kmh, heading,
  battery, signal_strength, gps_locked, sensor_payload, status, recorded_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, upd.DeliveryID, r.Lat, r.Lon, r.Alt, r.SpeedKmh, r.Heading,
		r.Battery, r.SignalStrength, r.GPSLocked, r.SensorPayload, r.Status, upd.RecordedAt.UTC())
	if err != nil {
		return nil, VehicleStatusChange{}, errors.Wrap(err, "insert tracking record")
	}

	remaining := upd.RemainingKm
	if remaining < 0 {
		remaining = 0
	}
	if remaining > d.TotalDistanceKm {
		remaining = d.TotalDistanceKm
	}

	// Position is last-write-wins; a late sample for a finished delivery
	// keeps its history row but no longer moves the live state.
	out := d
	if d.IsActive {
		status := d.Status
		if upd.NewStatus != nil && inTransitStatus(d.Status) && d.Status.CanTransitionTo(*upd.NewStatus) {
			status = *upd.NewStatus
		}

		row := tx.QueryRow(ctx, `
UPDATE deliveries
SET current_lat = $2, current_lon = $3, current_alt = $4,
    remaining_distance_km = $5, status = $6,
    last_telemetry_at = $7, updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns,
			upd.DeliveryID, r.Lat, r.Lon, r.Alt, remaining, status, upd.RecordedAt.UTC())
		out, err = scanDelivery(row)
		if err != nil {
			return nil, VehicleStatusChange{}, errors.Wrap(err, "update delivery (telemetry)")
		}
	}

	change := VehicleStatusChange{VehicleID: d.VehicleID}
	if upd.VehicleBattery != nil {
		change, err = updateVehicleBatteryTx(ctx, tx, d.VehicleID, *upd.VehicleBattery)
		if err != nil {
			return nil, VehicleStatusChange{}, err
		}
	}
	var alt float64
	if r.Alt != nil {
		alt = *r.Alt
	}
	_, err = tx.Exec(ctx, `
UPDATE vehicles SET lat = $2, lon = $3, alt = $4, updated_at = now() WHERE id = $1
`, d.VehicleID, r.Lat, r.Lon, alt)
	if err != nil {
		return nil, VehicleStatusChange{}, errors.Wrap(err, "update vehicle position")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, VehicleStatusChange{}, errors.Wrap(err, "commit tx")
	}
	return out, change, nil
}

func inTransitStatus(s models.DeliveryStatus) bool {
	switch s {
	case models.DeliveryStatusDeparted, models.DeliveryStatusInTransit, models.DeliveryStatusApproaching:
		return true
	}
	return false
}

// ListTrackingRecords returns history in ingestion order (append order, not
// sample time: out-of-order samples stay where they arrived).
func (s *Storage) ListTrackingRecords(ctx context.Context, deliveryID uint64, limit, offset int) ([]*models.TrackingRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, delivery_id, lat, lon, alt, speed_kmh, heading,
  battery, signal_strength, gps_locked, sensor_payload, status, recorded_at
FROM tracking_records
WHERE delivery_id = $1
ORDER BY id ASC
LIMIT $2 OFFSET $3
`, deliveryID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking records")
	}
	defer rows.Close()

	var out []*models.TrackingRecord
	for rows.Next() {
		var r models.TrackingRecord
		if err := rows.Scan(
			&r.ID, &r.DeliveryID, &r.Lat, &r.Lon, &r.Alt, &r.SpeedKmh, &r.Heading,
			&r.Battery, &r.SignalStrength, &r.GPSLocked, &r.SensorPayload, &r.Status, &r.RecordedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan tracking record")
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
