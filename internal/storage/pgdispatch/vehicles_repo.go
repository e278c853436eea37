package pgdispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/models"
)

const vehicleColumns = `
  id, name, serial_number,
  max_payload_kg, max_range_km, max_speed_kmh,
  battery, lat, lon, alt,
  status, active, maintenance_due_at,
  flight_hours, delivery_count,
  created_at, updated_at`

type vehicleRow interface {
	Scan(dest ...any) error
}

func scanVehicle(row vehicleRow) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := row.Scan(
		&v.ID, &v.Name, &v.SerialNumber,
		&v.MaxPayloadKg, &v.MaxRangeKm, &v.MaxSpeedKmh,
		&v.Battery, &v.Lat, &v.Lon, &v.Alt,
		&v.Status, &v.Active, &v.MaintenanceDueAt,
		&v.FlightHours, &v.DeliveryCount,
		&v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Storage) CreateVehicle(ctx context.Context, v *models.Vehicle) (*models.Vehicle, error) {
	now := time.Now().UTC()
	if v.Status == "" {
		v.Status = models.VehicleStatusAvailable
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO vehicles (
  name, serial_number, max_payload_kg, max_range_km, max_speed_kmh,
  battery, lat, lon, alt, status, active, maintenance_due_at,
  flight_hours, delivery_count, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,0,$13,$13)
RETURNING `+vehicleColumns,
		v.Name, v.SerialNumber, v.MaxPayloadKg, v.MaxRangeKm, v.MaxSpeedKmh,
		models.ClampBattery(v.Battery), v.Lat, v.Lon, v.Alt, v.Status, v.Active, v.MaintenanceDueAt,
		now)

	out, err := scanVehicle(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExclusivityViolated
		}
		return nil, errors.Wrap(err, "insert vehicle")
	}
	return out, nil
}

func (s *Storage) GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error) {
	row := s.db.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id)
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select vehicle")
	}
	return v, nil
}

func (s *Storage) ListVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	rows, err := s.db.Query(ctx, `SELECT `+vehicleColumns+` FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select vehicles")
	}
	defer rows.Close()

	var out []*models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan vehicle")
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListCandidateVehicles pre-filters the fleet in SQL; the service re-checks
// the capability rules on the loaded models so the derate math lives in one
// place (models) and the query stays a coarse filter.
func (s *Storage) ListCandidateVehicles(ctx context.Context, payloadKg, distanceKm float64, now time.Time) ([]*models.Vehicle, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+vehicleColumns+`
FROM vehicles
WHERE status = $1
  AND active
  AND battery >= $2
  AND max_payload_kg >= $3
  AND max_range_km * $4 >= $5
  AND (maintenance_due_at IS NULL OR maintenance_due_at > $6)
ORDER BY id
`, models.VehicleStatusAvailable, models.MinDispatchBattery, payloadKg, models.RangeEfficiency, distanceKm, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select candidate vehicles")
	}
	defer rows.Close()

	var out []*models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan vehicle")
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateVehiclePosition(ctx context.Context, id uint64, lat, lon, alt float64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE vehicles SET lat = $2, lon = $3, alt = $4, updated_at = now() WHERE id = $1
`, id, lat, lon, alt)
	if err != nil {
		return errors.Wrap(err, "update vehicle position")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// VehicleStatusChange reports a battery-driven status transition so the
// service layer can emit an emergency event when one happened.
type VehicleStatusChange struct {
	VehicleID uint64
	From      models.VehicleStatus
	To        models.VehicleStatus
	Battery   float64
}

func (c VehicleStatusChange) Changed() bool { return c.From != c.To }

// UpdateVehicleBattery clamps the level and applies the battery->status
// post-condition in the same transaction as the write.
func (s *Storage) UpdateVehicleBattery(ctx context.Context, id uint64, level float64) (VehicleStatusChange, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return VehicleStatusChange{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	change, err := updateVehicleBatteryTx(ctx, tx, id, level)
	if err != nil {
		return VehicleStatusChange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return VehicleStatusChange{}, errors.Wrap(err, "commit tx")
	}
	return change, nil
}

func updateVehicleBatteryTx(ctx context.Context, tx pgx.Tx, id uint64, level float64) (VehicleStatusChange, error) {
	var cur models.VehicleStatus
	err := tx.QueryRow(ctx, `SELECT status FROM vehicles WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VehicleStatusChange{}, models.ErrNotFound
		}
		return VehicleStatusChange{}, errors.Wrap(err, "lock vehicle")
	}

	battery := models.ClampBattery(level)
	next := models.NextVehicleStatus(cur, battery)

	_, err = tx.Exec(ctx, `
UPDATE vehicles SET battery = $2, status = $3, updated_at = now() WHERE id = $1
`, id, battery, next)
	if err != nil {
		return VehicleStatusChange{}, errors.Wrap(err, "update vehicle battery")
	}

	return VehicleStatusChange{VehicleID: id, From: cur, To: next, Battery: battery}, nil
}

// SetVehicleStatus performs a manual transition (charging, maintenance,
// offline and back). The from set guards against racing an automatic one.
func (s *Storage) SetVehicleStatus(ctx context.Context, id uint64, from []models.VehicleStatus, to models.VehicleStatus) error {
	tag, err := s.db.Exec(ctx, `
UPDATE vehicles SET status = $3, updated_at = now() WHERE id = $1 AND status = ANY($2)
`, id, statusStrings(from), to)
	if err != nil {
		return errors.Wrap(err, "set vehicle status")
	}
	if tag.RowsAffected() == 0 {
		return ErrExclusivityViolated
	}
	return nil
}

func (s *Storage) SetVehicleActive(ctx context.Context, id uint64, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE vehicles SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return errors.Wrap(err, "set vehicle active")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func statusStrings(in []models.VehicleStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
