package pgdispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/models"
)

const deliveryColumns = `
  id, request_id, vehicle_id, tracking_number, operator,
  pickup_lat, pickup_lon, delivery_lat, delivery_lon,
  current_lat, current_lon, current_alt,
  total_distance_km, remaining_distance_km,
  cargo_manifest, cargo_weight_kg,
  status, is_active,
  otp_code, otp_generated_at, otp_expires_at, otp_verified_at, otp_verified_by,
  photo_path, signature_path, recipient_name, recipient_phone,
  scheduled_at, estimated_arrival_at, departed_at, arrived_at, completed_at,
  cancel_reason, last_telemetry_at,
  next_check_at, check_fail_count, last_error,
  created_at, updated_at`

func scanDelivery(row vehicleRow) (*models.Delivery, error) {
	var d models.Delivery
	if err := row.Scan(
		&d.ID, &d.RequestID, &d.VehicleID, &d.TrackingNumber, &d.Operator,
		&d.PickupLat, &d.PickupLon, &d.DeliveryLat, &d.DeliveryLon,
		&d.CurrentLat, &d.CurrentLon, &d.CurrentAlt,
		&d.TotalDistanceKm, &d.RemainingDistanceKm,
		&d.CargoManifest, &d.CargoWeightKg,
		&d.Status, &d.IsActive,
		&d.OTPCode, &d.OTPGeneratedAt, &d.OTPExpiresAt, &d.OTPVerifiedAt, &d.OTPVerifiedBy,
		&d.PhotoPath, &d.SignaturePath, &d.RecipientName, &d.RecipientPhone,
		&d.ScheduledAt, &d.EstimatedArrivalAt, &d.DepartedAt, &d.ArrivedAt, &d.CompletedAt,
		&d.CancelReason, &d.LastTelemetryAt,
		&d.NextCheckAt, &d.CheckFailCount, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Storage) GetDeliveryByID(ctx context.Context, id uint64) (*models.Delivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select delivery")
	}
	return d, nil
}

func (s *Storage) GetDeliveryByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Delivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE tracking_number = $1`, trackingNumber)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select delivery by tracking number")
	}
	return d, nil
}

func lockDelivery(ctx context.Context, tx pgx.Tx, id uint64) (*models.Delivery, error) {
	row := tx.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "lock delivery")
	}
	return d, nil
}

type CreateDeliveryInput struct {
	RequestID      uint64
	VehicleID      uint64
	TrackingNumber string
	Operator       string

	PickupLat   float64
	PickupLon   float64
	DeliveryLat float64
	DeliveryLon float64

	TotalDistanceKm float64
	CargoManifest   string
	CargoWeightKg   float64

	ScheduledAt        time.Time
	EstimatedArrivalAt time.Time

	EstimatedDurationMin  int
	EstimatedBatteryUsage float64
}

// CreateDeliveryForRequest binds a vehicle to an approved request: delivery,
// assignment and the vehicle status flip happen in one transaction. The lock
// order is request -> vehicle, the same everywhere, so concurrent dispatches
// cannot deadlock; losers hit the partial unique indexes instead.
func (s *Storage) CreateDeliveryForRequest(ctx context.Context, in CreateDeliveryInput) (*models.Delivery, *models.Assignment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var reqStatus models.RequestStatus
	err = tx.QueryRow(ctx, `SELECT status FROM delivery_requests WHERE id = $1 FOR UPDATE`, in.RequestID).Scan(&reqStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "lock request")
	}
	if reqStatus != models.RequestStatusApproved {
		return nil, nil, &models.StateConflictError{Entity: "request", From: string(reqStatus), To: string(models.RequestStatusApproved)}
	}

	var vehStatus models.VehicleStatus
	err = tx.QueryRow(ctx, `SELECT status FROM vehicles WHERE id = $1 FOR UPDATE`, in.VehicleID).Scan(&vehStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "lock vehicle")
	}
	if vehStatus != models.VehicleStatusAvailable {
		return nil, nil, &models.StateConflictError{Entity: "vehicle", From: string(vehStatus), To: string(models.VehicleStatusAssigned)}
	}

	row := tx.QueryRow(ctx, `
INSERT INTO deliveries (
  request_id, vehicle_id, tracking_number, operator,
  pickup_lat, pickup_lon, delivery_lat, delivery_lon,
  total_distance_km, remaining_distance_km,
  cargo_manifest, cargo_weight_kg,
  status, is_active, scheduled_at, estimated_arrival_at,
  next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,$10,$11,$12,TRUE,$13,$14,$15,$15,$15)
RETURNING `+deliveryColumns,
		in.RequestID, in.VehicleID, in.TrackingNumber, in.Operator,
		in.PickupLat, in.PickupLon, in.DeliveryLat, in.DeliveryLon,
		in.TotalDistanceKm, jsonOrEmptyList(in.CargoManifest), in.CargoWeightKg,
		models.DeliveryStatusScheduled, in.ScheduledAt.UTC(), in.EstimatedArrivalAt.UTC(), now)

	d, err := scanDelivery(row)
	if err != nil {
		if isUniqueViolationOf(err, "uq_deliveries_active_request") {
			return nil, nil, ErrRequestAlreadyDispatched
		}
		if isUniqueViolation(err) {
			return nil, nil, ErrExclusivityViolated
		}
		return nil, nil, errors.Wrap(err, "insert delivery")
	}

	var a models.Assignment
	err = tx.QueryRow(ctx, `
INSERT INTO assignments (
  delivery_id, vehicle_id, status, is_active,
  estimated_distance_km, estimated_duration_min, estimated_battery_usage,
  assigned_at, created_at, updated_at
)
VALUES ($1,$2,$3,TRUE,$4,$5,$6,$7,$7,$7)
RETURNING id, delivery_id, vehicle_id, status, is_active,
  estimated_distance_km, estimated_duration_min, estimated_battery_usage,
  actual_distance_km, actual_duration_min, actual_battery_usage,
  assigned_at, accepted_at, completed_at, created_at, updated_at
`, d.ID, in.VehicleID, models.AssignmentStatusAssigned,
		in.TotalDistanceKm, in.EstimatedDurationMin, in.EstimatedBatteryUsage, now).Scan(
		&a.ID, &a.DeliveryID, &a.VehicleID, &a.Status, &a.IsActive,
		&a.EstimatedDistanceKm, &a.EstimatedDurationMin, &a.EstimatedBatteryUsage,
		&a.ActualDistanceKm, &a.ActualDurationMin, &a.ActualBatteryUsage,
		&a.AssignedAt, &a.AcceptedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrExclusivityViolated
		}
		return nil, nil, errors.Wrap(err, "insert assignment")
	}

	_, err = tx.Exec(ctx, `UPDATE vehicles SET status = $2, updated_at = now() WHERE id = $1`,
		in.VehicleID, models.VehicleStatusAssigned)
	if err != nil {
		return nil, nil, errors.Wrap(err, "assign vehicle")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit tx")
	}
	return d, &a, nil
}

// StartDelivery moves scheduled/preparing/loaded -> departed, stamps the
// actual departure and commands the vehicle to take off.
func (s *Storage) StartDelivery(ctx context.Context, id uint64, estimatedArrival *time.Time) (*models.Delivery, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case models.DeliveryStatusScheduled, models.DeliveryStatusPreparing, models.DeliveryStatusLoaded:
	default:
		return nil, models.NewStateConflict("delivery", d.Status, models.DeliveryStatusDeparted)
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET status = $2,
    departed_at = $3,
    estimated_arrival_at = COALESCE($4, estimated_arrival_at),
    next_check_at = $3,
    updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns, id, models.DeliveryStatusDeparted, now, estimatedArrival)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery (start)")
	}

	tag, err := tx.Exec(ctx, `
UPDATE vehicles SET status = $2, updated_at = now() WHERE id = $1 AND status = $3
`, d.VehicleID, models.VehicleStatusInFlight, models.VehicleStatusAssigned)
	if err != nil {
		return nil, errors.Wrap(err, "vehicle take off")
	}
	if tag.RowsAffected() == 0 {
		return nil, &models.StateConflictError{Entity: "vehicle", From: "?", To: string(models.VehicleStatusInFlight)}
	}

	_, err = tx.Exec(ctx, `
UPDATE assignments SET status = $2, accepted_at = COALESCE(accepted_at, $3), updated_at = now()
WHERE delivery_id = $1 AND is_active
`, id, models.AssignmentStatusInProgress, now)
	if err != nil {
		return nil, errors.Wrap(err, "assignment in progress")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// MarkDelivered requires a verified OTP; the whole check runs under the row
// lock so a racing verify/cancel cannot slip in between.
func (s *Storage) MarkDelivered(ctx context.Context, id uint64) (*models.Delivery, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case models.DeliveryStatusInTransit, models.DeliveryStatusApproaching, models.DeliveryStatusLanded:
	default:
		return nil, models.NewStateConflict("delivery", d.Status, models.DeliveryStatusDelivered)
	}
	if !d.OTPVerified() {
		return nil, models.ErrHandoffUnverified
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET status = $2, arrived_at = COALESCE(arrived_at, $3), remaining_distance_km = 0, updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns, id, models.DeliveryStatusDelivered, now)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery (delivered)")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// CompleteDelivery closes the job: delivered -> completed, vehicle lands and
// returns to the pool, assignment gets its actuals, request becomes fulfilled.
func (s *Storage) CompleteDelivery(ctx context.Context, id uint64) (*models.Delivery, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DeliveryStatusDelivered {
		return nil, models.NewStateConflict("delivery", d.Status, models.DeliveryStatusCompleted)
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET status = $2, completed_at = $3, is_active = FALSE, updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns, id, models.DeliveryStatusCompleted, now)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery (completed)")
	}

	var flightHours float64
	var durationMin *int
	if d.DepartedAt != nil {
		dur := now.Sub(*d.DepartedAt)
		flightHours = dur.Hours()
		m := int(dur.Minutes())
		durationMin = &m
	}

	// Land: back to the pool, lifetime counters bump.
	_, err = tx.Exec(ctx, `
UPDATE vehicles
SET status = $2, delivery_count = delivery_count + 1, flight_hours = flight_hours + $3, updated_at = now()
WHERE id = $1
`, d.VehicleID, models.VehicleStatusAvailable, flightHours)
	if err != nil {
		return nil, errors.Wrap(err, "vehicle land")
	}

	_, err = tx.Exec(ctx, `
UPDATE assignments
SET status = $2, is_active = FALSE, completed_at = $3,
    actual_distance_km = $4, actual_duration_min = $5, updated_at = now()
WHERE delivery_id = $1 AND is_active
`, id, models.AssignmentStatusCompleted, now, d.TotalDistanceKm, durationMin)
	if err != nil {
		return nil, errors.Wrap(err, "assignment completed")
	}

	_, err = tx.Exec(ctx, `
UPDATE delivery_requests SET status = $2, updated_at = now() WHERE id = $1
`, d.RequestID, models.RequestStatusFulfilled)
	if err != nil {
		return nil, errors.Wrap(err, "request fulfilled")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// TerminateDelivery is the shared path for cancelled / failed /
// emergency_landed. The vehicle is released to vehicleTo directly, with no
// landing sequence (dispatcher override semantics).
func (s *Storage) TerminateDelivery(ctx context.Context, id uint64, to models.DeliveryStatus, reason string, vehicleTo models.VehicleStatus) (*models.Delivery, error) {
	if !to.IsTerminal() || to == models.DeliveryStatusCompleted {
		return nil, errors.Errorf("terminate delivery: %s is not a side terminal", to)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.CanTransitionTo(to) {
		return nil, models.NewStateConflict("delivery", d.Status, to)
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET status = $2, cancel_reason = $3, completed_at = $4, is_active = FALSE, updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns, id, to, reason, now)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery (terminate)")
	}

	_, err = tx.Exec(ctx, `UPDATE vehicles SET status = $2, updated_at = now() WHERE id = $1`,
		d.VehicleID, vehicleTo)
	if err != nil {
		return nil, errors.Wrap(err, "release vehicle")
	}

	asgStatus := models.AssignmentStatusCancelled
	if to != models.DeliveryStatusCancelled {
		asgStatus = models.AssignmentStatusFailed
	}
	_, err = tx.Exec(ctx, `
UPDATE assignments SET status = $2, is_active = FALSE, completed_at = $3, updated_at = now()
WHERE delivery_id = $1 AND is_active
`, id, asgStatus, now)
	if err != nil {
		return nil, errors.Wrap(err, "close assignment")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func (s *Storage) GetAssignmentByDeliveryID(ctx context.Context, deliveryID uint64) (*models.Assignment, error) {
	var a models.Assignment
	err := s.db.QueryRow(ctx, `
SELECT id, delivery_id, vehicle_id, status, is_active,
  estimated_distance_km, estimated_duration_min, estimated_battery_usage,
  actual_distance_km, actual_duration_min, actual_battery_usage,
  assigned_at, accepted_at, completed_at, created_at, updated_at
FROM assignments
WHERE delivery_id = $1
ORDER BY id DESC
LIMIT 1
`, deliveryID).Scan(
		&a.ID, &a.DeliveryID, &a.VehicleID, &a.Status, &a.IsActive,
		&a.EstimatedDistanceKm, &a.EstimatedDurationMin, &a.EstimatedBatteryUsage,
		&a.ActualDistanceKm, &a.ActualDurationMin, &a.ActualBatteryUsage,
		&a.AssignedAt, &a.AcceptedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select assignment")
	}
	return &a, nil
}
