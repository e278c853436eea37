package pgdispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/models"
)

const requestColumns = `
  id, hospital_id, supply_manifest, total_weight_kg, priority,
  requested_delivery_at, latest_acceptable_at,
  dest_lat, dest_lon, status, created_at, updated_at`

func scanRequest(row vehicleRow) (*models.DeliveryRequest, error) {
	var r models.DeliveryRequest
	if err := row.Scan(
		&r.ID, &r.HospitalID, &r.SupplyManifest, &r.TotalWeightKg, &r.Priority,
		&r.RequestedDeliveryAt, &r.LatestAcceptableAt,
		&r.DestLat, &r.DestLon, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Storage) CreateRequest(ctx context.Context, in models.DeliveryRequestCreateInput) (*models.DeliveryRequest, error) {
	now := time.Now().UTC()
	row := s.db.QueryRow(ctx, `
INSERT INTO delivery_requests (
  hospital_id, supply_manifest, total_weight_kg, priority,
  requested_delivery_at, latest_acceptable_at, dest_lat, dest_lon,
  status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
RETURNING `+requestColumns,
		in.HospitalID, jsonOrEmptyList(in.SupplyManifest), in.TotalWeightKg, in.Priority,
		in.RequestedDeliveryAt.UTC(), in.LatestAcceptableAt, in.DestLat, in.DestLon,
		models.RequestStatusPending, now)

	out, err := scanRequest(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert request")
	}
	return out, nil
}

func (s *Storage) GetRequestByID(ctx context.Context, id uint64) (*models.DeliveryRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM delivery_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select request")
	}
	return r, nil
}

// SetRequestStatus moves a request along its small lifecycle. The from set
// is the guard; zero affected rows means the caller raced someone.
func (s *Storage) SetRequestStatus(ctx context.Context, id uint64, from []models.RequestStatus, to models.RequestStatus) error {
	fromStr := make([]string, 0, len(from))
	for _, f := range from {
		fromStr = append(fromStr, string(f))
	}
	tag, err := s.db.Exec(ctx, `
UPDATE delivery_requests SET status = $3, updated_at = now() WHERE id = $1 AND status = ANY($2)
`, id, fromStr, to)
	if err != nil {
		return errors.Wrap(err, "set request status")
	}
	if tag.RowsAffected() == 0 {
		return ErrExclusivityViolated
	}
	return nil
}
