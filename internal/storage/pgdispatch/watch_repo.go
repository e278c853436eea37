package pgdispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/models"
)

// ClaimDueDeliveries выбирает пачку активных доставок, готовых к проверке,
// и "бронирует" их, чтобы они не попадали в повторную выборку, пока воркер
// их обрабатывает. Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+deliveryColumns+`
FROM deliveries
WHERE is_active
  AND next_check_at <= $1
ORDER BY next_check_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due deliveries")
	}
	defer rows.Close()

	var picked []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due delivery")
		}
		picked = append(picked, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, d := range picked {
		_, err := tx.Exec(ctx, `UPDATE deliveries SET next_check_at = $2, updated_at = now() WHERE id = $1`, d.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease delivery")
		}
		d.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

type WatchUpdate struct {
	DeliveryID uint64
	CheckedAt  time.Time

	// EstimatedArrivalAt, when set, refreshes the ETA from live telemetry.
	EstimatedArrivalAt *time.Time

	NextCheckAt time.Time

	Error *string
}

// ApplyWatchResult records the outcome of one watcher pass over a delivery.
func (s *Storage) ApplyWatchResult(ctx context.Context, upd WatchUpdate) error {
	var err error
	if upd.Error != nil && *upd.Error != "" {
		_, err = s.db.Exec(ctx, `
UPDATE deliveries
SET check_fail_count = check_fail_count + 1,
    last_error = $2,
    next_check_at = $3,
    updated_at = now()
WHERE id = $1
`, upd.DeliveryID, *upd.Error, upd.NextCheckAt.UTC())
	} else {
		_, err = s.db.Exec(ctx, `
UPDATE deliveries
SET estimated_arrival_at = COALESCE($2, estimated_arrival_at),
    check_fail_count = 0,
    last_error = NULL,
    next_check_at = $3,
    updated_at = now()
WHERE id = $1
`, upd.DeliveryID, upd.EstimatedArrivalAt, upd.NextCheckAt.UTC())
	}
	return errors.Wrap(err, "apply watch result")
}

// ClearExpiredOTP drops a generated-but-expired code so a stale secret does
// not linger on the row. Verified codes are never touched.
func (s *Storage) ClearExpiredOTP(ctx context.Context, deliveryID uint64, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE deliveries
SET otp_code = NULL, otp_generated_at = NULL, otp_expires_at = NULL, updated_at = now()
WHERE id = $1
  AND otp_code IS NOT NULL
  AND otp_verified_at IS NULL
  AND otp_expires_at <= $2
`, deliveryID, now.UTC())
	if err != nil {
		return false, errors.Wrap(err, "clear expired otp")
	}
	return tag.RowsAffected() > 0, nil
}
