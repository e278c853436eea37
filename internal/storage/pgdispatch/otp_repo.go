package pgdispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/models"
)

func otpAllowed(status models.DeliveryStatus) bool {
	switch status {
	case models.DeliveryStatusInTransit, models.DeliveryStatusApproaching, models.DeliveryStatusLanded:
		return true
	}
	return false
}

// SetOTP stores a freshly generated (or resent) code. Generation and resend
// share this path; resend just re-extends the expiry with a new code.
func (s *Storage) SetOTP(ctx context.Context, id uint64, code string, generatedAt, expiresAt time.Time) (*models.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if d.OTPVerified() {
		return nil, models.ErrAlreadyVerified
	}
	if !otpAllowed(d.Status) {
		return nil, models.ErrInvalidStateForOTP
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET otp_code = $2, otp_generated_at = $3, otp_expires_at = $4,
    otp_verified_at = NULL, otp_verified_by = NULL, updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns, id, code, generatedAt.UTC(), expiresAt.UTC())
	out, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery (set otp)")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// VerifyOTP checks code, expiry and the single-use flag under the row lock.
// Expiry is compared against the wall clock at call time.
func (s *Storage) VerifyOTP(ctx context.Context, id uint64, code, verifiedBy string) (*models.Delivery, error) {
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
	if err := checkOTP(d, code, now); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET otp_verified_at = $2, otp_verified_by = $3, updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns, id, now, verifiedBy)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery (verify otp)")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func checkOTP(d *models.Delivery, code string, now time.Time) error {
	if d.OTPVerified() {
		return models.ErrAlreadyVerified
	}
	if d.OTPCode == nil || d.OTPExpiresAt == nil {
		return models.ErrNoOTP
	}
	if *d.OTPCode != code {
		return models.ErrCodeMismatch
	}
	if !now.Before(*d.OTPExpiresAt) {
		return models.ErrOTPExpired
	}
	return nil
}

type ConfirmHandoffInput struct {
	DeliveryID uint64
	Code       string
	VerifiedBy string

	DeliveredItems string
	MissingItems   string
	DamagedItems   string

	ConditionRating int
	RecipientName   string
	RecipientPhone  string

	PhotoPath     *string
	SignaturePath *string

	Satisfied    bool
	FollowUpNote *string
}

// ConfirmHandoff is the compound completion: verify the OTP (no-op when a
// prior verifyOTP already succeeded), persist proof artifacts and the
// confirmation record, and move the delivery to DELIVERED. One transaction;
// a failing step leaves nothing behind.
func (s *Storage) ConfirmHandoff(ctx context.Context, in ConfirmHandoffInput) (*models.Delivery, *models.DeliveryConfirmation, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDelivery(ctx, tx, in.DeliveryID)
	if err != nil {
		return nil, nil, err
	}

	switch d.Status {
	case models.DeliveryStatusInTransit, models.DeliveryStatusApproaching, models.DeliveryStatusLanded:
	default:
		return nil, nil, models.NewStateConflict("delivery", d.Status, models.DeliveryStatusDelivered)
	}

	verifiedAt := now
	verifiedBy := in.VerifiedBy
	if d.OTPVerified() {
		verifiedAt = *d.OTPVerifiedAt
		if d.OTPVerifiedBy != nil {
			verifiedBy = *d.OTPVerifiedBy
		}
	} else if err := checkOTP(d, in.Code, now); err != nil {
		return nil, nil, err
	}

	var c models.DeliveryConfirmation
	err = tx.QueryRow(ctx, `
INSERT INTO delivery_confirmations (
  delivery_id, delivered_items, missing_items, damaged_items,
  condition_rating, recipient_name, recipient_phone,
  photo_path, signature_path, satisfied, follow_up_note, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id, delivery_id, delivered_items, missing_items, damaged_items,
  condition_rating, recipient_name, recipient_phone,
  photo_path, signature_path, satisfied, follow_up_note, created_at
`, in.DeliveryID, jsonOrEmptyList(in.DeliveredItems), jsonOrEmptyList(in.MissingItems), jsonOrEmptyList(in.DamagedItems),
		in.ConditionRating, in.RecipientName, in.RecipientPhone,
		in.PhotoPath, in.SignaturePath, in.Satisfied, in.FollowUpNote, now).Scan(
		&c.ID, &c.DeliveryID, &c.DeliveredItems, &c.MissingItems, &c.DamagedItems,
		&c.ConditionRating, &c.RecipientName, &c.RecipientPhone,
		&c.PhotoPath, &c.SignaturePath, &c.Satisfied, &c.FollowUpNote, &c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrExclusivityViolated
		}
		return nil, nil, errors.Wrap(err, "insert confirmation")
	}

	row := tx.QueryRow(ctx, `
UPDATE deliveries
SET status = $2,
    otp_verified_at = $3, otp_verified_by = $4,
    photo_path = COALESCE($5, photo_path),
    signature_path = COALESCE($6, signature_path),
    recipient_name = $7, recipient_phone = $8,
    arrived_at = COALESCE(arrived_at, $9),
    remaining_distance_km = 0,
    updated_at = now()
WHERE id = $1
RETURNING `+deliveryColumns,
		in.DeliveryID, models.DeliveryStatusDelivered,
		verifiedAt, verifiedBy,
		in.PhotoPath, in.SignaturePath,
		in.RecipientName, in.RecipientPhone, now)
	out, err := scanDelivery(row)
	if err != nil {
		return nil, nil, errors.Wrap(err, "update delivery (handoff)")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit tx")
	}
	return out, &c, nil
}

func (s *Storage) GetConfirmationByDeliveryID(ctx context.Context, deliveryID uint64) (*models.DeliveryConfirmation, error) {
	var c models.DeliveryConfirmation
	err := s.db.QueryRow(ctx, `
SELECT id, delivery_id, delivered_items, missing_items, damaged_items,
  condition_rating, recipient_name, recipient_phone,
  photo_path, signature_path, satisfied, follow_up_note, created_at
FROM delivery_confirmations
WHERE delivery_id = $1
`, deliveryID).Scan(
		&c.ID, &c.DeliveryID, &c.DeliveredItems, &c.MissingItems, &c.DamagedItems,
		&c.ConditionRating, &c.RecipientName, &c.RecipientPhone,
		&c.PhotoPath, &c.SignaturePath, &c.Satisfied, &c.FollowUpNote, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "select confirmation")
	}
	return &c, nil
}

// AmendConfirmationNote is the only mutation a confirmation allows.
func (s *Storage) AmendConfirmationNote(ctx context.Context, deliveryID uint64, note string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE delivery_confirmations SET follow_up_note = $2 WHERE delivery_id = $1
`, deliveryID, note)
	if err != nil {
		return errors.Wrap(err, "amend confirmation note")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
