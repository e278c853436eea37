package confirmation

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/integrations/blobstore"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

// ErrResendLimited: слишком частые повторные отправки кода.
var ErrResendLimited = errors.New("otp resend limit exceeded")

type Repository interface {
	GetDeliveryByID(ctx context.Context, id uint64) (*models.Delivery, error)
	SetOTP(ctx context.Context, id uint64, code string, generatedAt, expiresAt time.Time) (*models.Delivery, error)
	VerifyOTP(ctx context.Context, id uint64, code, verifiedBy string) (*models.Delivery, error)
	ConfirmHandoff(ctx context.Context, in pgdispatch.ConfirmHandoffInput) (*models.Delivery, *models.DeliveryConfirmation, error)
	GetConfirmationByDeliveryID(ctx context.Context, deliveryID uint64) (*models.DeliveryConfirmation, error)
	AmendConfirmationNote(ctx context.Context, deliveryID uint64, note string) error
}

type Notifier interface {
	EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Service struct {
	repo     Repository
	blobs    blobstore.Client
	notifier Notifier
	rl       RateLimiter

	otpTTL       time.Duration
	resendLimit  int64
	resendWindow time.Duration
}

func New(repo Repository, blobs blobstore.Client, notifier Notifier, rl RateLimiter, otpTTL time.Duration) *Service {
	if otpTTL <= 0 {
		otpTTL = 10 * time.Minute
	}
	return &Service{
		repo:         repo,
		blobs:        blobs,
		notifier:     notifier,
		rl:           rl,
		otpTTL:       otpTTL,
		resendLimit:  3,
		resendWindow: 10 * time.Minute,
	}
}

// WithResendPolicy overrides how many resends one delivery gets per window.
func (s *Service) WithResendPolicy(limit int64, window time.Duration) *Service {
	if limit > 0 {
		s.resendLimit = limit
	}
	if window > 0 {
		s.resendWindow = window
	}
	return s
}

// GenerateOTP mints a fresh code for a delivery nearing handoff. The
// generated-at / expires-at pair comes from one clock read.
func (s *Service) GenerateOTP(ctx context.Context, deliveryID uint64) (*models.Delivery, error) {
	code, err := newCode()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d, err := s.repo.SetOTP(ctx, deliveryID, code, now, now.Add(s.otpTTL))
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.EmitBestEffort(ctx, messages.EventOTPGenerated,
			models.Ref{Kind: models.RefDelivery, ID: d.ID}, "")
	}
	return d, nil
}

// ResendOTP re-issues the code with a fresh expiry, rate-limited per delivery
// so a recipient cannot be spammed.
func (s *Service) ResendOTP(ctx context.Context, deliveryID uint64) (*models.Delivery, error) {
	if s.rl != nil {
		key := fmt.Sprintf("rl:otp:%d", deliveryID)
		allowed, _, err := s.rl.Allow(ctx, key, s.resendLimit, s.resendWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrResendLimited
		}
	}
	return s.GenerateOTP(ctx, deliveryID)
}

func (s *Service) VerifyOTP(ctx context.Context, deliveryID uint64, code, verifiedBy string) (*models.Delivery, error) {
	if code == "" {
		return nil, models.ErrCodeMismatch
	}
	return s.repo.VerifyOTP(ctx, deliveryID, code, verifiedBy)
}

type ConfirmInput struct {
	DeliveryID uint64
	Code       string
	VerifiedBy string

	DeliveredItems string
	MissingItems   string
	DamagedItems   string

	ConditionRating int
	RecipientName   string
	RecipientPhone  string

	// Raw proof artifacts; uploaded to the blob store before the transaction.
	PhotoJPEG    []byte
	SignaturePNG []byte

	Satisfied    bool
	FollowUpNote *string
}

// Confirm is the full handoff: upload proof, then verify + record + deliver
// in one storage transaction. An upload failure aborts before anything is
// written; a transaction failure leaves only orphan blobs, which is the safe
// side.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*models.Delivery, *models.DeliveryConfirmation, error) {
	if in.DeliveryID == 0 {
		return nil, nil, errors.New("deliveryId is required")
	}
	if in.RecipientName == "" {
		return nil, nil, errors.New("recipientName is required")
	}
	if in.ConditionRating < 1 || in.ConditionRating > 5 {
		return nil, nil, errors.New("conditionRating must be within 1..5")
	}

	var photoPath, signaturePath *string
	if len(in.PhotoJPEG) > 0 {
		if s.blobs == nil {
			return nil, nil, errors.New("blob store is not configured")
		}
		p, err := s.blobs.Put(ctx, fmt.Sprintf("proof/%d/photo.jpg", in.DeliveryID), "image/jpeg", in.PhotoJPEG)
		if err != nil {
			return nil, nil, errors.Wrap(err, "upload photo")
		}
		photoPath = &p
	}
	if len(in.SignaturePNG) > 0 {
		if s.blobs == nil {
			return nil, nil, errors.New("blob store is not configured")
		}
		p, err := s.blobs.Put(ctx, fmt.Sprintf("proof/%d/signature.png", in.DeliveryID), "image/png", in.SignaturePNG)
		if err != nil {
			return nil, nil, errors.Wrap(err, "upload signature")
		}
		signaturePath = &p
	}

	d, c, err := s.repo.ConfirmHandoff(ctx, pgdispatch.ConfirmHandoffInput{
		DeliveryID:      in.DeliveryID,
		Code:            in.Code,
		VerifiedBy:      in.VerifiedBy,
		DeliveredItems:  in.DeliveredItems,
		MissingItems:    in.MissingItems,
		DamagedItems:    in.DamagedItems,
		ConditionRating: in.ConditionRating,
		RecipientName:   in.RecipientName,
		RecipientPhone:  in.RecipientPhone,
		PhotoPath:       photoPath,
		SignaturePath:   signaturePath,
		Satisfied:       in.Satisfied,
		FollowUpNote:    in.FollowUpNote,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, c, nil
}

func (s *Service) GetConfirmation(ctx context.Context, deliveryID uint64) (*models.DeliveryConfirmation, error) {
	return s.repo.GetConfirmationByDeliveryID(ctx, deliveryID)
}

func (s *Service) AmendNote(ctx context.Context, deliveryID uint64, note string) error {
	if note == "" {
		return errors.New("note is required")
	}
	return s.repo.AmendConfirmationNote(ctx, deliveryID, note)
}

// newCode выдаёт 6 цифр с ведущими нулями, из crypto/rand.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", errors.Wrap(err, "rand otp")
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
