package models

import "time"

// DeliveryConfirmation is the recipient-side proof of handoff. Created once
// at OTP verification; only the follow-up note may be amended afterwards.
type DeliveryConfirmation struct {
	ID         uint64
	DeliveryID uint64

	DeliveredItems string // JSON arrays of {item, qty}
	MissingItems   string
	DamagedItems   string

	ConditionRating int // 1..5

	RecipientName  string
	RecipientPhone string

	PhotoPath     *string
	SignaturePath *string

	Satisfied    bool
	FollowUpNote *string

	CreatedAt time.Time
}
