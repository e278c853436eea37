package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by repositories when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Confirmation protocol error kinds. Verification compares against the wall
// clock at call time, never a cached expiry decision.
var (
	ErrInvalidStateForOTP = errors.New("delivery status does not allow OTP")
	ErrCodeMismatch       = errors.New("otp code mismatch")
	ErrOTPExpired         = errors.New("otp expired")
	ErrAlreadyVerified    = errors.New("otp already verified")
	ErrNoOTP              = errors.New("no otp generated")
	// ErrHandoffUnverified gates markDelivered on a verified OTP.
	ErrHandoffUnverified = errors.New("handoff not verified")
)

// StateConflictError rejects a transition that the status graph forbids.
// The caller retries with fresh context; the engine never retries for them.
type StateConflictError struct {
	Entity string
	From   string
	To     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

func NewStateConflict(entity string, from, to fmt.Stringer) *StateConflictError {
	return &StateConflictError{Entity: entity, From: from.String(), To: to.String()}
}

func (s DeliveryStatus) String() string   { return string(s) }
func (s VehicleStatus) String() string    { return string(s) }
func (s AssignmentStatus) String() string { return string(s) }
func (s RequestStatus) String() string    { return string(s) }
