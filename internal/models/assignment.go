package models

import "time"

type AssignmentStatus string

const (
	AssignmentStatusAssigned   AssignmentStatus = "ASSIGNED"
	AssignmentStatusAccepted   AssignmentStatus = "ACCEPTED"
	AssignmentStatusRejected   AssignmentStatus = "REJECTED"
	AssignmentStatusInProgress AssignmentStatus = "IN_PROGRESS"
	AssignmentStatusCompleted  AssignmentStatus = "COMPLETED"
	AssignmentStatusCancelled  AssignmentStatus = "CANCELLED"
	AssignmentStatusFailed     AssignmentStatus = "FAILED"
)

// IsActive marks the statuses that count against the one-active-assignment
// uniqueness constraint.
func (s AssignmentStatus) IsActive() bool {
	switch s {
	case AssignmentStatusAssigned, AssignmentStatusAccepted, AssignmentStatusInProgress:
		return true
	}
	return false
}

// Assignment is the exclusivity record binding one vehicle to one delivery.
type Assignment struct {
	ID         uint64
	DeliveryID uint64
	VehicleID  uint64

	Status   AssignmentStatus
	IsActive bool

	EstimatedDistanceKm   float64
	EstimatedDurationMin  int
	EstimatedBatteryUsage float64

	ActualDistanceKm   *float64
	ActualDurationMin  *int
	ActualBatteryUsage *float64

	AssignedAt  time.Time
	AcceptedAt  *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
