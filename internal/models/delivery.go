package models

import "time"

type DeliveryStatus string

const (
	DeliveryStatusScheduled       DeliveryStatus = "SCHEDULED"
	DeliveryStatusPreparing       DeliveryStatus = "PREPARING"
	DeliveryStatusLoaded          DeliveryStatus = "LOADED"
	DeliveryStatusDeparted        DeliveryStatus = "DEPARTED"
	DeliveryStatusInTransit       DeliveryStatus = "IN_TRANSIT"
	DeliveryStatusApproaching     DeliveryStatus = "APPROACHING_DESTINATION"
	DeliveryStatusLanded          DeliveryStatus = "LANDED"
	DeliveryStatusDelivered       DeliveryStatus = "DELIVERED"
	DeliveryStatusCompleted       DeliveryStatus = "COMPLETED"
	DeliveryStatusFailed          DeliveryStatus = "FAILED"
	DeliveryStatusCancelled       DeliveryStatus = "CANCELLED"
	DeliveryStatusEmergencyLanded DeliveryStatus = "EMERGENCY_LANDED"
)

// deliveryForward is the happy-path chain; side terminals are reachable
// from any non-terminal status.
var deliveryForward = map[DeliveryStatus]DeliveryStatus{
	DeliveryStatusScheduled:   DeliveryStatusPreparing,
	DeliveryStatusPreparing:   DeliveryStatusLoaded,
	DeliveryStatusLoaded:      DeliveryStatusDeparted,
	DeliveryStatusDeparted:    DeliveryStatusInTransit,
	DeliveryStatusInTransit:   DeliveryStatusApproaching,
	DeliveryStatusApproaching: DeliveryStatusLanded,
	DeliveryStatusLanded:      DeliveryStatusDelivered,
	DeliveryStatusDelivered:   DeliveryStatusCompleted,
}

var deliveryOrder = map[DeliveryStatus]int{
	DeliveryStatusScheduled:   0,
	DeliveryStatusPreparing:   1,
	DeliveryStatusLoaded:      2,
	DeliveryStatusDeparted:    3,
	DeliveryStatusInTransit:   4,
	DeliveryStatusApproaching: 5,
	DeliveryStatusLanded:      6,
	DeliveryStatusDelivered:   7,
	DeliveryStatusCompleted:   8,
}

func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusCompleted, DeliveryStatusFailed, DeliveryStatusCancelled, DeliveryStatusEmergencyLanded:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s. Forward moves may
// skip intermediate statuses (a telemetry-driven jump from DEPARTED straight
// to APPROACHING_DESTINATION is legal); backward moves are allowed only for
// the APPROACHING_DESTINATION -> IN_TRANSIT flap, which is driven by distance
// and must stay idempotent.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case DeliveryStatusFailed, DeliveryStatusCancelled, DeliveryStatusEmergencyLanded:
		return true
	}
	if s == DeliveryStatusApproaching && next == DeliveryStatusInTransit {
		return true
	}
	a, ok := deliveryOrder[s]
	b, ok2 := deliveryOrder[next]
	return ok && ok2 && b > a
}

type Delivery struct {
	ID             uint64
	RequestID      uint64
	VehicleID      uint64
	TrackingNumber string
	Operator       string

	PickupLat   float64
	PickupLon   float64
	DeliveryLat float64
	DeliveryLon float64

	CurrentLat *float64
	CurrentLon *float64
	CurrentAlt *float64

	TotalDistanceKm     float64
	RemainingDistanceKm float64

	CargoManifest string
	CargoWeightKg float64

	Status   DeliveryStatus
	IsActive bool

	OTPCode        *string
	OTPGeneratedAt *time.Time
	OTPExpiresAt   *time.Time
	OTPVerifiedAt  *time.Time
	OTPVerifiedBy  *string

	PhotoPath      *string
	SignaturePath  *string
	RecipientName  *string
	RecipientPhone *string

	ScheduledAt        time.Time
	EstimatedArrivalAt *time.Time
	DepartedAt         *time.Time
	ArrivedAt          *time.Time
	CompletedAt        *time.Time
	CancelReason       *string

	LastTelemetryAt *time.Time

	// Watcher bookkeeping: when to look at this delivery next and how many
	// consecutive checks failed.
	NextCheckAt    time.Time
	CheckFailCount int32
	LastError      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProgressPercent derives completion from total vs remaining distance.
// 0 when the total is unset, clamped to [0,100].
func (d *Delivery) ProgressPercent() float64 {
	if d.TotalDistanceKm <= 0 {
		return 0
	}
	p := (d.TotalDistanceKm - d.RemainingDistanceKm) / d.TotalDistanceKm * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (d *Delivery) OTPVerified() bool {
	return d.OTPVerifiedAt != nil
}
