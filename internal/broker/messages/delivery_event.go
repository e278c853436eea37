package messages

import (
	"time"

	"github.com/medifleet/dispatch/internal/models"
)

// Event types relayed to the external notifier (push/SMS/email live there,
// not here).
const (
	EventVehicleEmergency  = "vehicle.emergency"
	EventOTPGenerated      = "otp.generated"
	EventDeliveryCompleted = "delivery.completed"
	EventDeliveryStalled   = "delivery.stalled"
	EventOTPExpired        = "otp.expired"
	EventDeliveryCancelled = "delivery.cancelled"
)

type DeliveryEvent struct {
	Type string     `json:"type"`
	Ref  models.Ref `json:"ref"`

	// Related carries secondary entities (the vehicle of a delivery event,
	// the delivery of a vehicle emergency).
	Related []models.Ref `json:"related,omitempty"`

	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
