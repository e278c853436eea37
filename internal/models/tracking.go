package models

import "time"

// Derived per-sample condition, not the delivery lifecycle status.
const (
	TrackingStatusNormal    = "NORMAL"
	TrackingStatusWarning   = "WARNING"
	TrackingStatusCritical  = "CRITICAL"
	TrackingStatusEmergency = "EMERGENCY"
)

// TrackingRecord is one immutable telemetry sample. Rows are append-only,
// never mutated or deleted.
type TrackingRecord struct {
	ID         uint64
	DeliveryID uint64

	Lat float64
	Lon float64
	Alt *float64

	SpeedKmh *float64
	Heading  *float64

	Battery        *float64
	SignalStrength *float64
	GPSLocked      bool

	SensorPayload *string // free-form JSON (weather, sensors)

	Status string // NORMAL | WARNING | CRITICAL | EMERGENCY

	RecordedAt time.Time // server clock, not the vehicle's
}
