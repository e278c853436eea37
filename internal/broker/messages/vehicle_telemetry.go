package messages

import (
	"encoding/json"
	"time"
)

// VehicleTelemetry is one sample published by a vehicle (or its gateway) on
// the telemetry topic. DeliveryID routes the sample; everything optional is
// a pointer so an empty field is distinguishable from zero.
type VehicleTelemetry struct {
	DeliveryID uint64 `json:"delivery_id"`

	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`

	SpeedKmh *float64 `json:"speed_kmh,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`

	Battery        *float64 `json:"battery,omitempty"`
	SignalStrength *float64 `json:"signal_strength,omitempty"`
	GPSLocked      *bool    `json:"gps_locked,omitempty"`

	Sensors json.RawMessage `json:"sensors,omitempty"`

	// SampledAt is the vehicle's clock; the server stamps its own on ingest.
	SampledAt *time.Time `json:"sampled_at,omitempty"`
}
