package models

import "time"

type VehicleStatus string

const (
	VehicleStatusAvailable   VehicleStatus = "AVAILABLE"
	VehicleStatusAssigned    VehicleStatus = "ASSIGNED"
	VehicleStatusInFlight    VehicleStatus = "IN_FLIGHT"
	VehicleStatusCharging    VehicleStatus = "CHARGING"
	VehicleStatusMaintenance VehicleStatus = "MAINTENANCE"
	VehicleStatusEmergency   VehicleStatus = "EMERGENCY"
	VehicleStatusOffline     VehicleStatus = "OFFLINE"
)

const (
	// MinDispatchBattery is the floor below which a vehicle is not offered
	// for assignment; below it an idle vehicle goes to charging.
	MinDispatchBattery = 20.0
	// EmergencyBattery forces an airborne vehicle into EMERGENCY.
	EmergencyBattery = 10.0
	// RangeEfficiency derates the stated max range for dispatch decisions.
	RangeEfficiency = 0.8
)

type Vehicle struct {
	ID           uint64
	Name         string
	SerialNumber string

	MaxPayloadKg float64
	MaxRangeKm   float64
	MaxSpeedKmh  float64

	Battery float64 // percent, always within [0,100]

	Lat float64
	Lon float64
	Alt float64

	Status VehicleStatus
	Active bool

	MaintenanceDueAt *time.Time
	FlightHours      float64
	DeliveryCount    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (v *Vehicle) CanCarryPayload(kg float64) bool {
	return kg > 0 && kg <= v.MaxPayloadKg
}

func (v *Vehicle) CanReachDistance(km float64) bool {
	return km > 0 && km <= v.MaxRangeKm*RangeEfficiency
}

func (v *Vehicle) MaintenanceOverdue(now time.Time) bool {
	return v.MaintenanceDueAt != nil && !now.Before(*v.MaintenanceDueAt)
}

func (v *Vehicle) IsAvailableForAssignment(now time.Time) bool {
	return v.Status == VehicleStatusAvailable &&
		v.Active &&
		v.Battery >= MinDispatchBattery &&
		!v.MaintenanceOverdue(now)
}

// ClampBattery normalizes any reported battery level into [0,100].
func ClampBattery(level float64) float64 {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}

// NextVehicleStatus is the post-condition applied after every battery write.
// The source coupled these transitions to the battery setter inline; keeping
// the rule pure makes it testable on its own.
func NextVehicleStatus(current VehicleStatus, battery float64) VehicleStatus {
	switch current {
	case VehicleStatusInFlight:
		if battery < EmergencyBattery {
			return VehicleStatusEmergency
		}
	case VehicleStatusAvailable:
		if battery < MinDispatchBattery {
			return VehicleStatusCharging
		}
	case VehicleStatusCharging:
		if battery >= MinDispatchBattery {
			return VehicleStatusAvailable
		}
	}
	return current
}
