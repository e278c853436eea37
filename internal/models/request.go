package models

import "time"

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusApproved  RequestStatus = "APPROVED"
	RequestStatusRejected  RequestStatus = "REJECTED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
	RequestStatusFulfilled RequestStatus = "FULFILLED"
)

type RequestPriority string

const (
	RequestPriorityLow    RequestPriority = "LOW"
	RequestPriorityNormal RequestPriority = "NORMAL"
	RequestPriorityHigh   RequestPriority = "HIGH"
	RequestPriorityUrgent RequestPriority = "URGENT"
)

// DeliveryRequest is the hospital's ask. Approval happens outside the engine;
// an approved request is consumed by exactly one active delivery.
type DeliveryRequest struct {
	ID         uint64
	HospitalID uint64

	SupplyManifest string // JSON array of {item, qty, unit}
	TotalWeightKg  float64
	Priority       RequestPriority

	RequestedDeliveryAt time.Time
	LatestAcceptableAt  *time.Time

	DestLat float64
	DestLon float64

	Status RequestStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeliveryRequestCreateInput struct {
	HospitalID          uint64
	SupplyManifest      string
	TotalWeightKg       float64
	Priority            RequestPriority
	RequestedDeliveryAt time.Time
	LatestAcceptableAt  *time.Time
	DestLat             float64
	DestLon             float64
}
