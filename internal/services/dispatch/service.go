package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/geo"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

// ErrNoEligibleVehicle: никого свободного под этот груз и это расстояние.
var ErrNoEligibleVehicle = errors.New("no eligible vehicle for request")

type Repository interface {
	CreateRequest(ctx context.Context, in models.DeliveryRequestCreateInput) (*models.DeliveryRequest, error)
	GetRequestByID(ctx context.Context, id uint64) (*models.DeliveryRequest, error)
	ListCandidateVehicles(ctx context.Context, payloadKg, distanceKm float64, now time.Time) ([]*models.Vehicle, error)
	CreateDeliveryForRequest(ctx context.Context, in pgdispatch.CreateDeliveryInput) (*models.Delivery, *models.Assignment, error)
	SetRequestStatus(ctx context.Context, id uint64, from []models.RequestStatus, to models.RequestStatus) error
}

type Service struct {
	repo Repository
}

func New(repo Repository) *Service {
	return &Service{repo: repo}
}

// Candidate is an eligible vehicle with its distance to the request
// destination, closest first.
type Candidate struct {
	Vehicle    *models.Vehicle
	DistanceKm float64
}

func (s *Service) SubmitRequest(ctx context.Context, in models.DeliveryRequestCreateInput) (*models.DeliveryRequest, error) {
	if in.HospitalID == 0 {
		return nil, errors.New("hospitalId is required")
	}
	if in.TotalWeightKg <= 0 {
		return nil, errors.New("totalWeightKg must be positive")
	}
	if !geo.ValidLat(in.DestLat) || !geo.ValidLon(in.DestLon) {
		return nil, errors.New("invalid destination coordinates")
	}
	if in.Priority == "" {
		in.Priority = models.RequestPriorityNormal
	}
	if in.RequestedDeliveryAt.IsZero() {
		in.RequestedDeliveryAt = time.Now().UTC()
	}
	return s.repo.CreateRequest(ctx, in)
}

func (s *Service) ApproveRequest(ctx context.Context, id uint64) error {
	return s.repo.SetRequestStatus(ctx, id,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusApproved)
}

func (s *Service) RejectRequest(ctx context.Context, id uint64) error {
	return s.repo.SetRequestStatus(ctx, id,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusRejected)
}

// CancelRequest withdraws a request that has not been consumed by a delivery
// yet. An already-dispatched request is cancelled through its delivery.
func (s *Service) CancelRequest(ctx context.Context, id uint64) error {
	return s.repo.SetRequestStatus(ctx, id,
		[]models.RequestStatus{models.RequestStatusPending, models.RequestStatusApproved},
		models.RequestStatusCancelled)
}

func (s *Service) GetRequest(ctx context.Context, id uint64) (*models.DeliveryRequest, error) {
	return s.repo.GetRequestByID(ctx, id)
}

// FindCandidates returns vehicles able to serve the request right now. SQL
// pre-filters on the coarse rules, the per-vehicle distance check happens
// here: range derate against the actual vehicle-to-destination leg.
func (s *Service) FindCandidates(ctx context.Context, requestID uint64) ([]Candidate, error) {
	req, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.findCandidates(ctx, req)
}

func (s *Service) findCandidates(ctx context.Context, req *models.DeliveryRequest) ([]Candidate, error) {
	now := time.Now().UTC()
	vehicles, err := s.repo.ListCandidateVehicles(ctx, req.TotalWeightKg, 0, now)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(vehicles))
	for _, v := range vehicles {
		if !v.IsAvailableForAssignment(now) || !v.CanCarryPayload(req.TotalWeightKg) {
			continue
		}
		d := geo.DistanceKm(v.Lat, v.Lon, req.DestLat, req.DestLon)
		if !v.CanReachDistance(d) {
			continue
		}
		out = append(out, Candidate{Vehicle: v, DistanceKm: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Vehicle.ID < out[j].Vehicle.ID
	})
	return out, nil
}

// Dispatch binds the closest eligible vehicle to an approved request. Losing
// a race for the vehicle falls through to the next candidate; the double
// booking itself is impossible, the storage layer rejects it.
func (s *Service) Dispatch(ctx context.Context, requestID uint64, operator string) (*models.Delivery, *models.Assignment, error) {
	req, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != models.RequestStatusApproved {
		return nil, nil, &models.StateConflictError{Entity: "request", From: string(req.Status), To: string(models.RequestStatusApproved)}
	}

	candidates, err := s.findCandidates(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoEligibleVehicle
	}

	now := time.Now().UTC()
	for _, c := range candidates {
		v := c.Vehicle
		etaMin := geo.ETAMinutes(c.DistanceKm, v.MaxSpeedKmh)

		in := pgdispatch.CreateDeliveryInput{
			RequestID:      requestID,
			VehicleID:      v.ID,
			TrackingNumber: NewTrackingNumber(),
			Operator:       operator,

			PickupLat:   v.Lat,
			PickupLon:   v.Lon,
			DeliveryLat: req.DestLat,
			DeliveryLon: req.DestLon,

			TotalDistanceKm: c.DistanceKm,
			CargoManifest:   req.SupplyManifest,
			CargoWeightKg:   req.TotalWeightKg,

			ScheduledAt:        req.RequestedDeliveryAt,
			EstimatedArrivalAt: now.Add(time.Duration(etaMin) * time.Minute),

			EstimatedDurationMin:  etaMin,
			EstimatedBatteryUsage: estimateBatteryUsage(c.DistanceKm, v.MaxRangeKm),
		}

		d, a, err := s.repo.CreateDeliveryForRequest(ctx, in)
		if err != nil {
			if errors.Is(err, pgdispatch.ErrExclusivityViolated) {
				continue
			}
			var sc *models.StateConflictError
			if errors.As(err, &sc) && sc.Entity == "vehicle" {
				continue
			}
			return nil, nil, err
		}
		return d, a, nil
	}
	return nil, nil, ErrNoEligibleVehicle
}

// estimateBatteryUsage: линейная модель, процент заряда пропорционален доле
// полной дальности.
func estimateBatteryUsage(distanceKm, maxRangeKm float64) float64 {
	if maxRangeKm <= 0 {
		return 0
	}
	u := distanceKm / maxRangeKm * 100
	if u > 100 {
		u = 100
	}
	return u
}

// NewTrackingNumber mints the public reference, e.g. MD-3F2A9C4E.
func NewTrackingNumber() string {
	u := uuid.New()
	return fmt.Sprintf("MD-%08X", u.ID())
}
