package dispatchapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/services/confirmation"
	"github.com/medifleet/dispatch/internal/services/deliveries"
	dispatchsvc "github.com/medifleet/dispatch/internal/services/dispatch"
	"github.com/medifleet/dispatch/internal/services/fleet"
	"github.com/medifleet/dispatch/internal/services/telemetry"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type DispatchAPI struct {
	fleet        *fleet.Service
	dispatch     *dispatchsvc.Service
	deliveries   *deliveries.Service
	telemetry    *telemetry.Service
	confirmation *confirmation.Service
}

func New(
	fleetSvc *fleet.Service,
	dispatchSvc *dispatchsvc.Service,
	deliveriesSvc *deliveries.Service,
	telemetrySvc *telemetry.Service,
	confirmationSvc *confirmation.Service,
) *DispatchAPI {
	return &DispatchAPI{
		fleet:        fleetSvc,
		dispatch:     dispatchSvc,
		deliveries:   deliveriesSvc,
		telemetry:    telemetrySvc,
		confirmation: confirmationSvc,
	}
}

func (a *DispatchAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/vehicles", func(r chi.Router) {
			r.Post("/", a.registerVehicle)
			r.Get("/", a.listVehicles)
			r.Get("/{vehicleID}", a.getVehicle)
			r.Put("/{vehicleID}/position", a.updateVehiclePosition)
			r.Put("/{vehicleID}/battery", a.updateVehicleBattery)
			r.Put("/{vehicleID}/status", a.setVehicleStatus)
			r.Put("/{vehicleID}/active", a.setVehicleActive)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", a.submitRequest)
			r.Get("/{requestID}", a.getRequest)
			r.Post("/{requestID}/approve", a.approveRequest)
			r.Post("/{requestID}/reject", a.rejectRequest)
			r.Post("/{requestID}/cancel", a.cancelRequest)
			r.Get("/{requestID}/candidates", a.listCandidates)
			r.Post("/{requestID}/dispatch", a.dispatchRequest)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/{deliveryID}", a.getDelivery)
			r.Get("/{deliveryID}/assignment", a.getAssignment)
			r.Post("/{deliveryID}/start", a.startDelivery)
			r.Post("/{deliveryID}/delivered", a.markDelivered)
			r.Post("/{deliveryID}/complete", a.completeDelivery)
			r.Post("/{deliveryID}/cancel", a.cancelDelivery)
			r.Post("/{deliveryID}/fail", a.failDelivery)
			r.Post("/{deliveryID}/emergency-land", a.emergencyLand)
			r.Get("/{deliveryID}/telemetry", a.listTelemetry)
			r.Post("/{deliveryID}/otp", a.generateOTP)
			r.Post("/{deliveryID}/otp/resend", a.resendOTP)
			r.Post("/{deliveryID}/otp/verify", a.verifyOTP)
			r.Post("/{deliveryID}/confirmation", a.confirmHandoff)
			r.Get("/{deliveryID}/confirmation", a.getConfirmation)
			r.Patch("/{deliveryID}/confirmation/note", a.amendConfirmationNote)
		})

		r.Post("/telemetry", a.ingestTelemetry)
		r.Get("/track/{trackingNumber}", a.trackByNumber)
	})
}

// --- vehicles ---

func (a *DispatchAPI) registerVehicle(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name             string   `json:"name"`
		SerialNumber     string   `json:"serialNumber"`
		MaxPayloadKg     float64  `json:"maxPayloadKg"`
		MaxRangeKm       float64  `json:"maxRangeKm"`
		MaxSpeedKmh      float64  `json:"maxSpeedKmh"`
		Battery          float64  `json:"battery"`
		Lat              float64  `json:"lat"`
		Lon              float64  `json:"lon"`
		MaintenanceDueAt *time.Time `json:"maintenanceDueAt,omitempty"`
	}
	if !decode(w, r, &in) {
		return
	}
	v := &models.Vehicle{
		Name:         in.Name,
		SerialNumber: in.SerialNumber,
		MaxPayloadKg: in.MaxPayloadKg,
		MaxRangeKm:   in.MaxRangeKm,
		MaxSpeedKmh:  in.MaxSpeedKmh,
		Battery:      in.Battery,
		Lat:          in.Lat,
		Lon:          in.Lon,
		Active:       true,
	}
	if in.MaintenanceDueAt != nil {
		v.MaintenanceDueAt = in.MaintenanceDueAt
	}
	out, err := a.fleet.RegisterVehicle(r.Context(), v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *DispatchAPI) listVehicles(w http.ResponseWriter, r *http.Request) {
	out, err := a.fleet.ListVehicles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": out})
}

func (a *DispatchAPI) getVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicleID")
	if !ok {
		return
	}
	out, err := a.fleet.GetVehicle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) updateVehiclePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicleID")
	if !ok {
		return
	}
	var in struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
		Alt float64 `json:"alt"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := a.fleet.UpdatePosition(r.Context(), id, in.Lat, in.Lon, in.Alt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (a *DispatchAPI) updateVehicleBattery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicleID")
	if !ok {
		return
	}
	var in struct {
		Level float64 `json:"level"`
	}
	if !decode(w, r, &in) {
		return
	}
	out, err := a.fleet.UpdateBattery(r.Context(), id, in.Level)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) setVehicleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicleID")
	if !ok {
		return
	}
	var in struct {
		Status models.VehicleStatus `json:"status"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := a.fleet.SetStatus(r.Context(), id, in.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (a *DispatchAPI) setVehicleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicleID")
	if !ok {
		return
	}
	var in struct {
		Active bool `json:"active"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := a.fleet.SetActive(r.Context(), id, in.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

// --- requests ---

func (a *DispatchAPI) submitRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		HospitalID          uint64                 `json:"hospitalId"`
		SupplyManifest      json.RawMessage        `json:"supplyManifest"`
		TotalWeightKg       float64                `json:"totalWeightKg"`
		Priority            models.RequestPriority `json:"priority"`
		RequestedDeliveryAt *time.Time             `json:"requestedDeliveryAt,omitempty"`
		LatestAcceptableAt  *time.Time             `json:"latestAcceptableAt,omitempty"`
		DestLat             float64                `json:"destLat"`
		DestLon             float64                `json:"destLon"`
	}
	if !decode(w, r, &in) {
		return
	}
	create := models.DeliveryRequestCreateInput{
		HospitalID:     in.HospitalID,
		SupplyManifest: string(in.SupplyManifest),
		TotalWeightKg:  in.TotalWeightKg,
		Priority:       in.Priority,
		DestLat:        in.DestLat,
		DestLon:        in.DestLon,
	}
	if in.RequestedDeliveryAt != nil {
		create.RequestedDeliveryAt = *in.RequestedDeliveryAt
	}
	create.LatestAcceptableAt = in.LatestAcceptableAt
	out, err := a.dispatch.SubmitRequest(r.Context(), create)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *DispatchAPI) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	out, err := a.dispatch.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) approveRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	if err := a.dispatch.ApproveRequest(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (a *DispatchAPI) rejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	if err := a.dispatch.RejectRequest(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (a *DispatchAPI) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	if err := a.dispatch.CancelRequest(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (a *DispatchAPI) listCandidates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	out, err := a.dispatch.FindCandidates(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	type candidateView struct {
		Vehicle    *models.Vehicle `json:"vehicle"`
		DistanceKm float64         `json:"distanceKm"`
	}
	views := make([]candidateView, 0, len(out))
	for _, c := range out {
		views = append(views, candidateView{Vehicle: c.Vehicle, DistanceKm: c.DistanceKm})
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": views})
}

func (a *DispatchAPI) dispatchRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	var in struct {
		Operator string `json:"operator"`
	}
	if r.ContentLength > 0 && !decode(w, r, &in) {
		return
	}
	d, asg, err := a.dispatch.Dispatch(r.Context(), id, in.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"delivery":   toDeliveryView(d),
		"assignment": asg,
	})
}

// --- deliveries ---

func (a *DispatchAPI) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	out, err := a.deliveries.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(out))
}

func (a *DispatchAPI) getAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	out, err := a.deliveries.GetAssignment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) startDelivery(w http.ResponseWriter, r *http.Request) {
	a.deliveryAction(w, r, a.deliveries.Start)
}

func (a *DispatchAPI) markDelivered(w http.ResponseWriter, r *http.Request) {
	a.deliveryAction(w, r, a.deliveries.MarkDelivered)
}

func (a *DispatchAPI) completeDelivery(w http.ResponseWriter, r *http.Request) {
	a.deliveryAction(w, r, a.deliveries.Complete)
}

func (a *DispatchAPI) deliveryAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uint64) (*models.Delivery, error)) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	out, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(out))
}

func (a *DispatchAPI) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	a.deliveryTermination(w, r, a.deliveries.Cancel)
}

func (a *DispatchAPI) failDelivery(w http.ResponseWriter, r *http.Request) {
	a.deliveryTermination(w, r, a.deliveries.Fail)
}

func (a *DispatchAPI) emergencyLand(w http.ResponseWriter, r *http.Request) {
	a.deliveryTermination(w, r, a.deliveries.EmergencyLand)
}

func (a *DispatchAPI) deliveryTermination(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uint64, reason string) (*models.Delivery, error)) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decode(w, r, &in) {
		return
	}
	out, err := fn(r.Context(), id, in.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(out))
}

func (a *DispatchAPI) listTelemetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	out, err := a.telemetry.History(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (a *DispatchAPI) ingestTelemetry(w http.ResponseWriter, r *http.Request) {
	var msg messages.VehicleTelemetry
	if !decode(w, r, &msg) {
		return
	}
	out, err := a.telemetry.RecordSample(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDeliveryView(out))
}

func (a *DispatchAPI) trackByNumber(w http.ResponseWriter, r *http.Request) {
	tn := chi.URLParam(r, "trackingNumber")
	out, err := a.deliveries.TrackByNumber(r.Context(), tn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- otp / confirmation ---

func (a *DispatchAPI) generateOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	out, err := a.confirmation.GenerateOTP(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(out))
}

func (a *DispatchAPI) resendOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	out, err := a.confirmation.ResendOTP(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(out))
}

func (a *DispatchAPI) verifyOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	var in struct {
		Code       string `json:"code"`
		VerifiedBy string `json:"verifiedBy"`
	}
	if !decode(w, r, &in) {
		return
	}
	out, err := a.confirmation.VerifyOTP(r.Context(), id, in.Code, in.VerifiedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(out))
}

func (a *DispatchAPI) confirmHandoff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	var in struct {
		Code       string `json:"code"`
		VerifiedBy string `json:"verifiedBy"`

		DeliveredItems json.RawMessage `json:"deliveredItems"`
		MissingItems   json.RawMessage `json:"missingItems,omitempty"`
		DamagedItems   json.RawMessage `json:"damagedItems,omitempty"`

		ConditionRating int    `json:"conditionRating"`
		RecipientName   string `json:"recipientName"`
		RecipientPhone  string `json:"recipientPhone"`

		PhotoBase64     string `json:"photoBase64,omitempty"`
		SignatureBase64 string `json:"signatureBase64,omitempty"`

		Satisfied    bool    `json:"satisfied"`
		FollowUpNote *string `json:"followUpNote,omitempty"`
	}
	if !decode(w, r, &in) {
		return
	}

	photo, err := decodeBase64(in.PhotoBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "photoBase64 is not valid base64"})
		return
	}
	signature, err := decodeBase64(in.SignatureBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "signatureBase64 is not valid base64"})
		return
	}

	d, c, err := a.confirmation.Confirm(r.Context(), confirmation.ConfirmInput{
		DeliveryID:      id,
		Code:            in.Code,
		VerifiedBy:      in.VerifiedBy,
		DeliveredItems:  string(in.DeliveredItems),
		MissingItems:    string(in.MissingItems),
		DamagedItems:    string(in.DamagedItems),
		ConditionRating: in.ConditionRating,
		RecipientName:   in.RecipientName,
		RecipientPhone:  in.RecipientPhone,
		PhotoJPEG:       photo,
		SignaturePNG:    signature,
		Satisfied:       in.Satisfied,
		FollowUpNote:    in.FollowUpNote,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delivery":     toDeliveryView(d),
		"confirmation": c,
	})
}

func (a *DispatchAPI) getConfirmation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	out, err := a.confirmation.GetConfirmation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) amendConfirmationNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "deliveryID")
	if !ok {
		return
	}
	var in struct {
		Note string `json:"note"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := a.confirmation.AmendNote(r.Context(), id, in.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

// --- helpers ---

type okResp struct {
	OK bool `json:"ok"`
}

type errResp struct {
	Error string `json:"error"`
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errResp{Error: name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid JSON body"})
		return false
	}
	return true
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are 400
// when they carry no cause (service-level validation) and 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	var sc *models.StateConflictError
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errResp{Error: err.Error()})
	case errors.As(err, &sc),
		errors.Is(err, pgdispatch.ErrExclusivityViolated),
		errors.Is(err, pgdispatch.ErrRequestAlreadyDispatched),
		errors.Is(err, models.ErrAlreadyVerified),
		errors.Is(err, models.ErrInvalidStateForOTP),
		errors.Is(err, models.ErrHandoffUnverified),
		errors.Is(err, dispatchsvc.ErrNoEligibleVehicle):
		writeJSON(w, http.StatusConflict, errResp{Error: err.Error()})
	case errors.Is(err, models.ErrOTPExpired):
		writeJSON(w, http.StatusGone, errResp{Error: err.Error()})
	case errors.Is(err, models.ErrCodeMismatch), errors.Is(err, models.ErrNoOTP):
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
	case errors.Is(err, confirmation.ErrResendLimited):
		writeJSON(w, http.StatusTooManyRequests, errResp{Error: err.Error()})
	default:
		if errors.Cause(err) == err {
			writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
	}
}

// deliveryView не отдаёт наружу сам код, только факт его наличия.
type deliveryView struct {
	*models.Delivery
	OTPCode   *string `json:"-"`
	HasOTP    bool    `json:"hasOTP"`
	OTPActive bool    `json:"otpVerified"`
}

func toDeliveryView(d *models.Delivery) *deliveryView {
	return &deliveryView{
		Delivery:  d,
		HasOTP:    d.OTPCode != nil,
		OTPActive: d.OTPVerified(),
	}
}
