package pgdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/medifleet/dispatch/internal/models"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "dispatch_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/dispatch_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGDispatch_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)
	now := time.Now().UTC()

	v1, err := st.CreateVehicle(ctx, &models.Vehicle{
		Name: "Stork-1", SerialNumber: "SN-001",
		MaxPayloadKg: 5, MaxRangeKm: 120, MaxSpeedKmh: 80,
		Battery: 90, Lat: 55.75, Lon: 37.61, Active: true,
	})
	require.NoError(t, err)
	require.NotZero(t, v1.ID)
	require.Equal(t, models.VehicleStatusAvailable, v1.Status)

	v2, err := st.CreateVehicle(ctx, &models.Vehicle{
		Name: "Stork-2", SerialNumber: "SN-002",
		MaxPayloadKg: 5, MaxRangeKm: 120, MaxSpeedKmh: 80,
		Battery: 80, Lat: 55.76, Lon: 37.62, Active: true,
	})
	require.NoError(t, err)

	// дубликат серийника
	_, err = st.CreateVehicle(ctx, &models.Vehicle{
		Name: "Stork-3", SerialNumber: "SN-001",
		MaxPayloadKg: 5, MaxRangeKm: 120, MaxSpeedKmh: 80, Active: true,
	})
	require.ErrorIs(t, err, ErrExclusivityViolated)

	cand, err := st.ListCandidateVehicles(ctx, 2.5, 10, now)
	require.NoError(t, err)
	require.Len(t, cand, 2)

	req, err := st.CreateRequest(ctx, models.DeliveryRequestCreateInput{
		HospitalID:          42,
		SupplyManifest:      `[{"item":"plasma","qty":4,"unit":"u"}]`,
		TotalWeightKg:       2.5,
		Priority:            models.RequestPriorityHigh,
		RequestedDeliveryAt: now,
		DestLat:             55.80, DestLon: 37.60,
	})
	require.NoError(t, err)
	require.Equal(t, models.RequestStatusPending, req.Status)

	require.NoError(t, st.SetRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusApproved))
	// повторное approve: строка уже не PENDING
	err = st.SetRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusApproved)
	require.ErrorIs(t, err, ErrExclusivityViolated)

	d, asg, err := st.CreateDeliveryForRequest(ctx, CreateDeliveryInput{
		RequestID:          req.ID,
		VehicleID:          v1.ID,
		TrackingNumber:     "MD-0000AAAA",
		Operator:           "ops",
		PickupLat:          v1.Lat, PickupLon: v1.Lon,
		DeliveryLat:        55.80, DeliveryLon: 37.60,
		TotalDistanceKm:    5.6,
		CargoManifest:      req.SupplyManifest,
		CargoWeightKg:      req.TotalWeightKg,
		ScheduledAt:        now,
		EstimatedArrivalAt: now.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusScheduled, d.Status)
	require.True(t, d.IsActive)
	require.Equal(t, d.ID, asg.DeliveryID)

	gotV1, err := st.GetVehicleByID(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, models.VehicleStatusAssigned, gotV1.Status)

	// один активный delivery на запрос: вторая попытка бьётся об частичный
	// уникальный индекс
	_, _, err = st.CreateDeliveryForRequest(ctx, CreateDeliveryInput{
		RequestID:      req.ID,
		VehicleID:      v2.ID,
		TrackingNumber: "MD-0000BBBB",
		PickupLat:      v2.Lat, PickupLon: v2.Lon,
		DeliveryLat:    55.80, DeliveryLon: 37.60,
		ScheduledAt:    now,
	})
	require.ErrorIs(t, err, ErrRequestAlreadyDispatched)

	byTN, err := st.GetDeliveryByTrackingNumber(ctx, "MD-0000AAAA")
	require.NoError(t, err)
	require.Equal(t, d.ID, byTN.ID)

	eta := now.Add(8 * time.Minute)
	d, err = st.StartDelivery(ctx, d.ID, &eta)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusDeparted, d.Status)
	require.NotNil(t, d.DepartedAt)

	gotV1, err = st.GetVehicleByID(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, models.VehicleStatusInFlight, gotV1.Status)

	// телеметрия: запись + позиция + остаток + статус IN_TRANSIT
	battery := 55.0
	inTransit := models.DeliveryStatusInTransit
	d, change, err := st.ApplyTelemetry(ctx, TelemetryUpdate{
		DeliveryID: d.ID,
		Record: models.TrackingRecord{
			DeliveryID: d.ID,
			Lat:        55.77, Lon: 37.61,
			Battery:   &battery,
			GPSLocked: true,
			Status:    models.TrackingStatusNormal,
		},
		RemainingKm:    3.4,
		NewStatus:      &inTransit,
		VehicleBattery: &battery,
		RecordedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusInTransit, d.Status)
	require.Equal(t, 3.4, d.RemainingDistanceKm)
	require.NotNil(t, d.CurrentLat)
	require.NotNil(t, d.LastTelemetryAt)
	require.False(t, change.Changed())

	recs, err := st.ListTrackingRecords(ctx, d.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 55.77, recs[0].Lat)

	// delivered без верифицированного кода не бывает
	_, err = st.MarkDelivered(ctx, d.ID)
	require.ErrorIs(t, err, models.ErrHandoffUnverified)

	// OTP: выдача, мимо, ок, повторно
	genAt := time.Now().UTC()
	d, err = st.SetOTP(ctx, d.ID, "123456", genAt, genAt.Add(10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, d.OTPCode)

	_, err = st.VerifyOTP(ctx, d.ID, "000000", "nurse")
	require.ErrorIs(t, err, models.ErrCodeMismatch)

	d, err = st.VerifyOTP(ctx, d.ID, "123456", "nurse")
	require.NoError(t, err)
	require.True(t, d.OTPVerified())

	_, err = st.VerifyOTP(ctx, d.ID, "123456", "nurse")
	require.ErrorIs(t, err, models.ErrAlreadyVerified)

	d, err = st.MarkDelivered(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusDelivered, d.Status)

	d, err = st.CompleteDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusCompleted, d.Status)
	require.False(t, d.IsActive)

	gotV1, err = st.GetVehicleByID(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, models.VehicleStatusAvailable, gotV1.Status)
	require.Equal(t, int64(1), gotV1.DeliveryCount)

	// запрос закрыт доставкой
	gotReq, err := st.GetRequestByID(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestStatusFulfilled, gotReq.Status)
}

func TestPGDispatch_ConfirmHandoff(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)
	now := time.Now().UTC()

	v, err := st.CreateVehicle(ctx, &models.Vehicle{
		Name: "Stork-1", SerialNumber: "SN-001",
		MaxPayloadKg: 5, MaxRangeKm: 120, MaxSpeedKmh: 80,
		Battery: 90, Active: true,
	})
	require.NoError(t, err)

	req, err := st.CreateRequest(ctx, models.DeliveryRequestCreateInput{
		HospitalID: 42, SupplyManifest: `[]`, TotalWeightKg: 1,
		Priority: models.RequestPriorityNormal, RequestedDeliveryAt: now,
		DestLat: 55.80, DestLon: 37.60,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusApproved))

	d, _, err := st.CreateDeliveryForRequest(ctx, CreateDeliveryInput{
		RequestID: req.ID, VehicleID: v.ID, TrackingNumber: "MD-0000CCCC",
		DeliveryLat: 55.80, DeliveryLon: 37.60, ScheduledAt: now,
	})
	require.NoError(t, err)

	_, err = st.StartDelivery(ctx, d.ID, nil)
	require.NoError(t, err)

	// сажаем дрон напрямую: код выдаётся только в транзитных статусах
	_, err = st.db.Exec(ctx, `UPDATE deliveries SET status = $2 WHERE id = $1`, d.ID, models.DeliveryStatusLanded)
	require.NoError(t, err)

	genAt := time.Now().UTC()
	_, err = st.SetOTP(ctx, d.ID, "654321", genAt, genAt.Add(10*time.Minute))
	require.NoError(t, err)

	photo := "proof/1/photo.jpg"
	note := "left at reception"
	d, conf, err := st.ConfirmHandoff(ctx, ConfirmHandoffInput{
		DeliveryID:      d.ID,
		Code:            "654321",
		VerifiedBy:      "nurse",
		DeliveredItems:  `[{"item":"plasma","qty":4}]`,
		ConditionRating: 5,
		RecipientName:   "Dr. Petrova",
		RecipientPhone:  "+7-900-000-00-00",
		PhotoPath:       &photo,
		Satisfied:       true,
		FollowUpNote:    &note,
	})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusDelivered, d.Status)
	require.True(t, d.OTPVerified())
	require.NotZero(t, conf.ID)
	require.Equal(t, 5, conf.ConditionRating)
	// опущенные списки ложатся в jsonb пустым массивом, не пустой строкой
	require.JSONEq(t, `[]`, conf.MissingItems)
	require.JSONEq(t, `[]`, conf.DamagedItems)

	got, err := st.GetConfirmationByDeliveryID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, conf.ID, got.ID)

	require.NoError(t, st.AmendConfirmationNote(ctx, d.ID, "recipient called back"))
	got, err = st.GetConfirmationByDeliveryID(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FollowUpNote)
	require.Equal(t, "recipient called back", *got.FollowUpNote)

	// повторный ConfirmHandoff после verified — идемпотентная проверка кода,
	// но доставка уже DELIVERED, так что переход запрещён
	_, _, err = st.ConfirmHandoff(ctx, ConfirmHandoffInput{
		DeliveryID: d.ID, Code: "654321", VerifiedBy: "nurse",
		DeliveredItems: `[]`, ConditionRating: 4, RecipientName: "x",
	})
	require.Error(t, err)
}

func TestPGDispatch_WatchAndBattery(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)
	now := time.Now().UTC()

	v, err := st.CreateVehicle(ctx, &models.Vehicle{
		Name: "Stork-1", SerialNumber: "SN-001",
		MaxPayloadKg: 5, MaxRangeKm: 120, MaxSpeedKmh: 80,
		Battery: 90, Active: true,
	})
	require.NoError(t, err)

	req, err := st.CreateRequest(ctx, models.DeliveryRequestCreateInput{
		HospitalID: 42, SupplyManifest: `[]`, TotalWeightKg: 1,
		Priority: models.RequestPriorityNormal, RequestedDeliveryAt: now,
		DestLat: 55.80, DestLon: 37.60,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusApproved))

	d, _, err := st.CreateDeliveryForRequest(ctx, CreateDeliveryInput{
		RequestID: req.ID, VehicleID: v.ID, TrackingNumber: "MD-0000DDDD",
		DeliveryLat: 55.80, DeliveryLon: 37.60, ScheduledAt: now,
	})
	require.NoError(t, err)
	_, err = st.StartDelivery(ctx, d.ID, nil)
	require.NoError(t, err)

	// claim: делаем доставку due и забираем с lease
	_, err = st.db.Exec(ctx, `UPDATE deliveries SET next_check_at = now() - interval '1 minute' WHERE id = $1`, d.ID)
	require.NoError(t, err)

	lease := 30 * time.Second
	claimNow := time.Now().UTC()
	due, err := st.ClaimDueDeliveries(ctx, claimNow, 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.WithinDuration(t, claimNow.Add(lease), due[0].NextCheckAt, 2*time.Second)

	// повторный claim сразу же ничего не находит: lease сдвинул next_check_at
	again, err := st.ClaimDueDeliveries(ctx, claimNow, 10, lease)
	require.NoError(t, err)
	require.Empty(t, again)

	// результат проверки: успех сбрасывает счётчик фейлов
	next := claimNow.Add(time.Minute)
	require.NoError(t, st.ApplyWatchResult(ctx, WatchUpdate{
		DeliveryID:  d.ID,
		CheckedAt:   claimNow,
		NextCheckAt: next,
	}))
	got, err := st.GetDeliveryByID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, int32(0), got.CheckFailCount)
	require.WithinDuration(t, next, got.NextCheckAt, time.Second)

	// просроченный невериф. код удаляется, верифицированный — нет
	_, err = st.db.Exec(ctx, `UPDATE deliveries SET status = $2 WHERE id = $1`, d.ID, models.DeliveryStatusInTransit)
	require.NoError(t, err)
	genAt := time.Now().UTC().Add(-time.Hour)
	_, err = st.SetOTP(ctx, d.ID, "111111", genAt, genAt.Add(time.Minute))
	require.NoError(t, err)
	cleared, err := st.ClearExpiredOTP(ctx, d.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, cleared)
	cleared, err = st.ClearExpiredOTP(ctx, d.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, cleared)

	// батарея: в полёте ниже 10% -> EMERGENCY
	change, err := st.UpdateVehicleBattery(ctx, v.ID, 7)
	require.NoError(t, err)
	require.True(t, change.Changed())
	require.Equal(t, models.VehicleStatusEmergency, change.To)

	// клампинг в [0,100]
	change, err = st.UpdateVehicleBattery(ctx, v.ID, -5)
	require.NoError(t, err)
	require.Equal(t, 0.0, change.Battery)

	// аварийная посадка завершает доставку и фиксирует причину
	d, err = st.TerminateDelivery(ctx, d.ID, models.DeliveryStatusEmergencyLanded, "battery critical", models.VehicleStatusEmergency)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusEmergencyLanded, d.Status)
	require.False(t, d.IsActive)
	require.NotNil(t, d.CancelReason)
}
