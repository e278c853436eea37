package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/geo"
	"github.com/medifleet/dispatch/internal/models"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type Repository interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error)
	ApplyWatchResult(ctx context.Context, upd pgdispatch.WatchUpdate) error
	ClearExpiredOTP(ctx context.Context, deliveryID uint64, now time.Time) (bool, error)
	GetVehicleByID(ctx context.Context, id uint64) (*models.Vehicle, error)
}

type Notifier interface {
	EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Watcher periodically sweeps active deliveries: refreshes ETAs, drops
// expired OTP codes and raises a stall alert when telemetry goes quiet.
type Watcher struct {
	repo     Repository
	notifier Notifier
	rl       RateLimiter

	planner *Planner

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	stallAfter   time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, notifier Notifier, rl RateLimiter) *Watcher {
	return &Watcher{
		repo: repo, notifier: notifier, rl: rl,
		planner:           DefaultPlanner(),
		pollInterval:      2 * time.Second,
		batchSize:         100,
		concurrency:       10,
		lease:             120 * time.Second,
		stallAfter:        2 * time.Minute,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Watcher) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease, stallAfter time.Duration) *Watcher {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if stallAfter > 0 {
		w.stallAfter = stallAfter
	}
	return w
}

func (w *Watcher) WithPlanner(cfg PlannerConfig) *Watcher {
	w.planner = NewPlanner(cfg, nil)
	return w
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (w *Watcher) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Watcher) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimDueDeliveries(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim due deliveries", "error", err.Error())
		w.lastErrorMu.Lock()
		w.lastError = err.Error()
		w.lastErrorMu.Unlock()
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, d := range items {
		sem <- struct{}{}
		wg.Add(1)
		dCopy := d
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, dCopy); err != nil {
				w.totalErrors.Add(1)
				w.lastErrorMu.Lock()
				w.lastError = err.Error()
				w.lastErrorMu.Unlock()
				slog.Error("watch delivery", "delivery_id", dCopy.ID, "error", err.Error())
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (w *Watcher) processOne(ctx context.Context, d *models.Delivery) error {
	now := time.Now().UTC()

	upd := pgdispatch.WatchUpdate{
		DeliveryID:  d.ID,
		CheckedAt:   now,
		NextCheckAt: now.Add(w.planner.NextCheckDelay(d.Status)),
	}

	eta, checkErr := w.checkOne(ctx, d, now)
	if checkErr != nil {
		e := checkErr.Error()
		upd.Error = &e
		upd.NextCheckAt = now.Add(w.planner.BackoffDelay(d.CheckFailCount + 1))
	} else {
		upd.EstimatedArrivalAt = eta
	}

	if err := w.repo.ApplyWatchResult(ctx, upd); err != nil {
		return err
	}
	return checkErr
}

func (w *Watcher) checkOne(ctx context.Context, d *models.Delivery, now time.Time) (*time.Time, error) {
	// Протухший невведённый код убираем и шлём событие, чтобы внешний
	// нотификатор предложил повторную отправку.
	if d.OTPExpiresAt != nil && d.OTPVerifiedAt == nil && !now.Before(*d.OTPExpiresAt) {
		cleared, err := w.repo.ClearExpiredOTP(ctx, d.ID, now)
		if err != nil {
			return nil, err
		}
		if cleared && w.notifier != nil {
			w.notifier.EmitBestEffort(ctx, messages.EventOTPExpired,
				models.Ref{Kind: models.RefDelivery, ID: d.ID}, "")
		}
	}

	if w.isStalled(d, now) {
		w.alertStalled(ctx, d, now)
	}

	return w.refreshETA(ctx, d, now)
}

func (w *Watcher) isStalled(d *models.Delivery, now time.Time) bool {
	switch d.Status {
	case models.DeliveryStatusDeparted, models.DeliveryStatusInTransit, models.DeliveryStatusApproaching:
	default:
		return false
	}
	ref := d.DepartedAt
	if d.LastTelemetryAt != nil {
		ref = d.LastTelemetryAt
	}
	return ref != nil && now.Sub(*ref) > w.stallAfter
}

func (w *Watcher) alertStalled(ctx context.Context, d *models.Delivery, now time.Time) {
	if w.notifier == nil {
		return
	}
	// Один алерт на доставку в окно, чтобы каждый цикл не дублировать.
	if w.rl != nil {
		key := fmt.Sprintf("rl:stall:%d", d.ID)
		allowed, _, err := w.rl.Allow(ctx, key, 1, 10*time.Minute)
		if err == nil && !allowed {
			return
		}
	}
	silent := w.stallAfter
	if d.LastTelemetryAt != nil {
		silent = now.Sub(*d.LastTelemetryAt)
	}
	w.notifier.EmitBestEffort(ctx, messages.EventDeliveryStalled,
		models.Ref{Kind: models.RefDelivery, ID: d.ID},
		fmt.Sprintf("no telemetry for %s", silent.Truncate(time.Second)),
		models.Ref{Kind: models.RefVehicle, ID: d.VehicleID})
}

func (w *Watcher) refreshETA(ctx context.Context, d *models.Delivery, now time.Time) (*time.Time, error) {
	switch d.Status {
	case models.DeliveryStatusDeparted, models.DeliveryStatusInTransit, models.DeliveryStatusApproaching:
	default:
		return nil, nil
	}
	if d.RemainingDistanceKm <= 0 {
		return nil, nil
	}
	v, err := w.repo.GetVehicleByID(ctx, d.VehicleID)
	if err != nil {
		return nil, err
	}
	if v.MaxSpeedKmh <= 0 {
		return nil, nil
	}
	eta := now.Add(time.Duration(geo.ETAMinutes(d.RemainingDistanceKm, v.MaxSpeedKmh)) * time.Minute)
	return &eta, nil
}
