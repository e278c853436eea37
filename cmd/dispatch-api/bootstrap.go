package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medifleet/dispatch/config"
	"github.com/medifleet/dispatch/internal/broker/kafka"
	"github.com/medifleet/dispatch/internal/cache/rediscache"
	"github.com/medifleet/dispatch/internal/integrations/blobstore"
	blobfake "github.com/medifleet/dispatch/internal/integrations/blobstore/fake"
	"github.com/medifleet/dispatch/internal/integrations/blobstore/httpstore"
	"github.com/medifleet/dispatch/internal/notify"
	"github.com/medifleet/dispatch/internal/services/confirmation"
	"github.com/medifleet/dispatch/internal/services/deliveries"
	dispatchsvc "github.com/medifleet/dispatch/internal/services/dispatch"
	"github.com/medifleet/dispatch/internal/services/fleet"
	"github.com/medifleet/dispatch/internal/services/telemetry"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type dispatchAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     dispatchAPIOpts
	svcs     apiServices
	consumer *kafka.Consumer
	producer *kafka.Producer
	closeDB  func()
}

func mustBootstrapDispatchAPI() *dispatchAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.MediFleet.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.MediFleet.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "dispatch-api"
	}
	telemetryTopic := cfg.Kafka.TelemetryTopicName
	if telemetryTopic == "" {
		telemetryTopic = "vehicle.telemetry"
	}
	eventsTopic := cfg.Kafka.EventsTopicName
	if eventsTopic == "" {
		eventsTopic = "delivery.events"
	}

	snapshotTTL := time.Duration(cfg.MediFleet.SnapshotTTLSeconds) * time.Second
	if snapshotTTL <= 0 {
		snapshotTTL = 15 * time.Second
	}
	otpTTL := time.Duration(cfg.MediFleet.OTPTTLMinutes) * time.Minute

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, telemetryTopic, consumerGroup)
	producer := kafka.NewProducer(brokers, eventsTopic)

	notifier := notify.New(producer, nil)

	// Без настроенного blobstore подтверждения складывают пруфы в память;
	// годится для стендов, не для прода.
	var blobs blobstore.Client
	if cfg.MediFleet.BlobstoreBaseURL != "" {
		blobs = httpstore.New(cfg.MediFleet.BlobstoreBaseURL, cfg.MediFleet.BlobstoreAPIKey)
	} else {
		blobs = blobfake.New()
	}

	svcs := apiServices{
		fleet:        fleet.New(st, notifier),
		dispatch:     dispatchsvc.New(st),
		deliveries:   deliveries.New(st, rc, notifier, snapshotTTL),
		telemetry:    telemetry.New(st, rc, notifier, cfg.MediFleet.ApproachThresholdKm),
		confirmation: confirmation.New(st, blobs, notifier, rl, otpTTL).
			WithResendPolicy(int64(cfg.MediFleet.OTPResendLimit),
				time.Duration(cfg.MediFleet.OTPResendWindowMinutes)*time.Minute),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &dispatchAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: dispatchAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         telemetryTopic,
			consumerGroup: consumerGroup,
		},
		svcs:     svcs,
		consumer: consumer,
		producer: producer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdispatch.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdispatch.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *dispatchAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *dispatchAPIApp) Run() error {
	return runDispatchAPI(a.ctx, a.opts, a.svcs, a.consumer)
}
