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

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
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
	st, err := pgdispatch.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, telemetryTopic, consumerGroup)
	defer func() { _ = consumer.Close() }()
	producer := kafka.NewProducer(brokers, eventsTopic)
	defer func() { _ = producer.Close() }()

	notifier := notify.New(producer, nil)

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

	swaggerPath := os.Getenv("swaggerPath")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runDispatchAPI(ctx, dispatchAPIOpts{
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         telemetryTopic,
		consumerGroup: consumerGroup,
	}, svcs, consumer); err != nil && err != context.Canceled {
		panic(err)
	}
}
