package main

import (
	"context"
	"fmt"
	"time"

	"github.com/medifleet/dispatch/config"
	"github.com/medifleet/dispatch/internal/broker/kafka"
	"github.com/medifleet/dispatch/internal/cache/rediscache"
	"github.com/medifleet/dispatch/internal/notify"
	"github.com/medifleet/dispatch/internal/services/watch"
	"github.com/medifleet/dispatch/internal/storage/pgdispatch"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo watch.Repository, closeFn func(), err error)
	newNotifier    func(cfg *config.Config) watch.Notifier
	newRateLimiter func(cfg *config.Config) watch.RateLimiter
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (watch.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgdispatch.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newNotifier: func(cfg *config.Config) watch.Notifier {
			topic := cfg.Kafka.EventsTopicName
			if topic == "" {
				topic = "delivery.events"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return notify.New(kafka.NewProducer(brokers, topic), nil)
		},
		newRateLimiter: func(cfg *config.Config) watch.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
	}
}

func newWatcher(cfg *config.Config, repo watch.Repository, notifier watch.Notifier, rl watch.RateLimiter) *watch.Watcher {
	pollInterval := time.Duration(cfg.MediFleet.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.MediFleet.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.MediFleet.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.MediFleet.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	stallAfter := time.Duration(cfg.MediFleet.WorkerStallAfterSeconds) * time.Second
	if stallAfter <= 0 {
		stallAfter = 2 * time.Minute
	}

	return watch.New(repo, notifier, rl).
		WithSettings(pollInterval, batchSize, concurrency, lease, stallAfter).
		WithPlanner(plannerConfigFromYAML(cfg))
}

// plannerConfigFromYAML переводит секунды из конфига в расписание проверок;
// нули остаются нулями, дефолты проставит сам планировщик.
func plannerConfigFromYAML(cfg *config.Config) watch.PlannerConfig {
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }
	return watch.PlannerConfig{
		PreFlightDelay:   sec(cfg.MediFleet.WorkerPreFlightSeconds),
		InFlightMinDelay: sec(cfg.MediFleet.WorkerInFlightMinSeconds),
		InFlightMaxDelay: sec(cfg.MediFleet.WorkerInFlightMaxSeconds),
		LandedDelay:      sec(cfg.MediFleet.WorkerLandedSeconds),
		Backoff1:         sec(cfg.MediFleet.WorkerBackoff1Seconds),
		Backoff2:         sec(cfg.MediFleet.WorkerBackoff2Seconds),
		Backoff3:         sec(cfg.MediFleet.WorkerBackoff3Seconds),
		Backoff4:         sec(cfg.MediFleet.WorkerBackoff4Seconds),
	}
}

func RunFleetWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	notifier := f.newNotifier(cfg)
	rl := f.newRateLimiter(cfg)

	w := newWatcher(cfg, repo, notifier, rl)
	return w.Run(ctx)
}
