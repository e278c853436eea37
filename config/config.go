package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	MediFleet MediFleetConfig `yaml:"medifleet"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	TelemetryTopicName string `yaml:"telemetry_topic_name"`
	EventsTopicName    string `yaml:"events_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MediFleetConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	SnapshotTTLSeconds  int     `yaml:"snapshot_ttl_seconds"`
	ApproachThresholdKm float64 `yaml:"approach_threshold_km"`
	OTPTTLMinutes       int     `yaml:"otp_ttl_minutes"`

	// OTP resend budget per delivery; zeroes keep the service defaults
	// (3 per 10 minutes).
	OTPResendLimit         int `yaml:"otp_resend_limit"`
	OTPResendWindowMinutes int `yaml:"otp_resend_window_minutes"`

	BlobstoreBaseURL string `yaml:"blobstore_base_url"`
	BlobstoreAPIKey  string `yaml:"blobstore_api_key"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerStallAfterSeconds   int `yaml:"worker_stall_after_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Worker scheduling (optional). Defaults: pre-flight 5m, in-flight 30..60s,
	// landed 1m, backoff 1/5/15/30 minutes.
	WorkerPreFlightSeconds   int `yaml:"worker_pre_flight_seconds"`
	WorkerInFlightMinSeconds int `yaml:"worker_in_flight_min_seconds"`
	WorkerInFlightMaxSeconds int `yaml:"worker_in_flight_max_seconds"`
	WorkerLandedSeconds      int `yaml:"worker_landed_seconds"`
	WorkerBackoff1Seconds    int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds    int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds    int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds    int `yaml:"worker_backoff_4_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
