package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  telemetry_topic_name: "vehicle.telemetry"
  events_topic_name: "delivery.events"
redis:
  host: "localhost"
  port: 6379
medifleet:
  http_addr: ":8080"
  kafka_consumer_group: "dispatch-api"
  snapshot_ttl_seconds: 15
  approach_threshold_km: 2.5
  otp_ttl_minutes: 10
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "vehicle.telemetry", cfg.Kafka.TelemetryTopicName)
	require.Equal(t, "delivery.events", cfg.Kafka.EventsTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.MediFleet.HTTPAddr)
	require.Equal(t, 2.5, cfg.MediFleet.ApproachThresholdKm)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/cfg.yaml")
	require.Error(t, err)
}
