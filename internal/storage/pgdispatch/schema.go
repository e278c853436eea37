package pgdispatch

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS vehicles (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  serial_number TEXT NOT NULL,
  max_payload_kg DOUBLE PRECISION NOT NULL,
  max_range_km DOUBLE PRECISION NOT NULL,
  max_speed_kmh DOUBLE PRECISION NOT NULL,
  battery DOUBLE PRECISION NOT NULL DEFAULT 100,
  lat DOUBLE PRECISION NOT NULL DEFAULT 0,
  lon DOUBLE PRECISION NOT NULL DEFAULT 0,
  alt DOUBLE PRECISION NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  maintenance_due_at TIMESTAMPTZ NULL,
  flight_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
  delivery_count BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (serial_number)
)`,
		`
CREATE TABLE IF NOT EXISTS delivery_requests (
  id BIGSERIAL PRIMARY KEY,
  hospital_id BIGINT NOT NULL,
  supply_manifest JSONB NOT NULL,
  total_weight_kg DOUBLE PRECISION NOT NULL,
  priority TEXT NOT NULL,
  requested_delivery_at TIMESTAMPTZ NOT NULL,
  latest_acceptable_at TIMESTAMPTZ NULL,
  dest_lat DOUBLE PRECISION NOT NULL,
  dest_lon DOUBLE PRECISION NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS deliveries (
  id BIGSERIAL PRIMARY KEY,
  request_id BIGINT NOT NULL REFERENCES delivery_requests(id),
  vehicle_id BIGINT NOT NULL REFERENCES vehicles(id),
  tracking_number TEXT NOT NULL,
  operator TEXT NOT NULL DEFAULT '',
  pickup_lat DOUBLE PRECISION NOT NULL,
  pickup_lon DOUBLE PRECISION NOT NULL,
  delivery_lat DOUBLE PRECISION NOT NULL,
  delivery_lon DOUBLE PRECISION NOT NULL,
  current_lat DOUBLE PRECISION NULL,
  current_lon DOUBLE PRECISION NULL,
  current_alt DOUBLE PRECISION NULL,
  total_distance_km DOUBLE PRECISION NOT NULL,
  remaining_distance_km DOUBLE PRECISION NOT NULL,
  cargo_manifest JSONB NOT NULL,
  cargo_weight_kg DOUBLE PRECISION NOT NULL,
  status TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  otp_code TEXT NULL,
  otp_generated_at TIMESTAMPTZ NULL,
  otp_expires_at TIMESTAMPTZ NULL,
  otp_verified_at TIMESTAMPTZ NULL,
  otp_verified_by TEXT NULL,
  photo_path TEXT NULL,
  signature_path TEXT NULL,
  recipient_name TEXT NULL,
  recipient_phone TEXT NULL,
  scheduled_at TIMESTAMPTZ NOT NULL,
  estimated_arrival_at TIMESTAMPTZ NULL,
  departed_at TIMESTAMPTZ NULL,
  arrived_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  cancel_reason TEXT NULL,
  last_telemetry_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NOT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number)
)`,
		// A request feeds at most one live delivery.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_deliveries_active_request ON deliveries(request_id) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_next_check_at ON deliveries(next_check_at) WHERE is_active`,
		`
CREATE TABLE IF NOT EXISTS assignments (
  id BIGSERIAL PRIMARY KEY,
  delivery_id BIGINT NOT NULL REFERENCES deliveries(id),
  vehicle_id BIGINT NOT NULL REFERENCES vehicles(id),
  status TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  estimated_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
  estimated_duration_min INT NOT NULL DEFAULT 0,
  estimated_battery_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
  actual_distance_km DOUBLE PRECISION NULL,
  actual_duration_min INT NULL,
  actual_battery_usage DOUBLE PRECISION NULL,
  assigned_at TIMESTAMPTZ NOT NULL,
  accepted_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// The double-booking guards: one live assignment per delivery and per
		// vehicle. Concurrent dispatches race on these, not on app locks.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_assignments_active_delivery ON assignments(delivery_id) WHERE is_active`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_assignments_active_vehicle ON assignments(vehicle_id) WHERE is_active`,
		`
CREATE TABLE IF NOT EXISTS tracking_records (
  id BIGSERIAL PRIMARY KEY,
  delivery_id BIGINT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
  lat DOUBLE PRECISION NOT NULL,
  lon DOUBLE PRECISION NOT NULL,
  alt DOUBLE PRECISION NULL,
  speed_kmh DOUBLE PRECISION NULL,
  heading DOUBLE PRECISION NULL,
  battery DOUBLE PRECISION NULL,
  signal_strength DOUBLE PRECISION NULL,
  gps_locked BOOLEAN NOT NULL DEFAULT TRUE,
  sensor_payload JSONB NULL,
  status TEXT NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_delivery_recorded ON tracking_records(delivery_id, recorded_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS delivery_confirmations (
  id BIGSERIAL PRIMARY KEY,
  delivery_id BIGINT NOT NULL REFERENCES deliveries(id),
  delivered_items JSONB NOT NULL,
  missing_items JSONB NOT NULL,
  damaged_items JSONB NOT NULL,
  condition_rating INT NOT NULL,
  recipient_name TEXT NOT NULL,
  recipient_phone TEXT NOT NULL DEFAULT '',
  photo_path TEXT NULL,
  signature_path TEXT NULL,
  satisfied BOOLEAN NOT NULL DEFAULT TRUE,
  follow_up_note TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (delivery_id)
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
