package pgparcel

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS agents (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  vehicle_type TEXT NOT NULL,
  vehicle_number TEXT NOT NULL DEFAULT '',
  is_available BOOLEAN NOT NULL DEFAULT TRUE,
  completed_deliveries BIGINT NOT NULL DEFAULT 0,
  last_lat DOUBLE PRECISION NULL,
  last_lng DOUBLE PRECISION NULL,
  last_location_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS parcels (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL,
  customer_id BIGINT NOT NULL,
  agent_id BIGINT NULL REFERENCES agents(id),

  pickup_address TEXT NOT NULL,
  pickup_lat DOUBLE PRECISION NOT NULL,
  pickup_lng DOUBLE PRECISION NOT NULL,
  pickup_contact_person TEXT NOT NULL DEFAULT '',
  pickup_contact_phone TEXT NOT NULL DEFAULT '',

  delivery_address TEXT NOT NULL,
  delivery_lat DOUBLE PRECISION NOT NULL,
  delivery_lng DOUBLE PRECISION NOT NULL,
  delivery_contact_person TEXT NOT NULL DEFAULT '',
  delivery_contact_phone TEXT NOT NULL DEFAULT '',

  weight DOUBLE PRECISION NOT NULL,
  size TEXT NOT NULL,
  type TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  quantity INT NOT NULL DEFAULT 1,

  payment_method TEXT NOT NULL,
  amount DOUBLE PRECISION NOT NULL,
  cod_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
  is_paid BOOLEAN NOT NULL DEFAULT FALSE,
  paid_at TIMESTAMPTZ NULL,

  status TEXT NOT NULL,
  distance_km DOUBLE PRECISION NOT NULL,
  attempt_count INT NOT NULL DEFAULT 0,
  estimated_delivery_date TIMESTAMPTZ NULL,
  actual_delivery_date TIMESTAMPTZ NULL,

  last_known_lat DOUBLE PRECISION NULL,
  last_known_lng DOUBLE PRECISION NULL,
  last_known_at TIMESTAMPTZ NULL,

  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcels_agent_status ON parcels(agent_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_parcels_customer ON parcels(customer_id)`,
		`
CREATE TABLE IF NOT EXISTS parcel_status_history (
  id BIGSERIAL PRIMARY KEY,
  parcel_id BIGINT NOT NULL REFERENCES parcels(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  happened_at TIMESTAMPTZ NOT NULL,
  lat DOUBLE PRECISION NULL,
  lng DOUBLE PRECISION NULL,
  remarks TEXT NOT NULL DEFAULT '',
  updated_by BIGINT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		// Порядок истории — порядок принятых переходов, поэтому сортируем по id.
		`CREATE INDEX IF NOT EXISTS idx_parcel_status_history_parcel_id ON parcel_status_history(parcel_id, id)`,
		`
CREATE TABLE IF NOT EXISTS parcel_location_history (
  id BIGSERIAL PRIMARY KEY,
  parcel_id BIGINT NOT NULL REFERENCES parcels(id) ON DELETE CASCADE,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcel_location_history_parcel_id ON parcel_location_history(parcel_id, id DESC)`,
		`
CREATE TABLE IF NOT EXISTS notifications (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL,
  parcel_id BIGINT NULL REFERENCES parcels(id) ON DELETE SET NULL,
  type TEXT NOT NULL,
  title TEXT NOT NULL,
  message TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  is_read BOOLEAN NOT NULL DEFAULT FALSE,
  sent_at TIMESTAMPTZ NULL,
  read_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id, is_read)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
