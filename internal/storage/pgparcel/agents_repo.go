package pgparcel

import (
	"context"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateAgent(ctx context.Context, name, vehicleType, vehicleNumber string) (*models.Agent, error) {
	now := time.Now().UTC()
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO agents (name, vehicle_type, vehicle_number, created_at, updated_at)
VALUES ($1,$2,$3,$4,$4)
RETURNING id
`, name, vehicleType, vehicleNumber, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert agent")
	}
	return s.GetAgent(ctx, id)
}

func (s *Storage) GetAgent(ctx context.Context, id uint64) (*models.Agent, error) {
	var a models.Agent
	var lastLat, lastLng *float64
	err := s.db.QueryRow(ctx, `
SELECT id, name, vehicle_type, vehicle_number, is_available, completed_deliveries,
       last_lat, last_lng, last_location_at, created_at, updated_at
FROM agents
WHERE id = $1
`, id).Scan(
		&a.ID, &a.Name, &a.VehicleType, &a.VehicleNumber, &a.IsAvailable, &a.CompletedDeliveries,
		&lastLat, &lastLng, &a.LastLocationAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, errors.Wrap(err, "select agent")
	}
	if lastLat != nil && lastLng != nil {
		a.LastLocation = &models.GeoPoint{Lat: *lastLat, Lng: *lastLng}
	}
	return &a, nil
}

// UpdateAgentLocation — durable last-known локация агента.
func (s *Storage) UpdateAgentLocation(ctx context.Context, agentID uint64, lat, lng float64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE agents
SET last_lat = $2, last_lng = $3, last_location_at = $4, updated_at = now()
WHERE id = $1
`, agentID, lat, lng, at.UTC())
	return errors.Wrap(err, "update agent location")
}

func (s *Storage) IncrementCompletedDeliveries(ctx context.Context, agentID uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE agents
SET completed_deliveries = completed_deliveries + 1, updated_at = now()
WHERE id = $1
`, agentID)
	return errors.Wrap(err, "increment completed deliveries")
}
