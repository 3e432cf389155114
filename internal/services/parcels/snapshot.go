package parcels

import (
	"context"
	"log/slog"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/geo"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/services/progress"
)

// Snapshot — публичная трекинг-выдача по трек-номеру.
type Snapshot struct {
	TrackingNumber          string                      `json:"trackingNumber"`
	Status                  string                      `json:"status"`
	CurrentLocation         *models.GeoPoint            `json:"currentLocation"`
	PickupLocation          models.GeoPoint             `json:"pickupLocation"`
	DeliveryLocation        models.GeoPoint             `json:"deliveryLocation"`
	DistanceKm              float64                     `json:"distanceKm"`
	Progress                progress.Result             `json:"progress"`
	ETA                     *geo.ETA                    `json:"eta"`
	EstimatedDeliveryDate   *time.Time                  `json:"estimatedDeliveryDate"`
	ActualDeliveryDate      *time.Time                  `json:"actualDeliveryDate"`
	StatusHistory           []models.StatusHistoryEntry `json:"statusHistory"`
	IsLiveTrackingAvailable bool                        `json:"isLiveTrackingAvailable"`
}

// TrackingSnapshot собирает выдачу: статус, лучшая доступная локация
// (live агента -> зеркало на посылке -> null), прогресс, ETA и история.
func (s *Service) TrackingSnapshot(ctx context.Context, trackingNumber string) (*Snapshot, error) {
	p, err := s.repo.GetParcelByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}

	var (
		current *models.GeoPoint
		live    bool
	)
	if p.AgentID != nil && s.locator != nil {
		loc, err := s.locator.LastKnown(ctx, *p.AgentID)
		if err != nil {
			slog.Warn("live location lookup", "agent_id", *p.AgentID, "error", err.Error())
		} else if loc != nil {
			current = &models.GeoPoint{Lat: loc.Lat, Lng: loc.Lng}
			live = true
		}
	}
	if current == nil {
		current = p.LastKnownLocation
	}

	snap := &Snapshot{
		TrackingNumber:          p.TrackingNumber,
		Status:                  p.Status,
		CurrentLocation:         current,
		PickupLocation:          p.PickupLocation.Coordinates,
		DeliveryLocation:        p.DeliveryLocation.Coordinates,
		DistanceKm:              p.DistanceKm,
		Progress:                progress.Estimate(p, current),
		EstimatedDeliveryDate:   p.EstimatedDeliveryDate,
		ActualDeliveryDate:      p.ActualDeliveryDate,
		StatusHistory:           p.StatusHistory,
		IsLiveTrackingAvailable: live && models.IsActiveStatus(p.Status),
	}

	if current != nil && models.IsActiveStatus(p.Status) {
		vehicle := ""
		if p.AgentID != nil {
			if a, err := s.repo.GetAgent(ctx, *p.AgentID); err == nil {
				vehicle = a.VehicleType
			}
		}
		if eta, err := geo.EstimateETA(*current, p.DeliveryLocation.Coordinates, vehicle, s.now()); err == nil {
			snap.ETA = &eta
		}
	}

	return snap, nil
}
