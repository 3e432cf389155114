package parcels_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/pkg/errors"
)

// errBadRequest — локальный маркер ошибок валидации HTTP-слоя.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrDuplicateTrackingNumber):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrInvalidCoordinates), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err.Error())
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type parcelResponse struct {
	ID                    uint64                      `json:"id"`
	TrackingNumber        string                      `json:"trackingNumber"`
	CustomerID            uint64                      `json:"customerId"`
	AgentID               *uint64                     `json:"agentId,omitempty"`
	Status                string                      `json:"status"`
	PickupLocation        models.Address              `json:"pickupLocation"`
	DeliveryLocation      models.Address              `json:"deliveryLocation"`
	Details               models.ParcelDetails        `json:"details"`
	Payment               models.PaymentDetails       `json:"payment"`
	DistanceKm            float64                     `json:"distanceKm"`
	AttemptCount          int32                       `json:"attemptCount"`
	EstimatedDeliveryDate *time.Time                  `json:"estimatedDeliveryDate,omitempty"`
	ActualDeliveryDate    *time.Time                  `json:"actualDeliveryDate,omitempty"`
	StatusHistory         []models.StatusHistoryEntry `json:"statusHistory"`
	CreatedAt             time.Time                   `json:"createdAt"`
}

func toParcelResponse(p *models.Parcel) parcelResponse {
	return parcelResponse{
		ID:                    p.ID,
		TrackingNumber:        p.TrackingNumber,
		CustomerID:            p.CustomerID,
		AgentID:               p.AgentID,
		Status:                p.Status,
		PickupLocation:        p.PickupLocation,
		DeliveryLocation:      p.DeliveryLocation,
		Details:               p.Details,
		Payment:               p.Payment,
		DistanceKm:            p.DistanceKm,
		AttemptCount:          p.AttemptCount,
		EstimatedDeliveryDate: p.EstimatedDeliveryDate,
		ActualDeliveryDate:    p.ActualDeliveryDate,
		StatusHistory:         p.StatusHistory,
		CreatedAt:             p.CreatedAt,
	}
}

type notificationResponse struct {
	ID        uint64     `json:"id"`
	ParcelID  *uint64    `json:"parcelId,omitempty"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Status    string     `json:"status"`
	IsRead    bool       `json:"isRead"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func toNotificationResponses(ns []*models.Notification) []notificationResponse {
	out := make([]notificationResponse, 0, len(ns))
	for _, n := range ns {
		out = append(out, notificationResponse{
			ID:        n.ID,
			ParcelID:  n.ParcelID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Status:    n.Status,
			IsRead:    n.IsRead,
			SentAt:    n.SentAt,
			ReadAt:    n.ReadAt,
			CreatedAt: n.CreatedAt,
		})
	}
	return out
}
