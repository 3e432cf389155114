package realtime

import "time"

// Имена событий, уходящих в комнаты.
const (
	EventStatusChanged   = "status-updated"
	EventLocationUpdated = "location-updated"
	EventNotificationNew = "notification:new"
)

type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type StatusChanged struct {
	TrackingNumber string    `json:"trackingNumber"`
	OldStatus      string    `json:"oldStatus"`
	NewStatus      string    `json:"newStatus"`
	Actor          uint64    `json:"actor"`
	Timestamp      time.Time `json:"timestamp"`
}

type LocationUpdated struct {
	TrackingNumber string    `json:"trackingNumber"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AgentID        uint64    `json:"agentId"`
	Timestamp      time.Time `json:"timestamp"`
}

type NotificationNew struct {
	NotificationID uint64    `json:"notificationId"`
	UserID         uint64    `json:"userId"`
	ParcelID       *uint64   `json:"parcelId,omitempty"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}
