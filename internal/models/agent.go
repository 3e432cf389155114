package models

import "time"

// Типы транспорта агента. Влияют только на таблицу скоростей ETA.
const (
	VehicleBike = "bike"
	VehicleCar  = "car"
	VehicleVan  = "van"
)

type Agent struct {
	ID            uint64
	Name          string
	VehicleType   string
	VehicleNumber string
	IsAvailable   bool

	// Счётчик завершённых доставок, инкрементится на delivered.
	CompletedDeliveries int64

	LastLocation   *GeoPoint
	LastLocationAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentLocation — эфемерная live-локация агента.
type AgentLocation struct {
	AgentID   uint64    `json:"agentId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt"`
}
