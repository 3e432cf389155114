package models

import "time"

// Статусы жизненного цикла посылки (строки как во внешнем API).
const (
	StatusPending        = "pending"
	StatusAssigned       = "assigned"
	StatusPickedUp       = "picked-up"
	StatusInTransit      = "in-transit"
	StatusOutForDelivery = "out-for-delivery"
	StatusDelivered      = "delivered"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
)

// ForwardFlow — "счастливый путь" статусов по порядку.
// failed/cancelled сюда не входят: это терминальные override-переходы.
var ForwardFlow = []string{
	StatusPending,
	StatusAssigned,
	StatusPickedUp,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
}

func IsTerminalStatus(status string) bool {
	return status == StatusDelivered || status == StatusCancelled || status == StatusFailed
}

// ActiveStatuses — статусы, при которых live-локация агента веером уходит
// в комнаты посылок (active set агента).
var ActiveStatuses = []string{StatusPickedUp, StatusInTransit, StatusOutForDelivery}

func IsActiveStatus(status string) bool {
	for _, s := range ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Address struct {
	Address       string   `json:"address"`
	Coordinates   GeoPoint `json:"coordinates"`
	ContactPerson string   `json:"contactPerson,omitempty"`
	ContactPhone  string   `json:"contactPhone,omitempty"`
}

type StatusHistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Location  *GeoPoint `json:"location,omitempty"`
	Remarks   string    `json:"remarks,omitempty"`
	UpdatedBy uint64    `json:"updatedBy,omitempty"`
}

type ParcelDetails struct {
	Weight      float64 `json:"weight"`
	Size        string  `json:"size"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
}

type PaymentDetails struct {
	Method    string     `json:"paymentMethod"`
	Amount    float64    `json:"amount"`
	CODAmount float64    `json:"codAmount"`
	IsPaid    bool       `json:"isPaid"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
}

type Parcel struct {
	ID             uint64
	TrackingNumber string
	CustomerID     uint64
	AgentID        *uint64

	PickupLocation   Address
	DeliveryLocation Address
	Details          ParcelDetails
	Payment          PaymentDetails

	Status        string
	StatusHistory []StatusHistoryEntry

	// Прямая дистанция pickup→delivery в км, считается один раз при букинге.
	DistanceKm float64

	AttemptCount          int32
	EstimatedDeliveryDate *time.Time
	ActualDeliveryDate    *time.Time

	// Последняя известная локация агента, зеркалируемая на посылку (best-effort).
	LastKnownLocation   *GeoPoint
	LastKnownLocationAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ParcelCreateInput struct {
	CustomerID uint64

	PickupLocation   Address
	DeliveryLocation Address
	Details          ParcelDetails
	Payment          PaymentDetails

	EstimatedDeliveryDate *time.Time
}
