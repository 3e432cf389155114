package messages

import "time"

// Виды событий в топике parcel.events.
const (
	KindStatusChanged = "status-changed"
	KindPayment       = "payment"
)

// ParcelEvent — доменное событие state machine. Публикуется fire-and-forget:
// сбой публикации логируется и не откатывает сам переход.
type ParcelEvent struct {
	Kind string `json:"kind"`

	ParcelID       uint64 `json:"parcel_id"`
	TrackingNumber string `json:"tracking_number"`
	CustomerID     uint64 `json:"customer_id"`

	// status-changed
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Actor     uint64 `json:"actor,omitempty"`

	// payment
	PaymentMethod  string  `json:"payment_method,omitempty"`
	Amount         float64 `json:"amount,omitempty"`
	PaymentSuccess bool    `json:"payment_success,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// AgentLocationRecorded — сырой location push агента для durable-записи
// last-known локации. Живая рассылка по комнатам к этому моменту уже произошла
// (или не произошла) независимо.
type AgentLocationRecorded struct {
	AgentID   uint64    `json:"agent_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}
