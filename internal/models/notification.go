package models

import "time"

const (
	NotificationTypeEmail = "email"
	NotificationTypeSMS   = "sms"
	NotificationTypePush  = "push"
	NotificationTypeInApp = "in-app"
)

const (
	NotificationStatusPending = "pending"
	NotificationStatusSent    = "sent"
)

func IsValidNotificationType(t string) bool {
	switch t {
	case NotificationTypeEmail, NotificationTypeSMS, NotificationTypePush, NotificationTypeInApp:
		return true
	}
	return false
}

// Notification — durable-запись уведомления. Создаётся в pending,
// переходит в sent только если live-доставка в комнату user:<id> удалась.
type Notification struct {
	ID       uint64
	UserID   uint64
	ParcelID *uint64

	Type    string
	Title   string
	Message string

	Status string
	IsRead bool

	SentAt *time.Time
	ReadAt *time.Time

	CreatedAt time.Time
}
