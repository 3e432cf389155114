package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/broker/messages"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/pkg/errors"
)

type Repository interface {
	InsertNotification(ctx context.Context, n *models.Notification) (uint64, error)
	MarkNotificationSent(ctx context.Context, id uint64, at time.Time) error
	ListNotifications(ctx context.Context, userID uint64, unreadOnly bool, limit, offset int) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID uint64) error
	CountUnreadNotifications(ctx context.Context, userID uint64) (int64, error)
}

type Hub interface {
	Publish(room string, ev realtime.Event) int
}

type template struct {
	title   string
	message string // fmt с одним %s под трек-номер
}

// Шаблоны по статусам. Статусы без шаблона (pending) уведомлений не создают.
var statusTemplates = map[string]template{
	models.StatusAssigned:       {"Parcel Assigned", "Your parcel %s has been assigned to a delivery agent"},
	models.StatusPickedUp:       {"Parcel Picked Up", "Your parcel %s has been picked up"},
	models.StatusInTransit:      {"Parcel In Transit", "Your parcel %s is on its way"},
	models.StatusOutForDelivery: {"Out for Delivery", "Your parcel %s is out for delivery"},
	models.StatusDelivered:      {"Parcel Delivered", "Your parcel %s has been delivered"},
	models.StatusFailed:         {"Delivery Failed", "Delivery attempt for parcel %s failed. We will retry soon"},
	models.StatusCancelled:      {"Parcel Cancelled", "Your parcel %s has been cancelled"},
}

// Service — Notification Dispatcher. Консьюмит parcel.events, пишет durable
// запись и пушит живое уведомление в user-комнату. Live-доставка at-most-once:
// sent ставится только когда хоть один подписчик реально получил событие.
type Service struct {
	repo Repository
	hub  Hub

	now func() time.Time
}

func New(repo Repository, hub Hub) *Service {
	return &Service{
		repo: repo,
		hub:  hub,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handle обрабатывает одно сообщение топика parcel.events.
func (s *Service) Handle(ctx context.Context, value []byte) error {
	var ev messages.ParcelEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		slog.Error("skip malformed parcel event", "error", err.Error())
		return nil
	}

	switch ev.Kind {
	case messages.KindStatusChanged:
		return s.notifyStatusChange(ctx, ev)
	case messages.KindPayment:
		return s.notifyPayment(ctx, ev)
	default:
		slog.Warn("unknown parcel event kind", "kind", ev.Kind)
		return nil
	}
}

func (s *Service) notifyStatusChange(ctx context.Context, ev messages.ParcelEvent) error {
	tpl, ok := statusTemplates[ev.NewStatus]
	if !ok {
		return nil
	}
	return s.dispatch(ctx, ev.CustomerID, &ev.ParcelID, tpl.title, fmt.Sprintf(tpl.message, ev.TrackingNumber))
}

func (s *Service) notifyPayment(ctx context.Context, ev messages.ParcelEvent) error {
	var title, msg string
	if ev.PaymentSuccess {
		title = "Payment Successful"
		msg = fmt.Sprintf("Payment of %.2f for parcel %s received", ev.Amount, ev.TrackingNumber)
	} else {
		title = "Payment Failed"
		msg = fmt.Sprintf("Payment of %.2f for parcel %s failed. Please try again", ev.Amount, ev.TrackingNumber)
	}
	return s.dispatch(ctx, ev.CustomerID, &ev.ParcelID, title, msg)
}

// dispatch: durable pending -> live push -> sent при доставке.
// Ошибка live-пуша невозможна (hub не возвращает ошибок), ошибка
// MarkNotificationSent оставляет запись в pending, это допустимо.
func (s *Service) dispatch(ctx context.Context, userID uint64, parcelID *uint64, title, message string) error {
	n := &models.Notification{
		UserID:   userID,
		ParcelID: parcelID,
		Type:     models.NotificationTypeInApp,
		Title:    title,
		Message:  message,
		Status:   models.NotificationStatusPending,
	}
	id, err := s.repo.InsertNotification(ctx, n)
	if err != nil {
		return errors.Wrap(err, "insert notification")
	}

	now := s.now()
	delivered := s.hub.Publish(realtime.UserRoom(userID), realtime.Event{
		Name: realtime.EventNotificationNew,
		Data: realtime.NotificationNew{
			NotificationID: id,
			UserID:         userID,
			ParcelID:       parcelID,
			Type:           n.Type,
			Title:          title,
			Message:        message,
			CreatedAt:      now,
		},
	})
	if delivered == 0 {
		// Пользователь offline: запись остаётся pending, догонит через список.
		return nil
	}

	if err := s.repo.MarkNotificationSent(ctx, id, now); err != nil {
		slog.Warn("mark notification sent", "id", id, "error", err.Error())
	}
	return nil
}

// List отдаёт уведомления пользователя (новые сверху) и счётчик непрочитанных.
func (s *Service) List(ctx context.Context, userID uint64, unreadOnly bool, limit, offset int) ([]*models.Notification, int64, error) {
	items, err := s.repo.ListNotifications(ctx, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	unread, err := s.repo.CountUnreadNotifications(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return items, unread, nil
}

// MarkRead помечает уведомление прочитанным. Идемпотентно.
func (s *Service) MarkRead(ctx context.Context, id, userID uint64) error {
	return s.repo.MarkNotificationRead(ctx, id, userID)
}
