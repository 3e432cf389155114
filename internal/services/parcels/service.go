package parcels

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/broker/messages"
	"github.com/SwiftParcel/relaydrop/internal/geo"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/storage/pgparcel"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateParcel(ctx context.Context, in models.ParcelCreateInput, trackingNumber string, distanceKm float64, seedRemark string) (*models.Parcel, error)
	GetParcelByID(ctx context.Context, id uint64) (*models.Parcel, error)
	GetParcelByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Parcel, error)
	ApplyTransition(ctx context.Context, upd pgparcel.TransitionUpdate) error
	GetAgent(ctx context.Context, id uint64) (*models.Agent, error)
	IncrementCompletedDeliveries(ctx context.Context, agentID uint64) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Hub interface {
	Publish(room string, ev realtime.Event) int
}

// AgentLocator отдаёт live-локацию агента (nil — локации нет).
type AgentLocator interface {
	LastKnown(ctx context.Context, agentID uint64) (*models.AgentLocation, error)
}

// Роли акторов переходов.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

type Actor struct {
	ID   uint64
	Role string
}

// Переходы, доступные агенту (назначенному на посылку).
var agentStatuses = map[string]struct{}{
	models.StatusPickedUp:       {},
	models.StatusInTransit:      {},
	models.StatusOutForDelivery: {},
	models.StatusDelivered:      {},
	models.StatusFailed:         {},
}

type Service struct {
	repo     Repository
	hub      Hub
	producer Producer
	locator  AgentLocator

	eventsTopic string

	// Сид для генерации трек-номеров; подменяется в тестах.
	now func() time.Time
}

func New(repo Repository, hub Hub, producer Producer, locator AgentLocator, eventsTopic string) *Service {
	return &Service{
		repo:        repo,
		hub:         hub,
		producer:    producer,
		locator:     locator,
		eventsTopic: eventsTopic,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

const bookingRetries = 5

var validSizes = map[string]struct{}{
	"small": {}, "medium": {}, "large": {}, "extra-large": {},
}

var validTypes = map[string]struct{}{
	"document": {}, "package": {}, "fragile": {}, "electronics": {}, "food": {}, "other": {},
}

// Book создаёт посылку в pending со сгенерированным трек-номером.
// Коллизия номера retryable: генерим заново и повторяем вставку.
func (s *Service) Book(ctx context.Context, in models.ParcelCreateInput) (*models.Parcel, error) {
	if err := validateBooking(in); err != nil {
		return nil, err
	}

	distance, err := geo.DistanceKm(
		in.PickupLocation.Coordinates.Lat, in.PickupLocation.Coordinates.Lng,
		in.DeliveryLocation.Coordinates.Lat, in.DeliveryLocation.Coordinates.Lng,
	)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < bookingRetries; i++ {
		tn := newTrackingNumber(s.now())
		p, err := s.repo.CreateParcel(ctx, in, tn, distance, "Parcel booked successfully")
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, apperr.ErrDuplicateTrackingNumber) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func validateBooking(in models.ParcelCreateInput) error {
	if in.CustomerID == 0 {
		return errors.Wrap(apperr.ErrValidation, "customerId is required")
	}
	if in.PickupLocation.Address == "" {
		return errors.Wrap(apperr.ErrValidation, "pickup address is required")
	}
	if in.DeliveryLocation.Address == "" || in.DeliveryLocation.ContactPerson == "" || in.DeliveryLocation.ContactPhone == "" {
		return errors.Wrap(apperr.ErrValidation, "delivery location details are required")
	}
	if in.Details.Weight <= 0 {
		return errors.Wrap(apperr.ErrValidation, "weight is required")
	}
	if _, ok := validSizes[in.Details.Size]; !ok {
		return errors.Wrapf(apperr.ErrValidation, "size must be one of: small, medium, large, extra-large, got %q", in.Details.Size)
	}
	if _, ok := validTypes[in.Details.Type]; !ok {
		return errors.Wrapf(apperr.ErrValidation, "unknown parcel type %q", in.Details.Type)
	}
	if in.Details.Quantity < 0 {
		return errors.Wrap(apperr.ErrValidation, "quantity must not be negative")
	}
	switch in.Payment.Method {
	case "prepaid":
	case "cod":
		if in.Payment.CODAmount <= 0 {
			return errors.Wrap(apperr.ErrValidation, "cod amount is required for COD payments")
		}
	default:
		return errors.Wrapf(apperr.ErrValidation, "payment method must be cod or prepaid, got %q", in.Payment.Method)
	}
	if in.Payment.Amount <= 0 {
		return errors.Wrap(apperr.ErrValidation, "payment amount is required")
	}
	return nil
}

// Transition применяет переход статуса. Возвращает (oldStatus, newStatus).
//
// Правила: forward-цепочка идёт строго по шагу; failed/cancelled доступны
// из любого нетерминального состояния как override. delivered/cancelled
// терминальны полностью; из failed допустим только повторный failed
// (ещё одна неудачная попытка доставки).
func (s *Service) Transition(ctx context.Context, parcelID uint64, newStatus string, actor Actor, remarks string, at *models.GeoPoint) (string, string, error) {
	if newStatus == models.StatusAssigned {
		// assigned ставится только через AssignAgent вместе с привязкой агента.
		return "", "", errors.Wrap(apperr.ErrInvalidTransition, "assignment requires an agent")
	}

	p, err := s.repo.GetParcelByID(ctx, parcelID)
	if err != nil {
		return "", "", err
	}

	if err := validateTransition(p, newStatus, actor); err != nil {
		return "", "", err
	}

	now := s.now()
	if remarks == "" {
		remarks = "Status updated to " + newStatus
	}

	upd := pgparcel.TransitionUpdate{
		ParcelID:       p.ID,
		ExpectedStatus: p.Status,
		NewStatus:      newStatus,
		HappenedAt:     now,
		Location:       at,
		Remarks:        remarks,
		UpdatedBy:      actor.ID,
	}
	switch newStatus {
	case models.StatusDelivered:
		upd.SetActualDelivery = true
	case models.StatusFailed:
		upd.IncrementAttempt = true
	}

	if err := s.repo.ApplyTransition(ctx, upd); err != nil {
		return "", "", err
	}

	if newStatus == models.StatusDelivered && p.AgentID != nil {
		if err := s.repo.IncrementCompletedDeliveries(ctx, *p.AgentID); err != nil {
			slog.Error("increment completed deliveries", "agent_id", *p.AgentID, "error", err.Error())
		}
	}

	s.emitStatusChanged(ctx, p, p.Status, newStatus, actor.ID, now)

	return p.Status, newStatus, nil
}

// AssignAgent — admin-команда: переход pending→assigned с привязкой агента.
func (s *Service) AssignAgent(ctx context.Context, parcelID, agentID uint64, actor Actor) error {
	if actor.Role != RoleAdmin {
		return errors.Wrap(apperr.ErrUnauthorized, "only admin can assign agents")
	}

	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return errors.Wrap(err, "agent")
	}

	p, err := s.repo.GetParcelByID(ctx, parcelID)
	if err != nil {
		return err
	}
	if err := validateTransition(p, models.StatusAssigned, actor); err != nil {
		return err
	}

	now := s.now()
	err = s.repo.ApplyTransition(ctx, pgparcel.TransitionUpdate{
		ParcelID:       p.ID,
		ExpectedStatus: p.Status,
		NewStatus:      models.StatusAssigned,
		HappenedAt:     now,
		Remarks:        "Assigned to delivery agent",
		UpdatedBy:      actor.ID,
		AssignAgentID:  &agentID,
	})
	if err != nil {
		return err
	}

	s.emitStatusChanged(ctx, p, p.Status, models.StatusAssigned, actor.ID, now)
	return nil
}

func validateTransition(p *models.Parcel, newStatus string, actor Actor) error {
	if models.IsTerminalStatus(p.Status) {
		// Единственный выход из терминального состояния — ещё одна
		// неудачная попытка доставки из failed.
		if p.Status != models.StatusFailed || newStatus != models.StatusFailed {
			return errors.Wrapf(apperr.ErrInvalidTransition, "parcel %s is %s", p.TrackingNumber, p.Status)
		}
	}

	switch newStatus {
	case models.StatusFailed, models.StatusCancelled:
		// override из любого нетерминального.
	default:
		if nextForward(p.Status) != newStatus {
			return errors.Wrapf(apperr.ErrInvalidTransition, "%s -> %s", p.Status, newStatus)
		}
	}

	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleAgent:
		if _, ok := agentStatuses[newStatus]; !ok {
			return errors.Wrapf(apperr.ErrInvalidTransition, "agents cannot set status %q", newStatus)
		}
		if p.AgentID == nil || *p.AgentID != actor.ID {
			return errors.Wrapf(apperr.ErrUnauthorized, "agent %d is not assigned to parcel %s", actor.ID, p.TrackingNumber)
		}
		return nil
	default:
		return errors.Wrapf(apperr.ErrUnauthorized, "role %q cannot change parcel status", actor.Role)
	}
}

func nextForward(status string) string {
	for i, s := range models.ForwardFlow {
		if s == status && i < len(models.ForwardFlow)-1 {
			return models.ForwardFlow[i+1]
		}
	}
	return ""
}

// emitStatusChanged — fire-and-forget: сбой брокера/комнат логируется
// и никогда не откатывает сам переход.
func (s *Service) emitStatusChanged(ctx context.Context, p *models.Parcel, oldStatus, newStatus string, actor uint64, at time.Time) {
	ev := realtime.StatusChanged{
		TrackingNumber: p.TrackingNumber,
		OldStatus:      oldStatus,
		NewStatus:      newStatus,
		Actor:          actor,
		Timestamp:      at,
	}

	if s.hub != nil {
		s.hub.Publish(realtime.TrackingRoom(p.TrackingNumber), realtime.Event{Name: realtime.EventStatusChanged, Data: ev})
		s.hub.Publish(realtime.UserRoom(p.CustomerID), realtime.Event{Name: realtime.EventStatusChanged, Data: ev})
	}

	if s.producer == nil {
		return
	}
	msg := messages.ParcelEvent{
		Kind:           messages.KindStatusChanged,
		ParcelID:       p.ID,
		TrackingNumber: p.TrackingNumber,
		CustomerID:     p.CustomerID,
		OldStatus:      oldStatus,
		NewStatus:      newStatus,
		Actor:          actor,
		Timestamp:      at,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal parcel event", "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.eventsTopic, []byte(p.TrackingNumber), b); err != nil {
		slog.Error("publish parcel event", "tracking_number", p.TrackingNumber, "error", err.Error())
	}
}

// EmitPaymentEvent публикует платёжное событие для Notification Dispatcher.
func (s *Service) EmitPaymentEvent(ctx context.Context, userID, parcelID uint64, method string, amount float64, success bool) error {
	p, err := s.repo.GetParcelByID(ctx, parcelID)
	if err != nil {
		return err
	}

	msg := messages.ParcelEvent{
		Kind:           messages.KindPayment,
		ParcelID:       p.ID,
		TrackingNumber: p.TrackingNumber,
		CustomerID:     userID,
		PaymentMethod:  method,
		Amount:         amount,
		PaymentSuccess: success,
		Timestamp:      s.now(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal payment event")
	}
	return s.producer.Publish(ctx, s.eventsTopic, []byte(p.TrackingNumber), b)
}
