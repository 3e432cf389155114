package locations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/broker/messages"
	"github.com/SwiftParcel/relaydrop/internal/cache"
	"github.com/SwiftParcel/relaydrop/internal/geo"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/pkg/errors"
)

type Repository interface {
	ActiveParcelsByAgent(ctx context.Context, agentID uint64, statuses []string) ([]*models.Parcel, error)
	GetAgent(ctx context.Context, id uint64) (*models.Agent, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Hub interface {
	Publish(room string, ev realtime.Event) int
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// AdminRoomID — общая комната диспетчеров, получающая все location-события.
const AdminRoomID = "dispatch"

const (
	locationTTL     = 5 * time.Minute
	rateLimitWindow = time.Minute
)

// Service — fan-out роутер live-локаций. Рассылка по комнатам синхронная
// и best-effort, durable-запись уезжает в Kafka и делается воркером отдельно.
type Service struct {
	repo     Repository
	hub      Hub
	producer Producer
	cache    cache.BytesCache
	limiter  RateLimiter

	locationTopic string
	rateLimit     int64

	now func() time.Time
}

func New(repo Repository, hub Hub, producer Producer, c cache.BytesCache, limiter RateLimiter, locationTopic string, rateLimit int64) *Service {
	return &Service{
		repo:          repo,
		hub:           hub,
		producer:      producer,
		cache:         c,
		limiter:       limiter,
		locationTopic: locationTopic,
		rateLimit:     rateLimit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func locationKey(agentID uint64) string {
	return fmt.Sprintf("agent:location:%d", agentID)
}

// PublishLocation принимает location push от агента и раскидывает его по
// tracking-комнатам всех активных посылок агента (плюс admin-комната).
// Возвращает число задетых посылок. Активный набор читается свежим на
// каждый push: завершённая посылка выпадает из рассылки немедленно.
func (s *Service) PublishLocation(ctx context.Context, callerID, agentID uint64, lat, lng float64) (int, error) {
	if callerID != agentID {
		return 0, errors.Wrapf(apperr.ErrUnauthorized, "caller %d cannot publish for agent %d", callerID, agentID)
	}
	if err := geo.ValidateCoordinates(lat, lng); err != nil {
		return 0, err
	}

	if s.limiter != nil && s.rateLimit > 0 {
		allowed, n, err := s.limiter.Allow(ctx, locationKey(agentID), s.rateLimit, rateLimitWindow)
		if err != nil {
			// Недоступный лимитер не роняет трекинг.
			slog.Warn("location rate limiter", "agent_id", agentID, "error", err.Error())
		} else if !allowed {
			return 0, errors.Wrapf(apperr.ErrRateLimited, "agent %d sent %d updates in the last minute", agentID, n)
		}
	}

	now := s.now()
	loc := models.AgentLocation{AgentID: agentID, Lat: lat, Lng: lng, UpdatedAt: now}

	active, err := s.repo.ActiveParcelsByAgent(ctx, agentID, models.ActiveStatuses)
	if err != nil {
		return 0, errors.Wrap(err, "active parcels")
	}

	for _, p := range active {
		ev := realtime.Event{
			Name: realtime.EventLocationUpdated,
			Data: realtime.LocationUpdated{
				TrackingNumber: p.TrackingNumber,
				Lat:            lat,
				Lng:            lng,
				AgentID:        agentID,
				Timestamp:      now,
			},
		}
		s.hub.Publish(realtime.TrackingRoom(p.TrackingNumber), ev)
		s.hub.Publish(realtime.AdminRoom(AdminRoomID), ev)
	}

	s.cacheLocation(ctx, loc)
	s.recordLocation(ctx, loc)

	return len(active), nil
}

// cacheLocation кладёт last-known в Redis. Best-effort.
func (s *Service) cacheLocation(ctx context.Context, loc models.AgentLocation) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(loc)
	if err != nil {
		slog.Error("marshal agent location", "error", err.Error())
		return
	}
	if err := s.cache.Set(ctx, locationKey(loc.AgentID), b, locationTTL); err != nil {
		slog.Warn("cache agent location", "agent_id", loc.AgentID, "error", err.Error())
	}
}

// recordLocation публикует push в Kafka для durable-записи воркером.
// Fire-and-forget: живая рассылка уже произошла.
func (s *Service) recordLocation(ctx context.Context, loc models.AgentLocation) {
	if s.producer == nil {
		return
	}
	msg := messages.AgentLocationRecorded{
		AgentID:   loc.AgentID,
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		Timestamp: loc.UpdatedAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal location record", "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.locationTopic, []byte(fmt.Sprintf("%d", loc.AgentID)), b); err != nil {
		slog.Warn("publish location record", "agent_id", loc.AgentID, "error", err.Error())
	}
}

// LastKnown отдаёт последнюю известную локацию агента: Redis, при промахе
// fallback на колонку в Postgres. (nil, nil) — локации нет вообще.
func (s *Service) LastKnown(ctx context.Context, agentID uint64) (*models.AgentLocation, error) {
	if s.cache != nil {
		b, ok, err := s.cache.Get(ctx, locationKey(agentID))
		if err != nil {
			slog.Warn("location cache get", "agent_id", agentID, "error", err.Error())
		} else if ok {
			var loc models.AgentLocation
			if err := json.Unmarshal(b, &loc); err == nil {
				return &loc, nil
			}
			slog.Warn("corrupt cached location", "agent_id", agentID)
		}
	}

	a, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if a.LastLocation == nil {
		return nil, nil
	}
	loc := &models.AgentLocation{AgentID: agentID, Lat: a.LastLocation.Lat, Lng: a.LastLocation.Lng}
	if a.LastLocationAt != nil {
		loc.UpdatedAt = *a.LastLocationAt
	}
	return loc, nil
}
