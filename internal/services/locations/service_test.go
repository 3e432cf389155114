package locations

import (
	"context"
	"testing"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/cache/rediscache"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	active map[uint64][]*models.Parcel
	agents map[uint64]*models.Agent
	err    error
}

func (f *fakeRepo) ActiveParcelsByAgent(_ context.Context, agentID uint64, _ []string) ([]*models.Parcel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.active[agentID], nil
}

func (f *fakeRepo) GetAgent(_ context.Context, id uint64) (*models.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "agent")
	}
	return a, nil
}

type fakeProducer struct {
	topics []string
	values [][]byte
}

func (f *fakeProducer) Publish(_ context.Context, topic string, _, value []byte) error {
	f.topics = append(f.topics, topic)
	f.values = append(f.values, value)
	return nil
}

type fakeLimiter struct {
	allowed bool
	count   int64
}

func (f *fakeLimiter) Allow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	f.count++
	return f.allowed, f.count, nil
}

func twoActiveParcels() *fakeRepo {
	return &fakeRepo{
		active: map[uint64][]*models.Parcel{
			42: {
				{ID: 1, TrackingNumber: "TRK100", Status: models.StatusInTransit},
				{ID: 2, TrackingNumber: "TRK200", Status: models.StatusPickedUp},
			},
		},
		agents: map[uint64]*models.Agent{42: {ID: 42}},
	}
}

func TestPublishLocationFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := twoActiveParcels()
	hub := realtime.NewHub()
	prod := &fakeProducer{}
	svc := New(repo, hub, prod, rediscache.New(mr.Addr()), nil, "agent.location", 0)

	subA := hub.Subscribe(realtime.TrackingRoom("TRK100"), 16)
	subB := hub.Subscribe(realtime.TrackingRoom("TRK200"), 16)
	admin := hub.Subscribe(realtime.AdminRoom(AdminRoomID), 16)
	defer hub.Unsubscribe(subA)
	defer hub.Unsubscribe(subB)
	defer hub.Unsubscribe(admin)

	points := [][2]float64{{22.35, 91.78}, {22.34, 91.79}, {22.33, 91.80}}
	for _, pt := range points {
		n, err := svc.PublishLocation(context.Background(), 42, 42, pt[0], pt[1])
		require.NoError(t, err)
		require.Equal(t, 2, n)
	}

	// Каждая комната получает все 3 апдейта в порядке отправки.
	for _, sub := range []*realtime.Subscription{subA, subB} {
		require.Len(t, sub.C(), 3)
		for _, pt := range points {
			ev := <-sub.C()
			require.Equal(t, realtime.EventLocationUpdated, ev.Name)
			upd := ev.Data.(realtime.LocationUpdated)
			require.Equal(t, pt[0], upd.Lat)
			require.Equal(t, uint64(42), upd.AgentID)
		}
	}
	// Admin-комната видит события по обеим посылкам.
	require.Len(t, admin.C(), 6)

	// Каждый push уехал в Kafka на durable-запись.
	require.Len(t, prod.topics, 3)
	require.Equal(t, "agent.location", prod.topics[0])

	// Last-known осел в Redis.
	loc, err := svc.LastKnown(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, 22.33, loc.Lat)
}

func TestPublishLocationUnauthorized(t *testing.T) {
	repo := twoActiveParcels()
	hub := realtime.NewHub()
	svc := New(repo, hub, &fakeProducer{}, nil, nil, "agent.location", 0)

	sub := hub.Subscribe(realtime.TrackingRoom("TRK100"), 16)
	defer hub.Unsubscribe(sub)

	_, err := svc.PublishLocation(context.Background(), 7, 42, 22.35, 91.78)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	require.Len(t, sub.C(), 0)
}

func TestPublishLocationInvalidCoordinates(t *testing.T) {
	svc := New(twoActiveParcels(), realtime.NewHub(), &fakeProducer{}, nil, nil, "agent.location", 0)

	_, err := svc.PublishLocation(context.Background(), 42, 42, 91.0, 10.0)
	require.ErrorIs(t, err, apperr.ErrInvalidCoordinates)
	_, err = svc.PublishLocation(context.Background(), 42, 42, 10.0, 181.0)
	require.ErrorIs(t, err, apperr.ErrInvalidCoordinates)
}

func TestPublishLocationRateLimited(t *testing.T) {
	svc := New(twoActiveParcels(), realtime.NewHub(), &fakeProducer{}, nil, &fakeLimiter{allowed: false}, "agent.location", 10)

	_, err := svc.PublishLocation(context.Background(), 42, 42, 22.35, 91.78)
	require.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestPublishLocationNoActiveParcels(t *testing.T) {
	repo := &fakeRepo{active: map[uint64][]*models.Parcel{}, agents: map[uint64]*models.Agent{}}
	svc := New(repo, realtime.NewHub(), &fakeProducer{}, nil, nil, "agent.location", 0)

	n, err := svc.PublishLocation(context.Background(), 42, 42, 22.35, 91.78)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestLastKnownFallsBackToStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	repo := &fakeRepo{agents: map[uint64]*models.Agent{
		42: {ID: 42, LastLocation: &models.GeoPoint{Lat: 22.31, Lng: 91.81}, LastLocationAt: &at},
	}}
	svc := New(repo, realtime.NewHub(), &fakeProducer{}, rediscache.New(mr.Addr()), nil, "agent.location", 0)

	loc, err := svc.LastKnown(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, 22.31, loc.Lat)
	require.Equal(t, at, loc.UpdatedAt)

	// Неизвестный агент без локации.
	loc, err = svc.LastKnown(context.Background(), 99)
	require.NoError(t, err)
	require.Nil(t, loc)
}
