package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/services/locations"
	"github.com/SwiftParcel/relaydrop/internal/services/notifier"
	"github.com/SwiftParcel/relaydrop/internal/services/parcels"
	"github.com/SwiftParcel/relaydrop/internal/storage/pgparcel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{}

func (r *fakeRepo) CreateParcel(context.Context, models.ParcelCreateInput, string, float64, string) (*models.Parcel, error) {
	return &models.Parcel{}, nil
}
func (r *fakeRepo) GetParcelByID(context.Context, uint64) (*models.Parcel, error) {
	return nil, errors.Wrap(apperr.ErrNotFound, "parcel")
}
func (r *fakeRepo) GetParcelByTrackingNumber(context.Context, string) (*models.Parcel, error) {
	return nil, errors.Wrap(apperr.ErrNotFound, "parcel")
}
func (r *fakeRepo) ApplyTransition(context.Context, pgparcel.TransitionUpdate) error { return nil }
func (r *fakeRepo) GetAgent(context.Context, uint64) (*models.Agent, error) {
	return nil, errors.Wrap(apperr.ErrNotFound, "agent")
}
func (r *fakeRepo) IncrementCompletedDeliveries(context.Context, uint64) error { return nil }
func (r *fakeRepo) ActiveParcelsByAgent(context.Context, uint64, []string) ([]*models.Parcel, error) {
	return nil, nil
}
func (r *fakeRepo) InsertNotification(context.Context, *models.Notification) (uint64, error) {
	return 1, nil
}
func (r *fakeRepo) MarkNotificationSent(context.Context, uint64, time.Time) error { return nil }
func (r *fakeRepo) ListNotifications(context.Context, uint64, bool, int, int) ([]*models.Notification, error) {
	return nil, nil
}
func (r *fakeRepo) MarkNotificationRead(context.Context, uint64, uint64) error { return nil }
func (r *fakeRepo) CountUnreadNotifications(context.Context, uint64) (int64, error) { return 0, nil }

type blockingConsumer struct{}

func (blockingConsumer) Consume(ctx context.Context, _ func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

type noopProducer struct{}

func (noopProducer) Publish(context.Context, string, []byte, []byte) error { return nil }

func TestRunParcelAPI_HealthzAndShutdown(t *testing.T) {
	repo := &fakeRepo{}
	hub := realtime.NewHub()
	locSvc := locations.New(repo, hub, noopProducer{}, nil, nil, "agent.location", 0)
	parcelsSvc := parcels.New(repo, hub, noopProducer{}, locSvc, "parcel.events")
	notifierSvc := notifier.New(repo, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	appErr := make(chan error, 1)
	go func() {
		appErr <- runParcelAPI(ctx, parcelAPIOpts{
			httpAddr: "127.0.0.1:0",
			topic:    "parcel.events",
			onListen: func(addr string) { addrCh <- addr },
		}, parcelsSvc, locSvc, notifierSvc, hub, blockingConsumer{})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for listener")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to stop")
	case err := <-appErr:
		require.ErrorIs(t, err, context.Canceled)
	}
}
