package parcels

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/broker/messages"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/storage/pgparcel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	parcels   map[uint64]*models.Parcel
	agents    map[uint64]*models.Agent
	applied   []pgparcel.TransitionUpdate
	completed map[uint64]int

	nextID     uint64
	createErrs []error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		parcels:   make(map[uint64]*models.Parcel),
		agents:    make(map[uint64]*models.Agent),
		completed: make(map[uint64]int),
	}
}

func (f *fakeRepo) CreateParcel(_ context.Context, in models.ParcelCreateInput, tn string, distanceKm float64, seedRemark string) (*models.Parcel, error) {
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	p := &models.Parcel{
		ID:               f.nextID,
		TrackingNumber:   tn,
		CustomerID:       in.CustomerID,
		Status:           models.StatusPending,
		PickupLocation:   in.PickupLocation,
		DeliveryLocation: in.DeliveryLocation,
		DistanceKm:       distanceKm,
		StatusHistory: []models.StatusHistoryEntry{
			{Status: models.StatusPending, Remarks: seedRemark},
		},
	}
	f.parcels[p.ID] = p
	return p, nil
}

func (f *fakeRepo) GetParcelByID(_ context.Context, id uint64) (*models.Parcel, error) {
	p, ok := f.parcels[id]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "parcel")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) GetParcelByTrackingNumber(_ context.Context, tn string) (*models.Parcel, error) {
	for _, p := range f.parcels {
		if p.TrackingNumber == tn {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.Wrap(apperr.ErrNotFound, "parcel")
}

func (f *fakeRepo) ApplyTransition(_ context.Context, upd pgparcel.TransitionUpdate) error {
	p, ok := f.parcels[upd.ParcelID]
	if !ok {
		return errors.Wrap(apperr.ErrNotFound, "parcel")
	}
	if p.Status != upd.ExpectedStatus {
		return errors.Wrap(apperr.ErrInvalidTransition, "stale status")
	}
	p.Status = upd.NewStatus
	if upd.AssignAgentID != nil {
		p.AgentID = upd.AssignAgentID
	}
	if upd.IncrementAttempt {
		p.AttemptCount++
	}
	if upd.SetActualDelivery && p.ActualDeliveryDate == nil {
		t := upd.HappenedAt
		p.ActualDeliveryDate = &t
	}
	p.StatusHistory = append(p.StatusHistory, models.StatusHistoryEntry{
		Status:    upd.NewStatus,
		Timestamp: upd.HappenedAt,
		Location:  upd.Location,
		Remarks:   upd.Remarks,
		UpdatedBy: upd.UpdatedBy,
	})
	f.applied = append(f.applied, upd)
	return nil
}

func (f *fakeRepo) GetAgent(_ context.Context, id uint64) (*models.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "agent")
	}
	return a, nil
}

func (f *fakeRepo) IncrementCompletedDeliveries(_ context.Context, agentID uint64) error {
	f.completed[agentID]++
	return nil
}

type publishedMsg struct {
	topic string
	key   []byte
	value []byte
}

type fakeProducer struct {
	msgs []publishedMsg
	err  error
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, publishedMsg{topic: topic, key: key, value: value})
	return nil
}

type fakeLocator struct {
	loc *models.AgentLocation
	err error
}

func (f *fakeLocator) LastKnown(context.Context, uint64) (*models.AgentLocation, error) {
	return f.loc, f.err
}

func validInput() models.ParcelCreateInput {
	return models.ParcelCreateInput{
		CustomerID: 7,
		PickupLocation: models.Address{
			Address:     "Agrabad, Chattogram",
			Coordinates: models.GeoPoint{Lat: 22.3569, Lng: 91.7832},
		},
		DeliveryLocation: models.Address{
			Address:       "GEC Circle, Chattogram",
			Coordinates:   models.GeoPoint{Lat: 22.3475, Lng: 91.8123},
			ContactPerson: "Rahim Uddin",
			ContactPhone:  "+8801711000000",
		},
		Details: models.ParcelDetails{Weight: 1.5, Size: "small", Type: "package", Quantity: 1},
		Payment: models.PaymentDetails{Method: "cod", Amount: 120, CODAmount: 120},
	}
}

func newTestService(repo *fakeRepo) (*Service, *fakeProducer, *realtime.Hub) {
	hub := realtime.NewHub()
	prod := &fakeProducer{}
	svc := New(repo, hub, prod, &fakeLocator{}, "parcel.events")
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	return svc, prod, hub
}

func TestBook(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	p, err := svc.Book(context.Background(), validInput())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p.TrackingNumber, "TRK"))
	require.Equal(t, models.StatusPending, p.Status)
	require.Greater(t, p.DistanceKm, 0.0)
	require.Len(t, p.StatusHistory, 1)
}

func TestBookRetriesOnDuplicateTrackingNumber(t *testing.T) {
	repo := newFakeRepo()
	repo.createErrs = []error{apperr.ErrDuplicateTrackingNumber, apperr.ErrDuplicateTrackingNumber}
	svc, _, _ := newTestService(repo)

	p, err := svc.Book(context.Background(), validInput())
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestBookValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*models.ParcelCreateInput)
		wantErr error
	}{
		{"no customer", func(in *models.ParcelCreateInput) { in.CustomerID = 0 }, apperr.ErrValidation},
		{"no pickup address", func(in *models.ParcelCreateInput) { in.PickupLocation.Address = "" }, apperr.ErrValidation},
		{"no contact phone", func(in *models.ParcelCreateInput) { in.DeliveryLocation.ContactPhone = "" }, apperr.ErrValidation},
		{"zero weight", func(in *models.ParcelCreateInput) { in.Details.Weight = 0 }, apperr.ErrValidation},
		{"bad size", func(in *models.ParcelCreateInput) { in.Details.Size = "gigantic" }, apperr.ErrValidation},
		{"bad type", func(in *models.ParcelCreateInput) { in.Details.Type = "livestock" }, apperr.ErrValidation},
		{"bad payment method", func(in *models.ParcelCreateInput) { in.Payment.Method = "barter" }, apperr.ErrValidation},
		{"cod without amount", func(in *models.ParcelCreateInput) { in.Payment.CODAmount = 0 }, apperr.ErrValidation},
		{"bad coordinates", func(in *models.ParcelCreateInput) { in.PickupLocation.Coordinates.Lat = 123 }, apperr.ErrInvalidCoordinates},
	}

	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			_, err := svc.Book(context.Background(), in)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func bookAndAssign(t *testing.T, svc *Service, repo *fakeRepo) *models.Parcel {
	t.Helper()
	repo.agents[42] = &models.Agent{ID: 42, VehicleType: models.VehicleBike}

	p, err := svc.Book(context.Background(), validInput())
	require.NoError(t, err)
	require.NoError(t, svc.AssignAgent(context.Background(), p.ID, 42, Actor{ID: 1, Role: RoleAdmin}))
	return repo.parcels[p.ID]
}

func TestAssignAgent(t *testing.T) {
	repo := newFakeRepo()
	svc, prod, _ := newTestService(repo)

	p := bookAndAssign(t, svc, repo)
	require.Equal(t, models.StatusAssigned, p.Status)
	require.NotNil(t, p.AgentID)
	require.Equal(t, uint64(42), *p.AgentID)
	require.Len(t, prod.msgs, 1)

	// Повторное назначение из assigned запрещено.
	err := svc.AssignAgent(context.Background(), p.ID, 42, Actor{ID: 1, Role: RoleAdmin})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// Не-админ назначать не может.
	err = svc.AssignAgent(context.Background(), p.ID, 42, Actor{ID: 42, Role: RoleAgent})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTransitionHappyPath(t *testing.T) {
	repo := newFakeRepo()
	svc, prod, hub := newTestService(repo)
	p := bookAndAssign(t, svc, repo)

	sub := hub.Subscribe(realtime.TrackingRoom(p.TrackingNumber), 0)
	defer hub.Unsubscribe(sub)

	agent := Actor{ID: 42, Role: RoleAgent}
	for _, next := range []string{models.StatusPickedUp, models.StatusInTransit, models.StatusOutForDelivery, models.StatusDelivered} {
		old, applied, err := svc.Transition(context.Background(), p.ID, next, agent, "", nil)
		require.NoError(t, err)
		require.Equal(t, next, applied)
		require.NotEqual(t, old, applied)
	}

	require.Equal(t, models.StatusDelivered, repo.parcels[p.ID].Status)
	require.NotNil(t, repo.parcels[p.ID].ActualDeliveryDate)
	require.Equal(t, 1, repo.completed[42])
	require.Len(t, repo.parcels[p.ID].StatusHistory, 6)

	// assign + 4 перехода.
	require.Len(t, prod.msgs, 5)
	var ev messages.ParcelEvent
	require.NoError(t, json.Unmarshal(prod.msgs[len(prod.msgs)-1].value, &ev))
	require.Equal(t, messages.KindStatusChanged, ev.Kind)
	require.Equal(t, models.StatusDelivered, ev.NewStatus)
	require.Equal(t, models.StatusOutForDelivery, ev.OldStatus)

	require.Len(t, sub.C(), 4)
}

func TestTransitionRejectsSkippingSteps(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	p := bookAndAssign(t, svc, repo)

	_, _, err := svc.Transition(context.Background(), p.ID, models.StatusOutForDelivery, Actor{ID: 1, Role: RoleAdmin}, "", nil)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTransitionTerminalStates(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	p := bookAndAssign(t, svc, repo)

	admin := Actor{ID: 1, Role: RoleAdmin}
	_, _, err := svc.Transition(context.Background(), p.ID, models.StatusCancelled, admin, "customer request", nil)
	require.NoError(t, err)

	_, _, err = svc.Transition(context.Background(), p.ID, models.StatusPickedUp, admin, "", nil)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, _, err = svc.Transition(context.Background(), p.ID, models.StatusFailed, admin, "", nil)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTransitionFailedAttempts(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	p := bookAndAssign(t, svc, repo)

	agent := Actor{ID: 42, Role: RoleAgent}
	_, _, err := svc.Transition(context.Background(), p.ID, models.StatusFailed, agent, "nobody home", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), repo.parcels[p.ID].AttemptCount)

	// Допустима ещё одна неудачная попытка, остальное отрезано.
	_, _, err = svc.Transition(context.Background(), p.ID, models.StatusFailed, agent, "still nobody", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), repo.parcels[p.ID].AttemptCount)
	require.Equal(t, models.StatusFailed, repo.parcels[p.ID].Status)

	_, _, err = svc.Transition(context.Background(), p.ID, models.StatusInTransit, agent, "", nil)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTransitionActorChecks(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	p := bookAndAssign(t, svc, repo)

	// Чужой агент.
	_, _, err := svc.Transition(context.Background(), p.ID, models.StatusPickedUp, Actor{ID: 99, Role: RoleAgent}, "", nil)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	// Агент не может отменять посылку.
	_, _, err = svc.Transition(context.Background(), p.ID, models.StatusCancelled, Actor{ID: 42, Role: RoleAgent}, "", nil)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// Неизвестная роль.
	_, _, err = svc.Transition(context.Background(), p.ID, models.StatusPickedUp, Actor{ID: 7, Role: "customer"}, "", nil)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTransitionBrokerFailureDoesNotRollBack(t *testing.T) {
	repo := newFakeRepo()
	svc, prod, _ := newTestService(repo)
	p := bookAndAssign(t, svc, repo)
	prod.err = errors.New("kafka down")

	_, _, err := svc.Transition(context.Background(), p.ID, models.StatusPickedUp, Actor{ID: 42, Role: RoleAgent}, "", nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusPickedUp, repo.parcels[p.ID].Status)
}

func TestTrackingSnapshot(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	p := bookAndAssign(t, svc, repo)

	agent := Actor{ID: 42, Role: RoleAgent}
	for _, next := range []string{models.StatusPickedUp, models.StatusInTransit} {
		_, _, err := svc.Transition(context.Background(), p.ID, next, agent, "", nil)
		require.NoError(t, err)
	}

	t.Run("live location", func(t *testing.T) {
		svc.locator = &fakeLocator{loc: &models.AgentLocation{AgentID: 42, Lat: 22.35, Lng: 91.80}}
		snap, err := svc.TrackingSnapshot(context.Background(), p.TrackingNumber)
		require.NoError(t, err)
		require.Equal(t, models.StatusInTransit, snap.Status)
		require.NotNil(t, snap.CurrentLocation)
		require.True(t, snap.IsLiveTrackingAvailable)
		require.NotNil(t, snap.ETA)
		require.GreaterOrEqual(t, snap.Progress.Percentage, 40.0)
		require.LessOrEqual(t, snap.Progress.Percentage, 80.0)
	})

	t.Run("falls back to mirrored location", func(t *testing.T) {
		repo.parcels[p.ID].LastKnownLocation = &models.GeoPoint{Lat: 22.352, Lng: 91.805}
		svc.locator = &fakeLocator{}
		snap, err := svc.TrackingSnapshot(context.Background(), p.TrackingNumber)
		require.NoError(t, err)
		require.NotNil(t, snap.CurrentLocation)
		require.False(t, snap.IsLiveTrackingAvailable)
	})

	t.Run("no location at all", func(t *testing.T) {
		repo.parcels[p.ID].LastKnownLocation = nil
		svc.locator = &fakeLocator{}
		snap, err := svc.TrackingSnapshot(context.Background(), p.TrackingNumber)
		require.NoError(t, err)
		require.Nil(t, snap.CurrentLocation)
		require.Nil(t, snap.ETA)
		require.Equal(t, 60.0, snap.Progress.Percentage)
	})

	t.Run("unknown tracking number", func(t *testing.T) {
		_, err := svc.TrackingSnapshot(context.Background(), "TRK000")
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestEmitPaymentEvent(t *testing.T) {
	repo := newFakeRepo()
	svc, prod, _ := newTestService(repo)
	p, err := svc.Book(context.Background(), validInput())
	require.NoError(t, err)

	require.NoError(t, svc.EmitPaymentEvent(context.Background(), 7, p.ID, "cod", 120, true))
	var ev messages.ParcelEvent
	require.NoError(t, json.Unmarshal(prod.msgs[len(prod.msgs)-1].value, &ev))
	require.Equal(t, messages.KindPayment, ev.Kind)
	require.Equal(t, 120.0, ev.Amount)
	require.True(t, ev.PaymentSuccess)
}
