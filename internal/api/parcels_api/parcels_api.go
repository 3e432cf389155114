package parcels_api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/services/locations"
	"github.com/SwiftParcel/relaydrop/internal/services/notifier"
	"github.com/SwiftParcel/relaydrop/internal/services/parcels"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// Идентификация приходит из шлюза в заголовках. Сам API токены не проверяет.
const (
	headerUserID = "X-User-Id"
	headerRole   = "X-User-Role"
)

type API struct {
	parcels   *parcels.Service
	locations *locations.Service
	notifier  *notifier.Service
	hub       *realtime.Hub

	roomBuffer int
}

func New(parcelsSvc *parcels.Service, locationsSvc *locations.Service, notifierSvc *notifier.Service, hub *realtime.Hub, roomBuffer int) *API {
	return &API{
		parcels:    parcelsSvc,
		locations:  locationsSvc,
		notifier:   notifierSvc,
		hub:        hub,
		roomBuffer: roomBuffer,
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/parcels", a.bookParcel)
		r.Post("/parcels/{id}/assign", a.assignAgent)
		r.Post("/parcels/{id}/status", a.updateStatus)
		r.Post("/parcels/{id}/payment", a.recordPayment)

		r.Post("/agents/{id}/location", a.pushAgentLocation)
		r.Get("/agents/{id}/location", a.getAgentLocation)

		r.Get("/track/{trackingNumber}", a.getTrackingSnapshot)
		r.Get("/track/{trackingNumber}/live", a.streamTracking)

		r.Get("/notifications", a.listNotifications)
		r.Post("/notifications/{id}/read", a.markNotificationRead)
		r.Get("/users/{id}/events", a.streamUserEvents)

		r.Get("/admin/rooms/{room}/events", a.streamAdminRoom)
	})

	return r
}

type identity struct {
	UserID uint64
	Role   string
}

func callerIdentity(r *http.Request) (identity, error) {
	raw := r.Header.Get(headerUserID)
	if raw == "" {
		return identity{}, errors.Wrap(apperr.ErrUnauthorized, "missing identity")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return identity{}, errors.Wrap(apperr.ErrUnauthorized, "bad identity header")
	}
	role := r.Header.Get(headerRole)
	if role == "" {
		role = "customer"
	}
	return identity{UserID: id, Role: role}, nil
}

func (a *API) bookParcel(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var in models.ParcelCreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, errors.Wrap(errBadRequest, "invalid JSON body"))
		return
	}
	if ident.Role != parcels.RoleAdmin {
		in.CustomerID = ident.UserID
	} else if in.CustomerID == 0 {
		in.CustomerID = ident.UserID
	}

	p, err := a.parcels.Book(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParcelResponse(p))
}

type assignRequest struct {
	AgentID uint64 `json:"agentId"`
}

func (a *API) assignAgent(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	parcelID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == 0 {
		writeError(w, errors.Wrap(errBadRequest, "agentId is required"))
		return
	}

	actor := parcels.Actor{ID: ident.UserID, Role: ident.Role}
	if err := a.parcels.AssignAgent(r.Context(), parcelID, req.AgentID, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parcelId": parcelID, "agentId": req.AgentID, "status": models.StatusAssigned})
}

type statusRequest struct {
	Status   string           `json:"status"`
	Remarks  string           `json:"remarks"`
	Location *models.GeoPoint `json:"location"`
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	parcelID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, errors.Wrap(errBadRequest, "status is required"))
		return
	}

	actor := parcels.Actor{ID: ident.UserID, Role: ident.Role}
	oldStatus, newStatus, err := a.parcels.Transition(r.Context(), parcelID, req.Status, actor, req.Remarks, req.Location)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parcelId": parcelID, "oldStatus": oldStatus, "newStatus": newStatus})
}

type paymentRequest struct {
	Method  string  `json:"method"`
	Amount  float64 `json:"amount"`
	Success bool    `json:"success"`
}

func (a *API) recordPayment(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	parcelID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		writeError(w, errors.Wrap(errBadRequest, "payment amount is required"))
		return
	}

	if err := a.parcels.EmitPaymentEvent(r.Context(), ident.UserID, parcelID, req.Method, req.Amount, req.Success); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"parcelId": parcelID, "recorded": true})
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (a *API) pushAgentLocation(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agentID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errBadRequest, "invalid JSON body"))
		return
	}

	n, err := a.locations.PublishLocation(r.Context(), ident.UserID, agentID, req.Lat, req.Lng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "parcelsNotified": n})
}

func (a *API) getAgentLocation(w http.ResponseWriter, r *http.Request) {
	if _, err := callerIdentity(r); err != nil {
		writeError(w, err)
		return
	}
	agentID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	loc, err := a.locations.LastKnown(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if loc == nil {
		writeError(w, errors.Wrap(apperr.ErrNotFound, "no known location"))
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (a *API) getTrackingSnapshot(w http.ResponseWriter, r *http.Request) {
	tn := chi.URLParam(r, "trackingNumber")
	snap, err := a.parcels.TrackingSnapshot(r.Context(), tn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	unreadOnly := q.Get("unread") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, unread, err := a.notifier.List(r.Context(), ident.UserID, unreadOnly, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": toNotificationResponses(items),
		"unreadCount":   unread,
	})
}

func (a *API) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := a.notifier.MarkRead(r.Context(), id, ident.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid %s", name)
	}
	return id, nil
}
