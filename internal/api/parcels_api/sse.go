package parcels_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/services/parcels"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

const heartbeatInterval = 25 * time.Second

// streamTracking — публичная подписка на комнату tracking:<tn> (SSE).
// Достаточно знать трек-номер, как и для snapshot-запроса.
func (a *API) streamTracking(w http.ResponseWriter, r *http.Request) {
	tn := chi.URLParam(r, "trackingNumber")
	if _, err := a.parcels.TrackingSnapshot(r.Context(), tn); err != nil {
		writeError(w, err)
		return
	}
	a.streamRoom(w, r, realtime.TrackingRoom(tn))
}

// streamUserEvents — персональный канал user:<id>. Только сам пользователь
// или админ.
func (a *API) streamUserEvents(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if ident.UserID != userID && ident.Role != parcels.RoleAdmin {
		writeError(w, errors.Wrap(apperr.ErrUnauthorized, "cannot join another user's channel"))
		return
	}
	a.streamRoom(w, r, realtime.UserRoom(userID))
}

// streamAdminRoom — мониторинговые комнаты admin:<room>, только для админов.
func (a *API) streamAdminRoom(w http.ResponseWriter, r *http.Request) {
	ident, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if ident.Role != parcels.RoleAdmin {
		writeError(w, errors.Wrap(apperr.ErrUnauthorized, "admin room requires admin role"))
		return
	}
	a.streamRoom(w, r, realtime.AdminRoom(chi.URLParam(r, "room")))
}

// streamRoom держит SSE-соединение: подписка на комнату хаба, heartbeat,
// отписка при разрыве. Медленный клиент теряет события (буфер комнаты),
// но соединение не блокирует паблишеров.
func (a *API) streamRoom(w http.ResponseWriter, r *http.Request, room string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	sub := a.hub.Subscribe(room, a.roomBuffer)
	defer a.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": joined %s\n\n", room)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		}
	}
}
