package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/gorilla/mux"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/geofence"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/lib/routing"
	"github.com/dpup/resq/server/internal/notify"
	"github.com/dpup/resq/server/internal/render"
)

// API exposes the dispatch session to the responder UI over HTTP
type API struct {
	session  *DispatchSession
	scene    *render.Scene
	tray     *notify.Tray
	geofence *geofence.Evaluator
	router   *mux.Router
}

// NewAPI builds the router. scene, tray and evaluator may be nil, which
// disables their endpoints.
func NewAPI(session *DispatchSession, scene *render.Scene, tray *notify.Tray, evaluator *geofence.Evaluator) *API {
	a := &API{session: session, scene: scene, tray: tray, geofence: evaluator}

	router := mux.NewRouter()
	router.Use(requestLogger)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", a.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/map.kml", a.handleKML).Methods(http.MethodGet)
	api.HandleFunc("/select", a.handleRequestSelection).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{source}/{id}/select", a.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/routes/{index:[0-9]+}/tap", a.handleTapRoute).Methods(http.MethodPost)
	api.HandleFunc("/position", a.handlePosition).Methods(http.MethodPost)
	api.HandleFunc("/complete", a.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/notifications", a.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id:[0-9]+}", a.handleDismiss).Methods(http.MethodDelete)
	api.HandleFunc("/geofence/check", a.handleGeofence).Methods(http.MethodPost)

	a.router = router
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		r = r.WithContext(logging.EnsureLogger(r.Context()))
		next.ServeHTTP(w, r)
		logging.Debugw(r.Context(), "API: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(started))
	})
}

type keyRequest struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

type pointRequest struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lng"`
}

func (p pointRequest) point() (geo.Point, error) {
	if p.Latitude == nil || p.Longitude == nil {
		return geo.Point{}, errors.New("lat and lng are required")
	}
	return geo.NewPoint(*p.Latitude, *p.Longitude)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleKML(w http.ResponseWriter, r *http.Request) {
	if a.scene == nil {
		writeError(w, http.StatusNotFound, errors.New("map export is not enabled"))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	if err := a.scene.WriteKML(w); err != nil {
		logging.Errorw(r.Context(), "API: failed to write KML", "error", err)
	}
}

func (a *API) handleRequestSelection(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := parseKey(req.Source, req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.RequestSelection(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.session.Snapshot())
}

func (a *API) handleSelect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, err := parseKey(vars["source"], vars["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.SelectIncident(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleTapRoute(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.TapRoute(r.Context(), index); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := req.point()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.session.UpdatePosition(r.Context(), p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := a.session.MarkCompleted(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.session.Snapshot())
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if a.tray == nil {
		writeJSON(w, http.StatusOK, []notify.Alert{})
		return
	}
	writeJSON(w, http.StatusOK, a.tray.List())
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if a.tray == nil || !a.tray.Dismiss(int32(id)) {
		writeError(w, http.StatusNotFound, errors.New("notification not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGeofence(w http.ResponseWriter, r *http.Request) {
	if a.geofence == nil {
		writeError(w, http.StatusNotFound, errors.New("geofence is not configured"))
		return
	}
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := req.point()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.geofence.Evaluate(r.Context(), p))
}

func parseKey(source, id string) (incident.Key, error) {
	src, err := incident.ParseSource(source)
	if err != nil {
		return incident.Key{}, err
	}
	if id == "" {
		return incident.Key{}, errors.New("id is required")
	}
	return incident.Key{Source: src, ID: id}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, incident.ErrUnknownIncident):
		return http.StatusNotFound
	case errors.Is(err, ErrNoSelection):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNoSuchRoute):
		return http.StatusNotFound
	case errors.Is(err, ErrNoWriter):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	// Remaining failures come from the feed write-back
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
