package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trafficwatch/internal/monitor"
	"trafficwatch/internal/storage"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// resultWait bounds how long GET /result blocks for a run to finish.
const resultWait = 30 * time.Second

type handler struct {
	mon   Monitor
	store storage.Store // may be nil
	log   logx.Logger
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("response encode failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.writeJSON(w, r, status, map[string]string{"error": msg})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	var route traffic.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	proc, err := h.mon.Start(route)
	if err != nil {
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			h.writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{
		"route_id": proc.RouteID(),
		"state":    string(proc.State()),
	})
}

type statusResponse struct {
	RouteID      string            `json:"route_id"`
	State        monitor.State     `json:"state"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	Traffic      *traffic.Snapshot `json:"traffic,omitempty"`
	Notification *traffic.Outcome  `json:"notification,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	proc, ok := h.mon.Find(r.PathValue("routeID"))
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "no monitoring run for route")
		return
	}
	resp := statusResponse{
		RouteID:   proc.RouteID(),
		State:     proc.State(),
		StartedAt: proc.StartedAt(),
	}
	if snap, ok := proc.TrafficStatus(); ok {
		resp.Traffic = &snap
	}
	if out, ok := proc.NotificationStatus(); ok {
		resp.Notification = &out
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("routeID")
	if err := h.mon.Stop(routeID); err != nil {
		switch {
		case errors.Is(err, monitor.ErrUnknownRoute), errors.Is(err, monitor.ErrFinished):
			h.writeError(w, r, http.StatusNotFound, err.Error())
		default:
			h.writeError(w, r, http.StatusConflict, err.Error())
		}
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{"route_id": routeID, "signal": "stop"})
}

func (h *handler) updateRoute(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("routeID")
	var route traffic.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if route.RouteID == "" {
		route.RouteID = routeID
	}
	if route.RouteID != routeID {
		h.writeError(w, r, http.StatusBadRequest, "route_id in body does not match path")
		return
	}
	if err := h.mon.UpdateRoute(route); err != nil {
		switch {
		case errors.Is(err, monitor.ErrUnknownRoute), errors.Is(err, monitor.ErrFinished):
			h.writeError(w, r, http.StatusNotFound, err.Error())
		default:
			h.writeError(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{"route_id": routeID, "signal": "update_route"})
}

func (h *handler) result(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("routeID")
	ctx, cancel := context.WithTimeout(r.Context(), resultWait)
	defer cancel()
	res, err := h.mon.Result(ctx, routeID)
	if err != nil {
		if errors.Is(err, monitor.ErrUnknownRoute) {
			h.writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		// Run still in flight after the bounded wait.
		h.writeError(w, r, http.StatusRequestTimeout, "monitoring run still in progress")
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, r, http.StatusNotImplemented, "event storage is disabled")
		return
	}
	events, err := h.store.EventsByRoute(r.Context(), r.PathValue("routeID"), 100)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	h.writeJSON(w, r, http.StatusOK, events)
}
