// Package api exposes the monitoring surface over HTTP.
package api

import (
	"context"
	"net/http"

	"trafficwatch/internal/monitor"
	"trafficwatch/internal/storage"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// Monitor is the narrow surface the handlers need; *monitor.Registry
// satisfies it.
type Monitor interface {
	Start(route traffic.Route) (*monitor.Process, error)
	Find(routeID string) (*monitor.Process, bool)
	Stop(routeID string) error
	UpdateRoute(route traffic.Route) error
	Result(ctx context.Context, routeID string) (traffic.Result, error)
}

// NewRouter wires the handlers and returns the served http.Handler.
func NewRouter(mon Monitor, store storage.Store, log logx.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &handler{mon: mon, store: store, log: log}

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/monitor", h.start)
	mux.HandleFunc("GET /api/monitor/{routeID}", h.status)
	mux.HandleFunc("POST /api/monitor/{routeID}/stop", h.stop)
	mux.HandleFunc("PUT /api/monitor/{routeID}/route", h.updateRoute)
	mux.HandleFunc("GET /api/monitor/{routeID}/result", h.result)
	mux.HandleFunc("GET /api/monitor/{routeID}/events", h.events)

	return loggingMiddleware(mux, log)
}
