package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trafficwatch/internal/activity"
	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/runtime/supervisor"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

var (
	// ErrAlreadyRunning means a run with the same RouteID is still active.
	ErrAlreadyRunning = errors.New("route is already being monitored")
	// ErrUnknownRoute means no active or retained run exists for the RouteID.
	ErrUnknownRoute = errors.New("no monitoring run for route")
)

// Registry owns every monitoring run, keyed by RouteID.
//
// At most one active run per route. Finished runs are retained so status and
// result queries keep working for a while after completion; PruneFinished
// trims them on the retention schedule.
type Registry struct {
	sup    *supervisor.Supervisor
	client *activity.Client
	log    logx.Logger
	bus    eventbus.Bus

	mu       sync.Mutex
	active   map[string]*Process
	finished map[string]*finishedRun
}

type finishedRun struct {
	proc       *Process
	finishedAt time.Time
}

func NewRegistry(sup *supervisor.Supervisor, client *activity.Client, log logx.Logger, bus eventbus.Bus) *Registry {
	return &Registry{
		sup:      sup,
		client:   client,
		log:      log,
		bus:      bus,
		active:   make(map[string]*Process),
		finished: make(map[string]*finishedRun),
	}
}

// Start launches a monitoring run for route. A second Start while the first
// run is still active fails with ErrAlreadyRunning; a retained finished run
// does not block a restart.
func (r *Registry) Start(route traffic.Route) (*Process, error) {
	if err := route.Validate(); err != nil {
		return nil, fmt.Errorf("invalid route: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.active[route.RouteID]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	proc := NewProcess(route, r.client, r.log, r.bus)
	r.active[route.RouteID] = proc
	// Restarting a route supersedes its retained previous run.
	delete(r.finished, route.RouteID)
	r.mu.Unlock()

	r.log.Info("monitoring run starting",
		logx.String("route", route.RouteID),
		logx.String("origin", route.Origin),
		logx.String("destination", route.Destination),
	)

	r.sup.Go0("monitor."+route.RouteID, func(ctx context.Context) {
		proc.Run(ctx)
		r.retire(proc)
	})
	return proc, nil
}

func (r *Registry) retire(proc *Process) {
	r.mu.Lock()
	if r.active[proc.RouteID()] == proc {
		delete(r.active, proc.RouteID())
		r.finished[proc.RouteID()] = &finishedRun{proc: proc, finishedAt: time.Now()}
	}
	r.mu.Unlock()
	r.log.Info("monitoring run finished",
		logx.String("route", proc.RouteID()),
		logx.String("state", string(proc.State())),
	)
}

// Find returns the run for routeID, active or retained.
func (r *Registry) Find(routeID string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.active[routeID]; ok {
		return p, true
	}
	if f, ok := r.finished[routeID]; ok {
		return f.proc, true
	}
	return nil, false
}

// IsActive reports whether a run for routeID is still in flight.
func (r *Registry) IsActive(routeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[routeID]
	return ok
}

// ActiveRoutes lists the RouteIDs currently being monitored.
func (r *Registry) ActiveRoutes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// Stop signals the active run for routeID to terminate at its next eligible
// checkpoint.
func (r *Registry) Stop(routeID string) error {
	r.mu.Lock()
	proc, ok := r.active[routeID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownRoute
	}
	return proc.Stop()
}

// UpdateRoute swaps the working route of the active run with the same RouteID.
func (r *Registry) UpdateRoute(route traffic.Route) error {
	r.mu.Lock()
	proc, ok := r.active[route.RouteID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownRoute
	}
	return proc.UpdateRoute(route)
}

// Result waits for the run's terminal result, active or retained.
func (r *Registry) Result(ctx context.Context, routeID string) (traffic.Result, error) {
	proc, ok := r.Find(routeID)
	if !ok {
		return traffic.Result{}, ErrUnknownRoute
	}
	return proc.Result(ctx)
}

// PruneFinished drops retained runs that finished before the retention
// window. Returns the number removed.
func (r *Registry) PruneFinished(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, f := range r.finished {
		if f.finishedAt.Before(cutoff) {
			delete(r.finished, id)
			n++
		}
	}
	return n
}
