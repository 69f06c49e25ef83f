// Package monitor runs the per-route monitoring state machine and keeps a
// registry of active and recently finished runs.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"trafficwatch/internal/activity"
	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// State labels the phase a monitoring run is in. Observers see only committed
// states; a run never exposes a half-applied transition.
type State string

const (
	StateInitializing   State = "initializing"
	StateMonitoring     State = "monitoring"
	StateNoNotification State = "completed_no_notification"
	StateDelayDetected  State = "delay_detected"
	StateSending        State = "sending_notification"
	StateSuccess        State = "completed_success"
	StateError          State = "completed_error"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case StateNoNotification, StateSuccess, StateError, StateStopped, StateFailed:
		return true
	}
	return false
}

// Event is published on the bus at each lifecycle transition
// (monitor.started, monitor.delay_detected, monitor.completed, ...).
type Event struct {
	RouteID      string    `json:"route_id"`
	State        State     `json:"state"`
	DelayMinutes int       `json:"delay_minutes"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

var (
	// ErrFinished means a signal arrived after the run reached a terminal state.
	ErrFinished = errors.New("monitoring run already finished")
	// ErrMailboxFull means the signal mailbox is saturated.
	ErrMailboxFull = errors.New("signal mailbox full")
)

type signalKind int

const (
	sigStop signalKind = iota
	sigUpdateRoute
)

type signal struct {
	kind  signalKind
	route traffic.Route
}

// Process is one monitoring run.
//
// The run loop is the single owner of the working route and the stop flag.
// External callers interact through two one-way paths: signals go into a
// buffered mailbox and are drained in receipt order at the checkpoints
// between steps; queries read the committed view under a read lock and never
// block on the loop.
type Process struct {
	client *activity.Client
	log    logx.Logger
	bus    eventbus.Bus

	route   traffic.Route // working route, loop-owned after Run starts
	signals chan signal
	done    chan struct{}

	stopRequested bool // loop-owned

	mu       sync.RWMutex
	state    State
	snapshot *traffic.Snapshot
	outcome  *traffic.Outcome
	result   *traffic.Result

	startedAt time.Time
}

func NewProcess(route traffic.Route, client *activity.Client, log logx.Logger, bus eventbus.Bus) *Process {
	return &Process{
		client:  client,
		log:     log,
		bus:     bus,
		route:   route,
		signals: make(chan signal, 16),
		done:    make(chan struct{}),
		state:   StateInitializing,
	}
}

// RouteID returns the immutable identity of this run.
func (p *Process) RouteID() string { return p.route.RouteID }

// StartedAt returns when the run loop began, zero before Run.
func (p *Process) StartedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.startedAt
}

// Stop asks the run to terminate. The request is honored only at the
// checkpoint between delay detection and notification dispatch; a run that is
// past it completes normally.
func (p *Process) Stop() error {
	return p.send(signal{kind: sigStop})
}

// UpdateRoute replaces the working route for subsequent activity calls.
// The in-flight step keeps the route it started with. RouteID is identity
// and cannot change.
func (p *Process) UpdateRoute(route traffic.Route) error {
	if route.RouteID != p.route.RouteID {
		return errors.New("route_id mismatch")
	}
	if err := route.Validate(); err != nil {
		return err
	}
	return p.send(signal{kind: sigUpdateRoute, route: route})
}

func (p *Process) send(s signal) error {
	select {
	case <-p.done:
		return ErrFinished
	default:
	}
	select {
	case p.signals <- s:
		return nil
	default:
		return ErrMailboxFull
	}
}

// State returns the last committed state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// TrafficStatus returns the committed traffic snapshot, if one exists yet.
func (p *Process) TrafficStatus() (traffic.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snapshot == nil {
		return traffic.Snapshot{}, false
	}
	return *p.snapshot, true
}

// NotificationStatus returns the committed notification outcome, if any.
func (p *Process) NotificationStatus() (traffic.Outcome, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.outcome == nil {
		return traffic.Outcome{}, false
	}
	return *p.outcome, true
}

// Done is closed when the run reaches a terminal state.
func (p *Process) Done() <-chan struct{} { return p.done }

// Result blocks until the run finishes or ctx expires.
func (p *Process) Result(ctx context.Context) (traffic.Result, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return traffic.Result{}, ctx.Err()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.result, nil
}

// Run executes the state machine to completion. It always produces a Result:
// a fatal activity failure lands in state failed with the result describing
// it, never an error to the owner.
func (p *Process) Run(ctx context.Context) {
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.client.LogEvent(ctx, p.route.RouteID, "monitoring started", map[string]any{
		"origin":        p.route.Origin,
		"destination":   p.route.Destination,
		"threshold_min": p.route.DelayThresholdMinutes,
	})
	p.publish("monitor.started", StateMonitoring, 0, "")
	p.commitState(StateMonitoring)

	p.drainSignals()

	snap, err := p.client.FetchTraffic(ctx, p.route)
	if err != nil {
		p.fail(ctx, "fetch traffic", err)
		return
	}
	p.commitSnapshot(snap)
	p.client.LogEvent(ctx, p.route.RouteID, "traffic fetched", map[string]any{
		"delay_min":     snap.DelayMinutes,
		"current_min":   snap.CurrentDurationMinutes,
		"estimated_min": snap.EstimatedDurationMinutes,
		"condition":     string(snap.Condition),
		"source":        snap.Source,
	})

	p.drainSignals()

	// Threshold comparison uses the working route so an update that arrived
	// during the fetch takes effect here.
	if snap.DelayMinutes <= p.route.DelayThresholdMinutes {
		p.client.LogEvent(ctx, p.route.RouteID, "no notification needed", map[string]any{
			"delay_min":     snap.DelayMinutes,
			"threshold_min": p.route.DelayThresholdMinutes,
		})
		p.commitState(StateNoNotification)
		p.publish("monitor.completed", StateNoNotification, snap.DelayMinutes, "")
		p.finish(traffic.Result{
			RouteID:             p.route.RouteID,
			FinalDelayMinutes:   snap.DelayMinutes,
			MonitoringCompleted: true,
		})
		return
	}

	p.commitState(StateDelayDetected)
	p.client.LogEvent(ctx, p.route.RouteID, "delay detected", map[string]any{
		"delay_min":     snap.DelayMinutes,
		"threshold_min": p.route.DelayThresholdMinutes,
		"condition":     string(snap.Condition),
	})
	p.publish("monitor.delay_detected", StateDelayDetected, snap.DelayMinutes, "")

	// Last checkpoint before dispatch. A stop that arrived any time up to
	// here wins; past this point the notification goes out.
	p.drainSignals()
	if p.stopRequested {
		p.commitState(StateStopped)
		p.client.LogEvent(ctx, p.route.RouteID, "monitoring stopped", map[string]any{
			"delay_min": snap.DelayMinutes,
		})
		p.publish("monitor.stopped", StateStopped, snap.DelayMinutes, "")
		p.finish(traffic.Result{
			RouteID:             p.route.RouteID,
			FinalDelayMinutes:   snap.DelayMinutes,
			MonitoringCompleted: true,
		})
		return
	}

	p.commitState(StateSending)
	out, err := p.client.DispatchNotification(ctx, p.route, snap)
	if err != nil {
		p.fail(ctx, "dispatch notification", err)
		return
	}
	p.commitOutcome(out)

	final := StateSuccess
	if !out.Success {
		final = StateError
	}
	p.commitState(final)
	p.client.LogEvent(ctx, p.route.RouteID, "notification dispatched", map[string]any{
		"success": out.Success,
		"type":    out.Type,
		"error":   out.Error,
	})
	p.publish("monitor.completed", final, snap.DelayMinutes, out.Error)
	p.finish(traffic.Result{
		RouteID:             p.route.RouteID,
		FinalDelayMinutes:   snap.DelayMinutes,
		NotificationSent:    out.Success,
		NotificationDetails: &out,
		MonitoringCompleted: true,
	})
}

// drainSignals applies every queued signal in receipt order. It never blocks.
func (p *Process) drainSignals() {
	for {
		select {
		case s := <-p.signals:
			switch s.kind {
			case sigStop:
				p.stopRequested = true
				// Observers see "stopped" as soon as the request is taken, even
				// though the run only terminates at the dispatch checkpoint. A
				// later terminal transition overwrites it.
				p.commitState(StateStopped)
				p.log.Info("stop requested", logx.String("route", p.route.RouteID))
			case sigUpdateRoute:
				p.route = s.route
				p.log.Info("route updated",
					logx.String("route", p.route.RouteID),
					logx.Int("estimated_min", p.route.EstimatedDurationMinutes),
					logx.Int("threshold_min", p.route.DelayThresholdMinutes),
				)
			}
		default:
			return
		}
	}
}

func (p *Process) fail(ctx context.Context, step string, err error) {
	delay := 0
	if snap, ok := p.TrafficStatus(); ok {
		delay = snap.DelayMinutes
	}
	p.log.Error("monitoring run failed",
		logx.String("route", p.route.RouteID),
		logx.String("step", step),
		logx.Err(err),
	)
	p.commitState(StateFailed)
	p.client.LogEvent(ctx, p.route.RouteID, "monitoring failed", map[string]any{
		"step":  step,
		"error": err.Error(),
	})
	p.publish("monitor.failed", StateFailed, delay, err.Error())
	p.finish(traffic.Result{
		RouteID:             p.route.RouteID,
		FinalDelayMinutes:   delay,
		MonitoringCompleted: true,
	})
}

func (p *Process) finish(res traffic.Result) {
	p.mu.Lock()
	p.result = &res
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) commitState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) commitSnapshot(snap traffic.Snapshot) {
	p.mu.Lock()
	p.snapshot = &snap
	p.mu.Unlock()
}

func (p *Process) commitOutcome(out traffic.Outcome) {
	p.mu.Lock()
	p.outcome = &out
	p.mu.Unlock()
}

func (p *Process) publish(typ string, state State, delay int, errStr string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: Event{
		RouteID:      p.route.RouteID,
		State:        state,
		DelayMinutes: delay,
		Error:        errStr,
		At:           time.Now(),
	}})
}
