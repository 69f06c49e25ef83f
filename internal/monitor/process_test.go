package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trafficwatch/internal/activity"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// scriptedActs drives a run from a test script.
type scriptedActs struct {
	mu sync.Mutex

	delay       int
	fetchErr    error
	outcome     traffic.Outcome
	dispatchErr error

	fetchStarted chan struct{} // closed when the first fetch begins, if set
	fetchGate    chan struct{} // fetch blocks on this until closed, if set

	fetchedRoutes    []traffic.Route
	dispatchedRoutes []traffic.Route
	labels           []string
}

func (s *scriptedActs) FetchTraffic(ctx context.Context, route traffic.Route) (traffic.Snapshot, error) {
	s.mu.Lock()
	started := s.fetchStarted
	s.fetchStarted = nil
	gate := s.fetchGate
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return traffic.Snapshot{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchedRoutes = append(s.fetchedRoutes, route)
	if s.fetchErr != nil {
		return traffic.Snapshot{}, s.fetchErr
	}
	return traffic.NewSnapshot(route.RouteID,
		route.EstimatedDurationMinutes+s.delay, route.EstimatedDurationMinutes,
		0, "mock", time.Now()), nil
}

func (s *scriptedActs) GenerateMessage(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	return "msg", nil
}

func (s *scriptedActs) DispatchNotification(ctx context.Context, route traffic.Route, snap traffic.Snapshot) (traffic.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchedRoutes = append(s.dispatchedRoutes, route)
	if s.dispatchErr != nil {
		return traffic.Outcome{}, s.dispatchErr
	}
	out := s.outcome
	out.RouteID = route.RouteID
	out.DelayMinutes = snap.DelayMinutes
	return out, nil
}

func (s *scriptedActs) LogEvent(ctx context.Context, routeID, label string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, label)
	return nil
}

func (s *scriptedActs) dispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatchedRoutes)
}

func testClient(acts activity.Activities) *activity.Client {
	return activity.NewClient(acts, activity.RetryPolicy{
		InitialInterval:    time.Millisecond,
		MaxInterval:        5 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxAttempts:        2,
	}, logx.Nop())
}

func testRoute() traffic.Route {
	return traffic.Route{
		RouteID:                  "R-1",
		Origin:                   "Warehouse A",
		Destination:              "Customer B",
		EstimatedDurationMinutes: 30,
		CustomerEmail:            "c@example.com",
		CustomerPhone:            "+15551234567",
		DelayThresholdMinutes:    15,
	}
}

func runToResult(t *testing.T, p *Process) traffic.Result {
	t.Helper()
	go p.Run(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Result(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	return res
}

func TestRunNoNotificationNeeded(t *testing.T) {
	acts := &scriptedActs{delay: 10}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)

	res := runToResult(t, p)
	if p.State() != StateNoNotification {
		t.Fatalf("state = %q", p.State())
	}
	if res.NotificationSent || !res.MonitoringCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FinalDelayMinutes != 10 {
		t.Fatalf("final delay = %d", res.FinalDelayMinutes)
	}
	if acts.dispatchCount() != 0 {
		t.Fatal("dispatch must not run below the threshold")
	}
}

func TestRunDelayDetectedAndNotified(t *testing.T) {
	acts := &scriptedActs{delay: 25, outcome: traffic.Outcome{Success: true, Message: "hi", Type: traffic.NotifyBoth}}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)

	res := runToResult(t, p)
	if p.State() != StateSuccess {
		t.Fatalf("state = %q", p.State())
	}
	if !res.NotificationSent || res.FinalDelayMinutes != 25 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.NotificationDetails == nil || res.NotificationDetails.Message != "hi" {
		t.Fatalf("missing notification details: %+v", res.NotificationDetails)
	}
	if snap, ok := p.TrafficStatus(); !ok || snap.DelayMinutes != 25 {
		t.Fatalf("snapshot query: ok=%v snap=%+v", ok, snap)
	}
	if out, ok := p.NotificationStatus(); !ok || !out.Success {
		t.Fatalf("outcome query: ok=%v out=%+v", ok, out)
	}
}

func TestRunNotificationFailureIsCompletedError(t *testing.T) {
	acts := &scriptedActs{delay: 25, outcome: traffic.Outcome{Success: false, Error: "all notifications failed: email: E1"}}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)

	res := runToResult(t, p)
	if p.State() != StateError {
		t.Fatalf("state = %q", p.State())
	}
	if res.NotificationSent {
		t.Fatal("failed notification must not report sent")
	}
	if !res.MonitoringCompleted {
		t.Fatal("run must still complete")
	}
	if res.NotificationDetails == nil || res.NotificationDetails.Error == "" {
		t.Fatalf("details must carry the aggregate error: %+v", res.NotificationDetails)
	}
}

func TestStopHonoredBeforeDispatch(t *testing.T) {
	acts := &scriptedActs{delay: 25, outcome: traffic.Outcome{Success: true}}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	res := runToResult(t, p)
	if p.State() != StateStopped {
		t.Fatalf("state = %q", p.State())
	}
	if res.NotificationSent || !res.MonitoringCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FinalDelayMinutes != 25 {
		t.Fatalf("stopped run keeps the observed delay, got %d", res.FinalDelayMinutes)
	}
	if acts.dispatchCount() != 0 {
		t.Fatal("stop must win at the dispatch checkpoint")
	}
}

func TestStopDoesNotOverrideNoNotification(t *testing.T) {
	acts := &scriptedActs{delay: 10}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	res := runToResult(t, p)
	if p.State() != StateNoNotification {
		t.Fatalf("below-threshold run completes normally, state = %q", p.State())
	}
	if !res.MonitoringCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUpdateRouteAffectsLaterSteps(t *testing.T) {
	acts := &scriptedActs{
		delay:        25,
		outcome:      traffic.Outcome{Success: true},
		fetchStarted: make(chan struct{}),
		fetchGate:    make(chan struct{}),
	}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)
	go p.Run(context.Background())

	<-acts.fetchStarted
	// Raise the threshold while the fetch is in flight; the update must apply
	// at the next checkpoint, before the threshold comparison.
	updated := testRoute()
	updated.DelayThresholdMinutes = 40
	if err := p.UpdateRoute(updated); err != nil {
		t.Fatalf("update route: %v", err)
	}
	close(acts.fetchGate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Result(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	if p.State() != StateNoNotification {
		t.Fatalf("updated threshold must suppress the notification, state = %q", p.State())
	}
	if res.NotificationSent {
		t.Fatal("no notification expected after threshold update")
	}

	// The in-flight fetch still saw the original route.
	acts.mu.Lock()
	fetched := acts.fetchedRoutes[0]
	acts.mu.Unlock()
	if fetched.DelayThresholdMinutes != 15 {
		t.Fatalf("in-flight step must keep its route, got threshold %d", fetched.DelayThresholdMinutes)
	}
}

func TestUpdateRouteRejectsIdentityChange(t *testing.T) {
	p := NewProcess(testRoute(), testClient(&scriptedActs{}), logx.Nop(), nil)
	other := testRoute()
	other.RouteID = "R-2"
	if err := p.UpdateRoute(other); err == nil {
		t.Fatal("route_id change must be rejected")
	}
}

func TestFatalFetchFailure(t *testing.T) {
	acts := &scriptedActs{fetchErr: activity.NoRetry(errors.New("bad key"))}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)

	res := runToResult(t, p)
	if p.State() != StateFailed {
		t.Fatalf("state = %q", p.State())
	}
	if !res.MonitoringCompleted {
		t.Fatal("failed run must still complete")
	}
	if res.FinalDelayMinutes != 0 || res.NotificationSent {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSignalsAfterFinishAreRejected(t *testing.T) {
	acts := &scriptedActs{delay: 10}
	p := NewProcess(testRoute(), testClient(acts), logx.Nop(), nil)
	runToResult(t, p)

	if err := p.Stop(); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
}
