package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"trafficwatch/internal/runtime/supervisor"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

func testRegistry(t *testing.T, acts *scriptedActs) (*Registry, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return NewRegistry(sup, testClient(acts), logx.Nop(), nil), sup
}

func TestRegistryRejectsDuplicateActiveRoute(t *testing.T) {
	acts := &scriptedActs{delay: 25, outcome: outcomeOK(), fetchGate: make(chan struct{})}
	reg, _ := testRegistry(t, acts)

	proc, err := reg.Start(testRoute())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := reg.Start(testRoute()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	close(acts.fetchGate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := proc.Result(ctx); err != nil {
		t.Fatalf("result: %v", err)
	}
}

func TestRegistryRetainsFinishedRuns(t *testing.T) {
	acts := &scriptedActs{delay: 10}
	reg, _ := testRegistry(t, acts)

	proc, err := reg.Start(testRoute())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := proc.Result(ctx); err != nil {
		t.Fatalf("result: %v", err)
	}

	waitInactive(t, reg, "R-1")

	// Status queries keep working after completion.
	got, ok := reg.Find("R-1")
	if !ok || got.State() != StateNoNotification {
		t.Fatalf("finished run not retained: ok=%v", ok)
	}
	if res, err := reg.Result(context.Background(), "R-1"); err != nil || !res.MonitoringCompleted {
		t.Fatalf("result after completion: %v %+v", err, res)
	}

	// A retained run does not block a restart.
	if _, err := reg.Start(testRoute()); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
}

func TestRegistryStopAndUpdateRequireActiveRun(t *testing.T) {
	reg, _ := testRegistry(t, &scriptedActs{})
	if err := reg.Stop("nope"); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("stop: %v", err)
	}
	if err := reg.UpdateRoute(testRoute()); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("update: %v", err)
	}
	if _, err := reg.Result(context.Background(), "nope"); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("result: %v", err)
	}
}

func TestRegistryValidatesRoute(t *testing.T) {
	reg, _ := testRegistry(t, &scriptedActs{})
	bad := testRoute()
	bad.CustomerEmail = ""
	if _, err := reg.Start(bad); err == nil {
		t.Fatal("invalid route must be rejected before a run starts")
	}
}

func TestRegistryPruneFinished(t *testing.T) {
	acts := &scriptedActs{delay: 10}
	reg, _ := testRegistry(t, acts)

	proc, err := reg.Start(testRoute())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := proc.Result(ctx); err != nil {
		t.Fatalf("result: %v", err)
	}
	waitInactive(t, reg, "R-1")

	if n := reg.PruneFinished(time.Hour); n != 0 {
		t.Fatalf("fresh run pruned: %d", n)
	}
	if n := reg.PruneFinished(0); n != 1 {
		t.Fatalf("expected one pruned run, got %d", n)
	}
	if _, ok := reg.Find("R-1"); ok {
		t.Fatal("pruned run still findable")
	}
}

func outcomeOK() traffic.Outcome { return traffic.Outcome{Success: true} }

// waitInactive waits for the registry to retire the run after its result is
// available (retire happens just after the run goroutine finishes).
func waitInactive(t *testing.T, reg *Registry, routeID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reg.IsActive(routeID) {
		if time.Now().After(deadline) {
			t.Fatal("run never retired")
		}
		time.Sleep(time.Millisecond)
	}
}
