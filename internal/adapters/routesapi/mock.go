package routesapi

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// Mock simulates traffic by drawing the delay from a fixed set of realistic
// values. Used when no API key is configured and in tests.
type Mock struct {
	log logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

var mockDelays = []int{0, 5, 10, 15, 25, 35, 45}

func NewMock(log logx.Logger) *Mock {
	return &Mock{
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewMockSeeded returns a deterministic mock.
func NewMockSeeded(log logx.Logger, seed int64) *Mock {
	return &Mock{log: log, rng: rand.New(rand.NewSource(seed))}
}

func (m *Mock) Fetch(ctx context.Context, route traffic.Route) (traffic.Snapshot, error) {
	_ = ctx
	m.mu.Lock()
	delay := mockDelays[m.rng.Intn(len(mockDelays))]
	m.mu.Unlock()

	// Impact stays zero: the simulated slowdown is already the delay itself.
	snap := traffic.NewSnapshot(route.RouteID,
		route.EstimatedDurationMinutes+delay, route.EstimatedDurationMinutes,
		0, "mock", time.Now())
	m.log.Debug("mock traffic generated",
		logx.String("route", route.RouteID),
		logx.Int("delay_min", delay),
		logx.String("condition", string(snap.Condition)),
	)
	return snap, nil
}
