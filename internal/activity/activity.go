// Package activity defines the operations the monitoring process depends on
// and the retry policy every invocation runs under.
//
// The monitor never talks to a traffic provider, message generator, or
// notification channel directly: it calls the four named operations below
// through a retrying Client, and treats a retry-exhausted failure as fatal
// for that run.
package activity

import (
	"context"
	"time"

	"trafficwatch/internal/traffic"
)

// Activities is the contract between the monitoring process and its external
// collaborators. Implementations may fail transiently; callers invoke them
// through Client, which applies the retry policy.
type Activities interface {
	// FetchTraffic observes current conditions for the route. Idempotent.
	FetchTraffic(ctx context.Context, route traffic.Route) (traffic.Snapshot, error)

	// GenerateMessage produces a non-empty, channel-tailored delay message.
	// Idempotent.
	GenerateMessage(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error)

	// DispatchNotification fans the notification out to every applicable
	// channel and aggregates the results.
	//
	// The composite is retried as a whole unit, so a transient failure after
	// a partial success can cause a duplicate send on retry. That is an
	// accepted at-least-once tradeoff; channels needing exactly-once delivery
	// must add their own idempotency keys.
	DispatchNotification(ctx context.Context, route traffic.Route, snap traffic.Snapshot) (traffic.Outcome, error)

	// LogEvent records a monitoring lifecycle event. Best-effort: callers
	// must not fail a run because the sink is unavailable.
	LogEvent(ctx context.Context, routeID, label string, details map[string]any) error
}

// RetryPolicy controls the backoff applied to every activity invocation:
// start at InitialInterval, multiply by BackoffCoefficient per attempt, cap
// at MaxInterval, give up after MaxAttempts total attempts.
type RetryPolicy struct {
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64
	MaxAttempts        int
}

// DefaultRetryPolicy returns the policy monitoring runs use unless
// configured otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    2 * time.Second,
		MaxInterval:        30 * time.Second,
		BackoffCoefficient: 2.0,
		MaxAttempts:        3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = def.BackoffCoefficient
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}
