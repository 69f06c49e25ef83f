package activity

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// Client wraps an Activities implementation with the retry policy.
//
// Each invocation gets up to MaxAttempts tries with jittered exponential
// backoff between them. A NoRetry-wrapped error, or context cancellation,
// stops retrying immediately. The client performs no retries beyond the
// policy; exhaustion surfaces the last error to the caller.
type Client struct {
	acts   Activities
	policy RetryPolicy
	log    logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewClient(acts Activities, policy RetryPolicy, log logx.Logger) *Client {
	return &Client{
		acts:   acts,
		policy: policy.withDefaults(),
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the effective retry policy.
func (c *Client) Policy() RetryPolicy { return c.policy }

func (c *Client) FetchTraffic(ctx context.Context, route traffic.Route) (traffic.Snapshot, error) {
	return invoke(ctx, c, "fetch_traffic", func(ctx context.Context) (traffic.Snapshot, error) {
		return c.acts.FetchTraffic(ctx, route)
	})
}

func (c *Client) GenerateMessage(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	return invoke(ctx, c, "generate_message", func(ctx context.Context) (string, error) {
		return c.acts.GenerateMessage(ctx, routeID, delayMinutes, channel)
	})
}

func (c *Client) DispatchNotification(ctx context.Context, route traffic.Route, snap traffic.Snapshot) (traffic.Outcome, error) {
	return invoke(ctx, c, "dispatch_notification", func(ctx context.Context) (traffic.Outcome, error) {
		return c.acts.DispatchNotification(ctx, route, snap)
	})
}

// LogEvent is best-effort: after the retry budget it logs the failure and
// reports success to the caller so observability problems never abort a run.
func (c *Client) LogEvent(ctx context.Context, routeID, label string, details map[string]any) {
	_, err := invoke(ctx, c, "log_event", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.acts.LogEvent(ctx, routeID, label, details)
	})
	if err != nil {
		c.log.Warn("log event dropped", logx.String("route", routeID), logx.String("label", label), logx.Err(err))
	}
}

// Generator adapts the client's retrying GenerateMessage to the dispatcher's
// message-generation capability.
type Generator struct{ c *Client }

func (c *Client) Generator() Generator { return Generator{c: c} }

func (g Generator) Generate(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	return g.c.GenerateMessage(ctx, routeID, delayMinutes, channel)
}

func invoke[T any](ctx context.Context, c *Client, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		out     T
		lastErr error
	)
	p := c.policy
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var nr noRetryError
		if errors.As(err, &nr) {
			var zero T
			return zero, nr.err
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := c.backoffDelay(attempt)
		c.log.Debug("activity retry scheduled",
			logx.String("activity", name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			var zero T
			return zero, ctx.Err()
		case <-tmr.C:
		}
	}
	c.log.Warn("activity failed",
		logx.String("activity", name),
		logx.Int("attempts", p.MaxAttempts),
		logx.Err(lastErr),
	)
	return out, lastErr
}

// backoffDelay computes the sleep before the next attempt:
// initial * coeff^(attempt-1), capped at MaxInterval, with ±20% jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	p := c.policy
	d := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffCoefficient
		if d >= float64(p.MaxInterval) {
			d = float64(p.MaxInterval)
			break
		}
	}

	c.rngMu.Lock()
	r := (c.rng.Float64()*2 - 1) * 0.2
	c.rngMu.Unlock()

	out := time.Duration(d * (1 + r))
	if out < 0 {
		out = 0
	}
	if out > p.MaxInterval {
		out = p.MaxInterval
	}
	return out
}
