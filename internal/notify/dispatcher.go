package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// ChannelEvent is emitted on the bus for per-channel delivery results.
type ChannelEvent struct {
	RouteID   string    `json:"route_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Dispatcher owns the channel registry and implements the multi-channel
// notification algorithm:
//
//  1. channels = email iff the route has an email, sms iff it has a phone
//  2. per channel: generate a tailored message, then attempt delivery
//  3. different channels run concurrently; aggregation joins all of them
//  4. success = any channel succeeded; if all failed, the errors are
//     concatenated into one aggregate error string
type Dispatcher struct {
	reg     *Registry
	gen     Generator
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
}

func NewDispatcher(reg *Registry, gen Generator, log logx.Logger, bus eventbus.Bus, ratePerSec int) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Dispatcher{
		reg:     reg,
		gen:     gen,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// SetRate swaps the shared send rate limit at runtime.
func (d *Dispatcher) SetRate(ratePerSec int) {
	if ratePerSec <= 0 {
		return
	}
	d.limiter.SetLimit(rate.Limit(ratePerSec))
	d.limiter.SetBurst(ratePerSec)
}

type channelPlan struct {
	tag       string
	recipient string
}

// Dispatch sends the delay notification for route over every applicable
// channel and aggregates the results. It never returns an error: failures,
// including panics inside channel code, end up described on the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, route traffic.Route, snap traffic.Snapshot) (out traffic.Outcome) {
	out = traffic.Outcome{
		RouteID:      route.RouteID,
		DelayMinutes: snap.DelayMinutes,
		SentAt:       time.Now(),
		Type:         traffic.NotificationTypeFor(route),
	}

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Error = fmt.Sprintf("dispatch panic: %v", r)
			if out.Message == "" {
				out.Message = "no email message generated"
			}
			d.log.Error("notification dispatch panicked", logx.String("route", route.RouteID), logx.Any("panic", r))
		}
	}()

	plans := make([]channelPlan, 0, 2)
	if strings.TrimSpace(route.CustomerEmail) != "" {
		plans = append(plans, channelPlan{tag: traffic.ChannelEmail, recipient: route.CustomerEmail})
	}
	if strings.TrimSpace(route.CustomerPhone) != "" {
		plans = append(plans, channelPlan{tag: traffic.ChannelSMS, recipient: route.CustomerPhone})
	}
	if len(plans) == 0 {
		out.Message = "no email message generated"
		out.Error = "no notification channels available for route"
		return out
	}

	d.log.Debug("dispatching notification",
		logx.String("route", route.RouteID),
		logx.Int("delay_min", snap.DelayMinutes),
		logx.String("type", out.Type),
		logx.Any("configured", d.reg.Available()),
	)

	results := make([]traffic.ChannelResult, len(plans))
	var (
		wg      sync.WaitGroup
		msgMu   sync.Mutex
		primary string
	)
	for i, pl := range plans {
		wg.Add(1)
		go func(i int, pl channelPlan) {
			defer wg.Done()
			results[i] = d.sendOne(ctx, route.RouteID, pl, snap.DelayMinutes, &msgMu, &primary)
		}(i, pl)
	}
	// A join, not a race: a failed channel never short-circuits the others.
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
		if d.bus != nil {
			typ := "notify.sent"
			if !res.Success {
				typ = "notify.channel_failed"
			}
			d.bus.Publish(eventbus.Event{Type: typ, Data: ChannelEvent{
				RouteID:   route.RouteID,
				Channel:   res.Channel,
				Recipient: res.Recipient,
				Success:   res.Success,
				Error:     res.Error,
				At:        res.SentAt,
			}})
		}
	}

	out.Success = succeeded > 0
	msgMu.Lock()
	out.Message = primary
	msgMu.Unlock()
	if out.Message == "" {
		out.Message = "no email message generated"
	}

	if !out.Success {
		parts := make([]string, 0, len(results))
		for _, res := range results {
			parts = append(parts, fmt.Sprintf("%s: %s", res.Channel, res.Error))
		}
		out.Error = "all notifications failed: " + strings.Join(parts, "; ")
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: "notify.failed", Data: ChannelEvent{
				RouteID: route.RouteID,
				Error:   out.Error,
				At:      out.SentAt,
			}})
		}
	}

	d.log.Info("notification dispatched",
		logx.String("route", route.RouteID),
		logx.Int("channels", len(results)),
		logx.Int("succeeded", succeeded),
		logx.Bool("success", out.Success),
	)
	return out
}

func (d *Dispatcher) sendOne(ctx context.Context, routeID string, pl channelPlan, delayMinutes int, msgMu *sync.Mutex, primary *string) traffic.ChannelResult {
	fail := func(errStr string) traffic.ChannelResult {
		return traffic.ChannelResult{
			Success:   false,
			Channel:   pl.tag,
			Recipient: pl.recipient,
			Error:     errStr,
			SentAt:    time.Now(),
		}
	}

	msg, err := d.gen.Generate(ctx, routeID, delayMinutes, pl.tag)
	if err != nil {
		return fail("generate message: " + err.Error())
	}
	// The email-channel text becomes the outcome's message even when the
	// delivery itself fails.
	if pl.tag == traffic.ChannelEmail {
		msgMu.Lock()
		*primary = msg
		msgMu.Unlock()
	}

	ch, ok := d.reg.Get(pl.tag)
	if !ok {
		return fail("no channel registered for " + pl.tag)
	}
	if !ch.CanSend() {
		d.log.Warn("channel not configured, skipping", logx.String("route", routeID), logx.String("channel", pl.tag))
		return fail(pl.tag + " channel not configured")
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fail("rate limit wait: " + err.Error())
	}

	return ch.Send(ctx, Delivery{
		RouteID:      routeID,
		Message:      msg,
		Recipient:    pl.recipient,
		DelayMinutes: delayMinutes,
	})
}
