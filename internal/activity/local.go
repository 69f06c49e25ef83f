package activity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/notify"
	"trafficwatch/internal/storage"
	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

// TrafficProvider observes current conditions for a route.
type TrafficProvider interface {
	Fetch(ctx context.Context, route traffic.Route) (traffic.Snapshot, error)
}

// Local is the in-process Activities implementation. It delegates to the
// configured traffic provider, message generator, and dispatcher, and sinks
// log events into the structured log plus the optional event store.
type Local struct {
	provider TrafficProvider
	gen      notify.Generator
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store // may be nil (persistence disabled)

	dispatcher *notify.Dispatcher
}

func NewLocal(provider TrafficProvider, gen notify.Generator, store storage.Store, log logx.Logger, bus eventbus.Bus) *Local {
	return &Local{
		provider: provider,
		gen:      gen,
		store:    store,
		log:      log,
		bus:      bus,
	}
}

// AttachDispatcher completes wiring. The dispatcher itself generates messages
// through the retrying Client, so it can only be built after the Client that
// wraps this Local. Hence the two-step construction.
func (l *Local) AttachDispatcher(d *notify.Dispatcher) { l.dispatcher = d }

func (l *Local) FetchTraffic(ctx context.Context, route traffic.Route) (traffic.Snapshot, error) {
	if l.provider == nil {
		return traffic.Snapshot{}, NoRetry(errors.New("no traffic provider configured"))
	}
	return l.provider.Fetch(ctx, route)
}

func (l *Local) GenerateMessage(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error) {
	if l.gen == nil {
		return "", NoRetry(errors.New("no message generator configured"))
	}
	msg, err := l.gen.Generate(ctx, routeID, delayMinutes, channel)
	if err != nil {
		return "", err
	}
	if msg == "" {
		return "", errors.New("generator returned an empty message")
	}
	return msg, nil
}

func (l *Local) DispatchNotification(ctx context.Context, route traffic.Route, snap traffic.Snapshot) (traffic.Outcome, error) {
	if l.dispatcher == nil {
		return traffic.Outcome{}, NoRetry(errors.New("no dispatcher attached"))
	}
	return l.dispatcher.Dispatch(ctx, route, snap), nil
}

func (l *Local) LogEvent(ctx context.Context, routeID, label string, details map[string]any) error {
	l.log.Info(label, append([]logx.Field{logx.String("route", routeID)}, detailFields(details)...)...)

	if l.store == nil {
		return nil
	}
	var detailsJSON string
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return NoRetry(err)
		}
		detailsJSON = string(b)
	}
	return l.store.AppendEvent(ctx, storage.Event{
		At:          time.Now(),
		RouteID:     routeID,
		Label:       label,
		DetailsJSON: detailsJSON,
	})
}

func detailFields(details map[string]any) []logx.Field {
	if len(details) == 0 {
		return nil
	}
	out := make([]logx.Field, 0, len(details))
	for k, v := range details {
		out = append(out, logx.Any(k, v))
	}
	return out
}
