// Package notify fans a delay notification out over the registered channels
// and aggregates per-channel results into a single outcome.
package notify

import (
	"context"
	"sort"
	"sync"

	"trafficwatch/internal/traffic"
)

// Delivery is the payload handed to a channel for one send attempt.
type Delivery struct {
	RouteID      string
	Message      string
	Recipient    string
	DelayMinutes int
}

// Channel is one way of reaching a customer (email, sms, ...).
//
// Send never returns an error: a failed attempt is captured in the returned
// ChannelResult so the dispatcher can aggregate partial failures.
// Implementations must be safe for concurrent use across monitoring runs.
type Channel interface {
	// Type returns the channel tag ("email", "sms").
	Type() string

	// CanSend reports whether the channel is operationally configured
	// (provider credentials present).
	CanSend() bool

	Send(ctx context.Context, d Delivery) traffic.ChannelResult
}

// Generator produces a channel-tailored delay message.
// The dispatcher is handed a retrying generator, so a returned error means
// the retry budget is already spent.
type Generator interface {
	Generate(ctx context.Context, routeID string, delayMinutes int, channel string) (string, error)
}

// Registry maps channel tags to implementations. Adding a channel means
// registering a new implementation, not touching the dispatcher.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		r.Register(ch)
	}
	return r
}

func (r *Registry) Register(ch Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	r.channels[ch.Type()] = ch
	r.mu.Unlock()
}

func (r *Registry) Get(tag string) (Channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[tag]
	r.mu.RUnlock()
	return ch, ok
}

// Available lists the tags of channels that are currently configured.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for tag, ch := range r.channels {
		if ch.CanSend() {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}
