// Package routesapi observes route traffic through the Google Routes API,
// with a mock provider for unconfigured or test setups.
package routesapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trafficwatch/internal/traffic"
	logx "trafficwatch/pkg/logx"
)

const (
	defaultEndpoint = "https://routes.googleapis.com/directions/v2:computeRoutes"
	fieldMask       = "routes.duration,routes.staticDuration,routes.distanceMeters"
	sourceName      = "google_routes_api"
)

// Config for the live provider.
type Config struct {
	APIKey   string
	Endpoint string        // defaults to the Google computeRoutes endpoint
	Timeout  time.Duration // per-request; 0 means 10s
}

// Provider fetches real-time traffic via computeRoutes.
//
// Transport and API errors surface to the caller so the retry layer decides
// what to do with them.
type Provider struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Configured reports whether an API key is present.
func (p *Provider) Configured() bool { return strings.TrimSpace(p.cfg.APIKey) != "" }

type computeRequest struct {
	Origin            addressWaypoint `json:"origin"`
	Destination       addressWaypoint `json:"destination"`
	TravelMode        string          `json:"travelMode"`
	RoutingPreference string          `json:"routingPreference"`
}

type addressWaypoint struct {
	Address string `json:"address"`
}

func (p *Provider) Fetch(ctx context.Context, route traffic.Route) (traffic.Snapshot, error) {
	body, err := json.Marshal(computeRequest{
		Origin:            addressWaypoint{Address: route.Origin},
		Destination:       addressWaypoint{Address: route.Destination},
		TravelMode:        "DRIVE",
		RoutingPreference: "TRAFFIC_AWARE_OPTIMAL",
	})
	if err != nil {
		return traffic.Snapshot{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return traffic.Snapshot{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", p.cfg.APIKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := p.client.Do(req)
	if err != nil {
		return traffic.Snapshot{}, fmt.Errorf("routes api request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return traffic.Snapshot{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return traffic.Snapshot{}, fmt.Errorf("routes api status %d: %s", resp.StatusCode, firstLine(raw))
	}

	first := gjson.GetBytes(raw, "routes.0")
	if !first.Exists() {
		return traffic.Snapshot{}, fmt.Errorf("routes api returned no routes for %s", route.RouteID)
	}

	currentSec := durationSeconds(first.Get("duration"))
	staticSec := durationSeconds(first.Get("staticDuration"))
	if staticSec == 0 {
		staticSec = currentSec
	}

	currentMin := int(math.Ceil(float64(currentSec) / 60))
	staticMin := int(math.Ceil(float64(staticSec) / 60))
	impactMin := currentMin - staticMin

	snap := traffic.NewSnapshot(route.RouteID, currentMin, route.EstimatedDurationMinutes, impactMin, sourceName, time.Now())
	p.log.Debug("traffic observed",
		logx.String("route", route.RouteID),
		logx.Int("current_min", currentMin),
		logx.Int("static_min", staticMin),
		logx.Int("delay_min", snap.DelayMinutes),
		logx.String("condition", string(snap.Condition)),
	)
	return snap, nil
}

// durationSeconds parses the API's "<n>s" duration strings.
func durationSeconds(v gjson.Result) int64 {
	s := strings.TrimSuffix(v.String(), "s")
	if s == "" {
		return 0
	}
	return gjson.Parse(s).Int()
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
