package traffic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel tags used across the notification pipeline.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Notification type reported on an Outcome.
const (
	NotifyEmail = "email"
	NotifySMS   = "sms"
	NotifyBoth  = "both"
)

// Route describes one delivery route under monitoring.
//
// RouteID is the identity key for a monitoring run and is immutable once a run
// starts. The rest of the fields form the "working route": an update-route
// signal replaces them for subsequent activity calls.
type Route struct {
	RouteID                  string `json:"route_id"`
	Origin                   string `json:"origin"`
	Destination              string `json:"destination"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
	CustomerEmail            string `json:"customer_email"`
	CustomerPhone            string `json:"customer_phone,omitempty"`
	DelayThresholdMinutes    int    `json:"delay_threshold_minutes"`
}

// Validate checks the fields required before a monitoring run may start.
func (r Route) Validate() error {
	if strings.TrimSpace(r.RouteID) == "" {
		return errors.New("route_id is required")
	}
	if strings.TrimSpace(r.Origin) == "" {
		return errors.New("origin is required")
	}
	if strings.TrimSpace(r.Destination) == "" {
		return errors.New("destination is required")
	}
	if strings.TrimSpace(r.CustomerEmail) == "" {
		return errors.New("customer_email is required")
	}
	if r.EstimatedDurationMinutes <= 0 {
		return fmt.Errorf("estimated_duration_minutes must be > 0 (got %d)", r.EstimatedDurationMinutes)
	}
	if r.DelayThresholdMinutes <= 0 {
		return fmt.Errorf("delay_threshold_minutes must be > 0 (got %d)", r.DelayThresholdMinutes)
	}
	return nil
}

// Snapshot is the traffic observation for one monitoring run.
// It is produced once per run and never mutated afterwards.
type Snapshot struct {
	RouteID                  string    `json:"route_id"`
	CurrentDurationMinutes   int       `json:"current_duration_minutes"`
	EstimatedDurationMinutes int       `json:"estimated_duration_minutes"`
	DelayMinutes             int       `json:"delay_minutes"`
	Condition                Condition `json:"condition"`
	Source                   string    `json:"source"`
	ObservedAt               time.Time `json:"observed_at"`
}

// NewSnapshot builds a Snapshot, clamping the delay at zero so a
// faster-than-estimated trip never reports a negative delay.
func NewSnapshot(routeID string, currentMin, estimatedMin, impactMin int, source string, observedAt time.Time) Snapshot {
	delay := currentMin - estimatedMin
	if delay < 0 {
		delay = 0
	}
	return Snapshot{
		RouteID:                  routeID,
		CurrentDurationMinutes:   currentMin,
		EstimatedDurationMinutes: estimatedMin,
		DelayMinutes:             delay,
		Condition:                Classify(delay, impactMin),
		Source:                   source,
		ObservedAt:               observedAt,
	}
}

// ChannelResult is the outcome of a single delivery attempt on one channel.
// Results exist only for aggregation; they are not persisted.
type ChannelResult struct {
	Success   bool      `json:"success"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Outcome aggregates the per-channel delivery results of one notification.
//
// Success is true iff at least one channel succeeded. Message carries the
// email-channel text when the email channel was attempted, regardless of
// whether that delivery succeeded. Error is set only when every attempted
// channel failed (or dispatch broke before any attempt).
type Outcome struct {
	RouteID      string    `json:"route_id"`
	Success      bool      `json:"success"`
	DelayMinutes int       `json:"delay_minutes"`
	Message      string    `json:"message"`
	SentAt       time.Time `json:"sent_at"`
	Type         string    `json:"notification_type"`
	Error        string    `json:"error,omitempty"`
}

// Result is the terminal value of a monitoring run.
//
// Every terminal path sets MonitoringCompleted; a run never surfaces an error
// to its owner in place of a Result.
type Result struct {
	RouteID             string   `json:"route_id"`
	FinalDelayMinutes   int      `json:"final_delay_minutes"`
	NotificationSent    bool     `json:"notification_sent"`
	NotificationDetails *Outcome `json:"notification_details,omitempty"`
	MonitoringCompleted bool     `json:"monitoring_completed"`
}

// NotificationTypeFor reports which notification type a route's contact
// fields imply: "both" iff email and phone are both present, otherwise the
// single available channel tag.
func NotificationTypeFor(r Route) string {
	hasEmail := strings.TrimSpace(r.CustomerEmail) != ""
	hasPhone := strings.TrimSpace(r.CustomerPhone) != ""
	switch {
	case hasEmail && hasPhone:
		return NotifyBoth
	case hasPhone:
		return NotifySMS
	default:
		return NotifyEmail
	}
}
