package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the monitoring event log.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", persistence is disabled and lifecycle events
// only reach the structured log.
type Config struct {
	Driver      string
	Path        string        // file and sqlite drivers
	DSN         string        // postgres driver
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event is one monitoring lifecycle record.
// Keep it compact and schema-stable.
type Event struct {
	At          time.Time `json:"at"`
	RouteID     string    `json:"route_id"`
	Label       string    `json:"label"`
	DetailsJSON string    `json:"details,omitempty"`
}
