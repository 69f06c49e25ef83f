// Package storage persists the monitoring event log behind a small Store
// interface with interchangeable drivers.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "trafficwatch/pkg/logx"
)

// Store is the persistence API used by the activity layer and the HTTP
// surface. Implementations must be safe for concurrent use.
type Store interface {
	AppendEvent(ctx context.Context, e Event) error
	// EventsByRoute returns the most recent events for a route, newest first.
	// limit <= 0 means driver default.
	EventsByRoute(ctx context.Context, routeID string, limit int) ([]Event, error)
	// PruneEventsBefore deletes events observed before t and reports how many.
	PruneEventsBefore(ctx context.Context, t time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
