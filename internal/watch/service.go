// Package watch drives scheduled monitoring sweeps and the retention job.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"trafficwatch/internal/config"
	"trafficwatch/internal/monitor"
	"trafficwatch/internal/storage"
	logx "trafficwatch/pkg/logx"
)

const defaultRetentionSchedule = "@every 1h"

// Service owns a cron runner. Each watch entry starts a monitoring run on its
// schedule; a route that is still being monitored when its schedule fires is
// skipped. The retention job prunes stored events and retained finished runs.
type Service struct {
	reg   *monitor.Registry
	store storage.Store // may be nil
	log   logx.Logger

	cron *cron.Cron
}

func New(reg *monitor.Registry, store storage.Store, log logx.Logger) *Service {
	return &Service{
		reg:   reg,
		store: store,
		log:   log,
		cron:  cron.New(),
	}
}

// ValidateSchedule reports whether spec is an acceptable cron spec or @every
// duration.
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// Apply installs the configured entries and starts the runner. Call once;
// entry changes require a restart.
func (s *Service) Apply(cfg config.WatchConfig) error {
	for _, e := range cfg.Entries {
		entry := e
		_, err := s.cron.AddFunc(entry.Schedule, func() { s.sweep(entry) })
		if err != nil {
			return errors.New("watch entry " + entry.Route.RouteID + ": " + err.Error())
		}
		s.log.Info("watch entry scheduled",
			logx.String("route", entry.Route.RouteID),
			logx.String("schedule", entry.Schedule),
		)
	}

	if err := s.scheduleRetention(cfg.Retention); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) sweep(entry config.WatchEntry) {
	if s.reg.IsActive(entry.Route.RouteID) {
		s.log.Debug("sweep skipped, run still active", logx.String("route", entry.Route.RouteID))
		return
	}
	if _, err := s.reg.Start(entry.Route); err != nil {
		s.log.Warn("sweep start failed",
			logx.String("route", entry.Route.RouteID),
			logx.Err(err),
		)
	}
}

func (s *Service) scheduleRetention(cfg config.RetentionConfig) error {
	eventsAge, err := config.ParseDurationField("watch.retention.events", cfg.Events)
	if err != nil {
		return err
	}
	finishedAge, err := config.ParseDurationOrDefault("watch.retention.finished", cfg.Finished, 24*time.Hour)
	if err != nil {
		return err
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}

	_, err = s.cron.AddFunc(schedule, func() { s.prune(eventsAge, finishedAge) })
	return err
}

func (s *Service) prune(eventsAge, finishedAge time.Duration) {
	dropped := s.reg.PruneFinished(finishedAge)
	if dropped > 0 {
		s.log.Debug("finished runs pruned", logx.Int("count", dropped))
	}

	if s.store == nil || eventsAge <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.store.PruneEventsBefore(ctx, time.Now().Add(-eventsAge))
	if err != nil {
		s.log.Warn("event prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("events pruned", logx.Int64("count", n))
	}
}
