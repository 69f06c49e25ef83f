// Package app is the composition root: it wires config, logging, storage,
// adapters, the monitor registry, and the surrounding services into one
// daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"trafficwatch/internal/activity"
	"trafficwatch/internal/adapters/llm"
	"trafficwatch/internal/adapters/mailer"
	"trafficwatch/internal/adapters/routesapi"
	"trafficwatch/internal/adapters/smsgw"
	"trafficwatch/internal/api"
	"trafficwatch/internal/config"
	"trafficwatch/internal/eventbus"
	"trafficwatch/internal/monitor"
	"trafficwatch/internal/notify"
	"trafficwatch/internal/opsalert"
	"trafficwatch/internal/runtime/supervisor"
	"trafficwatch/internal/storage"
	"trafficwatch/internal/watch"
	logx "trafficwatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store      storage.Store // may be nil
	local      *activity.Local
	client     *activity.Client
	dispatcher *notify.Dispatcher
	registry   *monitor.Registry
	watcher    *watch.Service
	ops        *opsalert.Service // nil when disabled

	httpSrv *http.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	provider, err := buildProvider(cfg, log)
	if err != nil {
		return nil, err
	}
	gen := buildGenerator(cfg, log)

	local := activity.NewLocal(provider, gen, store, log.With(logx.String("comp", "activity")), bus)
	client := activity.NewClient(local, retryPolicy(cfg), log.With(logx.String("comp", "activity")))

	reg := notify.NewRegistry(
		mailer.New(mailer.Config{
			APIKey:    firstNonEmpty(cfg.Channels.Email.APIKey, os.Getenv("MAILJET_API_KEY")),
			SecretKey: firstNonEmpty(cfg.Channels.Email.SecretKey, os.Getenv("MAILJET_SECRET_KEY")),
			FromEmail: firstNonEmpty(cfg.Channels.Email.FromEmail, os.Getenv("FROM_EMAIL")),
			FromName:  cfg.Channels.Email.FromName,
		}, log.With(logx.String("comp", "mailer"))),
		smsgw.New(smsgw.Config{
			AccountSID: firstNonEmpty(cfg.Channels.SMS.AccountSID, os.Getenv("TWILIO_ACCOUNT_SID")),
			AuthToken:  firstNonEmpty(cfg.Channels.SMS.AuthToken, os.Getenv("TWILIO_AUTH_TOKEN")),
			FromNumber: firstNonEmpty(cfg.Channels.SMS.FromNumber, os.Getenv("TWILIO_PHONE_NUMBER")),
		}, log.With(logx.String("comp", "smsgw"))),
	)
	dispatcher := notify.NewDispatcher(reg, client.Generator(),
		log.With(logx.String("comp", "notify")), bus, cfg.Notify.RatePerSec)
	local.AttachDispatcher(dispatcher)

	ops, err := opsalert.New(opsalert.Config{
		Enabled:    cfg.OpsAlert.Enabled,
		Token:      cfg.OpsAlert.Token,
		ChatID:     cfg.OpsAlert.ChatID,
		RatePerMin: cfg.OpsAlert.RatePerMin,
	}, bus, log.With(logx.String("comp", "opsalert")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		logs:       logs,
		log:        log.With(logx.String("comp", "app")),
		bus:        bus,
		store:      store,
		local:      local,
		client:     client,
		dispatcher: dispatcher,
		ops:        ops,
	}, nil
}

// Registry exposes the monitor registry; nil before Start.
func (a *App) Registry() *monitor.Registry { return a.registry }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.registry = monitor.NewRegistry(a.sup, a.client,
		a.log.With(logx.String("comp", "monitor")), a.bus)

	cfg := a.cfgm.Get()

	a.watcher = watch.New(a.registry, a.store, a.log.With(logx.String("comp", "watch")))
	if err := a.watcher.Apply(cfg.Watch); err != nil {
		return err
	}

	if a.ops != nil {
		a.sup.GoRestart("opsalert", a.ops.Run)
	}

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = "127.0.0.1:8080"
		}
		a.httpSrv = &http.Server{
			Addr:              addr,
			Handler:           api.NewRouter(a.registry, a.store, a.log.With(logx.String("comp", "api"))),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.sup.Go("http", func(ctx context.Context) error {
			err := a.httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		a.log.Info("http listening", logx.String("addr", addr))
	}

	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		for i, e := range cfg.Watch.Entries {
			if err := watch.ValidateSchedule(e.Schedule); err != nil {
				return fmt.Errorf("watch.entries[%d].schedule: %w", i, err)
			}
		}
		return nil
	})
	sub := a.cfgm.Subscribe(2)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("trafficwatch started")
	return nil
}

// applyReload hot-applies the reloadable sections. Storage driver, API
// address, and watch entries are fixed until restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.dispatcher.SetRate(cfg.Notify.RatePerSec)
	if a.ops != nil {
		a.ops.SetRate(cfg.OpsAlert.RatePerMin)
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	if a.watcher != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.watcher.Stop(stopCtx)
		cancel()
	}
	if a.httpSrv != nil {
		shCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.httpSrv.Shutdown(shCtx)
		cancel()
	}

	err := a.sup.Stop(ctx)

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("storage close failed", logx.Err(cerr))
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func buildProvider(cfg *config.Config, log logx.Logger) (activity.TrafficProvider, error) {
	key := firstNonEmpty(cfg.Traffic.GoogleMapsAPIKey, os.Getenv("GOOGLE_MAPS_API_KEY"))
	if key == "" {
		log.Warn("no Google Maps API key configured, using mock traffic data")
		return routesapi.NewMock(log.With(logx.String("comp", "routesapi"))), nil
	}
	timeout, err := config.ParseDurationField("traffic.timeout", cfg.Traffic.Timeout)
	if err != nil {
		return nil, err
	}
	return routesapi.New(routesapi.Config{
		APIKey:   key,
		Endpoint: cfg.Traffic.Endpoint,
		Timeout:  timeout,
	}, log.With(logx.String("comp", "routesapi"))), nil
}

func buildGenerator(cfg *config.Config, log logx.Logger) notify.Generator {
	key := firstNonEmpty(cfg.LLM.APIKey, os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		log.Warn("no OpenAI API key configured, using template messages")
		return llm.Template{}
	}
	return llm.New(llm.Config{APIKey: key, Model: cfg.LLM.Model},
		log.With(logx.String("comp", "llm")))
}

func retryPolicy(cfg *config.Config) activity.RetryPolicy {
	p := activity.RetryPolicy{
		BackoffCoefficient: cfg.Retry.BackoffCoefficient,
		MaxAttempts:        cfg.Retry.MaxAttempts,
	}
	// Validated at load time; parse errors cannot reach here.
	p.InitialInterval, _ = config.ParseDurationField("retry.initial_interval", cfg.Retry.InitialInterval)
	p.MaxInterval, _ = config.ParseDurationField("retry.max_interval", cfg.Retry.MaxInterval)
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
