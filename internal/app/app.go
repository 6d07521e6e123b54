// Package app wires the service together: config, logging, storage, the
// session registry, the dispatch controller and the http adapter.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"github.com/Guzinn01/disp-whtas/internal/config"
	"github.com/Guzinn01/disp-whtas/internal/dispatch"
	"github.com/Guzinn01/disp-whtas/internal/eventbus"
	"github.com/Guzinn01/disp-whtas/internal/httpd"
	"github.com/Guzinn01/disp-whtas/internal/runtime/supervisor"
	"github.com/Guzinn01/disp-whtas/internal/session"
	"github.com/Guzinn01/disp-whtas/internal/store"
	"github.com/Guzinn01/disp-whtas/internal/wa"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      store.Store
	registry   *session.Registry
	dispatcher *dispatch.Service
	server     *httpd.Server
	cron       *cron.Cron

	sup *supervisor.Supervisor
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	logSvc.SetBus(bus)

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	waMgr, err := wa.NewManager(ctx, wa.ManagerConfig{
		StorePath:     cfg.WhatsApp.StorePath,
		CountryPrefix: cfg.WhatsApp.CountryPrefix,
		LogLevel:      cfg.WhatsApp.LogLevel,
	}, log.With(logx.String("comp", "wa")))
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(waMgr.NewClient, st, bus,
		log.With(logx.String("comp", "session")))

	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pausePoll, err := config.ParseDurationOrDefault("dispatch.pause_poll", cfg.Dispatch.PausePoll, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(registry, st, bus,
		log.With(logx.String("comp", "dispatch")),
		dispatch.Config{
			SendTimeout:     sendTimeout,
			PausePoll:       pausePoll,
			Placeholder:     cfg.Dispatch.Placeholder,
			RegisteredCheck: cfg.Dispatch.RegisteredCheck,
		})

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      st,
		registry:   registry,
		dispatcher: dispatcher,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	cfg := a.cfgm.Get()

	a.server = httpd.NewServer(a.sup.Context(), httpd.Config{Addr: cfg.HTTP.Addr},
		a.registry, a.dispatcher, a.store, a.bus,
		a.log.With(logx.String("comp", "http")))

	a.sup.Go("http.server", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- a.server.Start() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.server.Shutdown(sctx)
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		updates := a.cfgm.Subscribe(1)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-updates:
				// Only logging reacts to hot reloads; everything else needs a restart.
				a.logs.Apply(mapLogConfig(next))
			}
		}
	})

	if err := a.startMaintenance(cfg); err != nil {
		return err
	}

	// Under systemd, Type=notify units wait for this; elsewhere it's a no-op.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("service started", logx.String("addr", cfg.HTTP.Addr))
	return nil
}

func (a *App) startMaintenance(cfg *config.Config) error {
	if cfg.Maintenance.Schedule == "" {
		return nil
	}
	retention, err := config.ParseDurationOrDefault("maintenance.audit_retention",
		cfg.Maintenance.AuditRetention, 720*time.Hour)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	_, err = a.cron.AddFunc(cfg.Maintenance.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.PruneAudit(ctx, time.Now().Add(-retention))
		if err != nil {
			a.log.Warn("audit prune failed", logx.Err(err))
			return
		}
		if err := a.store.Optimize(ctx); err != nil {
			a.log.Warn("store optimize failed", logx.Err(err))
		}
		a.log.Info("maintenance done", logx.Int64("pruned", n))
	})
	if err != nil {
		return fmt.Errorf("app: maintenance schedule %q: %w", cfg.Maintenance.Schedule, err)
	}
	a.cron.Start()
	return nil
}

// Stop shuts everything down in dependency order: stop taking commands,
// let the active run notice cancellation, drain session pumps, close stores.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop timed out", logx.Err(err))
		}
	}

	a.dispatcher.Wait()
	a.registry.Shutdown(ctx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	if err := a.logs.Close(); err != nil {
		return err
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Stream: logx.StreamConfig{
			Enabled:    cfg.Logging.Stream.Enabled,
			MinLevel:   cfg.Logging.Stream.MinLevel,
			RatePerSec: cfg.Logging.Stream.RatePerSec,
		},
	}
}
