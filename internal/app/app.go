// Package app wires configuration, logging, storage, the Telegram adapter
// and the monitor into one runnable bot process.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"trackbot/internal/bot"
	"trackbot/internal/clearml"
	"trackbot/internal/config"
	"trackbot/internal/monitor"
	rtsup "trackbot/internal/runtime/supervisor"
	"trackbot/internal/storage"
	"trackbot/internal/transport"
	"trackbot/internal/transport/telegram"
	logx "trackbot/pkg/logx"
)

const (
	defaultSweepInterval  = 5 * time.Second
	defaultUserTimeout    = 30 * time.Second
	defaultPollTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

type App struct {
	cfgMgr  *config.Manager
	logSvc  *logx.Service
	log     logx.Logger
	store   storage.Store
	adapter *telegram.Adapter
	mon     *monitor.Service
	handler *bot.Handler

	cron       *cron.Cron
	sweepEntry cron.EntryID
	sweepEvery time.Duration

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	started bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(validate)

	// The store is the only durability mechanism; failing to open it is
	// fatal, there is no in-memory fallback.
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	reqTimeout, _ := config.ParseDurationOrDefault("clearml.request_timeout", cfg.ClearML.RequestTimeout, defaultRequestTimeout)
	factory := func(creds clearml.Credentials) (monitor.Source, error) {
		return clearml.New(creds, reqTimeout, log.With(logx.String("comp", "clearml")))
	}

	userTimeout, _ := config.ParseDurationOrDefault("monitor.user_timeout", cfg.Monitor.UserTimeout, defaultUserTimeout)
	mon := monitor.New(monitor.Config{UserTimeout: userTimeout},
		st, adapter, factory, monitor.NewRegistry(),
		log.With(logx.String("comp", "monitor")))

	handler := bot.New(st, mon, adapter, log.With(logx.String("comp", "bot")))

	sweepEvery, _ := config.ParseDurationOrDefault("monitor.sweep_interval", cfg.Monitor.SweepInterval, defaultSweepInterval)

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		store:   st,
		adapter: adapter,
		mon:     mon,
		handler: handler,
		// Overlap protection: a slow sweep skips ticks instead of stacking.
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweepEvery: sweepEvery,
	}, nil
}

// Monitor exposes the monitor service (used by tests and operational tooling).
func (a *App) Monitor() *monitor.Service { return a.mon }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))
	sup := a.sup
	a.mu.Unlock()

	updates := make(chan transport.Update, 128)
	if err := a.adapter.Start(sup.Context(), updates); err != nil {
		return err
	}

	sup.Go0("bot.updates", func(c context.Context) {
		a.handler.Run(c, updates)
	})

	a.sweepEntry = a.cron.Schedule(cron.Every(a.sweepEvery), cron.FuncJob(func() {
		a.mon.SweepOnce(sup.Context())
	}))
	a.cron.Start()

	sup.Go("config.watch", a.cfgMgr.Watch)
	sub := a.cfgMgr.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.notifySystemd(sup)

	a.log.Info("trackbot started", logx.Duration("sweep_interval", a.sweepEvery))
	return nil
}

// applyConfig picks up the hot-reloadable settings: log level/sinks and the
// sweep interval. Everything else (token, storage path) needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logxConfig(cfg.Logging))

	every, err := config.ParseDurationOrDefault("monitor.sweep_interval", cfg.Monitor.SweepInterval, defaultSweepInterval)
	if err != nil || every == a.sweepEvery {
		return
	}

	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return
	}

	a.cron.Remove(a.sweepEntry)
	a.sweepEntry = a.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		a.mon.SweepOnce(sup.Context())
	}))
	a.log.Info("sweep interval updated",
		logx.Duration("old", a.sweepEvery), logx.Duration("new", every))
	a.sweepEvery = every
}

func (a *App) notifySystemd(sup *rtsup.Supervisor) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify not available", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(c context.Context) {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	wasStarted := a.started
	a.started = false
	a.mu.Unlock()
	if !wasStarted {
		return nil
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Let an in-flight sweep finish; its per-user timeouts keep this bounded.
	cronDone := a.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	_ = a.adapter.Stop(ctx)
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("trackbot stopped")
	return a.logSvc.Close()
}

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// validate rejects configs that would fail later in a harder-to-debug way.
func validate(cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	fields := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"monitor.sweep_interval", cfg.Monitor.SweepInterval},
		{"monitor.user_timeout", cfg.Monitor.UserTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"clearml.request_timeout", cfg.ClearML.RequestTimeout},
	}
	for _, f := range fields {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
