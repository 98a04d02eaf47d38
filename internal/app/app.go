// Package app assembles the bot: config, logging, storage, portal client,
// monitor, command router and the optional status HTTP server.
package app

import (
	"context"
	"fmt"
	"time"

	"labmon/internal/config"
	"labmon/internal/monitor"
	"labmon/internal/notify"
	"labmon/internal/portal"
	"labmon/internal/router"
	rtsup "labmon/internal/runtime/supervisor"
	"labmon/internal/storage"
	kit "labmon/internal/transport"
	"labmon/internal/transport/telegram"
	"labmon/internal/web"
	logx "labmon/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	store   storage.Store
	pc      *portal.Client
	notif   *notify.Service
	mon     *monitor.Service
	rt      *router.Router
	web     *web.Server // nil when disabled

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfig(cfg), ad)
	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.LogChatID)
	}
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	portalTimeout, err := config.ParseDurationField("portal.timeout", cfg.Portal.Timeout)
	if err != nil {
		return nil, err
	}
	pc, err := portal.New(portal.Config{
		BaseURL:   cfg.Portal.BaseURL,
		LoginPath: cfg.Portal.LoginPath,
		Timeout:   portalTimeout,
		Rules:     portalRules(cfg),
	}, log.With(logx.String("comp", "portal")))
	if err != nil {
		return nil, err
	}

	notif := notify.New(notify.Config{}, ad, log.With(logx.String("comp", "notify")))

	monCfg, err := monitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	cycle := monitor.NewCycle(pc, store, notif, log.With(logx.String("comp", "cycle")))
	mon := monitor.New(monCfg, cycle, store, log.With(logx.String("comp", "monitor")))

	rt := router.New(router.Config{}, ad, store, pc, mon, log.With(logx.String("comp", "router")))

	var ws *web.Server
	if cfg.Web.Enabled {
		ws = web.New(web.Config{
			Enabled: true,
			Addr:    cfg.Web.Addr,
		}, mon, log.With(logx.String("comp", "web")))
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		store:   store,
		pc:      pc,
		notif:   notif,
		mon:     mon,
		rt:      rt,
		web:     ws,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("portal.timeout", cfg.Portal.Timeout); err != nil {
			return err
		}
		if _, err := monitorConfig(cfg); err != nil {
			return err
		}
		if cfg.Monitor.Workers < 0 {
			return fmt.Errorf("monitor.workers must be >= 0")
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.mon.Enabled() {
		a.mon.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	if a.web != nil {
		a.sup.Go("web.serve", func(c context.Context) error {
			return a.web.Run(c)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated hot-reloaded config into the live services.
// Telegram token, storage path and the web server require a restart; those
// sections are applied only at boot.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logxConfig(cfg))
	a.logs.SetTelegramTarget(cfg.Telegram.LogChatID)

	a.pc.SetRules(portalRules(cfg))

	wasEnabled := a.mon.Enabled()
	monCfg, err := monitorConfig(cfg)
	if err != nil {
		a.log.Warn("monitor config not applied", logx.Err(err))
		return
	}
	a.mon.Apply(monCfg)

	if wasEnabled && !monCfg.Enabled {
		a.log.Info("monitor disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.mon.Stop(stopCtx)
		cancel()
	} else if !wasEnabled && monCfg.Enabled {
		a.log.Info("monitor enabled via config")
		a.mon.Start(ctx)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("monitor", 5*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(_ context.Context) error { return a.store.Close() })

	err := a.logs.Close()
	a.sup = nil
	return err
}

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func portalRules(cfg *config.Config) portal.Rules {
	return portal.Rules{
		ReadyMarkers: cfg.Portal.ReadyMarkers,
		StatusTokens: cfg.Portal.StatusTokens,
		LinkTexts:    cfg.Portal.LinkTexts,
		HrefMarkers:  cfg.Portal.HrefMarkers,
	}
}

func monitorConfig(cfg *config.Config) (monitor.Config, error) {
	interval, err := config.ParseDurationField("monitor.interval", cfg.Monitor.Interval)
	if err != nil {
		return monitor.Config{}, err
	}
	userTimeout, err := config.ParseDurationField("monitor.user_timeout", cfg.Monitor.UserTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		Enabled:     cfg.Monitor.Enabled,
		Interval:    interval,
		UserTimeout: userTimeout,
		Workers:     cfg.Monitor.Workers,
	}, nil
}
