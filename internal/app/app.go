package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"uirunner/internal/config"
	"uirunner/internal/eventbus"
	"uirunner/internal/scheduler"
	"uirunner/internal/storage"
	"uirunner/internal/transport/ws"
	"uirunner/internal/workspace"
	logx "uirunner/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor
	set  config.Settings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Service
	hub   *ws.Hub
	http  *ws.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled := mapStorageConfig(set); enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	housekeeping, err := config.HousekeepingParser.Parse(set.Housekeeping)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(scheduler.Options{
		Settings:     mapSchedulerSettings(set),
		Launcher:     mapLauncher(set, log.With(logx.String("comp", "pool"))),
		Bus:          bus,
		Log:          log,
		Housekeeping: housekeeping,
	})

	wsRunner, err := workspace.New(mapWorkspaceConfig(cfg, set), log)
	if err != nil {
		return nil, err
	}

	hubOpts := ws.Options{
		Config:           mapHubConfig(set),
		Scheduler:        schedSvc,
		Workspace:        wsRunner,
		Bus:              bus,
		Log:              log,
		WorkspaceTimeout: set.WorkspaceTimeout,
	}
	if store != nil {
		hubOpts.Audit = store
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		set:     set,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		hub:     ws.NewHub(hubOpts),
		http:    ws.NewServer(log),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		set, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		// reject workspace templates that would not parse
		_, err = workspace.New(mapWorkspaceConfig(cfg, set), logx.Nop())
		return err
	})

	a.sched.Start(a.sup.Context())

	if a.store != nil {
		sub := a.bus.Subscribe(1024)
		a.sup.Go0("storage.history", func(c context.Context) {
			defer sub.Close()
			recordHistory(c, sub, a.store, a.log.With(logx.String("comp", "history")))
		})
	}

	// Debug trace of every state transition; log lines are too noisy.
	events := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer events.Close()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events.C:
				if !ok {
					return
				}
				if e.Type == scheduler.EventLogUpdate {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	deps := ws.RouterDeps{Hub: a.hub, Pprof: a.cfgm.Get().Pprof.Enabled}
	if a.store != nil {
		deps.History = a.store
	}
	if err := a.http.Start(a.set.Addr, ws.NewRouter(deps), a.set.ReadHeaderTimeout); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	a.startReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.http.Addr()), logx.Int("max_workers", a.set.MaxWorkers))
	return nil
}

// startReload fans validated config updates out to the live components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	set, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if set.Housekeeping != a.set.Housekeeping {
		a.log.Warn("scheduler.housekeeping change requires restart")
	}
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.sched.Apply(actx, mapSchedulerSettings(set)); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}
	cancel()

	hc := mapHubConfig(set)
	// Origins are part of server and need a restart like the listener.
	hc.AllowedOrigins = a.set.AllowedOrigins
	a.hub.Apply(hc)

	live := set
	live.Addr, live.ReadHeaderTimeout, live.AllowedOrigins = a.set.Addr, a.set.ReadHeaderTimeout, a.set.AllowedOrigins
	a.set = live

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop taking new observers and commands first, then drain the workers.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("observers", 2*time.Second, func(c context.Context) error { return a.hub.Close(c) })
	step("scheduler", 45*time.Second, func(c context.Context) error { return a.sched.Stop(c) })

	// The history recorder may still be flushing the last job_finished events.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
