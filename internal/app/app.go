package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slashbot/internal/api"
	"slashbot/internal/catalog"
	"slashbot/internal/chats"
	"slashbot/internal/config"
	"slashbot/internal/eventbus"
	"slashbot/internal/notifier"
	"slashbot/internal/notifier/broadcast"
	"slashbot/internal/runtime/supervisor"
	"slashbot/internal/storage"
	"slashbot/internal/task/scheduler"
	kit "slashbot/internal/transport"
	telegram "slashbot/internal/transport/telegram/adapter"
	"slashbot/internal/transport/telegram/router"
	logx "slashbot/pkg/logx"
)

type App struct {
	role Role

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	chats   *chats.Registry
	cat     *catalog.Catalog
	retry   *notifier.Retrying
	disp    *broadcast.Dispatcher
	scheds  []*scheduler.Service
	router  *router.Manager
	web     *api.Service

	sched schedulerSettings

	updates chan kit.Update
}

// New loads the config and wires every component the role needs. Nothing
// runs until Start.
func New(cfgPath string, role Role) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Offline:     !role.polls(),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"), logx.String("role", string(role)))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a := &App{
		role:    role,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.wire(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	ccfg, err := mapCatalogConfig(cfg)
	if err != nil {
		return err
	}
	if a.sched, err = mapSchedulerConfig(cfg); err != nil {
		return err
	}
	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}

	a.chats = chats.New(a.store, a.log.With(logx.String("comp", "chats")))
	a.cat = catalog.New(ccfg, a.store, a.log.With(logx.String("comp", "catalog")))
	a.retry = notifier.NewRetrying(a.adapter, ncfg, a.log.With(logx.String("comp", "notifier")), notifier.WithBus(a.bus))
	a.disp = broadcast.New(bcfg, a.retry, a.log.With(logx.String("comp", "broadcast")), broadcast.WithBus(a.bus))

	views := make([]api.SchedulerView, 0, 2)
	for _, o := range a.role.origins() {
		name := string(o)
		s := scheduler.New(a.sched.forOrigin(name, o), a.disp, a.chats,
			a.log.With(logx.String("comp", "scheduler."+name)),
			scheduler.WithBus(a.bus),
			scheduler.WithTerminator(a.cat),
		)
		a.scheds = append(a.scheds, s)
		views = append(views, s)
	}

	if a.role.polls() {
		a.router = router.New(router.Deps{
			Sender:         a.retry,
			Registry:       a.chats,
			Settings:       a.cat,
			Audit:          a.store,
			PrimaryMessage: ccfg.PrimaryMessage,
			Once:           a.cat,
		}, cfg.Telegram.AdminUserIDs, a.log.With(logx.String("comp", "commands")))
	}

	if a.role.serves() && (cfg.Web.Enabled || a.role == RoleWeb) {
		wcfg, err := mapWebConfig(cfg)
		if err != nil {
			return err
		}
		a.web = api.NewService(wcfg, api.Deps{
			Catalog:    a.cat,
			Chats:      a.chats,
			Dispatcher: a.disp,
			ChatInfo:   a.adapter,
			Audit:      a.store,
			Schedulers: views,
		}, a.log.With(logx.String("comp", "api")))
	}
	return nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCatalogConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapWebConfig(cfg)
		return err
	})

	// Load before arming so the first reconcile sees persisted state.
	lctx, cancel := context.WithTimeout(run, 10*time.Second)
	err := a.chats.Load(lctx)
	if err == nil {
		err = a.cat.Load(lctx)
	}
	cancel()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	a.cat.Subscribe(func(ch catalog.Change) {
		a.log.Debug("catalog changed", logx.String("op", ch.Op), logx.String("id", ch.ID))
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeCatalogChanged, Time: time.Now(), Data: ch})
		a.reconcile()
	})

	if a.sched.Enabled {
		a.reconcile()
		for _, s := range a.scheds {
			s.Start(run)
		}
	} else {
		a.log.Warn("scheduler disabled via config; jobs will not fire")
	}

	if a.role.polls() {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			_ = a.router.PublishMenu(mctx, a.adapter)
		})
	}

	if a.web != nil {
		a.web.Start(run)
	}

	a.sup.Go0("state.resync", a.resyncLoop)
	if w, ok := a.store.(storage.Watcher); ok && a.cfgm.Get().Storage.Watch {
		a.sup.GoRestart("store.watch", func(c context.Context) error {
			return w.Watch(c, func(k storage.Kind) { a.onStoreChange(c, k) })
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.log.Info("app started", logx.Int("schedulers", len(a.scheds)), logx.Bool("web", a.web != nil))
	return nil
}

// reconcile hands the current job set to every scheduler. Each one arms
// only the origins it owns.
func (a *App) reconcile() {
	if !a.sched.Enabled {
		return
	}
	jobs := a.cat.Jobs()
	for _, s := range a.scheds {
		s.Reconcile(jobs)
	}
}

// resync re-reads everything another process may have written.
func (a *App) resync(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if n, err := a.chats.Reload(cctx); err != nil {
		a.log.Warn("chat reload failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("chats picked up from storage", logx.Int("added", n))
	}
	if err := a.cat.Load(cctx); err != nil {
		a.log.Warn("catalog reload failed; keeping previous", logx.Err(err))
		return
	}
	a.reconcile()
}

func (a *App) resyncLoop(ctx context.Context) {
	t := time.NewTicker(a.sched.ResyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.resync(ctx)
		}
	}
}

func (a *App) onStoreChange(ctx context.Context, k storage.Kind) {
	a.log.Debug("store changed on disk", logx.String("kind", string(k)))
	switch k {
	case storage.KindChats:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := a.chats.Reload(cctx); err != nil {
			a.log.Warn("chat reload failed", logx.Err(err))
		}
	case storage.KindJobs, storage.KindSettings:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.cat.Load(cctx); err != nil {
			a.log.Warn("catalog reload failed; keeping previous", logx.Err(err))
			return
		}
		a.reconcile()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
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

	// Inbound first, then timers, then the listener; sends drain last.
	step("telegram", 3*time.Second, func(c context.Context) error {
		if !a.role.polls() {
			return nil
		}
		return a.adapter.Stop(c)
	})
	for _, s := range a.scheds {
		s := s
		step("scheduler."+s.Snapshot().Name, 5*time.Second, func(c context.Context) error { s.Stop(c); return nil })
	}
	step("api", 5*time.Second, func(c context.Context) error {
		if a.web == nil {
			return nil
		}
		return a.web.Stop(c)
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	step("logging", time.Second, func(context.Context) error { return a.logs.Close() })
	return nil
}
