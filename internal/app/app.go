package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notebot/internal/config"
	"notebot/internal/eventbus"
	"notebot/internal/notifier"
	"notebot/internal/observability/status"
	"notebot/internal/reminder"
	rtsup "notebot/internal/runtime/supervisor"
	"notebot/internal/storage"
	"notebot/internal/task/engine"
	"notebot/internal/task/scheduler"
	kit "notebot/internal/transport"
	telegram "notebot/internal/transport/telegram/adapter"
	"notebot/internal/transport/telegram/intake"
	logx "notebot/pkg/logx"
	"notebot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter   *telegram.Adapter
	engine    *engine.Service
	sched     *scheduler.Service
	notif     *notifier.Service
	reminders *reminder.Service
	intake    *intake.Service
	status    *status.Service

	maintMu sync.Mutex
	maint   maintenance

	updates chan kit.Update
}

// NewApp loads the config and builds every component without starting
// anything. The store is open on success and closed by Stop.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// the chat sink gets its sender once the adapter exists
	logs, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a, err := build(cfg, root, bus, store)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	logs.SetSender(a.adapter.SendLog)
	a.cfgm = cfgm
	a.log = log
	a.logs = logs
	log.Info("app built",
		logx.String("config", cfgPath),
		logx.String("storage", sc.Path),
		logx.String("timezone", cfg.DisplayTimezone()),
	)
	return a, nil
}

func build(cfg *config.Config, root logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, eng, root.With(logx.String("comp", "scheduler")), bus)

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus)

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	rem := reminder.New(rcfg, store, sched, notif, root.With(logx.String("comp", "reminder")), bus)

	icfg, err := mapIntakeConfig(cfg)
	if err != nil {
		return nil, err
	}
	in := intake.New(icfg, rem, ad, root.With(logx.String("comp", "intake")))

	stCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	st := status.New(stCfg, status.Sources{
		Ready:    rem.Ready,
		Pending:  rem.Pending,
		Tasks:    sched.Snapshot,
		Now:      time.Now,
		Location: notif.Location,
	}, root.With(logx.String("comp", "status")))

	return &App{
		bus:       bus,
		store:     store,
		adapter:   ad,
		engine:    eng,
		sched:     sched,
		notif:     notif,
		reminders: rem,
		intake:    in,
		status:    st,
		updates:   make(chan kit.Update, 256),
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

// Start brings the bot up. Timers are re-armed from storage before any
// update is accepted; a failed recovery aborts the start.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMapping(cfg) })

	a.engine.Start(run)
	a.sched.Start(run)
	a.notif.Start(run)

	rep, err := a.reminders.Recover(run)
	if err != nil {
		a.sup.Cancel()
		return err
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%d reminders armed", rep.Total))
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.reminders.Ready) })

	if err := a.adapter.Start(run, a.updates); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sup.Go("intake.dispatch", func(c context.Context) error {
		return a.intake.DispatchLoop(c, a.updates)
	})

	m, err := mapMaintenance(a.cfgm.Get())
	if err != nil {
		a.sup.Cancel()
		return err
	}
	if err := a.applyMaintenance(m); err != nil {
		a.sup.Cancel()
		return err
	}

	a.status.Start(run)
	a.logEvents()
	a.watchConfig()

	a.log.Info("app started", logx.Int("armed", rep.Total), logx.Int("past_due", rep.PastDue))
	return nil
}

// logEvents mirrors bus events at debug level.
func (a *App) logEvents() {
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
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	// last: in-flight fires may still be marking reminders
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown stage bounded by max and the caller's deadline.
// A stage that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
