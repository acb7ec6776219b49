package app

import (
	"context"
	"strings"

	"notebot/internal/config"
	logx "notebot/pkg/logx"
	"notebot/pkg/systemd"
)

// validateMapping rejects a reload that any component mapping would refuse.
func validateMapping(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReminderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapIntakeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	_, err := mapMaintenance(cfg)
	return err
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

// latest drains sub so a burst of writes is applied once.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))

	// validated before publish; mapping errors cannot happen here
	if ec, err := mapEngineConfig(cfg); err == nil {
		a.engine.Apply(ctx, ec)
	}
	if sc, err := mapSchedulerConfig(cfg); err == nil {
		a.sched.Apply(sc)
	}
	if nc, err := mapNotifierConfig(cfg); err == nil {
		a.notif.Apply(nc)
	}
	if rc, err := mapReminderConfig(cfg); err == nil {
		a.reminders.Apply(rc)
	}
	if ic, err := mapIntakeConfig(cfg); err == nil {
		a.intake.Apply(ic)
	}
	if stc, err := mapStatusConfig(cfg); err == nil {
		a.status.Reconfigure(ctx, stc)
	}
	if m, err := mapMaintenance(cfg); err == nil {
		if err := a.applyMaintenance(m); err != nil {
			a.log.Warn("maintenance jobs not updated", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
