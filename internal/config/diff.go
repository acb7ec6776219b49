package config

import (
	"sort"
	"strings"

	logx "notebot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || trimNE(o.PollTimeout, n.PollTimeout) || trimNE(o.GroupLog, n.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.String("notifier.timezone", newCfg.Notifier.Timezone),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.reconcile_every", newCfg.Reminders.ReconcileEvery),
			logx.String("reminders.retention", newCfg.Reminders.Retention),
			logx.String("reminders.prune_schedule", newCfg.Reminders.PruneSchedule),
		)
	}

	if oldCfg.Intake != newCfg.Intake {
		changed = append(changed, "intake")
		attrs = append(attrs, logx.Int("intake.workers", newCfg.Intake.Workers))
	}

	if oldCfg.Status != newCfg.Status {
		ns := newCfg.Status
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", ns.Enabled),
			logx.String("status.addr", ns.Addr),
			logx.Bool("status.token_set", ns.Token != ""),
			logx.Bool("status.pprof", ns.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart lists changed sections that cannot be applied live.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "task_engine":
			out = append(out, s)
		}
	}
	return out
}

func trimNE(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }
