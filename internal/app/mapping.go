package app

import (
	"fmt"
	"strings"
	"time"

	"notebot/internal/config"
	"notebot/internal/notifier"
	"notebot/internal/observability/status"
	"notebot/internal/reminder"
	"notebot/internal/storage"
	"notebot/internal/task/engine"
	"notebot/internal/task/scheduler"
	telegram "notebot/internal/transport/telegram/adapter"
	"notebot/internal/transport/telegram/intake"
	logx "notebot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	chatID, _ := cfg.GroupLogChatID()
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && chatID != 0,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	var out engine.Config
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, 500*time.Millisecond); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, 10*time.Second); err != nil {
		return engine.Config{}, err
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	jt, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), JobTimeout: jt}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	out := notifier.Config{
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		Burst:           n.Burst,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		HistorySize:     n.HistorySize,
		Timezone:        cfg.DisplayTimezone(),
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	late, err := config.ParseDurationOrDefault("reminders.late_after", cfg.Reminders.LateAfter, reminder.DefaultLateAfter)
	if err != nil {
		return reminder.Config{}, err
	}
	keep, err := config.ParseDurationField("reminders.retention", cfg.Reminders.Retention)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{LateAfter: late, Retention: keep}, nil
}

func mapIntakeConfig(cfg *config.Config) (intake.Config, error) {
	timeout, err := config.ParseDurationOrDefault("intake.timeout", cfg.Intake.Timeout, 30*time.Second)
	if err != nil {
		return intake.Config{}, err
	}
	loc, err := config.LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	if err != nil {
		return intake.Config{}, err
	}
	return intake.Config{
		Workers:   cfg.Intake.Workers,
		QueueSize: cfg.Intake.QueueSize,
		Timeout:   timeout,
		Location:  loc,
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	s := cfg.Status
	out := status.Config{
		Enabled:       s.Enabled,
		Addr:          strings.TrimSpace(s.Addr),
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", s.ReadTimeout, 10*time.Second); err != nil {
		return status.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("status.write_timeout", s.WriteTimeout); err != nil {
		return status.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", s.IdleTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	return out, nil
}

// maintenance holds the parsed reminders section driving the cron jobs.
type maintenance struct {
	reconcileEvery time.Duration
	pruneSpec      string
}

func mapMaintenance(cfg *config.Config) (maintenance, error) {
	every, err := config.ParseDurationField("reminders.reconcile_every", cfg.Reminders.ReconcileEvery)
	if err != nil {
		return maintenance{}, err
	}
	spec := strings.TrimSpace(cfg.Reminders.PruneSchedule)
	if spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return maintenance{}, fmt.Errorf("reminders.prune_schedule: %w", err)
		}
	}
	return maintenance{reconcileEvery: every, pruneSpec: spec}, nil
}
