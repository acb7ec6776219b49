package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "NOTEBOT_TOKEN"

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var ErrNoToken = errors.New("telegram.token is empty (set it or " + EnvToken + ")")

// applyEnv layers environment overrides on top of the decoded file.
func (c *Config) applyEnv() {
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		c.Telegram.Token = tok
	}
}

// Validate checks every field a component would otherwise reject at
// startup, so a bad hot reload is refused before it is published.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return ErrNoToken
	}
	if _, err := c.GroupLogChatID(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is empty")
	}
	if _, err := LoadLocation("scheduler.timezone", c.Scheduler.Timezone); err != nil {
		return err
	}
	if _, err := LoadLocation("notifier.timezone", c.Notifier.Timezone); err != nil {
		return err
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.job_timeout", c.Scheduler.JobTimeout},
		{"task_engine.default_timeout", c.TaskEngine.DefaultTimeout},
		{"task_engine.max_queue_delay", c.TaskEngine.MaxQueueDelay},
		{"task_engine.retry_base", c.TaskEngine.RetryBase},
		{"task_engine.retry_max_delay", c.TaskEngine.RetryMaxDelay},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
		{"notifier.dedup_window", c.Notifier.DedupWindow},
		{"reminders.reconcile_every", c.Reminders.ReconcileEvery},
		{"reminders.retention", c.Reminders.Retention},
		{"reminders.late_after", c.Reminders.LateAfter},
		{"intake.timeout", c.Intake.Timeout},
		{"status.read_timeout", c.Status.ReadTimeout},
		{"status.write_timeout", c.Status.WriteTimeout},
		{"status.idle_timeout", c.Status.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	// cron expressions only; "10m" and "every:1h" are checked by the scheduler
	if spec := strings.TrimSpace(c.Reminders.PruneSchedule); strings.ContainsAny(spec, " \t") {
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("reminders.prune_schedule: %w", err)
		}
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Telegram.GroupLog) == "" {
		return errors.New("logging.telegram.enabled requires telegram.group_log")
	}
	return nil
}

// GroupLogChatID parses telegram.group_log. Empty returns 0.
func (c *Config) GroupLogChatID() (int64, error) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return id, nil
}

// DisplayTimezone is the zone used for user-facing times.
func (c *Config) DisplayTimezone() string {
	if tz := strings.TrimSpace(c.Notifier.Timezone); tz != "" {
		return tz
	}
	return strings.TrimSpace(c.Scheduler.Timezone)
}
