package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler controls cron triggers and the display timezone used when
	// the notifier section does not set one.
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Reminders  RemindersConfig  `json:"reminders"`
	Intake     IntakeConfig     `json:"intake"`
	Status     StatusConfig     `json:"status"`
}

type TelegramConfig struct {
	// Token may be left empty when NOTEBOT_TOKEN is set.
	Token string `json:"token"`
	// GroupLog is the chat id receiving log lines, e.g. "-1001234567890".
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the sqlite database file.
//
// Example:
//
//	"storage": { "path": "./data/schedules.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone for cron specs and naive datetimes, e.g. "Asia/Jakarta".
	Timezone string `json:"timezone,omitempty"`
	// JobTimeout bounds one reminder fire. Empty uses the engine default.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs reminder fires and
// maintenance jobs.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (reminder fires never retry)
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	Burst           int    `json:"burst,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	// Timezone renders start/end times in reminder text. Empty falls back
	// to scheduler.timezone.
	Timezone string `json:"timezone,omitempty"`
}

// RemindersConfig controls maintenance around the reminder timers.
//
//	"reminders": {
//	  "reconcile_every": "10m",
//	  "retention": "720h",
//	  "prune_schedule": "30 3 * * *",
//	  "late_after": "1m"
//	}
type RemindersConfig struct {
	// ReconcileEvery re-runs recovery on an interval. Empty or "0s" disables it.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
	// Retention keeps sent reminders this long. Empty keeps them forever.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule runs the retention sweep: a cron spec, "HH:MM" or an
	// interval like "6h".
	PruneSchedule string `json:"prune_schedule,omitempty"`
	LateAfter     string `json:"late_after,omitempty"`
}

type IntakeConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// StatusConfig controls the optional HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback bind needs a token or an explicit allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
