// Package reminder ties the schedule store to the timer heap: it recovers
// unsent reminders at boot, keeps timers in step with schedule edits and
// dispatches each reminder to the notifier at most once.
//
// The store is the source of truth. Timers are rebuilt from it by Recover
// and a fire only notifies after MarkReminderSent reports this caller won
// the unsent→sent transition.
package reminder

import (
	"context"
	"strconv"
	"time"
)

// Notice is what the notifier receives for one fired reminder.
type Notice struct {
	UserID      int64
	ScheduleID  int64
	ReminderID  int64
	Name        string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	FireAt      time.Time
	// Late is set when the reminder fired noticeably after FireAt, e.g.
	// because the process was down at that instant.
	Late bool
}

// Notifier delivers a reminder to its user. Errors are logged by the
// dispatcher and never retried.
type Notifier interface {
	NotifyReminder(ctx context.Context, n Notice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice) error

func (f NotifierFunc) NotifyReminder(ctx context.Context, n Notice) error { return f(ctx, n) }

// JobID is the timer key for a reminder.
func JobID(reminderID int64) string {
	return "reminder:" + strconv.FormatInt(reminderID, 10)
}

// Event payload for reminder.* bus events.
type Event struct {
	ReminderID int64     `json:"reminder_id"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	UserID     int64     `json:"user_id,omitempty"`
	FireAt     time.Time `json:"fire_at"`
	Late       bool      `json:"late,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const (
	EventScheduled    = "reminder.scheduled"
	EventCanceled     = "reminder.canceled"
	EventSent         = "reminder.sent"
	EventDuplicate    = "reminder.duplicate"
	EventNotifyFailed = "reminder.notify_failed"
	EventRecovered    = "reminder.recovered"
)
