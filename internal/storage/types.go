package storage

import (
	"context"
	"errors"
	"time"

	"notebot/internal/schedule"
)

var (
	// ErrNotFound is returned when a schedule or reminder row does not exist,
	// including reminders superseded by a timing edit.
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// MarkResult is the outcome of MarkReminderSent.
type MarkResult int

const (
	// Marked means this call moved the reminder from unsent to sent.
	Marked MarkResult = iota + 1
	// AlreadySent means another caller won the transition earlier.
	AlreadySent
)

func (r MarkResult) String() string {
	switch r {
	case Marked:
		return "marked"
	case AlreadySent:
		return "already_sent"
	default:
		return "unknown"
	}
}

// Saved describes the result of a schedule write.
type Saved struct {
	Schedule schedule.Schedule
	Reminder schedule.Reminder

	// Created is true when the write inserted a new schedule.
	Created bool
	// Rescheduled is true when the reminder row was replaced.
	Rescheduled bool
	// Superseded lists reminder ids removed by this write.
	Superseded []int64
}

// Deleted describes a removed schedule and the reminder ids that went with it.
type Deleted struct {
	Schedule  schedule.Schedule
	Reminders []int64
}

// Pending is an unsent reminder joined with its schedule.
type Pending struct {
	Reminder schedule.Reminder
	Schedule schedule.Schedule
}

// Store is the persistence API used by the reminder service.
type Store interface {
	CreateSchedule(ctx context.Context, in schedule.Input) (Saved, error)
	UpdateSchedule(ctx context.Context, in schedule.Input) (Saved, error)
	SaveSchedule(ctx context.Context, in schedule.Input) (Saved, error)
	DeleteSchedule(ctx context.Context, userID int64, name string) (Deleted, error)

	GetSchedule(ctx context.Context, userID int64, name string) (schedule.Schedule, error)
	GetScheduleByID(ctx context.Context, id int64) (schedule.Schedule, error)
	ListSchedules(ctx context.Context, userID int64, query string) ([]schedule.Schedule, error)
	UpcomingSchedules(ctx context.Context, userID int64, from time.Time, limit int) ([]schedule.Schedule, error)
	SchedulesBetween(ctx context.Context, userID int64, from, to time.Time) ([]schedule.Schedule, error)

	GetReminder(ctx context.Context, id int64) (schedule.Reminder, error)
	MarkReminderSent(ctx context.Context, id int64, at time.Time) (MarkResult, error)
	ListUnsentRemindersDueBefore(ctx context.Context, ts time.Time) ([]schedule.Reminder, error)
	ListUnsentReminders(ctx context.Context) ([]schedule.Reminder, error)
	ListPending(ctx context.Context, limit int) ([]Pending, error)
	PruneSentReminders(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
