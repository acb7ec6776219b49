package storage

import (
	"database/sql"
	"time"

	"notebot/internal/schedule"
)

type scheduleRow struct {
	ID          int64  `db:"id"`
	UserID      int64  `db:"user_id"`
	Name        string `db:"name"`
	Title       string `db:"title"`
	Description string `db:"description"`
	StartAt     int64  `db:"start_at"`
	EndAt       int64  `db:"end_at"`
	LeadMinutes int64  `db:"lead_minutes"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

type reminderRow struct {
	ID         int64         `db:"id"`
	ScheduleID int64         `db:"schedule_id"`
	FireAt     int64         `db:"fire_at"`
	Sent       int64         `db:"sent"`
	SentAt     sql.NullInt64 `db:"sent_at"`
}

type pendingRow struct {
	ReminderID int64 `db:"r_id"`
	FireAt     int64 `db:"r_fire_at"`
	scheduleRow
}

func scheduleToRow(s schedule.Schedule) scheduleRow {
	return scheduleRow{
		ID:          s.ID,
		UserID:      s.UserID,
		Name:        s.Name,
		Title:       s.Title,
		Description: s.Description,
		StartAt:     toMS(s.Start),
		EndAt:       toMS(s.End),
		LeadMinutes: int64(s.Lead / time.Minute),
		CreatedAt:   toMS(s.CreatedAt),
		UpdatedAt:   toMS(s.UpdatedAt),
	}
}

func (r scheduleRow) toSchedule() schedule.Schedule {
	return schedule.Schedule{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		Title:       r.Title,
		Description: r.Description,
		Start:       fromMS(r.StartAt),
		End:         fromMS(r.EndAt),
		Lead:        time.Duration(r.LeadMinutes) * time.Minute,
		CreatedAt:   fromMS(r.CreatedAt),
		UpdatedAt:   fromMS(r.UpdatedAt),
	}
}

func (r reminderRow) toReminder() schedule.Reminder {
	out := schedule.Reminder{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		FireAt:     fromMS(r.FireAt),
		Sent:       r.Sent != 0,
	}
	if r.SentAt.Valid {
		t := fromMS(r.SentAt.Int64)
		out.SentAt = &t
	}
	return out
}

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
