package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"notebot/internal/schedule"
	logx "notebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sqlx.DB
	log    logx.Logger
	now    func() time.Time
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; WAL keeps reads cheap.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ok() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ---- schedule writes ----

func (s *sqliteStore) CreateSchedule(ctx context.Context, in schedule.Input) (Saved, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return Saved{}, err
	}
	if err := s.ok(); err != nil {
		return Saved{}, err
	}
	var out Saved
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.insertTx(ctx, tx, in)
		return err
	})
	return out, err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, in schedule.Input) (Saved, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return Saved{}, err
	}
	if err := s.ok(); err != nil {
		return Saved{}, err
	}
	var out Saved
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getScheduleTx(ctx, tx, in.UserID, in.Name)
		if err != nil {
			return err
		}
		out, err = s.updateTx(ctx, tx, cur, in)
		return err
	})
	return out, err
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, in schedule.Input) (Saved, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return Saved{}, err
	}
	if err := s.ok(); err != nil {
		return Saved{}, err
	}
	var out Saved
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getScheduleTx(ctx, tx, in.UserID, in.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			out, err = s.insertTx(ctx, tx, in)
		case err == nil:
			out, err = s.updateTx(ctx, tx, cur, in)
		}
		return err
	})
	return out, err
}

func (s *sqliteStore) insertTx(ctx context.Context, tx *sqlx.Tx, in schedule.Input) (Saved, error) {
	now := s.now().UTC()
	sc := in.Schedule()
	sc.CreatedAt, sc.UpdatedAt = now, now

	row := scheduleToRow(sc)
	res, err := tx.NamedExecContext(ctx,
		`INSERT INTO schedules(user_id, name, title, description, start_at, end_at, lead_minutes, created_at, updated_at)
		 VALUES(:user_id, :name, :title, :description, :start_at, :end_at, :lead_minutes, :created_at, :updated_at)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return Saved{}, fmt.Errorf("%w: %q", schedule.ErrDuplicateName, in.Name)
		}
		return Saved{}, err
	}
	if sc.ID, err = res.LastInsertId(); err != nil {
		return Saved{}, err
	}
	rem, err := insertReminderTx(ctx, tx, sc)
	if err != nil {
		return Saved{}, err
	}
	return Saved{Schedule: sc, Reminder: rem, Created: true, Rescheduled: true}, nil
}

func (s *sqliteStore) updateTx(ctx context.Context, tx *sqlx.Tx, cur schedule.Schedule, in schedule.Input) (Saved, error) {
	next := in.Schedule()
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now().UTC()

	if _, err := tx.NamedExecContext(ctx,
		`UPDATE schedules SET title=:title, description=:description, start_at=:start_at, end_at=:end_at,
		 lead_minutes=:lead_minutes, updated_at=:updated_at WHERE id=:id`, scheduleToRow(next)); err != nil {
		return Saved{}, err
	}

	var rows []reminderRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT id, schedule_id, fire_at, sent, sent_at FROM reminders WHERE schedule_id = ? ORDER BY id`, cur.ID); err != nil {
		return Saved{}, err
	}

	out := Saved{Schedule: next}
	if len(rows) == 1 && !schedule.TimingChanged(cur, next) {
		out.Reminder = rows[0].toReminder()
		return out, nil
	}

	for _, r := range rows {
		out.Superseded = append(out.Superseded, r.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE schedule_id = ?`, cur.ID); err != nil {
		return Saved{}, err
	}
	rem, err := insertReminderTx(ctx, tx, next)
	if err != nil {
		return Saved{}, err
	}
	out.Reminder = rem
	out.Rescheduled = true
	s.log.Debug("reminder replaced",
		logx.Int64("schedule_id", next.ID),
		logx.Int64("reminder_id", rem.ID),
		logx.Any("superseded", out.Superseded),
	)
	return out, nil
}

func insertReminderTx(ctx context.Context, tx *sqlx.Tx, sc schedule.Schedule) (schedule.Reminder, error) {
	rem := schedule.Reminder{ScheduleID: sc.ID, FireAt: schedule.Derive(sc)}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO reminders(schedule_id, fire_at, sent, sent_at) VALUES(?, ?, 0, NULL)`,
		sc.ID, toMS(rem.FireAt))
	if err != nil {
		return schedule.Reminder{}, err
	}
	if rem.ID, err = res.LastInsertId(); err != nil {
		return schedule.Reminder{}, err
	}
	return rem, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, userID int64, name string) (Deleted, error) {
	if err := s.ok(); err != nil {
		return Deleted{}, err
	}
	var out Deleted
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		sc, err := getScheduleTx(ctx, tx, userID, strings.TrimSpace(name))
		if err != nil {
			return err
		}
		out.Schedule = sc
		if err := tx.SelectContext(ctx, &out.Reminders,
			`SELECT id FROM reminders WHERE schedule_id = ? ORDER BY id`, sc.ID); err != nil {
			return err
		}
		// reminders go with the schedule through ON DELETE CASCADE
		_, err = tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, sc.ID)
		return err
	})
	return out, err
}

// ---- schedule reads ----

const scheduleCols = `id, user_id, name, title, description, start_at, end_at, lead_minutes, created_at, updated_at`

func (s *sqliteStore) GetSchedule(ctx context.Context, userID int64, name string) (schedule.Schedule, error) {
	if err := s.ok(); err != nil {
		return schedule.Schedule{}, err
	}
	return getScheduleTx(ctx, s.db, userID, strings.TrimSpace(name))
}

func (s *sqliteStore) GetScheduleByID(ctx context.Context, id int64) (schedule.Schedule, error) {
	if err := s.ok(); err != nil {
		return schedule.Schedule{}, err
	}
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	return row.toSchedule(), nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context, userID int64, query string) ([]schedule.Schedule, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return s.selectSchedules(ctx,
			`SELECT `+scheduleCols+` FROM schedules WHERE user_id = ? ORDER BY start_at ASC, id ASC`, userID)
	}
	like := "%" + q + "%"
	return s.selectSchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE user_id = ?
		 AND (name LIKE ? OR title LIKE ? OR description LIKE ?)
		 ORDER BY start_at ASC, id ASC`, userID, like, like, like)
}

func (s *sqliteStore) UpcomingSchedules(ctx context.Context, userID int64, from time.Time, limit int) ([]schedule.Schedule, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return s.selectSchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE user_id = ? AND start_at >= ?
		 ORDER BY start_at ASC, id ASC LIMIT ?`, userID, toMS(from), limit)
}

func (s *sqliteStore) SchedulesBetween(ctx context.Context, userID int64, from, to time.Time) ([]schedule.Schedule, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.selectSchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE user_id = ? AND start_at >= ? AND start_at < ?
		 ORDER BY start_at ASC, id ASC`, userID, toMS(from), toMS(to))
}

func (s *sqliteStore) selectSchedules(ctx context.Context, q string, args ...any) ([]schedule.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]schedule.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

// ---- reminders ----

const reminderCols = `id, schedule_id, fire_at, sent, sent_at`

func (s *sqliteStore) GetReminder(ctx context.Context, id int64) (schedule.Reminder, error) {
	if err := s.ok(); err != nil {
		return schedule.Reminder{}, err
	}
	var row reminderRow
	err := s.db.GetContext(ctx, &row, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return schedule.Reminder{}, err
	}
	return row.toReminder(), nil
}

func (s *sqliteStore) MarkReminderSent(ctx context.Context, id int64, at time.Time) (MarkResult, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	var out MarkResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE reminders SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`, toMS(at), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			out = Marked
			return nil
		}
		var sent int64
		err = tx.GetContext(ctx, &sent, `SELECT sent FROM reminders WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		out = AlreadySent
		return nil
	})
	return out, err
}

func (s *sqliteStore) ListUnsentRemindersDueBefore(ctx context.Context, ts time.Time) ([]schedule.Reminder, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.selectReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE sent = 0 AND fire_at <= ? ORDER BY fire_at ASC, id ASC`, toMS(ts))
}

func (s *sqliteStore) ListUnsentReminders(ctx context.Context) ([]schedule.Reminder, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	return s.selectReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE sent = 0 ORDER BY fire_at ASC, id ASC`)
}

func (s *sqliteStore) selectReminders(ctx context.Context, q string, args ...any) ([]schedule.Reminder, error) {
	var rows []reminderRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]schedule.Reminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toReminder())
	}
	return out, nil
}

func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]Pending, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []pendingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT r.id AS r_id, r.fire_at AS r_fire_at,
		        s.id, s.user_id, s.name, s.title, s.description, s.start_at, s.end_at, s.lead_minutes, s.created_at, s.updated_at
		 FROM reminders r JOIN schedules s ON s.id = r.schedule_id
		 WHERE r.sent = 0
		 ORDER BY r.fire_at ASC, r.id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(rows))
	for _, r := range rows {
		sc := r.scheduleRow.toSchedule()
		out = append(out, Pending{
			Schedule: sc,
			Reminder: schedule.Reminder{ID: r.ReminderID, ScheduleID: sc.ID, FireAt: fromMS(r.FireAt)},
		})
	}
	return out, nil
}

func (s *sqliteStore) PruneSentReminders(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE sent = 1 AND sent_at IS NOT NULL AND sent_at < ?`, toMS(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- helpers ----

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getScheduleTx(ctx context.Context, q sqlx.QueryerContext, userID int64, name string) (schedule.Schedule, error) {
	var row scheduleRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+scheduleCols+` FROM schedules WHERE user_id = ? AND name = ?`, userID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	return row.toSchedule(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
