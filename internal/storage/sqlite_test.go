package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notebot/internal/schedule"
	logx "notebot/pkg/logx"
)

var t0 = time.Date(2025, 11, 15, 9, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "notebot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	st.now = func() time.Time { return t0 }
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func input(name string, start time.Time, lead time.Duration) schedule.Input {
	return schedule.Input{
		UserID: 42,
		Name:   name,
		Title:  "Title " + name,
		Start:  start,
		End:    start.Add(time.Hour),
		Lead:   lead,
	}
}

func TestCreateScheduleDerivesReminder(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	start := time.Date(2025, 11, 15, 14, 0, 0, 0, time.UTC)
	saved, err := st.CreateSchedule(ctx, input("standup", start, 30*time.Minute))
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if !saved.Created || saved.Schedule.ID == 0 || saved.Reminder.ID == 0 {
		t.Fatalf("saved = %+v", saved)
	}
	want := time.Date(2025, 11, 15, 13, 30, 0, 0, time.UTC)
	if !saved.Reminder.FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", saved.Reminder.FireAt, want)
	}

	rem, err := st.GetReminder(ctx, saved.Reminder.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if rem.Sent || rem.SentAt != nil || !rem.FireAt.Equal(want) {
		t.Fatalf("reminder = %+v", rem)
	}

	got, err := st.GetSchedule(ctx, 42, "standup")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !got.Start.Equal(start) || got.Lead != 30*time.Minute || !got.CreatedAt.Equal(t0) {
		t.Fatalf("schedule = %+v", got)
	}
}

func TestCreateScheduleRejectsInvalidAndDuplicate(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	start := t0.Add(time.Hour)

	bad := input("bad", start, 0)
	bad.End = start.Add(-time.Minute)
	if _, err := st.CreateSchedule(ctx, bad); !errors.Is(err, schedule.ErrEndBeforeStart) {
		t.Fatalf("CreateSchedule(end<start) = %v, want ErrEndBeforeStart", err)
	}
	if _, err := st.CreateSchedule(ctx, input("neg", start, -time.Minute)); !errors.Is(err, schedule.ErrNegativeLead) {
		t.Fatalf("CreateSchedule(lead<0) = %v, want ErrNegativeLead", err)
	}
	if rems, _ := st.ListUnsentReminders(ctx); len(rems) != 0 {
		t.Fatalf("invalid input persisted %d reminders", len(rems))
	}

	if _, err := st.CreateSchedule(ctx, input("gym", start, 0)); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if _, err := st.CreateSchedule(ctx, input("gym", start, 0)); !errors.Is(err, schedule.ErrDuplicateName) {
		t.Fatalf("duplicate CreateSchedule = %v, want ErrDuplicateName", err)
	}
	other := input("gym", start, 0)
	other.UserID = 7
	if _, err := st.CreateSchedule(ctx, other); err != nil {
		t.Fatalf("same name for another user: %v", err)
	}
}

func TestUpdateScheduleReplacesReminderOnTimingChange(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	start := time.Date(2025, 11, 15, 14, 0, 0, 0, time.UTC)
	first, err := st.CreateSchedule(ctx, input("review", start, 30*time.Minute))
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	moved := input("review", start.Add(2*time.Hour), 30*time.Minute)
	saved, err := st.UpdateSchedule(ctx, moved)
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if !saved.Rescheduled || saved.Created {
		t.Fatalf("saved flags = %+v", saved)
	}
	if len(saved.Superseded) != 1 || saved.Superseded[0] != first.Reminder.ID {
		t.Fatalf("Superseded = %v, want [%d]", saved.Superseded, first.Reminder.ID)
	}
	if saved.Reminder.ID == first.Reminder.ID {
		t.Fatal("reminder id reused after timing change")
	}
	want := time.Date(2025, 11, 15, 15, 30, 0, 0, time.UTC)
	if !saved.Reminder.FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", saved.Reminder.FireAt, want)
	}

	if _, err := st.GetReminder(ctx, first.Reminder.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReminder(old) = %v, want ErrNotFound", err)
	}
	if _, err := st.MarkReminderSent(ctx, first.Reminder.ID, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkReminderSent(old) = %v, want ErrNotFound", err)
	}

	rems, err := st.ListUnsentReminders(ctx)
	if err != nil {
		t.Fatalf("ListUnsentReminders: %v", err)
	}
	if len(rems) != 1 || rems[0].ID != saved.Reminder.ID {
		t.Fatalf("unsent = %+v, want only the new reminder", rems)
	}
}

func TestUpdateScheduleKeepsReminderWhenTimingUnchanged(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	start := t0.Add(3 * time.Hour)
	first, err := st.CreateSchedule(ctx, input("lunch", start, 15*time.Minute))
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	edit := input("lunch", start, 15*time.Minute)
	edit.Title = "Lunch with team"
	edit.End = start.Add(2 * time.Hour)

	saved, err := st.UpdateSchedule(ctx, edit)
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if saved.Rescheduled || len(saved.Superseded) != 0 || saved.Reminder.ID != first.Reminder.ID {
		t.Fatalf("saved = %+v, want untouched reminder %d", saved, first.Reminder.ID)
	}
	got, _ := st.GetSchedule(ctx, 42, "lunch")
	if got.Title != "Lunch with team" {
		t.Fatalf("Title = %q", got.Title)
	}
}

func TestUpdateScheduleResetsSentReminder(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	start := t0.Add(time.Hour)
	first, _ := st.CreateSchedule(ctx, input("call", start, 0))
	if _, err := st.MarkReminderSent(ctx, first.Reminder.ID, start); err != nil {
		t.Fatalf("MarkReminderSent: %v", err)
	}

	saved, err := st.UpdateSchedule(ctx, input("call", start.Add(24*time.Hour), 0))
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	rem, err := st.GetReminder(ctx, saved.Reminder.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if rem.Sent {
		t.Fatal("rescheduled reminder should be unsent")
	}
}

func TestUpdateScheduleResetsSentReminderWithSameFireInstant(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	start := t0.Add(time.Hour)
	first, _ := st.CreateSchedule(ctx, input("review", start, 30*time.Minute))
	if _, err := st.MarkReminderSent(ctx, first.Reminder.ID, start); err != nil {
		t.Fatalf("MarkReminderSent: %v", err)
	}

	saved, err := st.UpdateSchedule(ctx, input("review", start.Add(30*time.Minute), time.Hour))
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if !saved.Rescheduled || saved.Reminder.ID == first.Reminder.ID {
		t.Fatalf("saved = %+v, want a replaced reminder", saved)
	}
	if !saved.Reminder.FireAt.Equal(first.Reminder.FireAt) {
		t.Fatalf("FireAt = %v, want %v", saved.Reminder.FireAt, first.Reminder.FireAt)
	}
	rem, err := st.GetReminder(ctx, saved.Reminder.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if rem.Sent {
		t.Fatal("replaced reminder should be unsent")
	}
}

func TestUpdateScheduleUnknown(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	if _, err := st.UpdateSchedule(context.Background(), input("ghost", t0, 0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSchedule(ghost) = %v, want ErrNotFound", err)
	}
}

func TestSaveScheduleUpserts(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	start := t0.Add(time.Hour)

	a, err := st.SaveSchedule(ctx, input("dentist", start, 0))
	if err != nil || !a.Created {
		t.Fatalf("SaveSchedule #1 = %+v, %v", a, err)
	}
	b, err := st.SaveSchedule(ctx, input("dentist", start.Add(time.Hour), 0))
	if err != nil {
		t.Fatalf("SaveSchedule #2: %v", err)
	}
	if b.Created || b.Schedule.ID != a.Schedule.ID || !b.Rescheduled {
		t.Fatalf("SaveSchedule #2 = %+v", b)
	}
}

func TestMarkReminderSentIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	saved, _ := st.CreateSchedule(ctx, input("pay", t0.Add(time.Hour), 0))
	first := t0.Add(time.Hour)

	res, err := st.MarkReminderSent(ctx, saved.Reminder.ID, first)
	if err != nil || res != Marked {
		t.Fatalf("MarkReminderSent #1 = %v, %v, want marked", res, err)
	}
	res, err = st.MarkReminderSent(ctx, saved.Reminder.ID, first.Add(time.Minute))
	if err != nil || res != AlreadySent {
		t.Fatalf("MarkReminderSent #2 = %v, %v, want already_sent", res, err)
	}

	rem, _ := st.GetReminder(ctx, saved.Reminder.ID)
	if !rem.Sent || rem.SentAt == nil || !rem.SentAt.Equal(first) {
		t.Fatalf("reminder = %+v, want sent at %v", rem, first)
	}
	if _, err := st.MarkReminderSent(ctx, 9999, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkReminderSent(9999) = %v, want ErrNotFound", err)
	}
}

func TestListUnsentRemindersDueBefore(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	late, _ := st.CreateSchedule(ctx, input("c", t0.Add(3*time.Hour), 0))
	early, _ := st.CreateSchedule(ctx, input("a", t0.Add(time.Hour), 0))
	mid, _ := st.CreateSchedule(ctx, input("b", t0.Add(2*time.Hour), 0))
	sent, _ := st.CreateSchedule(ctx, input("d", t0.Add(30*time.Minute), 0))
	_, _ = st.MarkReminderSent(ctx, sent.Reminder.ID, t0)

	due, err := st.ListUnsentRemindersDueBefore(ctx, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListUnsentRemindersDueBefore: %v", err)
	}
	if len(due) != 2 || due[0].ID != early.Reminder.ID || due[1].ID != mid.Reminder.ID {
		t.Fatalf("due = %+v, want [%d %d]", due, early.Reminder.ID, mid.Reminder.ID)
	}

	all, _ := st.ListUnsentReminders(ctx)
	if len(all) != 3 || all[2].ID != late.Reminder.ID {
		t.Fatalf("unsent = %+v", all)
	}

	pending, err := st.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 || pending[0].Schedule.Name != "a" || pending[0].Reminder.ID != early.Reminder.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestDeleteScheduleCascades(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	saved, _ := st.CreateSchedule(ctx, input("trip", t0.Add(time.Hour), 0))
	del, err := st.DeleteSchedule(ctx, 42, "trip")
	if err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if len(del.Reminders) != 1 || del.Reminders[0] != saved.Reminder.ID {
		t.Fatalf("Deleted.Reminders = %v, want [%d]", del.Reminders, saved.Reminder.ID)
	}
	if _, err := st.GetReminder(ctx, saved.Reminder.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReminder after delete = %v, want ErrNotFound", err)
	}
	if _, err := st.DeleteSchedule(ctx, 42, "trip"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteSchedule = %v, want ErrNotFound", err)
	}
}

func TestScheduleQueries(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	mk := func(name, title, desc string, start time.Time) {
		in := input(name, start, 0)
		in.Title, in.Description = title, desc
		if _, err := st.CreateSchedule(ctx, in); err != nil {
			t.Fatalf("CreateSchedule(%s): %v", name, err)
		}
	}
	mk("gym", "Workout", "legs", t0.Add(26*time.Hour))
	mk("standup", "Daily standup", "team sync", t0.Add(time.Hour))
	mk("retro", "Retro", "team retrospective", t0.Add(5*24*time.Hour))
	mk("old", "Past thing", "", t0.Add(-24*time.Hour))

	all, _ := st.ListSchedules(ctx, 42, "")
	if len(all) != 4 || all[0].Name != "old" || all[3].Name != "retro" {
		t.Fatalf("ListSchedules = %v", names(all))
	}
	team, _ := st.ListSchedules(ctx, 42, "team")
	if got := names(team); len(got) != 2 || got[0] != "standup" || got[1] != "retro" {
		t.Fatalf("ListSchedules(team) = %v", got)
	}
	if none, _ := st.ListSchedules(ctx, 7, ""); len(none) != 0 {
		t.Fatalf("other user sees %v", names(none))
	}

	up, _ := st.UpcomingSchedules(ctx, 42, t0, 2)
	if got := names(up); len(got) != 2 || got[0] != "standup" || got[1] != "gym" {
		t.Fatalf("UpcomingSchedules = %v", got)
	}

	from, to, _ := schedule.ParsePeriod("tomorrow", t0, time.UTC)
	tomorrow, _ := st.SchedulesBetween(ctx, 42, from, to)
	if got := names(tomorrow); len(got) != 1 || got[0] != "gym" {
		t.Fatalf("SchedulesBetween(tomorrow) = %v", got)
	}
}

func TestPruneSentReminders(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	a, _ := st.CreateSchedule(ctx, input("a", t0, 0))
	b, _ := st.CreateSchedule(ctx, input("b", t0, 0))
	_, _ = st.MarkReminderSent(ctx, a.Reminder.ID, t0)
	_, _ = st.MarkReminderSent(ctx, b.Reminder.ID, t0.Add(48*time.Hour))

	n, err := st.PruneSentReminders(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneSentReminders = %d, %v, want 1", n, err)
	}
	if _, err := st.GetReminder(ctx, b.Reminder.ID); err != nil {
		t.Fatalf("recent sent reminder pruned: %v", err)
	}
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "notebot.db")
	st, err := Open(Config{Path: path}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	saved, err := st.CreateSchedule(ctx, input("persist", t0.Add(time.Hour), 10*time.Minute))
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.ListUnsentReminders(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("ListUnsentReminders after Close = %v, want ErrClosed", err)
	}

	st2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	rems, err := st2.ListUnsentReminders(ctx)
	if err != nil {
		t.Fatalf("ListUnsentReminders: %v", err)
	}
	if len(rems) != 1 || rems[0].ID != saved.Reminder.ID || !rems[0].FireAt.Equal(saved.Reminder.FireAt) {
		t.Fatalf("after reopen = %+v, want %+v", rems, saved.Reminder)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("Open without path should fail")
	}
}

func names(in []schedule.Schedule) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, s.Name)
	}
	return out
}
