package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"notebot/internal/eventbus"
	"notebot/internal/schedule"
	"notebot/internal/storage"
	"notebot/internal/task/engine"
	"notebot/internal/task/scheduler"
	logx "notebot/pkg/logx"
)

var t0 = time.Date(2025, 11, 15, 13, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	sched   *scheduler.Service
	store   storage.Store
	fc      *clockwork.FakeClock
	notices chan Notice
	bus     eventbus.Bus
}

func newHarness(t *testing.T, notify func(Notice) error) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "notebot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	h := &harness{
		store:   st,
		fc:      clockwork.NewFakeClockAt(t0),
		notices: make(chan Notice, 16),
		bus:     eventbus.New(),
	}
	notifier := NotifierFunc(func(ctx context.Context, n Notice) error {
		h.notices <- n
		if notify != nil {
			return notify(n)
		}
		return nil
	})

	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), h.bus)
	eng.Start(context.Background())
	h.sched = scheduler.New(scheduler.Config{Timezone: "UTC"}, eng, logx.Nop(), h.bus, scheduler.WithClock(h.fc))
	h.sched.Start(context.Background())
	h.svc = New(Config{}, st, h.sched, notifier, logx.Nop(), h.bus, WithClock(h.fc))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.sched.Stop(ctx)
		eng.Stop(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) waitTimer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("no timer armed: %v", err)
	}
}

func (h *harness) expectNotice(t *testing.T) Notice {
	t.Helper()
	select {
	case n := <-h.notices:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}
	return Notice{}
}

func (h *harness) expectNoNotice(t *testing.T) {
	t.Helper()
	select {
	case n := <-h.notices:
		t.Fatalf("unexpected notification for %q (reminder %d)", n.Name, n.ReminderID)
	case <-time.After(100 * time.Millisecond):
	}
}

func meeting(name string, start time.Time, lead time.Duration) schedule.Input {
	return schedule.Input{
		UserID:      7,
		Name:        name,
		Title:       "Planning " + name,
		Description: "room 4",
		Start:       start,
		End:         start.Add(time.Hour),
		Lead:        lead,
	}
}

func TestReminderFiresOnceAtLeadTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	saved, err := h.svc.Save(ctx, meeting("standup", t0.Add(time.Hour), 30*time.Minute))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := t0.Add(30 * time.Minute); !saved.Reminder.FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", saved.Reminder.FireAt, want)
	}

	h.waitTimer(t)
	h.fc.Advance(29 * time.Minute)
	h.expectNoNotice(t)

	h.fc.Advance(time.Minute)
	n := h.expectNotice(t)
	if n.ReminderID != saved.Reminder.ID || n.UserID != 7 || n.Title != "Planning standup" || n.Late {
		t.Fatalf("notice = %+v", n)
	}
	if !n.Start.Equal(t0.Add(time.Hour)) || !n.End.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("notice times = %v..%v", n.Start, n.End)
	}

	rem, err := h.store.GetReminder(ctx, saved.Reminder.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if !rem.Sent || rem.SentAt == nil || !rem.SentAt.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("reminder = %+v, want sent at 13:30", rem)
	}
	h.expectNoNotice(t)
}

func TestRescheduleMovesTheFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.Save(ctx, meeting("review", t0.Add(time.Hour), 30*time.Minute))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	h.waitTimer(t)

	second, err := h.svc.Save(ctx, meeting("review", t0.Add(3*time.Hour), 30*time.Minute))
	if err != nil {
		t.Fatalf("Save (reschedule): %v", err)
	}
	if second.Created || !second.Rescheduled {
		t.Fatalf("second save = %+v, want rescheduled update", second)
	}
	if len(second.Superseded) != 1 || second.Superseded[0] != first.Reminder.ID {
		t.Fatalf("Superseded = %v, want [%d]", second.Superseded, first.Reminder.ID)
	}
	if n := h.sched.Pending(); n != 1 {
		t.Fatalf("Pending() = %d, want 1", n)
	}

	h.waitTimer(t)
	h.fc.Advance(30 * time.Minute) // 13:30, the old instant
	h.expectNoNotice(t)

	h.waitTimer(t)
	h.fc.Advance(2 * time.Hour) // 15:30
	n := h.expectNotice(t)
	if n.ReminderID != second.Reminder.ID {
		t.Fatalf("fired reminder %d, want %d", n.ReminderID, second.Reminder.ID)
	}
	h.expectNoNotice(t)

	if _, err := h.store.GetReminder(ctx, first.Reminder.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old reminder err = %v, want ErrNotFound", err)
	}
}

func TestEditWithoutTimingChangeKeepsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.Save(ctx, meeting("sync", t0.Add(time.Hour), 10*time.Minute))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	in := meeting("sync", t0.Add(time.Hour), 10*time.Minute)
	in.Title = "Renamed"
	second, err := h.svc.Save(ctx, in)
	if err != nil {
		t.Fatalf("Save (title): %v", err)
	}
	if second.Rescheduled || second.Reminder.ID != first.Reminder.ID {
		t.Fatalf("second save = %+v, want same reminder", second)
	}
	if id, _, ok := h.sched.Next(); !ok || id != JobID(first.Reminder.ID) {
		t.Fatalf("Next() = %q %v", id, ok)
	}

	h.waitTimer(t)
	h.fc.Advance(50 * time.Minute)
	if n := h.expectNotice(t); n.Title != "Renamed" {
		t.Fatalf("Title = %q, want the edited title", n.Title)
	}
}

func TestConcurrentFireNotifiesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	saved, err := h.svc.Save(ctx, meeting("dup", t0.Add(time.Hour), 0))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	sub, unsub := h.bus.Subscribe(32)
	defer unsub()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.svc.Dispatcher().Fire(ctx, saved.Reminder.ID); err != nil {
				t.Errorf("Fire: %v", err)
			}
		}()
	}
	wg.Wait()

	h.expectNotice(t)
	h.expectNoNotice(t)

	dups := 0
	for len(sub) > 0 {
		if ev := <-sub; ev.Type == EventDuplicate {
			dups++
		}
	}
	if dups != 7 {
		t.Fatalf("duplicate events = %d, want 7", dups)
	}
}

func TestRecoverSchedulesPastDueAndFuture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	// written straight to the store, as if before a restart
	for _, in := range []schedule.Input{
		meeting("missed-a", t0.Add(-30*time.Minute), 30*time.Minute), // 12:00
		meeting("missed-b", t0, 30*time.Minute),                      // 12:30
		meeting("later", t0.Add(time.Hour), 30*time.Minute),          // 13:30
	} {
		if _, err := h.store.CreateSchedule(ctx, in); err != nil {
			t.Fatalf("CreateSchedule(%s): %v", in.Name, err)
		}
	}
	if h.svc.Ready() {
		t.Fatal("Ready() before Recover")
	}

	rep, err := h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Total != 3 || rep.PastDue != 2 || rep.Future != 1 {
		t.Fatalf("report = %+v, want 3/2/1", rep)
	}
	if !h.svc.Ready() {
		t.Fatal("Ready() = false after Recover")
	}
	if err := h.svc.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	late := map[string]bool{}
	for range 2 {
		n := h.expectNotice(t)
		late[n.Name] = n.Late
	}
	if !late["missed-a"] || !late["missed-b"] {
		t.Fatalf("late flags = %v, want both past-due reminders late", late)
	}
	h.expectNoNotice(t)

	h.waitTimer(t)
	h.fc.Advance(30 * time.Minute)
	n := h.expectNotice(t)
	if n.Name != "later" || n.Late {
		t.Fatalf("notice = %+v, want on-time 'later'", n)
	}

	// a second pass finds nothing left to do
	rep, err = h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover (again): %v", err)
	}
	if rep.Total != 0 {
		t.Fatalf("second report = %+v, want empty", rep)
	}
}

func TestRecoverFailsOnStoreError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	_ = h.store.Close()

	if _, err := h.svc.Recover(context.Background()); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Recover err = %v, want ErrClosed", err)
	}
	if h.svc.Ready() {
		t.Fatal("Ready() = true after failed Recover")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.svc.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady err = %v, want deadline", err)
	}
}

func TestDeleteCancelsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	saved, err := h.svc.Save(ctx, meeting("gone", t0.Add(time.Hour), 15*time.Minute))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	del, err := h.svc.Delete(ctx, 7, "gone")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(del.Reminders) != 1 || del.Reminders[0] != saved.Reminder.ID {
		t.Fatalf("Deleted.Reminders = %v", del.Reminders)
	}
	if n := h.sched.Pending(); n != 0 {
		t.Fatalf("Pending() = %d, want 0", n)
	}

	h.fc.Advance(2 * time.Hour)
	h.expectNoNotice(t)

	// a stale fire for the deleted row is a no-op
	if err := h.svc.Dispatcher().Fire(ctx, saved.Reminder.ID); err != nil {
		t.Fatalf("Fire after delete: %v", err)
	}
	h.expectNoNotice(t)

	if _, err := h.svc.Delete(ctx, 7, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestNotifyFailureStaysSent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(Notice) error { return errors.New("telegram: 403 blocked by user") })
	ctx := context.Background()

	saved, err := h.svc.Save(ctx, meeting("blocked", t0.Add(-time.Hour), 0))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	// past instant: fires without advancing the clock
	if n := h.expectNotice(t); !n.Late {
		t.Fatalf("notice = %+v, want late", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rem, err := h.store.GetReminder(ctx, saved.Reminder.ID)
		if err != nil {
			t.Fatalf("GetReminder: %v", err)
		}
		if rem.Sent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reminder not marked sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := h.svc.Dispatcher().Fire(ctx, saved.Reminder.ID); err != nil {
		t.Fatalf("second Fire: %v", err)
	}
	h.expectNoNotice(t)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	in := meeting("bad", t0.Add(time.Hour), 0)
	in.End = in.Start.Add(-time.Minute)
	_, err := h.svc.Save(ctx, in)
	if !errors.Is(err, schedule.ErrEndBeforeStart) || !IsUserError(err) {
		t.Fatalf("Save err = %v, want ErrEndBeforeStart", err)
	}
	if n := h.sched.Pending(); n != 0 {
		t.Fatalf("Pending() = %d, want 0", n)
	}
}

func TestPruneHonoursRetention(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	saved, err := h.svc.Save(ctx, meeting("old", t0.Add(-48*time.Hour), 0))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	h.expectNotice(t)

	if n, err := h.svc.Prune(ctx); err != nil || n != 0 {
		t.Fatalf("Prune without retention = %d, %v", n, err)
	}

	h.svc.Apply(Config{Retention: time.Hour})
	h.fc.Advance(2 * time.Hour)
	n, err := h.svc.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if _, err := h.store.GetReminder(ctx, saved.Reminder.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("pruned reminder err = %v", err)
	}
}
