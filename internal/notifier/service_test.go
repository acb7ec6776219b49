package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"notebot/internal/eventbus"
	"notebot/internal/reminder"
	kit "notebot/internal/transport"
	logx "notebot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	out   chan sent
	fails atomic.Int32
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.fails.Add(-1) >= 0 {
		return kit.MessageRef{}, errors.New("telegram: retry later")
	}
	f.out <- sent{to: to, text: text}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func startService(t *testing.T, cfg Config, f *fakeSender, bus eventbus.Bus) *Service {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, f, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func recv(t *testing.T, ch <-chan sent) sent {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
	}
	return sent{}
}

var notice = reminder.Notice{
	UserID:      555,
	ReminderID:  9,
	Title:       "Dentist",
	Description: "bring the form",
	Start:       time.Date(2025, 11, 15, 14, 0, 0, 0, time.UTC),
	End:         time.Date(2025, 11, 15, 15, 0, 0, 0, time.UTC),
}

func TestRenderReminder(t *testing.T) {
	t.Parallel()
	want := "🔔 Reminder: Dentist\n\nStarts at: 2025-11-15 14:00\nEnds at: 2025-11-15 15:00\n\nbring the form"
	if got := RenderReminder(notice, time.UTC); got != want {
		t.Fatalf("RenderReminder() = %q, want %q", got, want)
	}

	late := notice
	late.Late = true
	late.Description = ""
	want = "🔔 Reminder: Dentist\n\nStarts at: 2025-11-15 14:00\nEnds at: 2025-11-15 15:00\n\n⏳ (delivered late)"
	if got := RenderReminder(late, time.UTC); got != want {
		t.Fatalf("RenderReminder(late) = %q, want %q", got, want)
	}
}

func TestRenderReminderInDisplayZone(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	want := "🔔 Reminder: Dentist\n\nStarts at: 2025-11-15 21:00\nEnds at: 2025-11-15 22:00\n\nbring the form"
	if got := RenderReminder(notice, loc); got != want {
		t.Fatalf("RenderReminder() = %q, want %q", got, want)
	}
}

func TestNotifyReminderSendsToOwner(t *testing.T) {
	t.Parallel()
	f := &fakeSender{out: make(chan sent, 4)}
	s := startService(t, Config{}, f, nil)

	if err := s.NotifyReminder(context.Background(), notice); err != nil {
		t.Fatalf("NotifyReminder: %v", err)
	}
	m := recv(t, f.out)
	if m.to.ChatID != 555 {
		t.Fatalf("ChatID = %d, want 555", m.to.ChatID)
	}
	if m.text != RenderReminder(notice, time.UTC) {
		t.Fatalf("text = %q", m.text)
	}

	deadline := time.Now().Add(time.Second)
	for len(s.History()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h := s.History(); len(h) != 1 || h[0].ChatID != 555 {
		t.Fatalf("History() = %+v", h)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	f := &fakeSender{out: make(chan sent, 4)}
	f.fails.Store(2)
	s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, f, nil)

	if err := s.Notify(context.Background(), kit.Notification{Channel: "test", Target: kit.ChatTarget{ChatID: 1}, Text: "hi"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if m := recv(t, f.out); m.text != "hi" {
		t.Fatalf("text = %q", m.text)
	}
}

func TestFailureIsReportedNotRetriedByDefault(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	f := &fakeSender{out: make(chan sent, 4)}
	f.fails.Store(1)
	s := startService(t, Config{}, f, bus)

	if err := s.Notify(context.Background(), kit.Notification{Channel: "test", Target: kit.ChatTarget{ChatID: 1}, Text: "once"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSent {
				t.Fatal("sent after failure without retries")
			}
			if ev.Type == EventFailed {
				return
			}
		case <-timeout:
			t.Fatal("no failure event")
		}
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	t.Parallel()
	f := &fakeSender{out: make(chan sent, 4)}
	s := startService(t, Config{DedupWindow: time.Minute}, f, nil)

	n := kit.Notification{Channel: "test", Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	for range 3 {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	recv(t, f.out)
	select {
	case m := <-f.out:
		t.Fatalf("duplicate delivered: %q", m.text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDedupKeepsDistinctReminders(t *testing.T) {
	t.Parallel()
	f := &fakeSender{out: make(chan sent, 4)}
	s := startService(t, Config{DedupWindow: time.Minute}, f, nil)

	twin := notice
	twin.ReminderID = notice.ReminderID + 1
	twin.ScheduleID = notice.ScheduleID + 1
	for _, n := range []reminder.Notice{notice, twin, notice} {
		if err := s.NotifyReminder(context.Background(), n); err != nil {
			t.Fatalf("NotifyReminder: %v", err)
		}
	}
	a, b := recv(t, f.out), recv(t, f.out)
	if a.text != b.text {
		t.Fatalf("texts differ: %q vs %q", a.text, b.text)
	}
	select {
	case m := <-f.out:
		t.Fatalf("repeat of reminder %d delivered: %q", notice.ReminderID, m.text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyBeforeStartOrAfterStop(t *testing.T) {
	t.Parallel()
	f := &fakeSender{out: make(chan sent, 1)}
	s := New(Config{}, f, logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before Start = %v, want ErrStopped", err)
	}

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.NotifyReminder(context.Background(), notice); !errors.Is(err, ErrStopped) {
		t.Fatalf("NotifyReminder after Stop = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retryDelay(%d) = %v, want (0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
}
