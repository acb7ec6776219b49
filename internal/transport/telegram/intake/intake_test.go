package intake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"notebot/internal/schedule"
	"notebot/internal/storage"
	kit "notebot/internal/transport"
	logx "notebot/pkg/logx"
)

type fakeSchedules struct {
	mu      sync.Mutex
	saved   []schedule.Input
	deleted []string
	err     error
}

func (f *fakeSchedules) Save(ctx context.Context, in schedule.Input) (storage.Saved, error) {
	if err := in.Validate(); err != nil {
		return storage.Saved{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.Saved{}, f.err
	}
	f.saved = append(f.saved, in)
	in = in.Normalize()
	sc := in.Schedule()
	return storage.Saved{Schedule: sc, Reminder: schedule.Reminder{ID: 1, FireAt: schedule.Derive(sc)}, Created: true, Rescheduled: true}, nil
}

func (f *fakeSchedules) Delete(ctx context.Context, userID int64, name string) (storage.Deleted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "standup" {
		return storage.Deleted{}, storage.ErrNotFound
	}
	f.deleted = append(f.deleted, name)
	return storage.Deleted{Schedule: schedule.Schedule{UserID: userID, Name: name}, Reminders: []int64{1}}, nil
}

type fakeReplier struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func (f *fakeReplier) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	if f.ch != nil {
		f.ch <- text
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeReplier) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) != 1 {
		t.Fatalf("replies = %q, want exactly one", f.msgs)
	}
	return f.msgs[0]
}

func webApp(data string) kit.Update {
	return kit.Update{Kind: kit.UpdateWebApp, Message: &kit.Message{ChatID: 42, FromID: 42, WebAppData: data}}
}

func text(s string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 42, FromID: 42, Text: s}}
}

func newTestService(sch *fakeSchedules, rep *fakeReplier) *Service {
	return New(Config{}, sch, rep, logx.Nop())
}

func TestWebAppSave(t *testing.T) {
	t.Parallel()
	sch, rep := &fakeSchedules{}, &fakeReplier{}
	s := newTestService(sch, rep)

	payload := `{"name":"standup","title":"Daily standup","description":"zoom",
		"start_datetime":"2025-11-15T14:00","end_datetime":"2025-11-15 14:30","reminder_minutes":"30"}`
	if err := s.Handle(context.Background(), webApp(payload)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sch.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(sch.saved))
	}
	in := sch.saved[0]
	if in.UserID != 42 || in.Name != "standup" || in.Lead != 30*time.Minute {
		t.Fatalf("input = %+v", in)
	}
	if want := time.Date(2025, 11, 15, 14, 0, 0, 0, time.UTC); !in.Start.Equal(want) {
		t.Fatalf("Start = %v, want %v", in.Start, want)
	}

	want := "✅ Schedule saved\n\n📅 Daily standup\n🕐 2025-11-15 14:00 - 14:30\n⏰ Reminder: 30 min before"
	if got := rep.last(t); got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestWebAppDelete(t *testing.T) {
	t.Parallel()
	sch, rep := &fakeSchedules{}, &fakeReplier{}
	s := newTestService(sch, rep)

	if err := s.Handle(context.Background(), webApp(`{"action":"delete","name":"standup"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := rep.last(t); got != "🗑 Schedule deleted: standup" {
		t.Fatalf("reply = %q", got)
	}
}

func TestUserErrorsAreRepliedNotReturned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		up   kit.Update
		want string
	}{
		{
			name: "end before start",
			up:   webApp(`{"name":"a","title":"A","start_datetime":"2025-11-15 14:00","end_datetime":"2025-11-15 13:00"}`),
			want: "❌ end before start",
		},
		{
			name: "negative lead",
			up:   webApp(`{"name":"a","title":"A","start_datetime":"2025-11-15 14:00","end_datetime":"2025-11-15 15:00","reminder_minutes":-5}`),
			want: "❌ negative lead time",
		},
		{
			name: "bad json",
			up:   webApp(`{not json`),
			want: "❌ invalid data received from editor",
		},
		{
			name: "bad time",
			up:   webApp(`{"name":"a","title":"A","start_datetime":"tomorrow","end_datetime":"2025-11-15 15:00"}`),
			want: "❌ invalid datetime for start",
		},
		{
			name: "unknown action",
			up:   webApp(`{"action":"archive","name":"a"}`),
			want: "❌ invalid data received from editor",
		},
		{
			name: "delete missing",
			up:   webApp(`{"action":"delete","name":"nope"}`),
			want: "❌ Schedule not found",
		},
		{
			name: "short line",
			up:   text("a | b | c"),
			want: "❌ invalid format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rep := &fakeReplier{}
			s := newTestService(&fakeSchedules{}, rep)
			if err := s.Handle(context.Background(), tt.up); err != nil {
				t.Fatalf("Handle err = %v, want nil", err)
			}
			if got := rep.last(t); !strings.HasPrefix(got, tt.want) {
				t.Fatalf("reply = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestStoreFailureIsReturned(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk I/O error")
	rep := &fakeReplier{}
	s := newTestService(&fakeSchedules{err: boom}, rep)

	up := webApp(`{"name":"a","title":"A","start_datetime":"2025-11-15 14:00","end_datetime":"2025-11-15 15:00"}`)
	if err := s.Handle(context.Background(), up); !errors.Is(err, boom) {
		t.Fatalf("Handle err = %v, want %v", err, boom)
	}
	if got := rep.last(t); strings.Contains(got, "disk") {
		t.Fatalf("reply leaks internals: %q", got)
	}
}

func TestQuickEntryLine(t *testing.T) {
	t.Parallel()
	sch, rep := &fakeSchedules{}, &fakeReplier{}
	s := newTestService(sch, rep)

	line := "review | Code review | 2025-11-15 16:00 | 2025-11-15 17:00 | 15 | PR 12 | PR 13"
	if err := s.Handle(context.Background(), text(line)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sch.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(sch.saved))
	}
	if in := sch.saved[0]; in.Name != "review" || in.Lead != 15*time.Minute || in.Description != "PR 12 | PR 13" {
		t.Fatalf("input = %+v", in)
	}
	_ = rep.last(t)
}

func TestPlainTextIsIgnored(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	s := newTestService(&fakeSchedules{}, rep)
	for _, msg := range []string{"hello", "/start", "/save a|b"} {
		if err := s.Handle(context.Background(), text(msg)); err != nil {
			t.Fatalf("Handle(%q): %v", msg, err)
		}
	}
	if len(rep.msgs) != 0 {
		t.Fatalf("replies = %q, want none", rep.msgs)
	}
}

func TestNaiveTimesUseConfiguredZone(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	sch, rep := &fakeSchedules{}, &fakeReplier{}
	s := New(Config{Location: loc}, sch, rep, logx.Nop())

	up := webApp(`{"name":"a","title":"A","start_datetime":"2025-11-15 21:00","end_datetime":"2025-11-15 22:00"}`)
	if err := s.Handle(context.Background(), up); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if want := time.Date(2025, 11, 15, 14, 0, 0, 0, time.UTC); !sch.saved[0].Start.Equal(want) {
		t.Fatalf("Start = %v, want %v", sch.saved[0].Start, want)
	}
	if got := rep.last(t); !strings.Contains(got, "2025-11-15 21:00 - 22:00") {
		t.Fatalf("reply = %q, want local times", got)
	}
}

func TestMinutesDecoding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Minutes
		wantErr bool
	}{
		{raw: `{"reminder_minutes":30}`, want: 30},
		{raw: `{"reminder_minutes":"45"}`, want: 45},
		{raw: `{"reminder_minutes":""}`, want: 0},
		{raw: `{"reminder_minutes":null}`, want: 0},
		{raw: `{}`, want: 0},
		{raw: `{"reminder_minutes":"soon"}`, wantErr: true},
	}
	for _, tt := range tests {
		p, err := DecodePayload(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("DecodePayload(%s) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && p.ReminderMinutes != tt.want {
			t.Fatalf("DecodePayload(%s) minutes = %d, want %d", tt.raw, p.ReminderMinutes, tt.want)
		}
	}
}

func TestDispatchLoopProcessesUpdates(t *testing.T) {
	t.Parallel()
	sch := &fakeSchedules{}
	rep := &fakeReplier{ch: make(chan string, 4)}
	s := newTestService(sch, rep)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- s.DispatchLoop(ctx, updates) }()

	updates <- webApp(`{"action":"delete","name":"standup"}`)
	select {
	case got := <-rep.ch:
		if !strings.HasPrefix(got, "🗑") {
			t.Fatalf("reply = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update not processed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DispatchLoop did not return")
	}
}
