// Package intake turns chat updates into schedule writes.
//
// Two inputs are accepted: the JSON payload posted by the schedule editor
// Web App, and a pipe-delimited quick-entry line sent as plain text. Every
// other message is ignored. Each update gets exactly one reply.
package intake

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"notebot/internal/reminder"
	rtsup "notebot/internal/runtime/supervisor"
	"notebot/internal/schedule"
	"notebot/internal/storage"
	kit "notebot/internal/transport"
	logx "notebot/pkg/logx"
)

// Schedules is the write side of the reminder service.
type Schedules interface {
	Save(ctx context.Context, in schedule.Input) (storage.Saved, error)
	Delete(ctx context.Context, userID int64, name string) (storage.Deleted, error)
}

// Replier sends the confirmation back to the chat.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// Location reads naive datetimes and renders replies. nil means UTC.
	Location *time.Location
}

type Service struct {
	log       logx.Logger
	schedules Schedules
	reply     Replier

	mu      sync.RWMutex
	cfg     Config
	handler HandlerFunc

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, schedules Schedules, reply Replier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, schedules: schedules, reply: reply}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h := Chain(s.handle,
		MWPanicRecover(s.log),
		MWRequestLog(s.log),
		MWTimeout(cfg.Timeout),
	)
	s.mu.Lock()
	s.cfg = cfg
	s.handler = h
	s.mu.Unlock()
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup
}

func (s *Service) snapshot() (Config, HandlerFunc) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.handler
}

// Handle processes one update synchronously.
func (s *Service) Handle(ctx context.Context, up kit.Update) error {
	if up.Message == nil {
		return nil
	}
	_, h := s.snapshot()
	req := &Request{
		Update: up,
		Chat:   kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID},
		FromID: up.Message.FromID,
		Logger: s.log,
	}
	return h(ctx, req)
}

func (s *Service) handle(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	cfg, _ := s.snapshot()

	var (
		p   Payload
		err error
	)
	switch req.Update.Kind {
	case kit.UpdateWebApp:
		p, err = DecodePayload(msg.WebAppData)
	case kit.UpdateMessage:
		text := strings.TrimSpace(msg.Text)
		if strings.HasPrefix(text, "/") || !strings.Contains(text, "|") {
			return nil
		}
		p, err = ParseLine(text)
	default:
		return nil
	}
	if err == nil {
		err = s.apply(ctx, req.FromID, p, cfg.Location, req.Chat)
	}
	if err != nil {
		s.send(ctx, req.Chat, errorReply(err))
		if isUserFacing(err) {
			return nil
		}
	}
	return err
}

func (s *Service) apply(ctx context.Context, userID int64, p Payload, loc *time.Location, chat kit.ChatTarget) error {
	if p.Action == ActionDelete {
		del, err := s.schedules.Delete(ctx, userID, strings.TrimSpace(p.Name))
		if err != nil {
			return err
		}
		s.send(ctx, chat, deletedReply(del))
		return nil
	}

	in, err := p.Input(userID, loc)
	if err != nil {
		return err
	}
	saved, err := s.schedules.Save(ctx, in)
	if err != nil {
		return err
	}
	s.send(ctx, chat, savedReply(saved, loc))
	return nil
}

func (s *Service) send(ctx context.Context, to kit.ChatTarget, text string) {
	if s.reply == nil {
		return
	}
	if _, err := s.reply.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func isUserFacing(err error) bool {
	return reminder.IsUserError(err) ||
		errors.Is(err, ErrBadPayload) ||
		errors.Is(err, ErrBadLine) ||
		errors.Is(err, ErrBadTime)
}

func errorReply(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "❌ Schedule not found"
	case isUserFacing(err):
		return "❌ " + err.Error()
	default:
		return "❌ Error saving schedule, please try again"
	}
}

func savedReply(saved storage.Saved, loc *time.Location) string {
	sc := saved.Schedule
	var b strings.Builder
	b.WriteString("✅ Schedule saved\n\n")
	fmt.Fprintf(&b, "📅 %s\n", sc.Title)
	fmt.Fprintf(&b, "🕐 %s - %s", schedule.Format(sc.Start, loc), sc.End.In(loc).Format("15:04"))
	if m := int(sc.Lead / time.Minute); m > 0 {
		fmt.Fprintf(&b, "\n⏰ Reminder: %d min before", m)
	}
	return b.String()
}

func deletedReply(del storage.Deleted) string {
	return "🗑 Schedule deleted: " + del.Schedule.Name
}

// DispatchLoop drains updates into a bounded worker pool until ctx ends or
// updates is closed.
func (s *Service) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	cfg, _ := s.snapshot()
	jobs := make(chan kit.Update, cfg.QueueSize)

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "intake"))),
		rtsup.WithCancelOnError(false),
	)
	s.runMu.Lock()
	s.sup = sup
	s.runMu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart("intake.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-jobs:
					if !ok {
						return nil
					}
					s.runJob(c, idx, up)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	s.log.Info("intake started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(jobs)))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		s.runMu.Lock()
		s.sup = nil
		s.runMu.Unlock()
		s.log.Info("intake stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- up:
			default:
				s.log.Warn("intake queue full; update dropped", logx.String("kind", string(up.Kind)))
			}
		}
	}
}

func (s *Service) runJob(ctx context.Context, idx int, up kit.Update) {
	// the chain already recovers; this keeps the worker alive regardless
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in intake job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	_ = s.Handle(ctx, up)
}
