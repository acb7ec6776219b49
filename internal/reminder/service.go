package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"notebot/internal/eventbus"
	"notebot/internal/schedule"
	"notebot/internal/storage"
	"notebot/internal/task/scheduler"
	logx "notebot/pkg/logx"
)

// Timers is the part of the scheduler the service drives.
type Timers interface {
	Schedule(id string, at time.Time, fn scheduler.Job) error
	Cancel(id string) bool
}

type Config struct {
	// LateAfter marks a fire as late when it happens this long after FireAt.
	LateAfter time.Duration
	// Retention is how long sent reminders are kept. 0 keeps them forever.
	Retention time.Duration
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// Service is the write path for schedules. Every successful store write is
// followed by the matching timer changes.
type Service struct {
	store  storage.Store
	timers Timers
	disp   *Dispatcher
	clock  clockwork.Clock
	log    logx.Logger
	bus    eventbus.Bus

	mu  sync.Mutex
	cfg Config

	ready     atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once
}

func New(cfg Config, store storage.Store, timers Timers, notifier Notifier, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		timers:  timers,
		clock:   clockwork.NewRealClock(),
		log:     log,
		bus:     bus,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.disp = NewDispatcher(store, notifier, s.clock, log.With(logx.String("comp", "dispatcher")), bus, cfg.LateAfter)
	return s
}

// Dispatcher exposes the fire path, mostly for diagnostics and tests.
func (s *Service) Dispatcher() *Dispatcher { return s.disp }

// Apply swaps the tunables. LateAfter changes take effect for later fires.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if cfg.LateAfter > 0 {
		s.disp.lateAfter.Store(int64(cfg.LateAfter))
	}
}

// Ready reports whether the first Recover has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

// WaitReady blocks until Ready or ctx ends.
func (s *Service) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) markReady() {
	s.readyOnce.Do(func() {
		s.ready.Store(true)
		close(s.readyCh)
	})
}

// Save creates the schedule or updates the one with the same name.
func (s *Service) Save(ctx context.Context, in schedule.Input) (storage.Saved, error) {
	saved, err := s.store.SaveSchedule(ctx, in)
	if err != nil {
		return storage.Saved{}, err
	}
	return saved, s.sync(saved)
}

func (s *Service) Create(ctx context.Context, in schedule.Input) (storage.Saved, error) {
	saved, err := s.store.CreateSchedule(ctx, in)
	if err != nil {
		return storage.Saved{}, err
	}
	return saved, s.sync(saved)
}

func (s *Service) Update(ctx context.Context, in schedule.Input) (storage.Saved, error) {
	saved, err := s.store.UpdateSchedule(ctx, in)
	if err != nil {
		return storage.Saved{}, err
	}
	return saved, s.sync(saved)
}

// Delete removes the schedule and cancels its timers.
func (s *Service) Delete(ctx context.Context, userID int64, name string) (storage.Deleted, error) {
	del, err := s.store.DeleteSchedule(ctx, userID, name)
	if err != nil {
		return storage.Deleted{}, err
	}
	for _, id := range del.Reminders {
		s.cancel(id)
	}
	s.log.Info("schedule deleted", logx.Int64("user_id", userID), logx.String("name", del.Schedule.Name), logx.Int("reminders", len(del.Reminders)))
	return del, nil
}

func (s *Service) sync(saved storage.Saved) error {
	for _, id := range saved.Superseded {
		s.cancel(id)
	}
	if !saved.Rescheduled || saved.Reminder.Sent {
		return nil
	}
	if err := s.arm(saved.Reminder, false); err != nil {
		// the row is persisted; the next reconcile picks it up
		return fmt.Errorf("schedule reminder %d: %w", saved.Reminder.ID, err)
	}
	s.log.Info("schedule saved",
		logx.Int64("user_id", saved.Schedule.UserID),
		logx.String("name", saved.Schedule.Name),
		logx.Bool("created", saved.Created),
		logx.Time("fire_at", saved.Reminder.FireAt),
	)
	return nil
}

// arm registers r with the timer heap; past instants fire now.
func (s *Service) arm(r schedule.Reminder, late bool) error {
	at := r.FireAt
	if now := s.clock.Now(); !at.After(now) {
		at = now
	}
	if err := s.timers.Schedule(JobID(r.ID), at, s.disp.job(r.ID, late)); err != nil {
		return err
	}
	eventbus.Emit(s.bus, EventScheduled, Event{ReminderID: r.ID, ScheduleID: r.ScheduleID, FireAt: r.FireAt, Late: late})
	return nil
}

func (s *Service) cancel(reminderID int64) {
	if s.timers.Cancel(JobID(reminderID)) {
		eventbus.Emit(s.bus, EventCanceled, Event{ReminderID: reminderID})
	}
}

// Get returns one schedule by name.
func (s *Service) Get(ctx context.Context, userID int64, name string) (schedule.Schedule, error) {
	return s.store.GetSchedule(ctx, userID, name)
}

// List returns the user's schedules ordered by start, optionally filtered
// by a keyword over name, title and description.
func (s *Service) List(ctx context.Context, userID int64, query string) ([]schedule.Schedule, error) {
	return s.store.ListSchedules(ctx, userID, query)
}

// Upcoming returns at most limit schedules starting from now.
func (s *Service) Upcoming(ctx context.Context, userID int64, limit int) ([]schedule.Schedule, error) {
	return s.store.UpcomingSchedules(ctx, userID, s.clock.Now(), limit)
}

// Period returns schedules starting within a named period (today, tomorrow,
// week, month) whose day boundaries are taken in loc.
func (s *Service) Period(ctx context.Context, userID int64, period string, loc *time.Location) ([]schedule.Schedule, error) {
	from, to, ok := schedule.ParsePeriod(period, s.clock.Now(), loc)
	if !ok {
		return nil, fmt.Errorf("unknown period %q: use today, tomorrow, week or month", period)
	}
	return s.store.SchedulesBetween(ctx, userID, from, to)
}

// Pending lists unsent reminders with their schedules.
func (s *Service) Pending(ctx context.Context, limit int) ([]storage.Pending, error) {
	return s.store.ListPending(ctx, limit)
}

// Prune deletes sent reminders older than the configured retention.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	keep := s.cfg.Retention
	s.mu.Unlock()
	if keep <= 0 {
		return 0, nil
	}
	n, err := s.store.PruneSentReminders(ctx, s.clock.Now().Add(-keep))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned sent reminders", logx.Int64("rows", n), logx.Duration("retention", keep))
	}
	return n, nil
}

// IsUserError reports whether err should be shown to the user verbatim.
func IsUserError(err error) bool {
	return schedule.IsValidation(err) || errors.Is(err, storage.ErrNotFound)
}
