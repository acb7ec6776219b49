package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"notebot/internal/eventbus"
	"notebot/internal/storage"
	"notebot/internal/task/engine"
	logx "notebot/pkg/logx"
)

// DefaultLateAfter is how far past FireAt a fire must be to count as late.
const DefaultLateAfter = time.Minute

// Dispatcher fires one reminder: mark it sent, then notify.
//
// Marking first means a crash between the two steps loses that delivery
// instead of duplicating it. Duplicate fires are expected (timer races,
// reconcile sweeps) and end silently at the mark.
type Dispatcher struct {
	store     storage.Store
	notifier  Notifier
	clock     clockwork.Clock
	log       logx.Logger
	bus       eventbus.Bus
	lateAfter atomic.Int64 // time.Duration
}

func NewDispatcher(store storage.Store, notifier Notifier, clock clockwork.Clock, log logx.Logger, bus eventbus.Bus, lateAfter time.Duration) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if lateAfter <= 0 {
		lateAfter = DefaultLateAfter
	}
	d := &Dispatcher{store: store, notifier: notifier, clock: clock, log: log, bus: bus}
	d.lateAfter.Store(int64(lateAfter))
	return d
}

// Fire delivers reminderID if nobody has yet. It returns an error only when
// the store failed before the reminder was marked, so a retry is safe.
func (d *Dispatcher) Fire(ctx context.Context, reminderID int64) error {
	return d.fire(ctx, reminderID, false)
}

func (d *Dispatcher) fire(ctx context.Context, reminderID int64, late bool) error {
	log := d.log.With(logx.Int64("reminder_id", reminderID))

	rem, err := d.store.GetReminder(ctx, reminderID)
	if errors.Is(err, storage.ErrNotFound) {
		// superseded by an edit or deleted with its schedule
		log.Debug("reminder gone before fire")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reminder %d: %w", reminderID, err)
	}
	if rem.Sent {
		d.duplicate(log, rem.ID, rem.ScheduleID)
		return nil
	}
	sc, err := d.store.GetScheduleByID(ctx, rem.ScheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("schedule gone before fire", logx.Int64("schedule_id", rem.ScheduleID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %d: %w", rem.ScheduleID, err)
	}

	now := d.clock.Now().UTC()
	res, err := d.store.MarkReminderSent(ctx, reminderID, now)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug("reminder superseded during fire")
		return nil
	case err != nil:
		return fmt.Errorf("mark reminder %d: %w", reminderID, err)
	case res == storage.AlreadySent:
		d.duplicate(log, rem.ID, rem.ScheduleID)
		return nil
	}

	n := Notice{
		UserID:      sc.UserID,
		ScheduleID:  sc.ID,
		ReminderID:  rem.ID,
		Name:        sc.Name,
		Title:       sc.Title,
		Description: sc.Description,
		Start:       sc.Start,
		End:         sc.End,
		FireAt:      rem.FireAt,
		Late:        late || now.Sub(rem.FireAt) > time.Duration(d.lateAfter.Load()),
	}
	ev := Event{ReminderID: rem.ID, ScheduleID: sc.ID, UserID: sc.UserID, FireAt: rem.FireAt, Late: n.Late}

	if err := d.notifier.NotifyReminder(ctx, n); err != nil {
		// stays sent: delivery is fire-and-forget
		ev.Error = err.Error()
		log.Warn("reminder notify failed", logx.Int64("user_id", sc.UserID), logx.Err(err))
		eventbus.Emit(d.bus, EventNotifyFailed, ev)
		return nil
	}
	log.Info("reminder sent",
		logx.Int64("user_id", sc.UserID),
		logx.String("name", sc.Name),
		logx.Time("fire_at", rem.FireAt),
		logx.Bool("late", n.Late),
	)
	eventbus.Emit(d.bus, EventSent, ev)
	return nil
}

func (d *Dispatcher) duplicate(log logx.Logger, reminderID, scheduleID int64) {
	log.Debug("reminder already sent")
	eventbus.Emit(d.bus, EventDuplicate, Event{ReminderID: reminderID, ScheduleID: scheduleID})
}

// job adapts a fire to the timer heap. Store errors before the mark are
// left retryable; everything else is final.
func (d *Dispatcher) job(reminderID int64, late bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := d.fire(ctx, reminderID, late)
		if err != nil && ctx.Err() != nil {
			return engine.NoRetry(err)
		}
		return err
	}
}
