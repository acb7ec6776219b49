package reminder

import (
	"context"
	"fmt"
	"time"

	"notebot/internal/eventbus"
	logx "notebot/pkg/logx"
)

// Report summarizes one Recover pass.
type Report struct {
	Total   int           `json:"total"`
	PastDue int           `json:"past_due"`
	Future  int           `json:"future"`
	Took    time.Duration `json:"took"`
}

// Recover registers every unsent reminder with the timer heap. Past-due
// reminders fire immediately and are delivered as late; future ones wait
// for their instant.
//
// A store failure is returned as is: running with a partial reminder set
// is worse than not starting. Recover is idempotent and doubles as the
// periodic reconcile sweep.
func (s *Service) Recover(ctx context.Context) (Report, error) {
	start := time.Now()
	rems, err := s.store.ListUnsentReminders(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("recover reminders: %w", err)
	}

	now := s.clock.Now()
	rep := Report{Total: len(rems)}
	for _, r := range rems {
		late := !r.FireAt.After(now)
		if late {
			rep.PastDue++
		} else {
			rep.Future++
		}
		if err := s.arm(r, late); err != nil {
			return rep, fmt.Errorf("recover reminder %d: %w", r.ID, err)
		}
	}
	rep.Took = time.Since(start)

	first := !s.Ready()
	s.markReady()
	eventbus.Emit(s.bus, EventRecovered, rep)

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("past_due", rep.PastDue),
		logx.Int("future", rep.Future),
		logx.Duration("took", rep.Took),
	}
	if first || rep.PastDue > 0 {
		s.log.Info("reminders recovered", fields...)
	} else {
		s.log.Debug("reminders reconciled", fields...)
	}
	return rep, nil
}
