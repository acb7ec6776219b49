package app

import (
	"context"

	logx "notebot/pkg/logx"
)

const (
	jobReconcile = "reminders.reconcile"
	jobPrune     = "reminders.prune"
)

// applyMaintenance registers, replaces or removes the reconcile and prune
// jobs so they match m. Registration upserts by name.
func (a *App) applyMaintenance(m maintenance) error {
	a.maintMu.Lock()
	defer a.maintMu.Unlock()

	if m.reconcileEvery > 0 {
		if m.reconcileEvery != a.maint.reconcileEvery {
			if err := a.sched.AddInterval(jobReconcile, m.reconcileEvery, 0, a.reconcile); err != nil {
				return err
			}
		}
	} else if a.sched.Remove(jobReconcile) {
		a.log.Info("reminder reconcile disabled")
	}

	if m.pruneSpec != "" {
		if m.pruneSpec != a.maint.pruneSpec {
			if err := a.sched.AddSchedule(jobPrune, m.pruneSpec, 0, a.prune); err != nil {
				return err
			}
		}
	} else if a.sched.Remove(jobPrune) {
		a.log.Info("reminder prune disabled")
	}

	a.maint = m
	return nil
}

func (a *App) reconcile(ctx context.Context) error {
	_, err := a.reminders.Recover(ctx)
	return err
}

func (a *App) prune(ctx context.Context) error {
	n, err := a.reminders.Prune(ctx)
	if err != nil {
		return err
	}
	a.log.Debug("prune finished", logx.Int64("rows", n))
	return nil
}
