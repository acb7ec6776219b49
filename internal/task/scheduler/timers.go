package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"time"

	"notebot/internal/task/engine"
	logx "notebot/pkg/logx"
)

type timerJob struct {
	id    string
	at    time.Time
	seq   uint64
	fn    Job
	index int
}

// jobHeap orders by (at, seq) so equal instants fire in insertion order.
type jobHeap []*timerJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	j := x.(*timerJob)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Schedule registers fn to run once at at. An existing job with the same id
// is replaced. Instants in the past run on the next loop iteration.
func (s *Service) Schedule(id string, at time.Time, fn Job) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("job id required")
	}
	if fn == nil {
		return errors.New("job func required")
	}

	s.tmu.Lock()
	s.seq++
	if cur, ok := s.byID[id]; ok {
		cur.at, cur.seq, cur.fn = at, s.seq, fn
		heap.Fix(&s.jobs, cur.index)
	} else {
		j := &timerJob{id: id, at: at, seq: s.seq, fn: fn}
		heap.Push(&s.jobs, j)
		s.byID[id] = j
	}
	s.tmu.Unlock()

	s.log.Debug("job scheduled", logx.String("job", id), logx.Time("at", at))
	s.poke()
	return nil
}

// Cancel removes a pending job. It reports false when id is unknown or has
// already fired.
func (s *Service) Cancel(id string) bool {
	s.tmu.Lock()
	j, ok := s.byID[id]
	if ok {
		heap.Remove(&s.jobs, j.index)
		delete(s.byID, id)
	}
	s.tmu.Unlock()

	if ok {
		s.log.Debug("job canceled", logx.String("job", id))
		s.poke()
	}
	return ok
}

// Pending returns the number of jobs waiting to fire.
func (s *Service) Pending() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.jobs)
}

// Next returns the earliest pending job.
func (s *Service) Next() (id string, at time.Time, ok bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if len(s.jobs) == 0 {
		return "", time.Time{}, false
	}
	return s.jobs[0].id, s.jobs[0].at, true
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popDue removes every job due at now. Call with s.tmu held.
func (s *Service) popDueLocked(now time.Time) []*timerJob {
	var due []*timerJob
	for len(s.jobs) > 0 && !s.jobs[0].at.After(now) {
		j := heap.Pop(&s.jobs).(*timerJob)
		delete(s.byID, j.id)
		due = append(due, j)
	}
	return due
}

func (s *Service) run(ctx context.Context) error {
	for {
		s.tmu.Lock()
		due := s.popDueLocked(s.clock.Now())
		var next time.Time
		if len(s.jobs) > 0 {
			next = s.jobs[0].at
		}
		s.tmu.Unlock()

		for _, j := range due {
			s.dispatch(ctx, j)
		}
		if len(due) > 0 {
			continue
		}

		if next.IsZero() {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			continue
		}

		timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
		// the clock may have moved between reading Now and arming the timer
		if !s.clock.Now().Before(next) {
			timer.Stop()
			continue
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

// dispatch hands j to the engine. When the queue is full it falls back to a
// blocking Submit on its own goroutine so the loop never stalls.
func (s *Service) dispatch(ctx context.Context, j *timerJob) {
	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()

	t := engine.Task{
		Name:    j.id,
		Timeout: timeout,
		Run:     j.fn,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapAllow},
	}
	if s.engine == nil {
		go func() {
			if err := j.fn(ctx); err != nil {
				s.log.Warn("job failed", logx.String("job", j.id), logx.Err(err))
			}
		}()
		return
	}
	err := s.engine.Enqueue(t)
	if errors.Is(err, engine.ErrQueueFull) {
		go func() {
			if err := s.engine.Submit(ctx, t); err != nil {
				s.reportEnqueueError(j.id, err)
			}
		}()
		return
	}
	s.reportEnqueueError(j.id, err)
}
