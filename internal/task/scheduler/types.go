package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"notebot/internal/eventbus"
	rtsup "notebot/internal/runtime/supervisor"
	"notebot/internal/task/engine"
	logx "notebot/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ for cron specs, e.g. "Asia/Jakarta"

	// JobTimeout bounds one-shot jobs run through the engine. 0 uses the
	// engine default.
	JobTimeout time.Duration
}

// Job is the callback of a one-shot timer.
type Job func(ctx context.Context) error

type Option func(*Service)

// WithClock replaces the wall clock driving the timer heap.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           engine.TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	clock  clockwork.Clock

	// cron front-end
	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// timer heap
	tmu  sync.Mutex
	jobs jobHeap
	byID map[string]*timerJob
	seq  uint64
	wake chan struct{}
	sup  *rtsup.Supervisor

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// ScheduleInfo describes a registered cron job.
type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Timezone  string          `json:"timezone"`
	Pending   int             `json:"pending"`
	NextID    string          `json:"next_id,omitempty"`
	NextAt    time.Time       `json:"next_at"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
