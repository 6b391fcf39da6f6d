package scheduler

import (
	"context"
	"time"

	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// Config holds the scheduler's tick cadence.
type Config struct {
	TickInterval time.Duration
}

func (c Config) normalized() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Scheduler drives every enabled Schedule's next_fire_at computation
// and firing, grounded directly on the teacher's own
// `cron.ParseStandard(...).Next(now)` idiom (internal_workflow_testsuite.go),
// generalized from a one-shot backoff check into a recurring tick loop
// Flux owns rather than robfig/cron's own Cron scheduler, so the
// at-most-one-backfill rule can be enforced explicitly.
type Scheduler struct {
	store    Store
	enqueuer Enqueuer
	checker  RunningChecker
	clock    clockwork.Clock
	logger   *zap.Logger
	cfg      Config
}

func New(store Store, enqueuer Enqueuer, checker RunningChecker, clock clockwork.Clock, logger *zap.Logger, cfg Config) *Scheduler {
	if clock == nil {
		clock = clockwork.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, enqueuer: enqueuer, checker: checker, clock: clock, logger: logger, cfg: cfg.normalized()}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled schedule whose next_fire_at is due. At most
// one execution is enqueued per schedule per tick, even if multiple
// fire times were missed (§4.6 "at most one backfill... older missed
// slots are dropped").
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("scheduler: list enabled schedules", zap.Error(err))
		return
	}
	now := s.clock.Now()
	for _, sched := range schedules {
		if sched.NextFireAt.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule, now time.Time) {
	if !sched.AllowOverlap && s.checker != nil {
		running, err := s.checker.IsRunning(ctx, sched.ScheduleID)
		if err != nil {
			s.logger.Error("scheduler: check running", zap.String("schedule_id", sched.ScheduleID), zap.Error(err))
			return
		}
		if running {
			// Leave next_fire_at where it is; the next tick will retry
			// once the in-flight execution completes.
			return
		}
	}

	loc := time.UTC
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}

	parsed, err := cron.ParseStandard(sched.Trigger)
	if err != nil {
		s.logger.Error("scheduler: invalid trigger", zap.String("schedule_id", sched.ScheduleID), zap.Error(err))
		return
	}

	if _, err := s.enqueuer.Enqueue(ctx, sched.ScheduleID, sched.WorkflowName, sched.InputTemplate); err != nil {
		s.logger.Error("scheduler: enqueue", zap.String("schedule_id", sched.ScheduleID), zap.Error(err))
		return
	}

	sched.LastFiredAt = sched.NextFireAt
	sched.NextFireAt = parsed.Next(now.In(loc))
	if err := s.store.Update(ctx, sched); err != nil {
		s.logger.Error("scheduler: update schedule", zap.String("schedule_id", sched.ScheduleID), zap.Error(err))
	}
}
