package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flydesk/flydesk/internal/models"
)

// DefaultSchedulerSpec is the poll-trigger cadence.
const DefaultSchedulerSpec = "@every 30s"

// Scheduler is the only producer of poll triggers: a periodic loop that
// lists waiting workflows whose next_check_at has elapsed and resumes each
// one. Crash-safe: transient errors are logged and retried next tick.
type Scheduler struct {
	engine    *Engine
	workflows workflowStore
	log       *slog.Logger
	schedule  cron.Schedule
}

// NewScheduler constructs a Scheduler from a cron spec ("@every 30s",
// "*/1 * * * *", ...). An empty or invalid spec uses the default cadence.
func NewScheduler(engine *Engine, workflows workflowStore, log *slog.Logger, spec string) *Scheduler {
	if spec == "" {
		spec = DefaultSchedulerSpec
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		log.Warn("invalid scheduler spec, using default", "spec", spec, "error", err)
		schedule, _ = cron.ParseStandard(DefaultSchedulerSpec)
	}
	return &Scheduler{engine: engine, workflows: workflows, log: log, schedule: schedule}
}

// Run blocks until ctx is done, ticking at the configured schedule.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick resumes every due wait_poll workflow. The listing already excludes
// running workflows (only status waiting qualifies), so a tick never
// contends with an in-flight advance.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.workflows.ListDuePoll(ctx, now)
	if err != nil {
		s.log.Warn("scheduler list failed", "error", err)
		return
	}
	for _, w := range due {
		err := s.engine.Resume(ctx, w.ID, models.Trigger{
			Type:      models.TriggerPoll,
			StepIndex: w.CurrentStep,
		})
		if err != nil {
			s.log.Warn("scheduler resume failed", "workflow", w.ID, "error", err)
		}
	}
}
