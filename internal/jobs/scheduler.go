package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/logging"
)

const defaultSchedulerTick = 30 * time.Second

// cronParser accepts the classic 5-field form: minute hour dom month dow.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the recurring-task catalog and enqueues jobs as tasks
// come due.
type Scheduler struct {
	queue *Queue
	log   zerolog.Logger
	tick  time.Duration
	now   func() time.Time

	mu    sync.Mutex
	tasks map[string]*domain.ScheduledTask
	crons map[string]cron.Schedule

	started atomic.Bool
}

func NewScheduler(queue *Queue) *Scheduler {
	return &Scheduler{
		queue: queue,
		log:   logging.Component("scheduler"),
		tick:  defaultSchedulerTick,
		now:   time.Now,
		tasks: make(map[string]*domain.ScheduledTask),
		crons: make(map[string]cron.Schedule),
	}
}

// SetTick overrides the polling interval. Must be called before Start.
func (s *Scheduler) SetTick(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// AddTask registers a task and computes its first run. Re-adding a task
// name replaces the entry.
func (s *Scheduler) AddTask(task domain.ScheduledTask) error {
	switch task.ScheduleType {
	case domain.ScheduleInterval:
		if task.IntervalSeconds <= 0 {
			return errs.E(errs.Validation, "task %s: interval must be positive", task.Name)
		}
	case domain.ScheduleCron:
		sched, err := cronParser.Parse(task.CronExpr)
		if err != nil {
			return errs.Wrap(errs.Validation, err, "task "+task.Name+": bad cron expression")
		}
		s.mu.Lock()
		s.crons[task.Name] = sched
		s.mu.Unlock()
	case domain.ScheduleOnce:
		if task.RunAt == nil {
			return errs.E(errs.Validation, "task %s: once schedule requires run_at", task.Name)
		}
	default:
		return errs.E(errs.Validation, "task %s: unknown schedule type %q", task.Name, task.ScheduleType)
	}

	if task.NextRun == nil {
		next := s.firstRun(&task)
		task.NextRun = next
	}
	s.mu.Lock()
	s.tasks[task.Name] = &task
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) firstRun(task *domain.ScheduledTask) *time.Time {
	now := s.now().UTC()
	switch task.ScheduleType {
	case domain.ScheduleInterval:
		next := now.Add(time.Duration(task.IntervalSeconds) * time.Second)
		return &next
	case domain.ScheduleCron:
		s.mu.Lock()
		sched := s.crons[task.Name]
		s.mu.Unlock()
		next := sched.Next(now)
		return &next
	case domain.ScheduleOnce:
		return task.RunAt
	}
	return nil
}

// Start launches the tick loop. Starting an already-running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.log.Info().Dur("tick", s.tick).Msg("scheduler starting")
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()
}

// RunDue enqueues every enabled task whose next run has arrived and
// recomputes schedules.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*domain.ScheduledTask
	for _, task := range s.tasks {
		if task.Enabled && task.NextRun != nil && !task.NextRun.After(now) {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		if _, err := s.queue.Enqueue(ctx, task.JobName, nil, task.Priority); err != nil {
			s.log.Error().Err(err).Str("task", task.Name).Msg("scheduled enqueue failed")
			continue
		}
		s.mu.Lock()
		ran := now
		task.LastRun = &ran
		task.RunCount++
		task.NextRun = s.nextRunLocked(task, now)
		s.mu.Unlock()
		s.log.Debug().Str("task", task.Name).Str("job", task.JobName).Msg("scheduled job enqueued")
	}
}

func (s *Scheduler) nextRunLocked(task *domain.ScheduledTask, ran time.Time) *time.Time {
	switch task.ScheduleType {
	case domain.ScheduleInterval:
		next := ran.Add(time.Duration(task.IntervalSeconds) * time.Second)
		return &next
	case domain.ScheduleCron:
		next := s.crons[task.Name].Next(ran)
		return &next
	case domain.ScheduleOnce:
		task.Enabled = false
		return nil
	}
	return nil
}

// Tasks returns a copy of the catalog for admin surfaces.
func (s *Scheduler) Tasks() []domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// SetTaskEnabled flips one task.
func (s *Scheduler) SetTaskEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[name]
	if !ok {
		return errs.E(errs.NotFound, "scheduled task %s", name)
	}
	task.Enabled = enabled
	if enabled && task.NextRun == nil {
		task.NextRun = s.firstRunLocked(task)
	}
	return nil
}

func (s *Scheduler) firstRunLocked(task *domain.ScheduledTask) *time.Time {
	now := s.now().UTC()
	switch task.ScheduleType {
	case domain.ScheduleInterval:
		next := now.Add(time.Duration(task.IntervalSeconds) * time.Second)
		return &next
	case domain.ScheduleCron:
		next := s.crons[task.Name].Next(now)
		return &next
	case domain.ScheduleOnce:
		return task.RunAt
	}
	return nil
}

// Default task names. Handlers are registered at startup wiring.
const (
	TaskPortfolioSync  = "portfolio-sync"
	TaskRiskSweep      = "risk-sweep"
	TaskBotHealthCheck = "bot-health-check"
	TaskDataCleanup    = "data-cleanup"
	TaskDBVacuum       = "db-vacuum"
	TaskDailySummary   = "daily-summary"
	TaskSymbolRefresh  = "symbol-refresh"
)

// DefaultTasks is the built-in recurring catalog.
func DefaultTasks() []domain.ScheduledTask {
	return []domain.ScheduledTask{
		{Name: TaskPortfolioSync, JobName: TaskPortfolioSync, ScheduleType: domain.ScheduleInterval,
			IntervalSeconds: 300, Priority: domain.PriorityNormal, Enabled: true},
		{Name: TaskRiskSweep, JobName: TaskRiskSweep, ScheduleType: domain.ScheduleInterval,
			IntervalSeconds: 60, Priority: domain.PriorityHigh, Enabled: true},
		{Name: TaskBotHealthCheck, JobName: TaskBotHealthCheck, ScheduleType: domain.ScheduleInterval,
			IntervalSeconds: 120, Priority: domain.PriorityHigh, Enabled: true},
		{Name: TaskDataCleanup, JobName: TaskDataCleanup, ScheduleType: domain.ScheduleCron,
			CronExpr: "0 3 * * *", Priority: domain.PriorityLow, Enabled: true},
		{Name: TaskDBVacuum, JobName: TaskDBVacuum, ScheduleType: domain.ScheduleCron,
			CronExpr: "0 4 * * 0", Priority: domain.PriorityLow, Enabled: true},
		{Name: TaskDailySummary, JobName: TaskDailySummary, ScheduleType: domain.ScheduleCron,
			CronExpr: "0 8 * * *", Priority: domain.PriorityNormal, Enabled: true},
		{Name: TaskSymbolRefresh, JobName: TaskSymbolRefresh, ScheduleType: domain.ScheduleInterval,
			IntervalSeconds: 3600, Priority: domain.PriorityNormal, Enabled: true},
	}
}
