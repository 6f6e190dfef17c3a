package schedule

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/jobs"
)

// cronSearchLimit bounds the forward search for the next cron match to one
// week of minute-granularity steps. An expression with no match inside the
// window is treated as exhausted and logged; this is a design limit.
const cronSearchLimit = 7 * 24 * 60

// Scheduler owns the registry of schedules and the next-execution-time
// table. It computes due jobs on demand; the manager's scheduler loop polls
// DueJobs on a fixed interval.
type Scheduler struct {
	mu             sync.Mutex
	scheduled      map[string]*jobs.JobConfig
	nextTimes      map[string]time.Time
	dispatchCounts map[string]int // incremented only when a due job is returned
	log            *zap.SugaredLogger
}

// NewScheduler creates an empty scheduler
func NewScheduler(log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		scheduled:      make(map[string]*jobs.JobConfig),
		nextTimes:      make(map[string]time.Time),
		dispatchCounts: make(map[string]int),
		log:            log,
	}
}

// Schedule registers a job's schedule and computes its first execution time.
// Re-scheduling an existing job_id replaces its schedule and resets the
// next-time entry, but preserves the dispatch count.
func (s *Scheduler) Schedule(cfg *jobs.JobConfig) error {
	if err := cfg.Schedule.Validate(); err != nil {
		return err
	}
	if cfg.Schedule.ScheduleType == jobs.ScheduleCron {
		if _, err := ParseCron(cfg.Schedule.CronExpression); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduled[cfg.JobID] = cfg

	next := s.nextExecutionLocked(cfg, time.Now())
	if next == nil {
		delete(s.nextTimes, cfg.JobID)
		s.log.Infow("Job scheduled with no upcoming execution",
			"job_id", cfg.JobID,
			"schedule_type", cfg.Schedule.ScheduleType)
		return nil
	}

	s.nextTimes[cfg.JobID] = *next
	s.log.Infow("Job scheduled",
		"job_id", cfg.JobID,
		"schedule_type", cfg.Schedule.ScheduleType,
		"next_execution", next.Format(time.RFC3339))
	return nil
}

// Unschedule removes a job from the scheduler entirely
func (s *Scheduler) Unschedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scheduled, jobID)
	delete(s.nextTimes, jobID)
	delete(s.dispatchCounts, jobID)
}

// DueJobs returns every enabled job whose next execution time is <= now.
// Each returned job has its dispatch count incremented and its following
// next-time recomputed; a job whose schedule is exhausted drops out of the
// next-time table but stays registered.
func (s *Scheduler) DueJobs(now time.Time) []*jobs.JobConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*jobs.JobConfig
	for jobID, cfg := range s.scheduled {
		if !cfg.Enabled {
			continue
		}
		next, ok := s.nextTimes[jobID]
		if !ok || next.After(now) {
			continue
		}

		due = append(due, cfg)
		s.dispatchCounts[jobID]++

		following := s.nextExecutionLocked(cfg, now)
		if following == nil {
			delete(s.nextTimes, jobID)
			s.log.Infow("Job schedule exhausted",
				"job_id", jobID,
				"dispatches", s.dispatchCounts[jobID])
			continue
		}
		s.nextTimes[jobID] = *following
	}
	return due
}

// NextExecutionTime returns the next planned execution for a job, or nil if
// the job is unknown or its schedule is exhausted
func (s *Scheduler) NextExecutionTime(jobID string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.nextTimes[jobID]
	if !ok {
		return nil
	}
	t := next
	return &t
}

// DispatchCount returns how many times the scheduler has returned the job
// from DueJobs. Manager-side retries are not counted.
func (s *Scheduler) DispatchCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchCounts[jobID]
}

// IsScheduled reports whether the job is registered with the scheduler
func (s *Scheduler) IsScheduled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scheduled[jobID]
	return ok
}

// nextExecutionLocked computes the execution time following from. Returns
// nil once bounds or execution limits are exhausted. Caller holds s.mu.
func (s *Scheduler) nextExecutionLocked(cfg *jobs.JobConfig, from time.Time) *time.Time {
	sched := &cfg.Schedule

	if sched.MaxExecutions > 0 && s.dispatchCounts[cfg.JobID] >= sched.MaxExecutions {
		return nil
	}

	// Clamp the starting point forward into the active window
	if sched.StartTime != nil && from.Before(*sched.StartTime) {
		from = *sched.StartTime
	}

	var next *time.Time
	switch sched.ScheduleType {
	case jobs.ScheduleInterval:
		t := from.Add(sched.Interval())
		next = &t

	case jobs.ScheduleCron:
		next = s.nextCronTime(cfg.JobID, sched.CronExpression, from)

	case jobs.ScheduleOnce:
		// an execute_at already in the past still fires at the next poll
		if sched.ExecuteAt != nil && s.dispatchCounts[cfg.JobID] == 0 {
			t := *sched.ExecuteAt
			next = &t
		}
	}

	if next == nil {
		return nil
	}
	if sched.EndTime != nil && next.After(*sched.EndTime) {
		return nil
	}
	return next
}

// nextCronTime searches forward for the next matching minute, starting from
// the minute after from so the same minute never re-triggers.
func (s *Scheduler) nextCronTime(jobID, expr string, from time.Time) *time.Time {
	spec, err := ParseCron(expr)
	if err != nil {
		s.log.Errorw("Cron expression failed to parse during next-time computation",
			"job_id", jobID,
			"expression", expr,
			"error", err)
		return nil
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < cronSearchLimit; i++ {
		if spec.MatchesTime(t) {
			return &t
		}
		t = t.Add(time.Minute)
	}

	s.log.Errorw("No cron match within the one-week search window",
		"job_id", jobID,
		"expression", expr,
		"from", from.Format(time.RFC3339))
	return nil
}
