// Package jobs provides the core types of the docfold background job engine:
// job configurations, schedules, execution records, aggregated metrics, and
// the handler registry the worker pool dispatches through.
package jobs

import (
	"time"

	"github.com/google/uuid"

	"github.com/docfold/docfold/errors"
)

// JobType identifies which handler executes a job
type JobType string

const (
	JobTypeTTLCleanup      JobType = "ttl_cleanup"
	JobTypeDocumentRefresh JobType = "document_refresh"
	JobTypeHealthCheck     JobType = "health_check"
	JobTypeMaintenance     JobType = "maintenance"
)

// IsValidJobType returns true if the string is a known JobType
func IsValidJobType(s string) bool {
	switch JobType(s) {
	case JobTypeTTLCleanup, JobTypeDocumentRefresh, JobTypeHealthCheck, JobTypeMaintenance:
		return true
	default:
		return false
	}
}

// JobPriority is advisory ordering information carried on a config
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityMedium   JobPriority = "medium"
	PriorityHigh     JobPriority = "high"
	PriorityCritical JobPriority = "critical"
)

// ScheduleType discriminates the three schedule kinds
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
)

// JobSchedule describes when a job fires. Exactly one of the three kinds is
// active, discriminated by ScheduleType. StartTime/EndTime bound the active
// window; MaxExecutions caps total firings (0 = unlimited).
type JobSchedule struct {
	ScheduleType ScheduleType `json:"schedule_type"`

	// interval: components are summed into one delta
	IntervalSeconds int `json:"interval_seconds,omitempty"`
	IntervalMinutes int `json:"interval_minutes,omitempty"`
	IntervalHours   int `json:"interval_hours,omitempty"`
	IntervalDays    int `json:"interval_days,omitempty"`

	// cron: 5- or 6-field expression
	CronExpression string `json:"cron_expression,omitempty"`

	// once: fixed execution time
	ExecuteAt *time.Time `json:"execute_at,omitempty"`

	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	MaxExecutions int        `json:"max_executions,omitempty"`
}

// Interval returns the summed interval delta
func (s *JobSchedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds)*time.Second +
		time.Duration(s.IntervalMinutes)*time.Minute +
		time.Duration(s.IntervalHours)*time.Hour +
		time.Duration(s.IntervalDays)*24*time.Hour
}

// Validate checks structural invariants. Cron expression syntax is validated
// by the schedule package when the job is scheduled.
func (s *JobSchedule) Validate() error {
	switch s.ScheduleType {
	case ScheduleInterval:
		if s.Interval() <= 0 {
			return errors.NewInvalidSchedule("interval schedule must have at least one non-zero component")
		}
	case ScheduleCron:
		if s.CronExpression == "" {
			return errors.NewInvalidSchedule("cron schedule requires an expression")
		}
	case ScheduleOnce:
		if s.ExecuteAt == nil {
			return errors.NewInvalidSchedule("once schedule requires execute_at")
		}
	default:
		return errors.NewInvalidSchedule("unknown schedule type %q", s.ScheduleType)
	}
	if s.StartTime != nil && s.EndTime != nil && s.EndTime.Before(*s.StartTime) {
		return errors.NewInvalidSchedule("end_time precedes start_time")
	}
	if s.MaxExecutions < 0 {
		return errors.NewInvalidSchedule("max_executions must be >= 0")
	}
	return nil
}

// RetryConfig controls retry behavior for failed executions
type RetryConfig struct {
	MaxRetries             int      `json:"max_retries"`              // 0-10
	RetryDelaySeconds      int      `json:"retry_delay_seconds"`      // base delay, >= 1
	RetryBackoffMultiplier float64  `json:"retry_backoff_multiplier"` // 1.0-10.0
	RetryMaxDelaySeconds   int      `json:"retry_max_delay_seconds"`  // cap
	RetryOnErrors          []string `json:"retry_on_errors,omitempty"`
}

// DefaultRetryConfig returns the retry policy applied when a job config
// does not specify one
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:             3,
		RetryDelaySeconds:      30,
		RetryBackoffMultiplier: 2.0,
		RetryMaxDelaySeconds:   600,
	}
}

// DelayForAttempt computes the delay before retry attempt n (0-indexed):
// min(base * multiplier^n, max_delay)
func (r *RetryConfig) DelayForAttempt(n int) time.Duration {
	delay := float64(r.RetryDelaySeconds)
	for i := 0; i < n; i++ {
		delay *= r.RetryBackoffMultiplier
	}
	if max := float64(r.RetryMaxDelaySeconds); r.RetryMaxDelaySeconds > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay * float64(time.Second))
}

// Validate checks retry bounds
func (r *RetryConfig) Validate() error {
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		return errors.Wrapf(errors.ErrInvalidConfig, "max_retries must be 0-10, got %d", r.MaxRetries)
	}
	if r.RetryDelaySeconds < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "retry_delay_seconds must be >= 1, got %d", r.RetryDelaySeconds)
	}
	if r.RetryBackoffMultiplier < 1.0 || r.RetryBackoffMultiplier > 10.0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "retry_backoff_multiplier must be 1.0-10.0, got %g", r.RetryBackoffMultiplier)
	}
	return nil
}

// JobConfig is the immutable-per-version definition of a job. It is created
// via registration and mutated only by re-registration.
type JobConfig struct {
	JobID                   string            `json:"job_id"`
	JobType                 JobType           `json:"job_type"`
	JobName                 string            `json:"job_name"`
	Description             string            `json:"description,omitempty"`
	Enabled                 bool              `json:"enabled"`
	Priority                JobPriority       `json:"priority"`
	Schedule                JobSchedule       `json:"schedule"`
	RetryConfig             RetryConfig       `json:"retry_config"`
	TimeoutSeconds          int               `json:"timeout_seconds"`
	Parameters              map[string]string `json:"parameters,omitempty"`
	MaxConcurrentExecutions int               `json:"max_concurrent_executions"`
	AlertOnFailure          bool              `json:"alert_on_failure"`
	AlertOnSuccess          bool              `json:"alert_on_success"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// Timeout returns the execution timeout as a duration
func (c *JobConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the config before registration
func (c *JobConfig) Validate() error {
	if c.JobID == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "job_id must not be empty")
	}
	if !IsValidJobType(string(c.JobType)) {
		return errors.Wrapf(errors.ErrInvalidConfig, "unknown job_type %q", c.JobType)
	}
	if c.TimeoutSeconds <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "timeout_seconds must be > 0, got %d", c.TimeoutSeconds)
	}
	if c.MaxConcurrentExecutions < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "max_concurrent_executions must be >= 1, got %d", c.MaxConcurrentExecutions)
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	return c.RetryConfig.Validate()
}

// ExecutionStatus represents the current state of an execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusRetry     ExecutionStatus = "retry"
)

// IsTerminal returns true for states an execution never leaves
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobExecution is one concrete run (attempt) of a job. Retries spawn a new
// record; a failed execution is never mutated after reaching its terminal
// state.
type JobExecution struct {
	ExecutionID      string          `json:"execution_id"`
	JobID            string          `json:"job_id"`
	Status           ExecutionStatus `json:"status"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds  float64         `json:"duration_seconds,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorDetails     map[string]any  `json:"error_details,omitempty"`
	Result           map[string]any  `json:"result,omitempty"`
	CorrelationID    string          `json:"correlation_id"`
	RecordsProcessed int             `json:"records_processed"`
	RecordsFailed    int             `json:"records_failed"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewCorrelationID generates an opaque id threaded through one logical
// operation's logs and metrics
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewExecution creates a PENDING execution for a job. An empty correlationID
// is replaced with a fresh one.
func NewExecution(jobID, correlationID string) *JobExecution {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	now := time.Now().UTC()
	return &JobExecution{
		ExecutionID:   uuid.NewString(),
		JobID:         jobID,
		Status:        StatusPending,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Start marks the execution as running
func (e *JobExecution) Start() {
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
}

// Complete marks the execution as completed with its result payload
func (e *JobExecution) Complete(result map[string]any) {
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.Result = result
	if e.StartedAt != nil {
		e.DurationSeconds = now.Sub(*e.StartedAt).Seconds()
	}
	e.UpdatedAt = now
}

// Fail marks the execution as failed
func (e *JobExecution) Fail(message string, details map[string]any) {
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.CompletedAt = &now
	e.ErrorMessage = message
	e.ErrorDetails = details
	if e.StartedAt != nil {
		e.DurationSeconds = now.Sub(*e.StartedAt).Seconds()
	}
	e.UpdatedAt = now
}

// Cancel marks the execution as cancelled with a reason
func (e *JobExecution) Cancel(reason string) {
	now := time.Now().UTC()
	e.Status = StatusCancelled
	e.CompletedAt = &now
	e.ErrorMessage = reason
	if e.StartedAt != nil {
		e.DurationSeconds = now.Sub(*e.StartedAt).Seconds()
	}
	e.UpdatedAt = now
}

// NewRetry spawns the follow-up execution for a failed attempt: fresh
// execution id, same correlation id, retry count incremented. The original
// record is left untouched.
func (e *JobExecution) NewRetry() *JobExecution {
	now := time.Now().UTC()
	return &JobExecution{
		ExecutionID:   uuid.NewString(),
		JobID:         e.JobID,
		Status:        StatusRetry,
		RetryCount:    e.RetryCount + 1,
		CorrelationID: e.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HealthStatus grades a job or the whole manager
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
	HealthStopped   HealthStatus = "stopped"
)

// JobMetrics is the continuously-updated aggregate for one job_id
type JobMetrics struct {
	JobID                 string       `json:"job_id"`
	TotalExecutions       int          `json:"total_executions"`
	SuccessfulExecutions  int          `json:"successful_executions"`
	FailedExecutions      int          `json:"failed_executions"`
	AvgDurationSeconds    float64      `json:"avg_duration_seconds"`
	MinDurationSeconds    *float64     `json:"min_duration_seconds,omitempty"`
	MaxDurationSeconds    *float64     `json:"max_duration_seconds,omitempty"`
	TotalRecordsProcessed int          `json:"total_records_processed"`
	TotalRecordsFailed    int          `json:"total_records_failed"`
	ErrorRate             float64      `json:"error_rate"` // percent
	ConsecutiveFailures   int          `json:"consecutive_failures"`
	HealthStatus          HealthStatus `json:"health_status"`
	LastExecutionAt       *time.Time   `json:"last_execution_at,omitempty"`
	LastSuccessAt         *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt         *time.Time   `json:"last_failure_at,omitempty"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// NewJobMetrics creates the lazily-initialized aggregate for a job
func NewJobMetrics(jobID string) *JobMetrics {
	return &JobMetrics{
		JobID:        jobID,
		HealthStatus: HealthUnknown,
		UpdatedAt:    time.Now().UTC(),
	}
}

// RecordExecution folds one completed attempt into the aggregate. The
// running average uses the standard incremental formula
// new = (old*(n-1) + duration) / n.
func (m *JobMetrics) RecordExecution(success bool, durationSeconds float64, processed, failed int, at time.Time) {
	m.TotalExecutions++
	n := float64(m.TotalExecutions)
	m.AvgDurationSeconds = (m.AvgDurationSeconds*(n-1) + durationSeconds) / n

	if m.MinDurationSeconds == nil || durationSeconds < *m.MinDurationSeconds {
		d := durationSeconds
		m.MinDurationSeconds = &d
	}
	if m.MaxDurationSeconds == nil || durationSeconds > *m.MaxDurationSeconds {
		d := durationSeconds
		m.MaxDurationSeconds = &d
	}

	m.TotalRecordsProcessed += processed
	m.TotalRecordsFailed += failed
	m.LastExecutionAt = &at

	if success {
		m.SuccessfulExecutions++
		m.ConsecutiveFailures = 0
		m.LastSuccessAt = &at
	} else {
		m.FailedExecutions++
		m.ConsecutiveFailures++
		m.LastFailureAt = &at
	}

	m.ErrorRate = float64(m.FailedExecutions) / n * 100

	switch {
	case m.ConsecutiveFailures >= 3:
		m.HealthStatus = HealthUnhealthy
	case m.ConsecutiveFailures >= 1:
		m.HealthStatus = HealthDegraded
	default:
		m.HealthStatus = HealthHealthy
	}

	m.UpdatedAt = at
}

// RunningJob tracks a live execution in memory only. Removed the instant the
// execution's goroutine resolves, regardless of retry scheduling.
type RunningJob struct {
	JobID         string
	ExecutionID   string
	CorrelationID string
	StartedAt     time.Time
	Cancel        func()
}
