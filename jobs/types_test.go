package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docfold/docfold/errors"
)

func validConfig() *JobConfig {
	return &JobConfig{
		JobID:   "ttl-cleanup",
		JobType: JobTypeTTLCleanup,
		JobName: "TTL Cleanup",
		Enabled: true,
		Priority: PriorityMedium,
		Schedule: JobSchedule{
			ScheduleType:    ScheduleInterval,
			IntervalMinutes: 30,
		},
		RetryConfig:             DefaultRetryConfig(),
		TimeoutSeconds:          300,
		MaxConcurrentExecutions: 1,
		AlertOnFailure:          true,
	}
}

func TestJobConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*JobConfig)
	}{
		{"empty job id", func(c *JobConfig) { c.JobID = "" }},
		{"unknown job type", func(c *JobConfig) { c.JobType = "mystery" }},
		{"zero timeout", func(c *JobConfig) { c.TimeoutSeconds = 0 }},
		{"zero concurrency", func(c *JobConfig) { c.MaxConcurrentExecutions = 0 }},
		{"max retries out of range", func(c *JobConfig) { c.RetryConfig.MaxRetries = 11 }},
		{"backoff multiplier out of range", func(c *JobConfig) { c.RetryConfig.RetryBackoffMultiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	zero := JobSchedule{ScheduleType: ScheduleInterval}
	err := zero.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidSchedule(err))

	cron := JobSchedule{ScheduleType: ScheduleCron}
	assert.Error(t, cron.Validate())

	once := JobSchedule{ScheduleType: ScheduleOnce}
	assert.Error(t, once.Validate())

	at := time.Now().Add(time.Hour)
	onceOK := JobSchedule{ScheduleType: ScheduleOnce, ExecuteAt: &at}
	assert.NoError(t, onceOK.Validate())

	start := time.Now()
	end := start.Add(-time.Hour)
	inverted := JobSchedule{ScheduleType: ScheduleInterval, IntervalSeconds: 10, StartTime: &start, EndTime: &end}
	assert.Error(t, inverted.Validate())
}

func TestScheduleIntervalSums(t *testing.T) {
	s := JobSchedule{
		ScheduleType:    ScheduleInterval,
		IntervalSeconds: 30,
		IntervalMinutes: 1,
		IntervalHours:   1,
		IntervalDays:    1,
	}
	want := 30*time.Second + time.Minute + time.Hour + 24*time.Hour
	assert.Equal(t, want, s.Interval())
}

func TestRetryDelayBackoff(t *testing.T) {
	r := RetryConfig{
		MaxRetries:             5,
		RetryDelaySeconds:      10,
		RetryBackoffMultiplier: 2.0,
		RetryMaxDelaySeconds:   60,
	}

	assert.Equal(t, 10*time.Second, r.DelayForAttempt(0))
	assert.Equal(t, 20*time.Second, r.DelayForAttempt(1))
	assert.Equal(t, 40*time.Second, r.DelayForAttempt(2))
	assert.Equal(t, 60*time.Second, r.DelayForAttempt(3)) // capped
	assert.Equal(t, 60*time.Second, r.DelayForAttempt(4)) // still capped

	// Delays are non-decreasing and never exceed the cap
	prev := time.Duration(0)
	for n := 0; n < r.MaxRetries; n++ {
		d := r.DelayForAttempt(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60*time.Second)
		prev = d
	}
}

func TestExecutionLifecycle(t *testing.T) {
	exec := NewExecution("ttl-cleanup", "")
	require.NotEmpty(t, exec.ExecutionID)
	require.NotEmpty(t, exec.CorrelationID)
	assert.Equal(t, StatusPending, exec.Status)
	assert.False(t, exec.Status.IsTerminal())

	exec.Start()
	assert.Equal(t, StatusRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)

	exec.Complete(map[string]any{"status": "completed"})
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.True(t, exec.Status.IsTerminal())
	require.NotNil(t, exec.CompletedAt)
	assert.GreaterOrEqual(t, exec.DurationSeconds, 0.0)
}

func TestExecutionNewRetry(t *testing.T) {
	exec := NewExecution("refresh", "corr-1")
	exec.Start()
	exec.Fail("boom", map[string]any{"stage": "workspace"})

	retry := exec.NewRetry()
	assert.NotEqual(t, exec.ExecutionID, retry.ExecutionID)
	assert.Equal(t, exec.JobID, retry.JobID)
	assert.Equal(t, "corr-1", retry.CorrelationID)
	assert.Equal(t, StatusRetry, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)

	// Original record stays terminal and untouched
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 0, exec.RetryCount)
}

func TestMetricsRecordExecution(t *testing.T) {
	m := NewJobMetrics("health-check")
	assert.Equal(t, HealthUnknown, m.HealthStatus)

	now := time.Now().UTC()
	m.RecordExecution(true, 2.0, 10, 0, now)
	assert.Equal(t, 1, m.TotalExecutions)
	assert.Equal(t, 2.0, m.AvgDurationSeconds)
	assert.Equal(t, HealthHealthy, m.HealthStatus)
	assert.Equal(t, 0.0, m.ErrorRate)

	m.RecordExecution(true, 4.0, 5, 1, now)
	assert.Equal(t, 3.0, m.AvgDurationSeconds) // (2+4)/2
	assert.Equal(t, 15, m.TotalRecordsProcessed)
	assert.Equal(t, 1, m.TotalRecordsFailed)

	m.RecordExecution(false, 1.0, 0, 0, now)
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.Equal(t, HealthDegraded, m.HealthStatus)
	assert.InDelta(t, 33.33, m.ErrorRate, 0.01)

	m.RecordExecution(false, 1.0, 0, 0, now)
	m.RecordExecution(false, 1.0, 0, 0, now)
	assert.Equal(t, 3, m.ConsecutiveFailures)
	assert.Equal(t, HealthUnhealthy, m.HealthStatus)

	m.RecordExecution(true, 1.0, 0, 0, now)
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.Equal(t, HealthHealthy, m.HealthStatus)

	require.NotNil(t, m.MinDurationSeconds)
	require.NotNil(t, m.MaxDurationSeconds)
	assert.Equal(t, 1.0, *m.MinDurationSeconds)
	assert.Equal(t, 4.0, *m.MaxDurationSeconds)
}
