package manager

import (
	"time"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
)

// defaultJobConfigs is the hard-coded job set seeded when neither the
// database nor the configuration defines any jobs
func defaultJobConfigs() []*jobs.JobConfig {
	now := time.Now().UTC()
	return []*jobs.JobConfig{
		{
			JobID:       "ttl-cleanup",
			JobType:     jobs.JobTypeTTLCleanup,
			JobName:     "TTL Cleanup",
			Description: "Remove expired documents and orphaned records",
			Enabled:     true,
			Priority:    jobs.PriorityMedium,
			Schedule: jobs.JobSchedule{
				ScheduleType:   jobs.ScheduleCron,
				CronExpression: "0 2 * * *",
			},
			RetryConfig:             jobs.DefaultRetryConfig(),
			TimeoutSeconds:          1800,
			MaxConcurrentExecutions: 1,
			AlertOnFailure:          true,
			CreatedAt:               now,
			UpdatedAt:               now,
		},
		{
			JobID:       "document-refresh",
			JobType:     jobs.JobTypeDocumentRefresh,
			JobName:     "Document Refresh",
			Description: "Extend TTLs of documents nearing expiry",
			Enabled:     true,
			Priority:    jobs.PriorityLow,
			Schedule: jobs.JobSchedule{
				ScheduleType:  jobs.ScheduleInterval,
				IntervalHours: 6,
			},
			RetryConfig: jobs.RetryConfig{
				MaxRetries:             2,
				RetryDelaySeconds:      60,
				RetryBackoffMultiplier: 2.0,
				RetryMaxDelaySeconds:   600,
			},
			TimeoutSeconds:          3600,
			MaxConcurrentExecutions: 1,
			AlertOnFailure:          true,
			CreatedAt:               now,
			UpdatedAt:               now,
		},
		{
			JobID:       "health-check",
			JobType:     jobs.JobTypeHealthCheck,
			JobName:     "Platform Health Check",
			Description: "Probe vector store, database, and ingestion service",
			Enabled:     true,
			Priority:    jobs.PriorityHigh,
			Schedule: jobs.JobSchedule{
				ScheduleType:    jobs.ScheduleInterval,
				IntervalMinutes: 5,
			},
			RetryConfig: jobs.RetryConfig{
				MaxRetries:             1,
				RetryDelaySeconds:      30,
				RetryBackoffMultiplier: 2.0,
				RetryMaxDelaySeconds:   300,
			},
			TimeoutSeconds:          120,
			MaxConcurrentExecutions: 1,
			CreatedAt:               now,
			UpdatedAt:               now,
		},
	}
}

// fromDefaultJob converts a declarative configuration entry into a job
// config, filling unset fields from engine defaults
func fromDefaultJob(d config.DefaultJob) (*jobs.JobConfig, error) {
	if !jobs.IsValidJobType(d.JobType) {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "default job %q has unknown job_type %q", d.JobID, d.JobType)
	}

	priority := jobs.JobPriority(d.Priority)
	if priority == "" {
		priority = jobs.PriorityMedium
	}

	retry := jobs.DefaultRetryConfig()
	if d.MaxRetries > 0 {
		retry.MaxRetries = d.MaxRetries
	}
	if d.RetryDelaySeconds > 0 {
		retry.RetryDelaySeconds = d.RetryDelaySeconds
	}

	maxConcurrent := d.MaxConcurrentExecutions
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	timeout := d.TimeoutSeconds
	if timeout <= 0 {
		timeout = 600
	}

	now := time.Now().UTC()
	cfg := &jobs.JobConfig{
		JobID:       d.JobID,
		JobType:     jobs.JobType(d.JobType),
		JobName:     d.JobName,
		Description: d.Description,
		Enabled:     d.Enabled,
		Priority:    priority,
		Schedule: jobs.JobSchedule{
			ScheduleType:    jobs.ScheduleType(d.ScheduleType),
			CronExpression:  d.CronExpression,
			IntervalSeconds: d.IntervalSeconds,
			IntervalMinutes: d.IntervalMinutes,
			IntervalHours:   d.IntervalHours,
			IntervalDays:    d.IntervalDays,
		},
		RetryConfig:             retry,
		TimeoutSeconds:          timeout,
		Parameters:              d.Parameters,
		MaxConcurrentExecutions: maxConcurrent,
		AlertOnFailure:          d.AlertOnFailure,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
