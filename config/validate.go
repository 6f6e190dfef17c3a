package config

import (
	"github.com/docfold/docfold/errors"
)

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures inside the job manager.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "database.path must not be empty")
	}
	if c.Jobs.MaxConcurrentJobs < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.max_concurrent_jobs must be >= 1, got %d", c.Jobs.MaxConcurrentJobs)
	}
	if c.Jobs.JobQueueSize < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.job_queue_size must be >= 1, got %d", c.Jobs.JobQueueSize)
	}
	if c.Jobs.SchedulerIntervalSeconds < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.scheduler_interval_seconds must be >= 1, got %d", c.Jobs.SchedulerIntervalSeconds)
	}
	if c.Jobs.JobHistoryRetentionDays < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.job_history_retention_days must be >= 1, got %d", c.Jobs.JobHistoryRetentionDays)
	}
	if c.Jobs.HealthCheck.SampleWorkspaces < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.health_check.sample_workspaces must be >= 1, got %d", c.Jobs.HealthCheck.SampleWorkspaces)
	}
	if c.Jobs.DocumentRefresh.BatchSize < 1 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.document_refresh.batch_size must be >= 1, got %d", c.Jobs.DocumentRefresh.BatchSize)
	}
	return nil
}
