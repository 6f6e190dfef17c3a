package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docfold/docfold/errors"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.True(t, cfg.Jobs.Enabled)
	assert.Equal(t, 3, cfg.Jobs.MaxConcurrentJobs)
	assert.Equal(t, 100, cfg.Jobs.JobQueueSize)
	assert.Equal(t, 5, cfg.Jobs.SchedulerIntervalSeconds)
	assert.Equal(t, 30, cfg.Jobs.JobHistoryRetentionDays)
	assert.Equal(t, 5, cfg.Jobs.HealthCheck.SampleWorkspaces)
	assert.Equal(t, 90, cfg.Jobs.TTLCleanup.MaxAgeDays)
	assert.Equal(t, 25, cfg.Jobs.DocumentRefresh.BatchSize)
	assert.Equal(t, "docfold.db", cfg.Database.Path)
	assert.Equal(t, 30, cfg.Services.RequestTimeoutSeconds)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docfold.toml")

	content := `
[database]
path = "/tmp/test-docfold.db"

[jobs]
max_concurrent_jobs = 8
job_queue_size = 50

[jobs.ttl_cleanup]
workspaces = ["docs-main", "docs-api"]
max_age_days = 14

[[jobs.default_jobs]]
job_id = "ttl-cleanup"
job_type = "ttl_cleanup"
job_name = "TTL Cleanup"
enabled = true
schedule_type = "cron"
cron_expression = "0 2 * * *"
timeout_seconds = 600
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-docfold.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Jobs.MaxConcurrentJobs)
	assert.Equal(t, 50, cfg.Jobs.JobQueueSize)
	assert.Equal(t, []string{"docs-main", "docs-api"}, cfg.Jobs.TTLCleanup.Workspaces)
	assert.Equal(t, 14, cfg.Jobs.TTLCleanup.MaxAgeDays)

	// Defaults still apply for keys the file does not set
	assert.Equal(t, 5, cfg.Jobs.SchedulerIntervalSeconds)

	require.Len(t, cfg.Jobs.DefaultJobs, 1)
	job := cfg.Jobs.DefaultJobs[0]
	assert.Equal(t, "ttl-cleanup", job.JobID)
	assert.Equal(t, "cron", job.ScheduleType)
	assert.Equal(t, "0 2 * * *", job.CronExpression)
	assert.Equal(t, 600, job.TimeoutSeconds)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Jobs.MaxConcurrentJobs = 0 }},
		{"zero queue", func(c *Config) { c.Jobs.JobQueueSize = 0 }},
		{"zero scheduler interval", func(c *Config) { c.Jobs.SchedulerIntervalSeconds = 0 }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero sample workspaces", func(c *Config) { c.Jobs.HealthCheck.SampleWorkspaces = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			cfg, err := LoadWithViper(v)
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}
