// Package config loads docfold configuration from TOML files and environment
// variables via Viper.
package config

// Config represents the core docfold configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Services ServicesConfig `mapstructure:"services"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

// ServicesConfig locates the external platform services the job handlers
// talk to
type ServicesConfig struct {
	VectorStoreURL        string `mapstructure:"vector_store_url"`
	IngestURL             string `mapstructure:"ingest_url"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"` // per HTTP call (default: 30)
}

// JobsConfig configures the background job manager
type JobsConfig struct {
	Enabled                      bool `mapstructure:"enabled"`
	MaxConcurrentJobs            int  `mapstructure:"max_concurrent_jobs"`             // worker goroutines (default: 3)
	JobQueueSize                 int  `mapstructure:"job_queue_size"`                  // bounded queue capacity (default: 100)
	SchedulerIntervalSeconds     int  `mapstructure:"scheduler_interval_seconds"`      // due-job poll interval (default: 5)
	JobHistoryRetentionDays      int  `mapstructure:"job_history_retention_days"`      // execution record retention (default: 30)
	HealthCheckIntervalSeconds   int  `mapstructure:"health_check_interval_seconds"`   // monitor health-check cadence (default: 300)
	MetricsExportIntervalSeconds int  `mapstructure:"metrics_export_interval_seconds"` // metrics fan-out cadence (default: 60)
	DeadLetterQueueEnabled       bool `mapstructure:"dead_letter_queue_enabled"`
	MaxFailedJobsRetention       int  `mapstructure:"max_failed_jobs_retention"` // dead-lettered rows kept per job (default: 100)

	TTLCleanup      TTLCleanupConfig      `mapstructure:"ttl_cleanup"`
	DocumentRefresh DocumentRefreshConfig `mapstructure:"document_refresh"`
	HealthCheck     HealthCheckConfig     `mapstructure:"health_check"`

	DefaultJobs []DefaultJob `mapstructure:"default_jobs"`
}

// TTLCleanupConfig configures the TTL cleanup job type
type TTLCleanupConfig struct {
	Workspaces            []string `mapstructure:"workspaces"`         // explicit allow-list; empty means all
	ExcludeWorkspaces     []string `mapstructure:"exclude_workspaces"` // always skipped
	MaxAgeDays            int      `mapstructure:"max_age_days"`       // orphaned-record cutoff (default: 90)
	RateLimitDelaySeconds float64  `mapstructure:"rate_limit_delay_seconds"`
}

// DocumentRefreshConfig configures the document refresh job type
type DocumentRefreshConfig struct {
	Workspaces               []string `mapstructure:"workspaces"`
	ExcludeWorkspaces        []string `mapstructure:"exclude_workspaces"`
	BatchSize                int      `mapstructure:"batch_size"` // candidates per batch (default: 25)
	RateLimitDelaySeconds    float64  `mapstructure:"rate_limit_delay_seconds"`
	RefreshBeforeExpiryHours int      `mapstructure:"refresh_before_expiry_hours"` // near-expiry window (default: 24)
	MaxAgeDays               int      `mapstructure:"max_age_days"`                // force refresh past this age (default: 30)
	MinQualityScore          float64  `mapstructure:"min_quality_score"`           // candidates below score skipped
	SkipRecentlyUpdatedHours int      `mapstructure:"skip_recently_updated_hours"` // 0 disables the filter
	ExtendTTLHours           int      `mapstructure:"extend_ttl_hours"`            // TTL extension per refresh (default: 168)
}

// HealthCheckConfig configures the health check job type
type HealthCheckConfig struct {
	// SampleWorkspaces bounds the workspace reachability probe
	SampleWorkspaces int `mapstructure:"sample_workspaces"` // default: 5
}

// DefaultJob is a declarative job definition seeded at startup when the
// database holds no persisted configs
type DefaultJob struct {
	JobID                   string            `mapstructure:"job_id"`
	JobType                 string            `mapstructure:"job_type"`
	JobName                 string            `mapstructure:"job_name"`
	Description             string            `mapstructure:"description"`
	Enabled                 bool              `mapstructure:"enabled"`
	Priority                string            `mapstructure:"priority"`
	ScheduleType            string            `mapstructure:"schedule_type"` // interval | cron | once
	CronExpression          string            `mapstructure:"cron_expression"`
	IntervalSeconds         int               `mapstructure:"interval_seconds"`
	IntervalMinutes         int               `mapstructure:"interval_minutes"`
	IntervalHours           int               `mapstructure:"interval_hours"`
	IntervalDays            int               `mapstructure:"interval_days"`
	TimeoutSeconds          int               `mapstructure:"timeout_seconds"`
	MaxRetries              int               `mapstructure:"max_retries"`
	RetryDelaySeconds       int               `mapstructure:"retry_delay_seconds"`
	MaxConcurrentExecutions int               `mapstructure:"max_concurrent_executions"`
	AlertOnFailure          bool              `mapstructure:"alert_on_failure"`
	Parameters              map[string]string `mapstructure:"parameters"`
}
