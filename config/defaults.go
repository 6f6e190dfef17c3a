package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "docfold.db")

	// Logging defaults
	v.SetDefault("logging.json", false)

	// External service defaults
	v.SetDefault("services.vector_store_url", "http://localhost:8080")
	v.SetDefault("services.ingest_url", "http://localhost:8090")
	v.SetDefault("services.request_timeout_seconds", 30)

	// Job manager defaults
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.max_concurrent_jobs", 3)
	v.SetDefault("jobs.job_queue_size", 100)
	v.SetDefault("jobs.scheduler_interval_seconds", 5)
	v.SetDefault("jobs.job_history_retention_days", 30)
	v.SetDefault("jobs.health_check_interval_seconds", 300)
	v.SetDefault("jobs.metrics_export_interval_seconds", 60)
	v.SetDefault("jobs.dead_letter_queue_enabled", true)
	v.SetDefault("jobs.max_failed_jobs_retention", 100)

	// TTL cleanup job defaults
	v.SetDefault("jobs.ttl_cleanup.max_age_days", 90)
	v.SetDefault("jobs.ttl_cleanup.rate_limit_delay_seconds", 1.0)

	// Document refresh job defaults
	v.SetDefault("jobs.document_refresh.batch_size", 25)
	v.SetDefault("jobs.document_refresh.rate_limit_delay_seconds", 0.5)
	v.SetDefault("jobs.document_refresh.refresh_before_expiry_hours", 24)
	v.SetDefault("jobs.document_refresh.max_age_days", 30)
	v.SetDefault("jobs.document_refresh.min_quality_score", 0.3)
	v.SetDefault("jobs.document_refresh.skip_recently_updated_hours", 6)
	v.SetDefault("jobs.document_refresh.extend_ttl_hours", 168) // one week

	// Health check job defaults
	v.SetDefault("jobs.health_check.sample_workspaces", 5)
}
