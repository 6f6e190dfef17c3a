package manager

import (
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/jobs"
)

// Service is the management facade over the Manager. Every return value is
// plain structured data (maps and slices of primitives) ready for JSON
// serialization, so no engine type leaks across the boundary.
type Service struct {
	manager *Manager
	log     *zap.SugaredLogger
}

// NewService wraps a manager. The service is handed explicitly to whatever
// surface exposes it; there is no ambient singleton.
func NewService(m *Manager, log *zap.SugaredLogger) *Service {
	return &Service{manager: m, log: log}
}

// Start starts the underlying manager
func (s *Service) Start() error {
	return s.manager.Start()
}

// Stop stops the underlying manager
func (s *Service) Stop() error {
	return s.manager.Stop()
}

// Restart stops and starts the manager
func (s *Service) Restart() error {
	if err := s.manager.Stop(); err != nil {
		return err
	}
	return s.manager.Start()
}

// ListJobs returns every registered job
func (s *Service) ListJobs() []map[string]any {
	configs := s.manager.ListJobs()
	out := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, s.jobToMap(cfg))
	}
	return out
}

// GetJob returns one job's definition
func (s *Service) GetJob(jobID string) (map[string]any, error) {
	cfg, err := s.manager.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return s.jobToMap(cfg), nil
}

// GetJobMetrics returns one job's aggregate metrics
func (s *Service) GetJobMetrics(jobID string) (map[string]any, error) {
	if _, err := s.manager.GetJob(jobID); err != nil {
		return nil, err
	}
	jm := s.manager.Metrics(jobID)
	if jm == nil {
		jm = jobs.NewJobMetrics(jobID)
	}
	return metricsToMap(jm), nil
}

// ExecuteJob triggers a job immediately and returns the pending execution
func (s *Service) ExecuteJob(jobID, correlationID string) (map[string]any, error) {
	exec, err := s.manager.ExecuteJob(jobID, correlationID)
	if err != nil {
		return nil, err
	}
	return executionToMap(exec), nil
}

// SetJobEnabled enables or disables a job and returns its updated definition
func (s *Service) SetJobEnabled(jobID string, enabled bool) (map[string]any, error) {
	if err := s.manager.SetJobEnabled(jobID, enabled); err != nil {
		return nil, err
	}
	return s.GetJob(jobID)
}

// ListRunningJobs snapshots the in-flight executions
func (s *Service) ListRunningJobs() []map[string]any {
	running := s.manager.RunningJobs()
	out := make([]map[string]any, 0, len(running))
	for _, rj := range running {
		out = append(out, map[string]any{
			"job_id":          rj.JobID,
			"execution_id":    rj.ExecutionID,
			"correlation_id":  rj.CorrelationID,
			"started_at":      rj.StartedAt.Format(time.RFC3339),
			"running_seconds": time.Since(rj.StartedAt).Seconds(),
		})
	}
	return out
}

// HealthStatus reports overall and per-job health
func (s *Service) HealthStatus() map[string]any {
	perJob := make(map[string]any)
	for _, cfg := range s.manager.ListJobs() {
		jm := s.manager.Metrics(cfg.JobID)
		status, issues := s.manager.mon.CheckJobHealth(jm)
		entry := map[string]any{"status": string(status)}
		if len(issues) > 0 {
			entry["issues"] = issues
		}
		perJob[cfg.JobID] = entry
	}

	stats := s.manager.QueueStats()
	return map[string]any{
		"status": string(s.manager.Health()),
		"jobs":   perJob,
		"queue": map[string]any{
			"queued":   stats.Queued,
			"capacity": stats.Capacity,
			"enqueued": stats.Enqueued,
			"dropped":  stats.Dropped,
		},
		"running_jobs": len(s.manager.RunningJobs()),
	}
}

// Info describes the service itself
func (s *Service) Info() map[string]any {
	s.manager.mu.Lock()
	started := s.manager.started
	startedAt := s.manager.startedAt
	s.manager.mu.Unlock()

	info := map[string]any{
		"service": "docfold-jobs",
		"status":  "stopped",
		"workers": s.manager.cfg.MaxConcurrentJobs,
		"jobs":    len(s.manager.ListJobs()),
	}
	if started {
		info["status"] = "running"
		info["started_at"] = startedAt.Format(time.RFC3339)
		info["uptime_seconds"] = time.Since(startedAt).Seconds()
	}
	return info
}

func (s *Service) jobToMap(cfg *jobs.JobConfig) map[string]any {
	out := map[string]any{
		"job_id":                    cfg.JobID,
		"job_type":                  string(cfg.JobType),
		"job_name":                  cfg.JobName,
		"description":               cfg.Description,
		"enabled":                   cfg.Enabled,
		"priority":                  string(cfg.Priority),
		"schedule_type":             string(cfg.Schedule.ScheduleType),
		"timeout_seconds":           cfg.TimeoutSeconds,
		"max_retries":               cfg.RetryConfig.MaxRetries,
		"max_concurrent_executions": cfg.MaxConcurrentExecutions,
		"created_at":                cfg.CreatedAt.Format(time.RFC3339),
		"updated_at":                cfg.UpdatedAt.Format(time.RFC3339),
	}

	switch cfg.Schedule.ScheduleType {
	case jobs.ScheduleCron:
		out["cron_expression"] = cfg.Schedule.CronExpression
	case jobs.ScheduleInterval:
		out["interval_seconds"] = int(cfg.Schedule.Interval() / time.Second)
	case jobs.ScheduleOnce:
		if cfg.Schedule.ExecuteAt != nil {
			out["execute_at"] = cfg.Schedule.ExecuteAt.Format(time.RFC3339)
		}
	}

	if next := s.manager.NextExecutionTime(cfg.JobID); next != nil {
		out["next_execution"] = next.Format(time.RFC3339)
	}
	return out
}

func executionToMap(exec *jobs.JobExecution) map[string]any {
	out := map[string]any{
		"execution_id":      exec.ExecutionID,
		"job_id":            exec.JobID,
		"status":            string(exec.Status),
		"correlation_id":    exec.CorrelationID,
		"retry_count":       exec.RetryCount,
		"records_processed": exec.RecordsProcessed,
		"records_failed":    exec.RecordsFailed,
		"created_at":        exec.CreatedAt.Format(time.RFC3339),
	}
	if exec.StartedAt != nil {
		out["started_at"] = exec.StartedAt.Format(time.RFC3339)
	}
	if exec.CompletedAt != nil {
		out["completed_at"] = exec.CompletedAt.Format(time.RFC3339)
		out["duration_seconds"] = exec.DurationSeconds
	}
	if exec.ErrorMessage != "" {
		out["error_message"] = exec.ErrorMessage
	}
	return out
}

func metricsToMap(jm *jobs.JobMetrics) map[string]any {
	out := map[string]any{
		"job_id":                  jm.JobID,
		"total_executions":        jm.TotalExecutions,
		"successful_executions":   jm.SuccessfulExecutions,
		"failed_executions":       jm.FailedExecutions,
		"avg_duration_seconds":    jm.AvgDurationSeconds,
		"total_records_processed": jm.TotalRecordsProcessed,
		"total_records_failed":    jm.TotalRecordsFailed,
		"error_rate":              jm.ErrorRate,
		"consecutive_failures":    jm.ConsecutiveFailures,
		"health_status":           string(jm.HealthStatus),
	}
	if jm.MinDurationSeconds != nil {
		out["min_duration_seconds"] = *jm.MinDurationSeconds
	}
	if jm.MaxDurationSeconds != nil {
		out["max_duration_seconds"] = *jm.MaxDurationSeconds
	}
	if jm.LastExecutionAt != nil {
		out["last_execution_at"] = jm.LastExecutionAt.Format(time.RFC3339)
	}
	if jm.LastSuccessAt != nil {
		out["last_success_at"] = jm.LastSuccessAt.Format(time.RFC3339)
	}
	if jm.LastFailureAt != nil {
		out["last_failure_at"] = jm.LastFailureAt.Format(time.RFC3339)
	}
	return out
}
