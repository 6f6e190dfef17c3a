// Package storage persists job configs, execution records, and aggregated
// metrics in SQLite. Structured fields travel as JSON text columns and are
// reconstructed exactly on read.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/db"
	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
)

// timeLayout preserves sub-second precision so executions round-trip exactly
const timeLayout = time.RFC3339Nano

// Storage handles persistence for the job engine. All writes are idempotent
// upserts keyed by primary key: re-saving a config or an execution mid-flight
// updates the same row.
type Storage struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// New creates a Storage over an open database handle. The caller owns the
// handle's lifecycle.
func New(conn *sql.DB, log *zap.SugaredLogger) *Storage {
	return &Storage{db: conn, log: log}
}

// Initialize applies pending schema migrations
func (s *Storage) Initialize() error {
	return db.Migrate(s.db, s.log)
}

// Cleanup flushes the WAL. Called on manager shutdown; the database handle
// itself is closed by the owner.
func (s *Storage) Cleanup() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.Wrap(err, "failed to checkpoint WAL")
	}
	return nil
}

// --- job configs ---

// SaveJob upserts a job config keyed by job_id
func (s *Storage) SaveJob(cfg *jobs.JobConfig) error {
	scheduleJSON, err := json.Marshal(cfg.Schedule)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal schedule for job %s", cfg.JobID)
	}
	retryJSON, err := json.Marshal(cfg.RetryConfig)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal retry config for job %s", cfg.JobID)
	}
	params := cfg.Parameters
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal parameters for job %s", cfg.JobID)
	}

	query := `
		INSERT INTO job_configs (
			job_id, job_type, job_name, description, enabled, priority,
			schedule, retry_config, timeout_seconds, parameters,
			max_concurrent_executions, alert_on_failure, alert_on_success,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			job_type = excluded.job_type,
			job_name = excluded.job_name,
			description = excluded.description,
			enabled = excluded.enabled,
			priority = excluded.priority,
			schedule = excluded.schedule,
			retry_config = excluded.retry_config,
			timeout_seconds = excluded.timeout_seconds,
			parameters = excluded.parameters,
			max_concurrent_executions = excluded.max_concurrent_executions,
			alert_on_failure = excluded.alert_on_failure,
			alert_on_success = excluded.alert_on_success,
			updated_at = excluded.updated_at
	`

	_, err = s.db.Exec(query,
		cfg.JobID,
		string(cfg.JobType),
		cfg.JobName,
		cfg.Description,
		cfg.Enabled,
		string(cfg.Priority),
		string(scheduleJSON),
		string(retryJSON),
		cfg.TimeoutSeconds,
		string(paramsJSON),
		cfg.MaxConcurrentExecutions,
		cfg.AlertOnFailure,
		cfg.AlertOnSuccess,
		cfg.CreatedAt.Format(timeLayout),
		cfg.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save job %s", cfg.JobID)
	}
	return nil
}

const jobConfigColumns = `job_id, job_type, job_name, description, enabled, priority,
	schedule, retry_config, timeout_seconds, parameters,
	max_concurrent_executions, alert_on_failure, alert_on_success,
	created_at, updated_at`

// GetJob retrieves a job config by id.
// Returns errors.ErrJobNotFound when the row does not exist.
func (s *Storage) GetJob(jobID string) (*jobs.JobConfig, error) {
	row := s.db.QueryRow(`SELECT `+jobConfigColumns+` FROM job_configs WHERE job_id = ?`, jobID)
	cfg, err := scanJobConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewJobNotFound(jobID)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", jobID)
	}
	return cfg, nil
}

// GetAllJobs returns every persisted job config
func (s *Storage) GetAllJobs() ([]*jobs.JobConfig, error) {
	rows, err := s.db.Query(`SELECT ` + jobConfigColumns + ` FROM job_configs ORDER BY job_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var configs []*jobs.JobConfig
	for rows.Next() {
		cfg, err := scanJobConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job config")
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// DeleteJob removes a job config. Executions and metrics cascade at the
// schema level.
func (s *Storage) DeleteJob(jobID string) error {
	result, err := s.db.Exec(`DELETE FROM job_configs WHERE job_id = ?`, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", jobID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to check delete of job %s", jobID)
	}
	if affected == 0 {
		return errors.NewJobNotFound(jobID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobConfig(row rowScanner) (*jobs.JobConfig, error) {
	var cfg jobs.JobConfig
	var jobType, priority string
	var scheduleJSON, retryJSON, paramsJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&cfg.JobID,
		&jobType,
		&cfg.JobName,
		&cfg.Description,
		&cfg.Enabled,
		&priority,
		&scheduleJSON,
		&retryJSON,
		&cfg.TimeoutSeconds,
		&paramsJSON,
		&cfg.MaxConcurrentExecutions,
		&cfg.AlertOnFailure,
		&cfg.AlertOnSuccess,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.JobType = jobs.JobType(jobType)
	cfg.Priority = jobs.JobPriority(priority)

	if err := json.Unmarshal([]byte(scheduleJSON), &cfg.Schedule); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal schedule for job %s", cfg.JobID)
	}
	if err := json.Unmarshal([]byte(retryJSON), &cfg.RetryConfig); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal retry config for job %s", cfg.JobID)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &cfg.Parameters); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal parameters for job %s", cfg.JobID)
	}

	if cfg.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", cfg.JobID)
	}
	if cfg.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", cfg.JobID)
	}

	return &cfg, nil
}

// --- executions ---

const executionColumns = `execution_id, job_id, status, started_at, completed_at,
	duration_seconds, retry_count, error_message, error_details, result,
	correlation_id, records_processed, records_failed, created_at, updated_at`

// SaveExecution upserts an execution record keyed by execution_id. Saving
// the same execution through its PENDING -> RUNNING -> terminal transitions
// updates one row.
func (s *Storage) SaveExecution(exec *jobs.JobExecution) error {
	var errorDetails, result any
	if exec.ErrorDetails != nil {
		data, err := json.Marshal(exec.ErrorDetails)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal error details for execution %s", exec.ExecutionID)
		}
		errorDetails = string(data)
	}
	if exec.Result != nil {
		data, err := json.Marshal(exec.Result)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal result for execution %s", exec.ExecutionID)
		}
		result = string(data)
	}

	var startedAt, completedAt any
	if exec.StartedAt != nil {
		startedAt = exec.StartedAt.Format(timeLayout)
	}
	if exec.CompletedAt != nil {
		completedAt = exec.CompletedAt.Format(timeLayout)
	}

	var errorMessage any
	if exec.ErrorMessage != "" {
		errorMessage = exec.ErrorMessage
	}

	query := `
		INSERT INTO job_executions (
			execution_id, job_id, status, started_at, completed_at,
			duration_seconds, retry_count, error_message, error_details, result,
			correlation_id, records_processed, records_failed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			error_details = excluded.error_details,
			result = excluded.result,
			correlation_id = excluded.correlation_id,
			records_processed = excluded.records_processed,
			records_failed = excluded.records_failed,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		exec.ExecutionID,
		exec.JobID,
		string(exec.Status),
		startedAt,
		completedAt,
		exec.DurationSeconds,
		exec.RetryCount,
		errorMessage,
		errorDetails,
		result,
		exec.CorrelationID,
		exec.RecordsProcessed,
		exec.RecordsFailed,
		exec.CreatedAt.Format(timeLayout),
		exec.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save execution %s", exec.ExecutionID)
	}
	return nil
}

// GetExecution retrieves an execution by id
func (s *Storage) GetExecution(executionID string) (*jobs.JobExecution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM job_executions WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrJobNotFound, "execution %q", executionID)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", executionID)
	}
	return exec, nil
}

// GetJobExecutions returns a job's executions, newest first
func (s *Storage) GetJobExecutions(jobID string, limit int) ([]*jobs.JobExecution, error) {
	return s.queryExecutions(
		`SELECT `+executionColumns+` FROM job_executions
		 WHERE job_id = ? ORDER BY created_at DESC LIMIT ?`, jobID, limit)
}

// GetExecutionsByStatus returns executions in the given status, newest first
func (s *Storage) GetExecutionsByStatus(status jobs.ExecutionStatus, limit int) ([]*jobs.JobExecution, error) {
	return s.queryExecutions(
		`SELECT `+executionColumns+` FROM job_executions
		 WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
}

// GetExecutionsByCorrelationID returns every execution sharing a correlation
// id, oldest first so retry chains read in order
func (s *Storage) GetExecutionsByCorrelationID(correlationID string) ([]*jobs.JobExecution, error) {
	return s.queryExecutions(
		`SELECT `+executionColumns+` FROM job_executions
		 WHERE correlation_id = ? ORDER BY created_at ASC`, correlationID)
}

func (s *Storage) queryExecutions(query string, args ...any) ([]*jobs.JobExecution, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	var execs []*jobs.JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*jobs.JobExecution, error) {
	var exec jobs.JobExecution
	var status string
	var startedAt, completedAt, errorMessage, errorDetails, result sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&exec.ExecutionID,
		&exec.JobID,
		&status,
		&startedAt,
		&completedAt,
		&exec.DurationSeconds,
		&exec.RetryCount,
		&errorMessage,
		&errorDetails,
		&result,
		&exec.CorrelationID,
		&exec.RecordsProcessed,
		&exec.RecordsFailed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = jobs.ExecutionStatus(status)

	if startedAt.Valid {
		t, err := time.Parse(timeLayout, startedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse started_at for execution %s", exec.ExecutionID)
		}
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for execution %s", exec.ExecutionID)
		}
		exec.CompletedAt = &t
	}
	if errorMessage.Valid {
		exec.ErrorMessage = errorMessage.String
	}
	if errorDetails.Valid {
		if err := json.Unmarshal([]byte(errorDetails.String), &exec.ErrorDetails); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal error details for execution %s", exec.ExecutionID)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &exec.Result); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal result for execution %s", exec.ExecutionID)
		}
	}

	if exec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for execution %s", exec.ExecutionID)
	}
	if exec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for execution %s", exec.ExecutionID)
	}

	return &exec, nil
}

// CleanupOldExecutions deletes execution records created before the cutoff
// and returns how many were removed
func (s *Storage) CleanupOldExecutions(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM job_executions WHERE created_at < ?`,
		cutoff.Format(timeLayout),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old executions")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count cleaned up executions")
	}
	return int(affected), nil
}

// MarkInterruptedExecutions flips rows stuck in PENDING or RUNNING to FAILED
// at startup. These are executions orphaned by an ungraceful shutdown.
func (s *Storage) MarkInterruptedExecutions() (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	result, err := s.db.Exec(
		`UPDATE job_executions
		 SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE status IN (?, ?)`,
		string(jobs.StatusFailed),
		"interrupted by shutdown",
		now,
		now,
		string(jobs.StatusPending),
		string(jobs.StatusRunning),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark interrupted executions")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count interrupted executions")
	}
	return int(affected), nil
}

// TrimFailedExecutions keeps only the newest keep failed rows for a job,
// deleting the rest. Used by dead-letter retention.
func (s *Storage) TrimFailedExecutions(jobID string, keep int) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM job_executions
		 WHERE job_id = ? AND status = ? AND execution_id NOT IN (
			SELECT execution_id FROM job_executions
			WHERE job_id = ? AND status = ?
			ORDER BY created_at DESC LIMIT ?
		 )`,
		jobID, string(jobs.StatusFailed), jobID, string(jobs.StatusFailed), keep,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to trim failed executions for job %s", jobID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count trimmed executions")
	}
	return int(affected), nil
}

// --- metrics ---

// SaveJobMetrics upserts the aggregate row for a job
func (s *Storage) SaveJobMetrics(m *jobs.JobMetrics) error {
	var minDuration, maxDuration any
	if m.MinDurationSeconds != nil {
		minDuration = *m.MinDurationSeconds
	}
	if m.MaxDurationSeconds != nil {
		maxDuration = *m.MaxDurationSeconds
	}

	var lastExecution, lastSuccess, lastFailure any
	if m.LastExecutionAt != nil {
		lastExecution = m.LastExecutionAt.Format(timeLayout)
	}
	if m.LastSuccessAt != nil {
		lastSuccess = m.LastSuccessAt.Format(timeLayout)
	}
	if m.LastFailureAt != nil {
		lastFailure = m.LastFailureAt.Format(timeLayout)
	}

	query := `
		INSERT INTO job_metrics (
			job_id, total_executions, successful_executions, failed_executions,
			avg_duration_seconds, min_duration_seconds, max_duration_seconds,
			total_records_processed, total_records_failed, error_rate,
			consecutive_failures, health_status,
			last_execution_at, last_success_at, last_failure_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			total_executions = excluded.total_executions,
			successful_executions = excluded.successful_executions,
			failed_executions = excluded.failed_executions,
			avg_duration_seconds = excluded.avg_duration_seconds,
			min_duration_seconds = excluded.min_duration_seconds,
			max_duration_seconds = excluded.max_duration_seconds,
			total_records_processed = excluded.total_records_processed,
			total_records_failed = excluded.total_records_failed,
			error_rate = excluded.error_rate,
			consecutive_failures = excluded.consecutive_failures,
			health_status = excluded.health_status,
			last_execution_at = excluded.last_execution_at,
			last_success_at = excluded.last_success_at,
			last_failure_at = excluded.last_failure_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		m.JobID,
		m.TotalExecutions,
		m.SuccessfulExecutions,
		m.FailedExecutions,
		m.AvgDurationSeconds,
		minDuration,
		maxDuration,
		m.TotalRecordsProcessed,
		m.TotalRecordsFailed,
		m.ErrorRate,
		m.ConsecutiveFailures,
		string(m.HealthStatus),
		lastExecution,
		lastSuccess,
		lastFailure,
		m.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save metrics for job %s", m.JobID)
	}
	return nil
}

// GetJobMetrics retrieves the aggregate for a job.
// Returns nil without error when no executions have been recorded yet.
func (s *Storage) GetJobMetrics(jobID string) (*jobs.JobMetrics, error) {
	row := s.db.QueryRow(
		`SELECT job_id, total_executions, successful_executions, failed_executions,
			avg_duration_seconds, min_duration_seconds, max_duration_seconds,
			total_records_processed, total_records_failed, error_rate,
			consecutive_failures, health_status,
			last_execution_at, last_success_at, last_failure_at, updated_at
		 FROM job_metrics WHERE job_id = ?`, jobID)

	m, err := scanJobMetrics(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get metrics for job %s", jobID)
	}
	return m, nil
}

func scanJobMetrics(row rowScanner) (*jobs.JobMetrics, error) {
	var m jobs.JobMetrics
	var health string
	var minDuration, maxDuration sql.NullFloat64
	var lastExecution, lastSuccess, lastFailure sql.NullString
	var updatedAt string

	err := row.Scan(
		&m.JobID,
		&m.TotalExecutions,
		&m.SuccessfulExecutions,
		&m.FailedExecutions,
		&m.AvgDurationSeconds,
		&minDuration,
		&maxDuration,
		&m.TotalRecordsProcessed,
		&m.TotalRecordsFailed,
		&m.ErrorRate,
		&m.ConsecutiveFailures,
		&health,
		&lastExecution,
		&lastSuccess,
		&lastFailure,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.HealthStatus = jobs.HealthStatus(health)
	if minDuration.Valid {
		m.MinDurationSeconds = &minDuration.Float64
	}
	if maxDuration.Valid {
		m.MaxDurationSeconds = &maxDuration.Float64
	}

	parseOptional := func(v sql.NullString, dst **time.Time, field string) error {
		if !v.Valid {
			return nil
		}
		t, err := time.Parse(timeLayout, v.String)
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s for job %s", field, m.JobID)
		}
		*dst = &t
		return nil
	}
	if err := parseOptional(lastExecution, &m.LastExecutionAt, "last_execution_at"); err != nil {
		return nil, err
	}
	if err := parseOptional(lastSuccess, &m.LastSuccessAt, "last_success_at"); err != nil {
		return nil, err
	}
	if err := parseOptional(lastFailure, &m.LastFailureAt, "last_failure_at"); err != nil {
		return nil, err
	}

	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", m.JobID)
	}

	return &m, nil
}
