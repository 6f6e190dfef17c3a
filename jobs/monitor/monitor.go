// Package monitor tracks job health: it folds execution outcomes into
// per-job aggregates, runs registered health checks, and fans alerts out to
// registered handlers.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/jobs"
)

// CheckResult is what a registered health check reports
type CheckResult struct {
	Status  jobs.HealthStatus
	Details map[string]any
}

// HealthCheckFunc probes one dependency. A returned error or a panic counts
// as unhealthy.
type HealthCheckFunc func(ctx context.Context) (CheckResult, error)

// Alert is a timestamped notification delivered to every alert handler
type Alert struct {
	JobID     string         `json:"job_id"`
	Severity  string         `json:"severity"` // "info", "warning", "critical"
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AlertHandler receives alerts. A panicking handler is isolated; delivery to
// the remaining handlers continues.
type AlertHandler func(Alert)

// MetricsHandler receives periodic metrics snapshots keyed by job id
type MetricsHandler func(map[string]*jobs.JobMetrics)

// Thresholds control when job metrics trip alerts
type Thresholds struct {
	MaxConsecutiveFailures int           // at or above: unhealthy
	MaxErrorRatePercent    float64       // at or above: degraded
	DurationFactor         float64       // duration > factor * running avg: performance alert
	StalenessWindow        time.Duration // no execution for longer: degraded
}

// DefaultThresholds returns the standard alerting thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveFailures: 3,
		MaxErrorRatePercent:    25.0,
		DurationFactor:         3.0,
		StalenessWindow:        48 * time.Hour,
	}
}

// Monitor aggregates execution outcomes and health signals for the job
// engine. Safe for concurrent use.
type Monitor struct {
	mu              sync.Mutex
	checks          map[string]HealthCheckFunc
	checkNames      []string // registration order
	alertHandlers   []AlertHandler
	metricsHandlers []MetricsHandler
	metrics         map[string]*jobs.JobMetrics
	thresholds      Thresholds
	log             *zap.SugaredLogger
}

// New creates a Monitor with default thresholds
func New(log *zap.SugaredLogger) *Monitor {
	return &Monitor{
		checks:     make(map[string]HealthCheckFunc),
		metrics:    make(map[string]*jobs.JobMetrics),
		thresholds: DefaultThresholds(),
		log:        log,
	}
}

// SetThresholds replaces the alerting thresholds
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// RegisterHealthCheck adds a named dependency probe. Re-registering a name
// replaces the previous check.
func (m *Monitor) RegisterHealthCheck(name string, fn HealthCheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[name]; !exists {
		m.checkNames = append(m.checkNames, name)
	}
	m.checks[name] = fn
}

// RegisterAlertHandler adds an alert sink
func (m *Monitor) RegisterAlertHandler(fn AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, fn)
}

// RegisterMetricsHandler adds a metrics snapshot sink
func (m *Monitor) RegisterMetricsHandler(fn MetricsHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metricsHandlers = append(m.metricsHandlers, fn)
}

// PerformHealthChecks runs every registered check and folds the results.
// Overall status starts healthy; any unhealthy check (including one that
// errors or panics) forces unhealthy, a degraded check only escalates from
// healthy.
func (m *Monitor) PerformHealthChecks(ctx context.Context) map[string]any {
	m.mu.Lock()
	names := make([]string, len(m.checkNames))
	copy(names, m.checkNames)
	checks := make(map[string]HealthCheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.Unlock()

	overall := jobs.HealthHealthy
	results := make(map[string]any, len(names))

	for _, name := range names {
		result := runCheck(ctx, checks[name])
		entry := map[string]any{"status": string(result.Status)}
		for k, v := range result.Details {
			entry[k] = v
		}
		results[name] = entry
		overall = Escalate(overall, result.Status)
	}

	return map[string]any{
		"status":    string(overall),
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

func runCheck(ctx context.Context, fn HealthCheckFunc) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{
				Status:  jobs.HealthUnhealthy,
				Details: map[string]any{"error": fmt.Sprintf("check panicked: %v", r)},
			}
		}
	}()

	result, err := fn(ctx)
	if err != nil {
		details := map[string]any{"error": err.Error()}
		for k, v := range result.Details {
			details[k] = v
		}
		return CheckResult{Status: jobs.HealthUnhealthy, Details: details}
	}
	if result.Status == "" {
		result.Status = jobs.HealthHealthy
	}
	return result
}

// Escalate folds one component status into an overall status: unhealthy
// always wins, degraded only demotes healthy.
func Escalate(overall, status jobs.HealthStatus) jobs.HealthStatus {
	switch status {
	case jobs.HealthUnhealthy:
		return jobs.HealthUnhealthy
	case jobs.HealthDegraded, jobs.HealthUnknown, jobs.HealthStopped:
		if overall == jobs.HealthHealthy {
			return jobs.HealthDegraded
		}
	}
	return overall
}

// SeedMetrics loads persisted aggregates, typically at manager startup
func (m *Monitor) SeedMetrics(metrics []*jobs.JobMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, jm := range metrics {
		m.metrics[jm.JobID] = jm
	}
}

// EnsureMetrics lazily creates the aggregate for a job
func (m *Monitor) EnsureMetrics(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metrics[jobID]; !ok {
		m.metrics[jobID] = jobs.NewJobMetrics(jobID)
	}
}

// RemoveMetrics drops a job's aggregate, used when a job is unregistered
func (m *Monitor) RemoveMetrics(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, jobID)
}

// Metrics returns a copy of one job's aggregate, or nil if the job has no
// recorded executions
func (m *Monitor) Metrics(jobID string) *jobs.JobMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	jm, ok := m.metrics[jobID]
	if !ok {
		return nil
	}
	cp := *jm
	return &cp
}

// CollectMetrics snapshots every job's aggregate
func (m *Monitor) CollectMetrics() map[string]*jobs.JobMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]*jobs.JobMetrics, len(m.metrics))
	for jobID, jm := range m.metrics {
		cp := *jm
		snapshot[jobID] = &cp
	}
	return snapshot
}

// ExportMetrics snapshots the aggregates and delivers the snapshot to every
// metrics handler. Handler panics are isolated.
func (m *Monitor) ExportMetrics() {
	snapshot := m.CollectMetrics()

	m.mu.Lock()
	handlers := make([]MetricsHandler, len(m.metricsHandlers))
	copy(handlers, m.metricsHandlers)
	m.mu.Unlock()

	for _, fn := range handlers {
		m.deliverMetrics(fn, snapshot)
	}
}

func (m *Monitor) deliverMetrics(fn MetricsHandler, snapshot map[string]*jobs.JobMetrics) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("Metrics handler panicked", "panic", r)
		}
	}()
	fn(snapshot)
}

// ObserveExecutionStart logs the start of an execution
func (m *Monitor) ObserveExecutionStart(cfg *jobs.JobConfig, exec *jobs.JobExecution) {
	m.log.Infow("Job execution started",
		"job_id", cfg.JobID,
		"job_type", string(cfg.JobType),
		"execution_id", exec.ExecutionID,
		"correlation_id", exec.CorrelationID,
		"retry_count", exec.RetryCount,
	)
}

// ObserveExecutionEnd folds a finished execution into the job's aggregate
// and raises any threshold alerts
func (m *Monitor) ObserveExecutionEnd(cfg *jobs.JobConfig, exec *jobs.JobExecution, success bool) {
	now := time.Now().UTC()

	m.mu.Lock()
	jm, ok := m.metrics[cfg.JobID]
	if !ok {
		jm = jobs.NewJobMetrics(cfg.JobID)
		m.metrics[cfg.JobID] = jm
	}
	priorAvg := jm.AvgDurationSeconds
	priorCount := jm.TotalExecutions
	jm.RecordExecution(success, exec.DurationSeconds, exec.RecordsProcessed, exec.RecordsFailed, now)
	consecutiveFailures := jm.ConsecutiveFailures
	thresholds := m.thresholds
	m.mu.Unlock()

	m.log.Infow("Job execution finished",
		"job_id", cfg.JobID,
		"execution_id", exec.ExecutionID,
		"correlation_id", exec.CorrelationID,
		"status", string(exec.Status),
		"duration_seconds", exec.DurationSeconds,
	)

	if !success && cfg.AlertOnFailure {
		m.emitAlert(Alert{
			JobID:    cfg.JobID,
			Severity: "warning",
			Type:     "job_failure",
			Message:  fmt.Sprintf("job %s failed: %s", cfg.JobID, exec.ErrorMessage),
			Details: map[string]any{
				"execution_id":   exec.ExecutionID,
				"correlation_id": exec.CorrelationID,
				"retry_count":    exec.RetryCount,
			},
			Timestamp: now,
		})
	}
	if success && cfg.AlertOnSuccess {
		m.emitAlert(Alert{
			JobID:     cfg.JobID,
			Severity:  "info",
			Type:      "job_success",
			Message:   fmt.Sprintf("job %s completed", cfg.JobID),
			Details:   map[string]any{"execution_id": exec.ExecutionID},
			Timestamp: now,
		})
	}

	if consecutiveFailures >= thresholds.MaxConsecutiveFailures {
		m.emitAlert(Alert{
			JobID:    cfg.JobID,
			Severity: "critical",
			Type:     "consecutive_failures",
			Message: fmt.Sprintf("job %s has failed %d times in a row",
				cfg.JobID, consecutiveFailures),
			Details:   map[string]any{"consecutive_failures": consecutiveFailures},
			Timestamp: now,
		})
	}

	// compare against the average before this execution was folded in so a
	// single slow run cannot hide itself in the mean
	if priorCount >= 3 && priorAvg > 0 && exec.DurationSeconds > thresholds.DurationFactor*priorAvg {
		m.emitAlert(Alert{
			JobID:    cfg.JobID,
			Severity: "warning",
			Type:     "performance_degradation",
			Message: fmt.Sprintf("job %s ran %.1fs against a %.1fs average",
				cfg.JobID, exec.DurationSeconds, priorAvg),
			Details: map[string]any{
				"duration_seconds": exec.DurationSeconds,
				"avg_seconds":      priorAvg,
			},
			Timestamp: now,
		})
	}
}

// CheckJobHealth evaluates one job's aggregate against the thresholds,
// returning a status and a human-readable issue list
func (m *Monitor) CheckJobHealth(jm *jobs.JobMetrics) (jobs.HealthStatus, []string) {
	m.mu.Lock()
	thresholds := m.thresholds
	m.mu.Unlock()

	if jm == nil || jm.TotalExecutions == 0 {
		return jobs.HealthUnknown, nil
	}

	status := jobs.HealthHealthy
	var issues []string

	if jm.ConsecutiveFailures >= thresholds.MaxConsecutiveFailures {
		status = jobs.HealthUnhealthy
		issues = append(issues, fmt.Sprintf("%d consecutive failures", jm.ConsecutiveFailures))
	}
	if jm.ErrorRate >= thresholds.MaxErrorRatePercent {
		if status == jobs.HealthHealthy {
			status = jobs.HealthDegraded
		}
		issues = append(issues, fmt.Sprintf("error rate %.1f%%", jm.ErrorRate))
	}
	if jm.LastExecutionAt != nil && time.Since(*jm.LastExecutionAt) > thresholds.StalenessWindow {
		if status == jobs.HealthHealthy {
			status = jobs.HealthDegraded
		}
		issues = append(issues, fmt.Sprintf("no execution since %s",
			jm.LastExecutionAt.Format(time.RFC3339)))
	}

	return status, issues
}

func (m *Monitor) emitAlert(alert Alert) {
	m.mu.Lock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.Unlock()

	m.log.Warnw("Job alert",
		"job_id", alert.JobID,
		"severity", alert.Severity,
		"type", alert.Type,
		"message", alert.Message,
	)

	for _, fn := range handlers {
		m.deliverAlert(fn, alert)
	}
}

func (m *Monitor) deliverAlert(fn AlertHandler, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("Alert handler panicked", "panic", r, "alert_type", alert.Type)
		}
	}()
	fn(alert)
}
