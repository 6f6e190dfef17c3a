package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
)

func newTestMonitor() *Monitor {
	return New(zap.NewNop().Sugar())
}

func healthyCheck(ctx context.Context) (CheckResult, error) {
	return CheckResult{Status: jobs.HealthHealthy}, nil
}

func degradedCheck(ctx context.Context) (CheckResult, error) {
	return CheckResult{Status: jobs.HealthDegraded, Details: map[string]any{"latency_ms": 900}}, nil
}

func testConfig(jobID string) *jobs.JobConfig {
	return &jobs.JobConfig{
		JobID:          jobID,
		JobType:        jobs.JobTypeHealthCheck,
		JobName:        jobID,
		Enabled:        true,
		AlertOnFailure: true,
	}
}

func finishedExecution(jobID string, success bool, duration float64) *jobs.JobExecution {
	exec := jobs.NewExecution(jobID, "")
	exec.Start()
	if success {
		exec.Complete(nil)
	} else {
		exec.Fail("boom", nil)
	}
	exec.DurationSeconds = duration
	return exec
}

func TestPerformHealthChecksAllHealthy(t *testing.T) {
	m := newTestMonitor()
	m.RegisterHealthCheck("vector_store", healthyCheck)
	m.RegisterHealthCheck("database", healthyCheck)

	result := m.PerformHealthChecks(context.Background())
	assert.Equal(t, "healthy", result["status"])

	checks := result["checks"].(map[string]any)
	require.Len(t, checks, 2)
	assert.Equal(t, "healthy", checks["vector_store"].(map[string]any)["status"])
}

func TestPerformHealthChecksDegradedOnlyEscalatesHealthy(t *testing.T) {
	m := newTestMonitor()
	m.RegisterHealthCheck("slow", degradedCheck)
	m.RegisterHealthCheck("ok", healthyCheck)

	result := m.PerformHealthChecks(context.Background())
	assert.Equal(t, "degraded", result["status"])

	// an unhealthy check is not demoted back to degraded by a later degraded one
	m.RegisterHealthCheck("down", func(ctx context.Context) (CheckResult, error) {
		return CheckResult{}, errors.New("connection refused")
	})
	result = m.PerformHealthChecks(context.Background())
	assert.Equal(t, "unhealthy", result["status"])
}

func TestPerformHealthChecksErroringCheckIsUnhealthy(t *testing.T) {
	m := newTestMonitor()
	m.RegisterHealthCheck("db", func(ctx context.Context) (CheckResult, error) {
		return CheckResult{}, errors.New("connection refused")
	})

	result := m.PerformHealthChecks(context.Background())
	assert.Equal(t, "unhealthy", result["status"])

	entry := result["checks"].(map[string]any)["db"].(map[string]any)
	assert.Equal(t, "unhealthy", entry["status"])
	assert.Contains(t, entry["error"], "connection refused")
}

func TestPerformHealthChecksPanickingCheckIsUnhealthy(t *testing.T) {
	m := newTestMonitor()
	m.RegisterHealthCheck("bad", func(ctx context.Context) (CheckResult, error) {
		panic("nil map write")
	})
	m.RegisterHealthCheck("ok", healthyCheck)

	result := m.PerformHealthChecks(context.Background())
	assert.Equal(t, "unhealthy", result["status"])

	entry := result["checks"].(map[string]any)["bad"].(map[string]any)
	assert.Contains(t, entry["error"], "panicked")
}

func TestObserveExecutionEndFoldsMetrics(t *testing.T) {
	m := newTestMonitor()
	cfg := testConfig("health-check")

	m.ObserveExecutionEnd(cfg, finishedExecution("health-check", true, 2.0), true)
	m.ObserveExecutionEnd(cfg, finishedExecution("health-check", false, 4.0), false)

	jm := m.Metrics("health-check")
	require.NotNil(t, jm)
	assert.Equal(t, 2, jm.TotalExecutions)
	assert.Equal(t, 1, jm.FailedExecutions)
	assert.InDelta(t, 3.0, jm.AvgDurationSeconds, 1e-9)
	assert.Equal(t, 1, jm.ConsecutiveFailures)
	assert.Equal(t, jobs.HealthDegraded, jm.HealthStatus)
}

func TestFailureAlertDelivery(t *testing.T) {
	m := newTestMonitor()
	var alerts []Alert
	m.RegisterAlertHandler(func(a Alert) { alerts = append(alerts, a) })

	cfg := testConfig("refresh")
	m.ObserveExecutionEnd(cfg, finishedExecution("refresh", false, 1.0), false)

	require.Len(t, alerts, 1)
	assert.Equal(t, "job_failure", alerts[0].Type)
	assert.Equal(t, "refresh", alerts[0].JobID)
	assert.False(t, alerts[0].Timestamp.IsZero())
}

func TestConsecutiveFailuresAlert(t *testing.T) {
	m := newTestMonitor()
	var critical []Alert
	m.RegisterAlertHandler(func(a Alert) {
		if a.Type == "consecutive_failures" {
			critical = append(critical, a)
		}
	})

	cfg := testConfig("refresh")
	for i := 0; i < 3; i++ {
		m.ObserveExecutionEnd(cfg, finishedExecution("refresh", false, 1.0), false)
	}

	require.Len(t, critical, 1)
	assert.Equal(t, "critical", critical[0].Severity)
	assert.Equal(t, 3, critical[0].Details["consecutive_failures"])
}

func TestPerformanceDegradationAlert(t *testing.T) {
	m := newTestMonitor()
	var perf []Alert
	m.RegisterAlertHandler(func(a Alert) {
		if a.Type == "performance_degradation" {
			perf = append(perf, a)
		}
	})

	cfg := testConfig("cleanup")
	for i := 0; i < 3; i++ {
		m.ObserveExecutionEnd(cfg, finishedExecution("cleanup", true, 2.0), true)
	}
	assert.Empty(t, perf)

	// 10s against a 2s average trips the 3x threshold
	m.ObserveExecutionEnd(cfg, finishedExecution("cleanup", true, 10.0), true)
	require.Len(t, perf, 1)
	assert.Equal(t, 10.0, perf[0].Details["duration_seconds"])
}

func TestAlertHandlerPanicIsIsolated(t *testing.T) {
	m := newTestMonitor()
	var delivered int
	m.RegisterAlertHandler(func(Alert) { panic("broken sink") })
	m.RegisterAlertHandler(func(Alert) { delivered++ })

	cfg := testConfig("refresh")
	assert.NotPanics(t, func() {
		m.ObserveExecutionEnd(cfg, finishedExecution("refresh", false, 1.0), false)
	})
	assert.Equal(t, 1, delivered)
}

func TestMetricsHandlerReceivesSnapshot(t *testing.T) {
	m := newTestMonitor()
	var snapshots []map[string]*jobs.JobMetrics
	m.RegisterMetricsHandler(func(s map[string]*jobs.JobMetrics) { snapshots = append(snapshots, s) })

	cfg := testConfig("cleanup")
	m.ObserveExecutionEnd(cfg, finishedExecution("cleanup", true, 1.0), true)
	m.ExportMetrics()

	require.Len(t, snapshots, 1)
	require.Contains(t, snapshots[0], "cleanup")

	// snapshot is a copy; mutating it does not touch the live aggregate
	snapshots[0]["cleanup"].TotalExecutions = 99
	assert.Equal(t, 1, m.Metrics("cleanup").TotalExecutions)
}

func TestCheckJobHealthThresholds(t *testing.T) {
	m := newTestMonitor()
	at := time.Now().UTC()

	t.Run("no executions is unknown", func(t *testing.T) {
		status, issues := m.CheckJobHealth(jobs.NewJobMetrics("x"))
		assert.Equal(t, jobs.HealthUnknown, status)
		assert.Empty(t, issues)
	})

	t.Run("consecutive failures unhealthy", func(t *testing.T) {
		jm := jobs.NewJobMetrics("x")
		for i := 0; i < 3; i++ {
			jm.RecordExecution(false, 1.0, 0, 0, at)
		}
		status, issues := m.CheckJobHealth(jm)
		assert.Equal(t, jobs.HealthUnhealthy, status)
		require.NotEmpty(t, issues)
		assert.Contains(t, issues[0], "consecutive failures")
	})

	t.Run("error rate degraded", func(t *testing.T) {
		jm := jobs.NewJobMetrics("x")
		jm.RecordExecution(false, 1.0, 0, 0, at)
		for i := 0; i < 2; i++ {
			jm.RecordExecution(true, 1.0, 0, 0, at)
		}
		// 1 of 3 failed: 33% error rate, zero consecutive failures
		status, issues := m.CheckJobHealth(jm)
		assert.Equal(t, jobs.HealthDegraded, status)
		require.NotEmpty(t, issues)
		assert.Contains(t, issues[0], "error rate")
	})

	t.Run("staleness degraded", func(t *testing.T) {
		jm := jobs.NewJobMetrics("x")
		stale := at.Add(-72 * time.Hour)
		jm.RecordExecution(true, 1.0, 0, 0, stale)
		status, issues := m.CheckJobHealth(jm)
		assert.Equal(t, jobs.HealthDegraded, status)
		require.NotEmpty(t, issues)
		assert.Contains(t, issues[0], "no execution since")
	})
}

func TestSeedAndRemoveMetrics(t *testing.T) {
	m := newTestMonitor()

	jm := jobs.NewJobMetrics("seeded")
	jm.RecordExecution(true, 1.0, 10, 0, time.Now().UTC())
	m.SeedMetrics([]*jobs.JobMetrics{jm})

	got := m.Metrics("seeded")
	require.NotNil(t, got)
	assert.Equal(t, 1, got.TotalExecutions)

	m.RemoveMetrics("seeded")
	assert.Nil(t, m.Metrics("seeded"))
}

func TestEscalate(t *testing.T) {
	assert.Equal(t, jobs.HealthHealthy, Escalate(jobs.HealthHealthy, jobs.HealthHealthy))
	assert.Equal(t, jobs.HealthDegraded, Escalate(jobs.HealthHealthy, jobs.HealthDegraded))
	assert.Equal(t, jobs.HealthUnhealthy, Escalate(jobs.HealthDegraded, jobs.HealthUnhealthy))
	assert.Equal(t, jobs.HealthUnhealthy, Escalate(jobs.HealthUnhealthy, jobs.HealthDegraded))
	assert.Equal(t, jobs.HealthDegraded, Escalate(jobs.HealthDegraded, jobs.HealthHealthy))
}
