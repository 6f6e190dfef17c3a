// Package manager orchestrates the background job engine: it owns the job
// registry, the scheduler loop, the worker pool, and the monitor loop, and
// drives executions through their state machine.
package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
	"github.com/docfold/docfold/jobs/monitor"
	"github.com/docfold/docfold/jobs/schedule"
	"github.com/docfold/docfold/jobs/storage"
)

const (
	// workerPollTimeout bounds how long a worker blocks on an empty queue so
	// shutdown stays responsive
	workerPollTimeout = 250 * time.Millisecond

	// busyRequeueDelay is slept after re-enqueueing an item that is at its
	// per-job concurrency cap, bounding starvation of other queued items
	busyRequeueDelay = 100 * time.Millisecond

	// workerErrorBackoff is slept after an unexpected worker iteration error
	workerErrorBackoff = time.Second
)

// Manager runs jobs: a scheduler loop feeds due jobs into a bounded queue,
// a fixed worker pool drains it, and a monitor loop exports metrics and
// prunes history.
type Manager struct {
	cfg      config.JobsConfig
	store    *storage.Storage
	handlers *jobs.HandlerRegistry
	mon      *monitor.Monitor
	sched    *schedule.Scheduler
	queue    *jobs.Queue
	log      *zap.SugaredLogger

	mu        sync.Mutex
	registry  map[string]*jobs.JobConfig
	running   map[string]*jobs.RunningJob // keyed by execution id
	started   bool
	health    jobs.HealthStatus
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Zero-valued tuning knobs fall back to the engine
// defaults so a partially-specified configuration still runs.
func New(cfg config.JobsConfig, store *storage.Storage, handlers *jobs.HandlerRegistry, mon *monitor.Monitor, log *zap.SugaredLogger) *Manager {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.JobQueueSize < 1 {
		cfg.JobQueueSize = 100
	}
	if cfg.SchedulerIntervalSeconds < 1 {
		cfg.SchedulerIntervalSeconds = 5
	}
	if cfg.JobHistoryRetentionDays < 1 {
		cfg.JobHistoryRetentionDays = 30
	}
	if cfg.HealthCheckIntervalSeconds < 1 {
		cfg.HealthCheckIntervalSeconds = 300
	}
	if cfg.MetricsExportIntervalSeconds < 1 {
		cfg.MetricsExportIntervalSeconds = 60
	}
	if cfg.MaxFailedJobsRetention < 1 {
		cfg.MaxFailedJobsRetention = 100
	}

	return &Manager{
		cfg:      cfg,
		store:    store,
		handlers: handlers,
		mon:      mon,
		sched:    schedule.NewScheduler(log),
		queue:    jobs.NewQueue(cfg.JobQueueSize),
		log:      log,
		registry: make(map[string]*jobs.JobConfig),
		running:  make(map[string]*jobs.RunningJob),
		health:   jobs.HealthUnknown,
	}
}

// Start initializes storage, recovers interrupted executions, loads job
// configs (persisted, else configured defaults, else the built-in set), and
// launches the scheduler loop, the worker pool, and the monitor loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("job manager already started")
	}

	if err := m.store.Initialize(); err != nil {
		return errors.Wrap(err, "failed to initialize job storage")
	}

	interrupted, err := m.store.MarkInterruptedExecutions()
	if err != nil {
		return errors.Wrap(err, "failed to recover interrupted executions")
	}
	if interrupted > 0 {
		m.log.Warnw("Marked interrupted executions as failed", "count", interrupted)
	}

	if err := m.loadJobsLocked(); err != nil {
		return err
	}
	m.seedMetricsLocked()

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.schedulerLoop()
	for i := 0; i < m.cfg.MaxConcurrentJobs; i++ {
		m.wg.Add(1)
		go m.workerLoop(i)
	}
	m.wg.Add(1)
	go m.monitorLoop()

	m.started = true
	m.health = jobs.HealthHealthy
	m.startedAt = time.Now().UTC()

	m.log.Infow("Job manager started",
		"jobs", len(m.registry),
		"workers", m.cfg.MaxConcurrentJobs,
		"queue_size", m.cfg.JobQueueSize,
	)
	return nil
}

// Stop cancels in-flight executions, stops the loops, and flushes storage.
// Safe to call on a stopped manager.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.health = jobs.HealthStopped
	for _, rj := range m.running {
		rj.Cancel()
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	if err := m.store.Cleanup(); err != nil {
		m.log.Errorw("Storage cleanup failed during shutdown", "error", err)
	}

	m.log.Infow("Job manager stopped")
	return nil
}

// IsStarted reports whether the manager is running
func (m *Manager) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// loadJobsLocked fills the registry at startup. Caller holds m.mu.
func (m *Manager) loadJobsLocked() error {
	persisted, err := m.store.GetAllJobs()
	if err != nil {
		return errors.Wrap(err, "failed to load persisted jobs")
	}

	if len(persisted) > 0 {
		for _, cfg := range persisted {
			if err := m.registerLocked(cfg, false); err != nil {
				m.log.Errorw("Skipping persisted job", "job_id", cfg.JobID, "error", err)
			}
		}
		return nil
	}

	var defaults []*jobs.JobConfig
	for _, d := range m.cfg.DefaultJobs {
		cfg, err := fromDefaultJob(d)
		if err != nil {
			m.log.Errorw("Skipping configured default job", "job_id", d.JobID, "error", err)
			continue
		}
		defaults = append(defaults, cfg)
	}
	if len(defaults) == 0 {
		defaults = defaultJobConfigs()
	}

	for _, cfg := range defaults {
		if err := m.registerLocked(cfg, true); err != nil {
			m.log.Errorw("Skipping default job", "job_id", cfg.JobID, "error", err)
		}
	}
	return nil
}

// seedMetricsLocked loads persisted aggregates into the monitor. Caller
// holds m.mu.
func (m *Manager) seedMetricsLocked() {
	var seeded []*jobs.JobMetrics
	for jobID := range m.registry {
		jm, err := m.store.GetJobMetrics(jobID)
		if err != nil {
			m.log.Warnw("Failed to load job metrics", "job_id", jobID, "error", err)
			continue
		}
		if jm != nil {
			seeded = append(seeded, jm)
		}
	}
	m.mon.SeedMetrics(seeded)
}

// RegisterJob validates, persists, and schedules a job. Registering an
// existing job_id replaces its definition.
func (m *Manager) RegisterJob(cfg *jobs.JobConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(cfg, true)
}

func (m *Manager) registerLocked(cfg *jobs.JobConfig, persist bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !m.handlers.Has(cfg.JobType) {
		return errors.Wrapf(errors.ErrInvalidConfig, "no handler registered for job type %q", cfg.JobType)
	}

	if persist {
		if err := m.store.SaveJob(cfg); err != nil {
			return err
		}
	}
	if err := m.sched.Schedule(cfg); err != nil {
		return err
	}

	m.registry[cfg.JobID] = cfg
	m.mon.EnsureMetrics(cfg.JobID)
	return nil
}

// UnregisterJob cancels the job's in-flight executions and removes it from
// the scheduler, the registry, and storage
func (m *Manager) UnregisterJob(jobID string) error {
	m.mu.Lock()
	if _, ok := m.registry[jobID]; !ok {
		m.mu.Unlock()
		return errors.NewJobNotFound(jobID)
	}
	for _, rj := range m.running {
		if rj.JobID == jobID {
			rj.Cancel()
		}
	}
	m.sched.Unschedule(jobID)
	delete(m.registry, jobID)
	m.mon.RemoveMetrics(jobID)
	m.mu.Unlock()

	return m.store.DeleteJob(jobID)
}

// ExecuteJob triggers a job immediately, bypassing its schedule. The PENDING
// execution is returned without waiting for completion; a full queue blocks
// until space frees up.
func (m *Manager) ExecuteJob(jobID, correlationID string) (*jobs.JobExecution, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.ErrNotRunning, "job manager is not started")
	}
	cfg, ok := m.registry[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NewJobNotFound(jobID)
	}
	ctx := m.ctx
	m.mu.Unlock()

	exec := jobs.NewExecution(jobID, correlationID)
	if err := m.store.SaveExecution(exec); err != nil {
		// a storage hiccup must not block the caller-initiated trigger
		m.log.Errorw("Failed to persist manual execution", "execution_id", exec.ExecutionID, "error", err)
	}

	if err := m.queue.Enqueue(ctx, &jobs.QueuedExecution{Config: cfg, Execution: exec}); err != nil {
		return nil, err
	}

	m.log.Infow("Job triggered manually",
		"job_id", jobID,
		"execution_id", exec.ExecutionID,
		"correlation_id", exec.CorrelationID,
	)
	return exec, nil
}

// SetJobEnabled toggles a job without touching the rest of its definition
func (m *Manager) SetJobEnabled(jobID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.registry[jobID]
	if !ok {
		return errors.NewJobNotFound(jobID)
	}

	updated := *cfg
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveJob(&updated); err != nil {
		return err
	}
	if err := m.sched.Schedule(&updated); err != nil {
		return err
	}
	m.registry[jobID] = &updated
	return nil
}

// GetJob returns a copy of a registered job's config
func (m *Manager) GetJob(jobID string) (*jobs.JobConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.registry[jobID]
	if !ok {
		return nil, errors.NewJobNotFound(jobID)
	}
	cp := *cfg
	return &cp, nil
}

// ListJobs returns copies of every registered job config
func (m *Manager) ListJobs() []*jobs.JobConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := make([]*jobs.JobConfig, 0, len(m.registry))
	for _, cfg := range m.registry {
		cp := *cfg
		configs = append(configs, &cp)
	}
	return configs
}

// RunningJobs snapshots the currently executing jobs
func (m *Manager) RunningJobs() []jobs.RunningJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]jobs.RunningJob, 0, len(m.running))
	for _, rj := range m.running {
		snapshot = append(snapshot, *rj)
	}
	return snapshot
}

// QueueStats snapshots the queue counters
func (m *Manager) QueueStats() jobs.Stats {
	return m.queue.GetStats()
}

// NextExecutionTime exposes the scheduler's planned next run for a job
func (m *Manager) NextExecutionTime(jobID string) *time.Time {
	return m.sched.NextExecutionTime(jobID)
}

// Metrics returns a copy of a job's aggregate, nil if nothing was recorded
func (m *Manager) Metrics(jobID string) *jobs.JobMetrics {
	return m.mon.Metrics(jobID)
}

// Health returns the manager's overall health grade
func (m *Manager) Health() jobs.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// --- scheduler loop ---

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(m.cfg.SchedulerIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.dispatchDue(now)
		}
	}
}

func (m *Manager) dispatchDue(now time.Time) {
	for _, cfg := range m.sched.DueJobs(now) {
		exec := jobs.NewExecution(cfg.JobID, "")
		if err := m.store.SaveExecution(exec); err != nil {
			m.log.Errorw("Failed to persist scheduled execution",
				"job_id", cfg.JobID, "execution_id", exec.ExecutionID, "error", err)
		}

		if err := m.queue.TryEnqueue(&jobs.QueuedExecution{Config: cfg, Execution: exec}); err != nil {
			m.log.Warnw("Queue full, dispatch skipped", "job_id", cfg.JobID, "error", err)
			exec.Cancel("dispatch dropped: queue full")
			if err := m.store.SaveExecution(exec); err != nil {
				m.log.Errorw("Failed to persist dropped dispatch",
					"execution_id", exec.ExecutionID, "error", err)
			}
			continue
		}

		m.log.Debugw("Job dispatched",
			"job_id", cfg.JobID, "execution_id", exec.ExecutionID)
	}
}

// --- worker pool ---

func (m *Manager) workerLoop(id int) {
	defer m.wg.Done()
	log := m.log.With("worker", id)

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		item, ok := m.queue.Dequeue(m.ctx, workerPollTimeout)
		if !ok {
			continue
		}

		if err := m.runQueued(item, log); err != nil {
			// a bad job must never kill a worker
			log.Errorw("Worker iteration failed",
				"job_id", item.Execution.JobID,
				"execution_id", item.Execution.ExecutionID,
				"error", err)
			select {
			case <-m.ctx.Done():
			case <-time.After(workerErrorBackoff):
			}
		}
	}
}

func (m *Manager) runQueued(item *jobs.QueuedExecution, log *zap.SugaredLogger) error {
	exec := item.Execution

	m.mu.Lock()
	cfg, ok := m.registry[exec.JobID]
	if !ok || !cfg.Enabled {
		m.mu.Unlock()
		exec.Cancel("job disabled or unregistered")
		if err := m.store.SaveExecution(exec); err != nil {
			log.Errorw("Failed to persist dropped execution", "execution_id", exec.ExecutionID, "error", err)
		}
		log.Debugw("Dropped execution for disabled job", "job_id", exec.JobID)
		return nil
	}

	if m.runningCountLocked(exec.JobID) >= cfg.MaxConcurrentExecutions {
		m.mu.Unlock()
		// hold the item and keep trying; a capped execution is re-enqueued,
		// never failed. At shutdown it stays PENDING and is marked
		// interrupted on the next start.
		for m.queue.TryEnqueue(item) != nil {
			select {
			case <-m.ctx.Done():
				return nil
			case <-time.After(busyRequeueDelay):
			}
		}
		// brief pause so the requeued item does not monopolize this worker
		select {
		case <-m.ctx.Done():
		case <-time.After(busyRequeueDelay):
		}
		return nil
	}

	exec.Start()
	execCtx, cancelExec := context.WithTimeout(m.ctx, cfg.Timeout())
	m.running[exec.ExecutionID] = &jobs.RunningJob{
		JobID:         exec.JobID,
		ExecutionID:   exec.ExecutionID,
		CorrelationID: exec.CorrelationID,
		StartedAt:     *exec.StartedAt,
		Cancel:        cancelExec,
	}
	m.mu.Unlock()
	defer cancelExec()

	if err := m.store.SaveExecution(exec); err != nil {
		log.Errorw("Failed to persist running execution", "execution_id", exec.ExecutionID, "error", err)
	}
	m.mon.ObserveExecutionStart(cfg, exec)

	result, err := m.invokeHandler(execCtx, cfg, exec)

	m.mu.Lock()
	delete(m.running, exec.ExecutionID)
	m.mu.Unlock()

	switch {
	case err == nil:
		exec.Complete(result)
	case errors.Is(err, context.DeadlineExceeded):
		exec.Fail(errors.Newf("job timed out after %ds", cfg.TimeoutSeconds).Error(), result)
	case errors.Is(err, context.Canceled):
		exec.Cancel("execution cancelled")
	default:
		exec.Fail(err.Error(), result)
	}

	if persistErr := m.store.SaveExecution(exec); persistErr != nil {
		if exec.Status == jobs.StatusFailed {
			// logged distinctly so a storage error never masks the job failure
			log.Errorw("Critical: failed to persist failed execution",
				"execution_id", exec.ExecutionID,
				"job_error", exec.ErrorMessage,
				"error", persistErr)
		} else {
			log.Errorw("Failed to persist execution state",
				"execution_id", exec.ExecutionID, "error", persistErr)
		}
	}

	if exec.Status != jobs.StatusCancelled {
		m.mon.ObserveExecutionEnd(cfg, exec, exec.Status == jobs.StatusCompleted)
		if jm := m.mon.Metrics(exec.JobID); jm != nil {
			if err := m.store.SaveJobMetrics(jm); err != nil {
				log.Errorw("Failed to persist job metrics", "job_id", exec.JobID, "error", err)
			}
		}
	}

	if exec.Status == jobs.StatusFailed {
		m.maybeRetry(cfg, exec, log)
	}
	return nil
}

// runningCountLocked counts live executions of one job. Caller holds m.mu.
func (m *Manager) runningCountLocked(jobID string) int {
	count := 0
	for _, rj := range m.running {
		if rj.JobID == jobID {
			count++
		}
	}
	return count
}

// invokeHandler runs the job's handler under the execution context, turning
// panics into errors and enforcing the timeout even against a handler that
// ignores cancellation
func (m *Manager) invokeHandler(ctx context.Context, cfg *jobs.JobConfig, exec *jobs.JobExecution) (map[string]any, error) {
	handler := m.handlers.Get(cfg.JobType)
	if handler == nil {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "no handler for job type %q", cfg.JobType)
	}

	// The handler works on a private copy of the execution record. A handler
	// that outlives its deadline keeps writing the copy, never the record the
	// worker finalizes and persists.
	handlerExec := *exec
	var (
		result map[string]any
		err    error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("handler panicked: %v", r)
			}
		}()
		result, err = handler.Execute(ctx, cfg, &handlerExec)
	}()

	select {
	case <-done:
		exec.RecordsProcessed = handlerExec.RecordsProcessed
		exec.RecordsFailed = handlerExec.RecordsFailed
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// maybeRetry spawns the follow-up execution for a failed attempt, or flags
// the execution dead-lettered once retries are exhausted
func (m *Manager) maybeRetry(cfg *jobs.JobConfig, exec *jobs.JobExecution, log *zap.SugaredLogger) {
	if exec.RetryCount >= cfg.RetryConfig.MaxRetries {
		log.Warnw("Job retries exhausted",
			"job_id", exec.JobID,
			"execution_id", exec.ExecutionID,
			"retry_count", exec.RetryCount)
		if m.cfg.DeadLetterQueueEnabled {
			if exec.ErrorDetails == nil {
				exec.ErrorDetails = make(map[string]any)
			}
			exec.ErrorDetails["dead_letter"] = true
			if err := m.store.SaveExecution(exec); err != nil {
				log.Errorw("Failed to persist dead-letter flag", "execution_id", exec.ExecutionID, "error", err)
			}
		}
		return
	}

	retry := exec.NewRetry()
	delay := cfg.RetryConfig.DelayForAttempt(exec.RetryCount)
	if err := m.store.SaveExecution(retry); err != nil {
		log.Errorw("Failed to persist retry execution", "execution_id", retry.ExecutionID, "error", err)
	}

	log.Infow("Retry scheduled",
		"job_id", exec.JobID,
		"execution_id", retry.ExecutionID,
		"correlation_id", retry.CorrelationID,
		"retry_count", retry.RetryCount,
		"delay", delay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-m.ctx.Done():
			log.Warnw("Pending retry dropped at shutdown",
				"job_id", retry.JobID, "execution_id", retry.ExecutionID)
			return
		case <-timer.C:
		}

		retry.Status = jobs.StatusPending
		retry.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveExecution(retry); err != nil {
			log.Errorw("Failed to persist queued retry", "execution_id", retry.ExecutionID, "error", err)
		}

		if err := m.queue.TryEnqueue(&jobs.QueuedExecution{Config: cfg, Execution: retry}); err != nil {
			log.Warnw("Queue full, retry dropped", "job_id", retry.JobID, "error", err)
			retry.Cancel("retry dropped: queue full")
			if err := m.store.SaveExecution(retry); err != nil {
				log.Errorw("Failed to persist dropped retry", "execution_id", retry.ExecutionID, "error", err)
			}
		}
	}()
}

// --- monitor loop ---

func (m *Manager) monitorLoop() {
	defer m.wg.Done()

	metricsTicker := time.NewTicker(time.Duration(m.cfg.MetricsExportIntervalSeconds) * time.Second)
	defer metricsTicker.Stop()
	healthTicker := time.NewTicker(time.Duration(m.cfg.HealthCheckIntervalSeconds) * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-metricsTicker.C:
			m.mon.ExportMetrics()
			m.updateOverallHealth()
			m.purgeHistory()
		case <-healthTicker.C:
			result := m.mon.PerformHealthChecks(m.ctx)
			m.log.Infow("Health checks performed", "status", result["status"])
		}
	}
}

// updateOverallHealth folds per-job health into the manager grade: healthy
// when every job that has run is healthy, degraded when more than half are,
// unhealthy otherwise, unknown when nothing has run yet
func (m *Manager) updateOverallHealth() {
	snapshot := m.mon.CollectMetrics()

	ran, healthy := 0, 0
	for _, jm := range snapshot {
		if jm.TotalExecutions == 0 {
			continue
		}
		ran++
		if jm.HealthStatus == jobs.HealthHealthy {
			healthy++
		}
	}

	status := jobs.HealthUnknown
	switch {
	case ran == 0:
	case healthy == ran:
		status = jobs.HealthHealthy
	case float64(healthy)/float64(ran) > 0.5:
		status = jobs.HealthDegraded
	default:
		status = jobs.HealthUnhealthy
	}

	m.mu.Lock()
	if m.started {
		m.health = status
	}
	m.mu.Unlock()
}

// purgeHistory applies the retention policy to execution records
func (m *Manager) purgeHistory() {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.JobHistoryRetentionDays) * 24 * time.Hour)
	removed, err := m.store.CleanupOldExecutions(cutoff)
	if err != nil {
		m.log.Errorw("History purge failed", "error", err)
	} else if removed > 0 {
		m.log.Infow("Purged old executions", "count", removed, "cutoff", cutoff.Format(time.RFC3339))
	}

	if !m.cfg.DeadLetterQueueEnabled {
		return
	}
	for _, cfg := range m.ListJobs() {
		trimmed, err := m.store.TrimFailedExecutions(cfg.JobID, m.cfg.MaxFailedJobsRetention)
		if err != nil {
			m.log.Errorw("Dead-letter trim failed", "job_id", cfg.JobID, "error", err)
		} else if trimmed > 0 {
			m.log.Infow("Trimmed dead-lettered executions", "job_id", cfg.JobID, "count", trimmed)
		}
	}
}
