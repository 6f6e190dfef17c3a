package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/jobs"
	"github.com/docfold/docfold/jobs/monitor"
)

// HealthCheck probes the platform's dependencies: the vector store, the
// relational database, the ingestion service, and a sample of workspaces.
// Sub-checks run concurrently; their statuses fold into one overall status.
type HealthCheck struct {
	vectorStore VectorStore
	ingest      IngestService
	db          Database
	cfg         config.HealthCheckConfig
	log         *zap.SugaredLogger
}

// NewHealthCheck creates the health check handler
func NewHealthCheck(deps Deps) *HealthCheck {
	return &HealthCheck{
		vectorStore: deps.VectorStore,
		ingest:      deps.Ingest,
		db:          deps.DB,
		cfg:         deps.Jobs.HealthCheck,
		log:         deps.Log,
	}
}

// JobType implements jobs.Handler
func (h *HealthCheck) JobType() jobs.JobType { return jobs.JobTypeHealthCheck }

// Execute implements jobs.Handler. The job itself succeeds even when the
// probed systems are unhealthy; the findings are the result.
func (h *HealthCheck) Execute(ctx context.Context, cfg *jobs.JobConfig, exec *jobs.JobExecution) (map[string]any, error) {
	started := time.Now()
	correlationID := ensureCorrelationID(exec)
	log := h.log.With("job_id", cfg.JobID, "correlation_id", correlationID)

	var vectorStore, database, ingest, workspaces map[string]any

	var g errgroup.Group
	g.Go(func() error {
		vectorStore = h.checkVectorStore(ctx)
		return nil
	})
	g.Go(func() error {
		database = h.checkPing(ctx, h.db.Ping)
		return nil
	})
	g.Go(func() error {
		ingest = h.checkPing(ctx, h.ingest.Ping)
		return nil
	})
	g.Go(func() error {
		workspaces = h.checkWorkspaces(ctx)
		return nil
	})
	_ = g.Wait()

	checks := map[string]any{
		"vector_store":      vectorStore,
		"database":          database,
		"ingestion_service": ingest,
		"workspaces":        workspaces,
	}

	overall := jobs.HealthHealthy
	for _, check := range []map[string]any{vectorStore, database, ingest, workspaces} {
		overall = monitor.Escalate(overall, jobs.HealthStatus(check["status"].(string)))
	}

	log.Infow("Health check finished", "status", string(overall))

	return map[string]any{
		"status":         string(overall),
		"checks":         checks,
		"duration_ms":    time.Since(started).Milliseconds(),
		"correlation_id": correlationID,
	}, nil
}

func (h *HealthCheck) checkVectorStore(ctx context.Context) map[string]any {
	info, err := h.vectorStore.HealthCheck(ctx)
	if err != nil {
		return map[string]any{"status": string(jobs.HealthUnhealthy), "error": err.Error()}
	}
	if len(info) == 0 {
		return map[string]any{"status": string(jobs.HealthUnhealthy), "error": "empty health response"}
	}
	result := map[string]any{"status": string(jobs.HealthHealthy)}
	for k, v := range info {
		result[k] = v
	}
	return result
}

func (h *HealthCheck) checkPing(ctx context.Context, ping func(context.Context) error) map[string]any {
	if err := ping(ctx); err != nil {
		return map[string]any{"status": string(jobs.HealthUnhealthy), "error": err.Error()}
	}
	return map[string]any{"status": string(jobs.HealthHealthy)}
}

// checkWorkspaces probes reachability of a bounded sample of workspaces.
// Every probe failing is unhealthy, a partial failure is degraded.
func (h *HealthCheck) checkWorkspaces(ctx context.Context) map[string]any {
	all, err := h.vectorStore.ListWorkspaces(ctx)
	if err != nil {
		return map[string]any{"status": string(jobs.HealthUnhealthy), "error": err.Error()}
	}
	if len(all) == 0 {
		return map[string]any{"status": string(jobs.HealthHealthy), "sampled": 0}
	}

	sampleSize := h.cfg.SampleWorkspaces
	if sampleSize <= 0 {
		sampleSize = 5
	}
	if sampleSize > len(all) {
		sampleSize = len(all)
	}
	sample := all[:sampleSize]

	var unreachable []string
	for _, ws := range sample {
		if _, err := h.vectorStore.GetWorkspaceInfo(ctx, ws); err != nil {
			unreachable = append(unreachable, ws)
		}
	}

	status := jobs.HealthHealthy
	switch {
	case len(unreachable) == len(sample):
		status = jobs.HealthUnhealthy
	case len(unreachable) > 0:
		status = jobs.HealthDegraded
	}

	result := map[string]any{
		"status":  string(status),
		"sampled": len(sample),
		"total":   len(all),
	}
	if len(unreachable) > 0 {
		result["unreachable"] = unreachable
		result["error"] = fmt.Sprintf("%d of %d sampled workspaces unreachable", len(unreachable), len(sample))
	}
	return result
}
