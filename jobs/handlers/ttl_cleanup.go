package handlers

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
)

// TTLCleanup removes expired documents workspace by workspace through the
// ingestion service, then clears orphaned relational records. Per-workspace
// failures are recorded and skipped; only workspace resolution or the final
// orphan cleanup fail the whole job.
type TTLCleanup struct {
	vectorStore VectorStore
	ingest      IngestService
	db          Database
	cfg         config.TTLCleanupConfig
	limiter     *rate.Limiter
	log         *zap.SugaredLogger
}

// NewTTLCleanup creates the TTL cleanup handler
func NewTTLCleanup(deps Deps) *TTLCleanup {
	return &TTLCleanup{
		vectorStore: deps.VectorStore,
		ingest:      deps.Ingest,
		db:          deps.DB,
		cfg:         deps.Jobs.TTLCleanup,
		limiter:     newLimiter(deps.Jobs.TTLCleanup.RateLimitDelaySeconds),
		log:         deps.Log,
	}
}

// JobType implements jobs.Handler
func (h *TTLCleanup) JobType() jobs.JobType { return jobs.JobTypeTTLCleanup }

// Execute implements jobs.Handler
func (h *TTLCleanup) Execute(ctx context.Context, cfg *jobs.JobConfig, exec *jobs.JobExecution) (map[string]any, error) {
	started := time.Now()
	correlationID := ensureCorrelationID(exec)
	log := h.log.With("job_id", cfg.JobID, "correlation_id", correlationID)

	workspaces, err := resolveWorkspaces(ctx, h.vectorStore, h.cfg.Workspaces, h.cfg.ExcludeWorkspaces)
	if err != nil {
		err = errors.Wrap(err, "failed to resolve workspaces")
		return failedResult(err, started, correlationID), err
	}

	log.Infow("Starting TTL cleanup", "workspaces", len(workspaces))

	var totalDocuments, totalChunks int
	var failed []string
	perWorkspace := make(map[string]any, len(workspaces))

	for i, ws := range workspaces {
		if i > 0 {
			if err := pace(ctx, h.limiter); err != nil {
				return failedResult(err, started, correlationID), err
			}
		}

		result, err := h.ingest.CleanupExpiredDocuments(ctx, ws, correlationID)
		if err != nil {
			log.Warnw("Workspace cleanup failed", "workspace", ws, "error", err)
			failed = append(failed, ws)
			perWorkspace[ws] = map[string]any{"status": "failed", "error": err.Error()}
			continue
		}

		totalDocuments += result.DeletedDocuments
		totalChunks += result.DeletedChunks
		perWorkspace[ws] = map[string]any{
			"status":            "completed",
			"deleted_documents": result.DeletedDocuments,
			"deleted_chunks":    result.DeletedChunks,
		}
		log.Debugw("Workspace cleaned",
			"workspace", ws,
			"deleted_documents", result.DeletedDocuments,
			"deleted_chunks", result.DeletedChunks,
		)
	}

	orphans, err := h.db.CleanupOrphanedRecords(ctx, h.maxAge(cfg))
	if err != nil {
		err = errors.Wrap(err, "failed to clean up orphaned records")
		return failedResult(err, started, correlationID), err
	}

	successRate := 100.0
	if len(workspaces) > 0 {
		successRate = float64(len(workspaces)-len(failed)) / float64(len(workspaces)) * 100
	}

	// records here are workspaces; document counts live in the result
	exec.RecordsProcessed = len(workspaces) - len(failed)
	exec.RecordsFailed = len(failed)

	log.Infow("TTL cleanup finished",
		"deleted_documents", totalDocuments,
		"deleted_chunks", totalChunks,
		"orphaned_records", orphans,
		"failed_workspaces", len(failed),
	)

	return map[string]any{
		"status":                   "completed",
		"workspaces_processed":     len(workspaces) - len(failed),
		"failed_workspaces":        failed,
		"total_deleted_documents":  totalDocuments,
		"total_deleted_chunks":     totalChunks,
		"orphaned_records_removed": orphans,
		"success_rate":             successRate,
		"per_workspace":            perWorkspace,
		"duration_ms":              time.Since(started).Milliseconds(),
		"correlation_id":           correlationID,
	}, nil
}

// maxAge resolves the orphaned-record cutoff, letting a per-job
// max_age_days parameter override the configured default
func (h *TTLCleanup) maxAge(cfg *jobs.JobConfig) time.Duration {
	days := h.cfg.MaxAgeDays
	if raw, ok := cfg.Parameters["max_age_days"]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			days = v
		}
	}
	return time.Duration(days) * 24 * time.Hour
}
