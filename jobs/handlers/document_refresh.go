package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs"
)

// DocumentRefresh extends the TTL of documents that are close to expiry or
// past the max-age threshold, skipping low-quality and recently-updated
// documents. Candidates are processed in fixed-size batches with a pacing
// delay between batches.
type DocumentRefresh struct {
	vectorStore VectorStore
	db          Database
	cfg         config.DocumentRefreshConfig
	limiter     *rate.Limiter
	log         *zap.SugaredLogger
}

// NewDocumentRefresh creates the document refresh handler
func NewDocumentRefresh(deps Deps) *DocumentRefresh {
	return &DocumentRefresh{
		vectorStore: deps.VectorStore,
		db:          deps.DB,
		cfg:         deps.Jobs.DocumentRefresh,
		limiter:     newLimiter(deps.Jobs.DocumentRefresh.RateLimitDelaySeconds),
		log:         deps.Log,
	}
}

// JobType implements jobs.Handler
func (h *DocumentRefresh) JobType() jobs.JobType { return jobs.JobTypeDocumentRefresh }

// Execute implements jobs.Handler
func (h *DocumentRefresh) Execute(ctx context.Context, cfg *jobs.JobConfig, exec *jobs.JobExecution) (map[string]any, error) {
	started := time.Now()
	correlationID := ensureCorrelationID(exec)
	log := h.log.With("job_id", cfg.JobID, "correlation_id", correlationID)

	workspaces, err := resolveWorkspaces(ctx, h.vectorStore, h.cfg.Workspaces, h.cfg.ExcludeWorkspaces)
	if err != nil {
		err = errors.Wrap(err, "failed to resolve workspaces")
		return failedResult(err, started, correlationID), err
	}

	query := RefreshQuery{
		ExpiringWithin:    time.Duration(h.cfg.RefreshBeforeExpiryHours) * time.Hour,
		MaxAge:            time.Duration(h.cfg.MaxAgeDays) * 24 * time.Hour,
		MinQualityScore:   h.cfg.MinQualityScore,
		SkipUpdatedWithin: time.Duration(h.cfg.SkipRecentlyUpdatedHours) * time.Hour,
	}
	extendTTL := time.Duration(h.cfg.ExtendTTLHours) * time.Hour
	batchSize := h.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}

	log.Infow("Starting document refresh", "workspaces", len(workspaces))

	var totalCandidates, refreshed, failedDocuments int
	var failedWorkspaces []string
	perWorkspace := make(map[string]any, len(workspaces))

	for _, ws := range workspaces {
		candidates, err := h.db.FindRefreshCandidates(ctx, ws, query)
		if err != nil {
			log.Warnw("Refresh candidate query failed", "workspace", ws, "error", err)
			failedWorkspaces = append(failedWorkspaces, ws)
			perWorkspace[ws] = map[string]any{"status": "failed", "error": err.Error()}
			continue
		}

		totalCandidates += len(candidates)
		wsRefreshed, wsFailed, err := h.refreshBatches(ctx, ws, candidates, batchSize, extendTTL, log)
		if err != nil {
			return failedResult(err, started, correlationID), err
		}
		refreshed += wsRefreshed
		failedDocuments += wsFailed
		perWorkspace[ws] = map[string]any{
			"status":     "completed",
			"candidates": len(candidates),
			"refreshed":  wsRefreshed,
			"failed":     wsFailed,
		}
	}

	exec.RecordsProcessed = refreshed
	exec.RecordsFailed = failedDocuments

	log.Infow("Document refresh finished",
		"candidates", totalCandidates,
		"refreshed", refreshed,
		"failed_documents", failedDocuments,
		"failed_workspaces", len(failedWorkspaces),
	)

	return map[string]any{
		"status":              "completed",
		"workspaces_processed": len(workspaces) - len(failedWorkspaces),
		"failed_workspaces":   failedWorkspaces,
		"total_candidates":    totalCandidates,
		"refreshed":           refreshed,
		"failed_documents":    failedDocuments,
		"per_workspace":       perWorkspace,
		"duration_ms":         time.Since(started).Milliseconds(),
		"correlation_id":      correlationID,
	}, nil
}

// refreshBatches walks candidates in fixed-size batches with a pacing delay
// between batches. A candidate without source metadata is counted failed and
// not retried within the batch. The only hard error is cancellation.
func (h *DocumentRefresh) refreshBatches(ctx context.Context, workspace string, candidates []RefreshCandidate, batchSize int, extendTTL time.Duration, log *zap.SugaredLogger) (refreshed, failed int, err error) {
	for start := 0; start < len(candidates); start += batchSize {
		if start > 0 {
			if err := pace(ctx, h.limiter); err != nil {
				return refreshed, failed, err
			}
		}

		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		for _, candidate := range candidates[start:end] {
			if candidate.SourceURL == "" {
				log.Debugw("Refresh candidate missing source metadata",
					"workspace", workspace, "document_id", candidate.DocumentID)
				failed++
				continue
			}
			if err := h.db.ExtendDocumentTTL(ctx, workspace, candidate.DocumentID, extendTTL); err != nil {
				if ctx.Err() != nil {
					return refreshed, failed, ctx.Err()
				}
				log.Warnw("Document refresh failed",
					"workspace", workspace, "document_id", candidate.DocumentID, "error", err)
				failed++
				continue
			}
			refreshed++
		}
	}
	return refreshed, failed, nil
}
