// Package handlers implements the built-in job types: TTL cleanup, document
// refresh, and health check. Handlers talk to the platform through narrow
// capability interfaces so they can run against the real services or against
// test doubles.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/jobs"
)

// CleanupStats summarizes expired-document removal in the vector store
type CleanupStats struct {
	DeletedDocuments int `json:"deleted_documents"`
	DeletedChunks    int `json:"deleted_chunks"`
}

// VectorStore is the vector-database capability consumed by the cleanup and
// health-check jobs
type VectorStore interface {
	ListWorkspaces(ctx context.Context) ([]string, error)
	CleanupExpiredDocuments(ctx context.Context, workspace string) (*CleanupStats, error)
	GetWorkspaceInfo(ctx context.Context, workspace string) (map[string]any, error)
	HealthCheck(ctx context.Context) (map[string]any, error)
}

// IngestCleanupResult is what the ingestion service reports after cleaning
// one workspace, including the vector-store side it drives
type IngestCleanupResult struct {
	DeletedDocuments int `json:"deleted_documents"`
	DeletedChunks    int `json:"deleted_chunks"`
}

// IngestService is the ingestion-layer capability. Cleanup is routed through
// it so document and chunk removal stay consistent across stores.
type IngestService interface {
	CleanupExpiredDocuments(ctx context.Context, workspace, correlationID string) (*IngestCleanupResult, error)
	Ping(ctx context.Context) error
}

// RefreshQuery selects documents due for a TTL refresh
type RefreshQuery struct {
	ExpiringWithin    time.Duration // due when expiry falls inside this window
	MaxAge            time.Duration // or when the document is older than this
	MinQualityScore   float64       // candidates below are skipped
	SkipUpdatedWithin time.Duration // 0 disables the recently-updated filter
}

// RefreshCandidate is one document eligible for refresh. SourceURL is the
// metadata required to perform the refresh.
type RefreshCandidate struct {
	DocumentID   string
	Workspace    string
	SourceURL    string
	QualityScore float64
	ExpiresAt    time.Time
}

// Database is the relational capability consumed directly by job handlers
type Database interface {
	CleanupOrphanedRecords(ctx context.Context, olderThan time.Duration) (int, error)
	FindRefreshCandidates(ctx context.Context, workspace string, q RefreshQuery) ([]RefreshCandidate, error)
	ExtendDocumentTTL(ctx context.Context, workspace, docID string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Deps bundles the capabilities and configuration shared by the built-in
// handlers
type Deps struct {
	VectorStore VectorStore
	Ingest      IngestService
	DB          Database
	Jobs        *config.JobsConfig
	Log         *zap.SugaredLogger
}

// RegisterAll registers the three built-in handlers
func RegisterAll(registry *jobs.HandlerRegistry, deps Deps) {
	registry.Register(NewTTLCleanup(deps))
	registry.Register(NewDocumentRefresh(deps))
	registry.Register(NewHealthCheck(deps))
}

// resolveWorkspaces applies the allow-list (empty means every workspace the
// vector store knows) and then removes the exclude-list
func resolveWorkspaces(ctx context.Context, vs VectorStore, allow, exclude []string) ([]string, error) {
	candidates := allow
	if len(candidates) == 0 {
		all, err := vs.ListWorkspaces(ctx)
		if err != nil {
			return nil, err
		}
		candidates = all
	}

	excluded := make(map[string]bool, len(exclude))
	for _, ws := range exclude {
		excluded[ws] = true
	}

	var workspaces []string
	for _, ws := range candidates {
		if !excluded[ws] {
			workspaces = append(workspaces, ws)
		}
	}
	return workspaces, nil
}

// newLimiter builds the pacing limiter used between workspaces or batches.
// Returns nil when no delay is configured.
func newLimiter(delaySeconds float64) *rate.Limiter {
	if delaySeconds <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Duration(delaySeconds*float64(time.Second))), 1)
}

// pace waits for the limiter, honoring cancellation. A nil limiter is a no-op.
func pace(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// ensureCorrelationID threads a correlation id through the execution,
// generating one when the caller supplied none
func ensureCorrelationID(exec *jobs.JobExecution) string {
	if exec.CorrelationID == "" {
		exec.CorrelationID = jobs.NewCorrelationID()
	}
	return exec.CorrelationID
}

// failedResult is the uniform top-level failure shape handlers return
// alongside the error
func failedResult(err error, started time.Time, correlationID string) map[string]any {
	return map[string]any{
		"status":         "failed",
		"error":          err.Error(),
		"duration_ms":    time.Since(started).Milliseconds(),
		"correlation_id": correlationID,
	}
}
