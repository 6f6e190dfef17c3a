package clients

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/jobs/handlers"
)

// IngestClient talks to the ingestion service's v1 HTTP API
type IngestClient struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ handlers.IngestService = (*IngestClient)(nil)

// NewIngestClient creates a client for the configured ingestion service
func NewIngestClient(cfg *config.ServicesConfig, log *zap.SugaredLogger) *IngestClient {
	return &IngestClient{
		baseURL: cfg.IngestURL,
		client:  httpClientFor(cfg),
		log:     log,
	}
}

// CleanupExpiredDocuments routes expired-document removal through the
// ingestion layer so all stores stay consistent
func (c *IngestClient) CleanupExpiredDocuments(ctx context.Context, workspace, correlationID string) (*handlers.IngestCleanupResult, error) {
	req := struct {
		Workspace     string `json:"workspace"`
		CorrelationID string `json:"correlation_id"`
	}{Workspace: workspace, CorrelationID: correlationID}

	var result handlers.IngestCleanupResult
	if err := doJSON(ctx, c.client, http.MethodPost, joinURL(c.baseURL, "v1", "cleanup"), req, &result); err != nil {
		return nil, err
	}
	c.log.Debugw("Ingest cleanup complete",
		"workspace", workspace,
		"correlation_id", correlationID,
		"deleted_documents", result.DeletedDocuments,
	)
	return &result, nil
}

// Ping verifies the ingestion service is reachable
func (c *IngestClient) Ping(ctx context.Context) error {
	return doJSON(ctx, c.client, http.MethodGet, joinURL(c.baseURL, "v1", "ping"), nil, nil)
}
