package clients

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/jobs/handlers"
)

// VectorStoreClient talks to the vector store's v1 HTTP API
type VectorStoreClient struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ handlers.VectorStore = (*VectorStoreClient)(nil)

// NewVectorStoreClient creates a client for the configured vector store
func NewVectorStoreClient(cfg *config.ServicesConfig, log *zap.SugaredLogger) *VectorStoreClient {
	return &VectorStoreClient{
		baseURL: cfg.VectorStoreURL,
		client:  httpClientFor(cfg),
		log:     log,
	}
}

// ListWorkspaces returns every workspace the vector store knows
func (c *VectorStoreClient) ListWorkspaces(ctx context.Context) ([]string, error) {
	var resp struct {
		Workspaces []string `json:"workspaces"`
	}
	if err := doJSON(ctx, c.client, http.MethodGet, joinURL(c.baseURL, "v1", "workspaces"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workspaces, nil
}

// CleanupExpiredDocuments asks the vector store to purge expired documents
// from one workspace
func (c *VectorStoreClient) CleanupExpiredDocuments(ctx context.Context, workspace string) (*handlers.CleanupStats, error) {
	var stats handlers.CleanupStats
	u := joinURL(c.baseURL, "v1", "workspaces", workspace, "cleanup")
	if err := doJSON(ctx, c.client, http.MethodPost, u, nil, &stats); err != nil {
		return nil, err
	}
	c.log.Debugw("Vector store cleanup complete",
		"workspace", workspace,
		"deleted_documents", stats.DeletedDocuments,
		"deleted_chunks", stats.DeletedChunks,
	)
	return &stats, nil
}

// GetWorkspaceInfo fetches basic stats for one workspace
func (c *VectorStoreClient) GetWorkspaceInfo(ctx context.Context, workspace string) (map[string]any, error) {
	var info map[string]any
	u := joinURL(c.baseURL, "v1", "workspaces", workspace)
	if err := doJSON(ctx, c.client, http.MethodGet, u, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// HealthCheck fetches the vector store's health report
func (c *VectorStoreClient) HealthCheck(ctx context.Context) (map[string]any, error) {
	var report map[string]any
	if err := doJSON(ctx, c.client, http.MethodGet, joinURL(c.baseURL, "v1", "health"), nil, &report); err != nil {
		return nil, err
	}
	return report, nil
}
