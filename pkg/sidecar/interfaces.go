package sidecar

import "context"

// Generator produces SQL candidates from an assembled prompt, and repairs
// a candidate that failed validation. Pipeline stages depend on this
// interface, not *Client, so tests can substitute a mock sidecar.
type Generator interface {
	GenerateSQL(ctx context.Context, question string, schemaContext, linkedBundle, joinPlan any) (*GenerateSQLResult, error)
	RepairSQL(ctx context.Context, sql string, errs []string, schemaContext any) (*GenerateSQLResult, error)
}

// Embedder produces dense embeddings for text, singly or in batch.
type Embedder interface {
	Embed(ctx context.Context, text, model string) (*EmbedResult, error)
	EmbedBatch(ctx context.Context, texts []string, model string) (*EmbedBatchResult, error)
}

// HealthChecker probes sidecar liveness and exposes invalidation.
type HealthChecker interface {
	Health(ctx context.Context) error
	InvalidateCache(ctx context.Context, databaseID string) error
}

var (
	_ Generator     = (*Client)(nil)
	_ Embedder      = (*Client)(nil)
	_ HealthChecker = (*Client)(nil)
)
