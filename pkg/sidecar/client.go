// Package sidecar is an HTTP client for the external generation/embedding
// sidecar: a bespoke JSON surface that produces SQL candidates from an
// assembled prompt and serves text embeddings. The sidecar itself is out of
// scope; this package only speaks its wire contract.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ground/pkg/logging"
)

// Config configures a sidecar Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Breaker CircuitBreakerConfig
}

// Client is an HTTP client for the generation/embedding sidecar. Every POST
// is gated by a CircuitBreaker; Health is not gated. The breaker counts
// transport errors, unreadable response bodies and non-2xx statuses alike
// and opens after Threshold consecutive failures; it does not single out
// TCP/DNS failures. Any successful call, including a 200 from Health,
// closes it again.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewClient builds a sidecar Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sidecar base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.Threshold == 0 {
		breakerCfg = DefaultCircuitBreakerConfig()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		breaker: NewCircuitBreaker(breakerCfg),
		logger:  logger.Named("sidecar"),
	}, nil
}

// SQLCandidateResponse is one candidate SQL statement returned by the
// generation sidecar.
type SQLCandidateResponse struct {
	SQL       string  `json:"sql"`
	Index     int     `json:"index"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// GenerateSQLResult is the shared response shape for /generate_sql and
// /repair_sql.
type GenerateSQLResult struct {
	SQLCandidates []SQLCandidateResponse `json:"sql_candidates"`
	Trace         map[string]any         `json:"trace"`
}

type generateSQLRequest struct {
	Question      string `json:"question"`
	SchemaContext any    `json:"schema_context"`
	LinkedBundle  any    `json:"linked_bundle"`
	JoinPlan      any    `json:"join_plan"`
}

// GenerateSQL requests SQL candidates grounded on the assembled schema
// context, linked schema bundle, and join plan for a question.
func (c *Client) GenerateSQL(ctx context.Context, question string, schemaContext, linkedBundle, joinPlan any) (*GenerateSQLResult, error) {
	body := generateSQLRequest{
		Question:      question,
		SchemaContext: schemaContext,
		LinkedBundle:  linkedBundle,
		JoinPlan:      joinPlan,
	}
	var out GenerateSQLResult
	if err := c.post(ctx, "/generate_sql", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type repairSQLRequest struct {
	SQL           string   `json:"sql"`
	Errors        []string `json:"errors"`
	SchemaContext any      `json:"schema_context"`
}

// RepairSQL asks the sidecar to fix a candidate that failed validation,
// given the list of issues the validator raised against it.
func (c *Client) RepairSQL(ctx context.Context, sql string, errs []string, schemaContext any) (*GenerateSQLResult, error) {
	body := repairSQLRequest{SQL: sql, Errors: errs, SchemaContext: schemaContext}
	var out GenerateSQLResult
	if err := c.post(ctx, "/repair_sql", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// EmbedResult is the response shape of /embed.
type EmbedResult struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// Embed requests a single embedding vector for text.
func (c *Client) Embed(ctx context.Context, text, model string) (*EmbedResult, error) {
	var out EmbedResult
	if err := c.post(ctx, "/embed", embedRequest{Text: text, Model: model}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

// EmbedBatchResult is the response shape of /embed_batch.
type EmbedBatchResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Count      int         `json:"count"`
}

// EmbedBatch requests embeddings for multiple texts in one round trip.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, model string) (*EmbedBatchResult, error) {
	var out EmbedBatchResult
	if err := c.post(ctx, "/embed_batch", embedBatchRequest{Texts: texts, Model: model}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes GET /health. A 200 response closes the circuit breaker.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "build health request", false, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return c.classify(err, "/health")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		return c.classify(fmt.Errorf("HTTP %d from /health", resp.StatusCode), "/health")
	}

	c.breaker.RecordSuccess()
	return nil
}

// InvalidateCache fire-and-forgets a cache invalidation for a database. The
// sidecar's response body (if any) is ignored; transport failures, non-2xx
// statuses and an open circuit breaker are returned as errors.
func (c *Client) InvalidateCache(ctx context.Context, databaseID string) error {
	body := map[string]string{"database_id": databaseID}
	return c.post(ctx, "/invalidate_cache", body, nil)
}

// post performs the shared dance for every sidecar endpoint: circuit-breaker
// gate, JSON encode/decode, status classification, breaker bookkeeping.
func (c *Client) post(ctx context.Context, path string, reqBody any, out any) error {
	allowed, err := c.breaker.Allow()
	if !allowed {
		return apperrors.New(apperrors.KindUnavailable, "sidecar circuit open", true, err).
			WithContext("endpoint", path)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "encode sidecar request", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "build sidecar request", false, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("sidecar call failed",
			zap.String("endpoint", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("error", logging.SanitizeError(err)))
		return c.classify(err, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return apperrors.New(apperrors.KindUnavailable, "read sidecar response", true, err).
			WithContext("endpoint", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		recoverable := resp.StatusCode >= 500
		return apperrors.New(apperrors.KindUnavailable, string(respBody), recoverable,
			fmt.Errorf("HTTP %d", resp.StatusCode)).
			WithContext("endpoint", path).
			WithContext("status_code", resp.StatusCode)
	}

	c.breaker.RecordSuccess()
	c.logger.Debug("sidecar call succeeded",
		zap.String("endpoint", path),
		zap.Duration("elapsed", time.Since(start)))

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.New(apperrors.KindInternal, "decode sidecar response", false, err).
			WithContext("endpoint", path)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classify turns a transport-level error into an *apperrors.Error,
// preserving the sidecar ErrorType classification for diagnostics.
func (c *Client) classify(err error, endpoint string) error {
	classified := ClassifyError(err)
	kind := apperrors.KindUnavailable
	if classified.Type == ErrorTypeAuth || classified.Type == ErrorTypeModel {
		kind = apperrors.KindInvalidInput
	}
	return apperrors.New(kind, classified.Message, classified.Retryable, classified).
		WithContext("endpoint", endpoint)
}

// BreakerState exposes the circuit breaker's current state for health
// endpoints and diagnostics.
func (c *Client) BreakerState() CircuitState {
	return c.breaker.State()
}
