// Package rerank provides the Rerank Port: reordering a candidate set
// against a query using a cross-encoder model. Scores are provider-specific
// and only meaningful for ordering within a single call, not across calls.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result pairs a candidate's original index with its rerank score.
type Result struct {
	Index int
	Score float64
}

// Provider reorders candidates against a query. candidates[i] corresponds to
// Result.Index == i in the returned slice. Implementations return results
// sorted descending by score, truncated to topK.
type Provider interface {
	Rerank(ctx context.Context, query string, candidates []string, topK int) ([]Result, error)

	// Healthy returns nil if the rerank service is reachable.
	Healthy(ctx context.Context) error
}

const perCallTimeout = 10 * time.Second
const maxResponseBody = 10 * 1024 * 1024

// CohereProvider reranks candidates using Cohere's rerank API.
type CohereProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewCohereProvider creates a rerank provider backed by Cohere.
func NewCohereProvider(apiKey, model string) (*CohereProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("rerank: cohere API key is required")
	}
	if model == "" {
		model = "rerank-english-v3.0"
	}
	return &CohereProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: perCallTimeout + 5*time.Second},
	}, nil
}

type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message"`
}

// Rerank implements Provider.
func (p *CohereProvider) Rerank(ctx context.Context, query string, candidates []string, topK int) ([]Result, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	reqBody, err := json.Marshal(cohereRerankRequest{
		Model:     p.model,
		Query:     query,
		Documents: candidates,
		TopN:      topK,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, "https://api.cohere.com/v2/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("rerank: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp cohereRerankResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("rerank: cohere error (HTTP %d): %s", resp.StatusCode, errResp.Message)
		}
		return nil, fmt.Errorf("rerank: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result cohereRerankResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("rerank: unmarshal response: %w", err)
	}

	out := make([]Result, len(result.Results))
	for i, r := range result.Results {
		out[i] = Result{Index: r.Index, Score: r.RelevanceScore}
	}
	return out, nil
}

// Healthy makes a minimal rerank call to confirm the API key and endpoint
// are reachable. Results are not cached; callers should rate-limit health
// checks themselves if called frequently.
func (p *CohereProvider) Healthy(ctx context.Context) error {
	_, err := p.Rerank(ctx, "health check", []string{"ping"}, 1)
	if err != nil {
		return fmt.Errorf("rerank: cohere unhealthy: %w", err)
	}
	return nil
}

// NoopProvider reports itself unhealthy so callers fall back to similarity
// order rather than returning fabricated scores.
type NoopProvider struct{}

// NewNoopProvider creates a provider that is always unhealthy.
func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

// Rerank returns an error; callers should check Healthy first and skip
// calling Rerank on a NoopProvider.
func (NoopProvider) Rerank(_ context.Context, _ string, _ []string, _ int) ([]Result, error) {
	return nil, fmt.Errorf("rerank: no provider configured (noop)")
}

// Healthy always reports unavailable.
func (NoopProvider) Healthy(_ context.Context) error {
	return fmt.Errorf("rerank: no provider configured (noop)")
}
