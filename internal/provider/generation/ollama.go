package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ollamaPerCallTimeout is higher than perCallTimeout to cover local-model
// cold start on an unloaded Ollama instance.
const ollamaPerCallTimeout = 90 * time.Second

// OllamaProvider performs structured generation against a local Ollama chat
// model using the "format" JSON-schema constrained decoding parameter
// supported by Ollama's newer server versions.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
}

// NewOllamaProvider creates a structured-generation provider backed by
// Ollama. Model should be a text generation model (e.g. "qwen2.5:7b"), not
// an embedding model.
func NewOllamaProvider(baseURL, model string, maxRetries int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: ollamaPerCallTimeout + 5*time.Second},
		maxRetries: maxRetries,
	}
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	Format    map[string]any      `json:"format,omitempty"`
	Options   ollamaOptions       `json:"options"`
	KeepAlive string              `json:"keep_alive,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// GenerateStructured implements Provider.
func (p *OllamaProvider) GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, v any, temperature float64) (TokenUsage, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		usage, err := p.callOnce(ctx, messages, schema, v, temperature)
		if err == nil {
			return usage, nil
		}
		lastErr = err
	}
	return TokenUsage{}, fmt.Errorf("generation: exhausted %d retries: %w", p.maxRetries, lastErr)
}

func (p *OllamaProvider) callOnce(ctx context.Context, messages []Message, schema map[string]any, v any, temperature float64) (TokenUsage, error) {
	callCtx, cancel := context.WithTimeout(ctx, ollamaPerCallTimeout)
	defer cancel()

	chatMessages := make([]ollamaChatMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = ollamaChatMessage{Role: m.Role, Content: m.Content}
	}

	reqBody, err := json.Marshal(ollamaChatRequest{
		Model:     p.model,
		Messages:  chatMessages,
		Stream:    false,
		Format:    schema,
		Options:   ollamaOptions{Temperature: temperature},
		KeepAlive: "72h",
	})
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return TokenUsage{}, fmt.Errorf("generation: ollama status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TokenUsage{}, fmt.Errorf("generation: decode response: %w", err)
	}

	content := stripCodeFence(result.Message.Content)
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return TokenUsage{}, fmt.Errorf("generation: response did not match schema: %w", err)
	}

	return TokenUsage{PromptTokens: result.PromptEvalCount, CompletionTokens: result.EvalCount}, nil
}

// stripCodeFence removes a leading/trailing ``` or ```json fence that
// smaller models sometimes wrap structured output in despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
