// Package generation provides the Generation Port: structured LLM calls
// that return a value matching a caller-supplied JSON schema, retrying
// internally on schema violations before giving up. Every pipeline node that
// needs model output (query planning, answer writing, gap classification,
// drafting) goes through this single narrow interface.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoProvider is returned by NoopProvider to signal that no generation
// provider is configured.
var ErrNoProvider = errors.New("generation: no provider configured (noop)")

// TokenUsage reports prompt/completion token counts for an execution record.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Message is a single chat turn.
type Message struct {
	Role    string // "system" or "user"
	Content string
}

// Provider performs structured generation calls. Implementations validate
// the model's JSON output against schema and retry internally (up to
// maxRetries) before returning an error.
type Provider interface {
	// GenerateStructured sends messages to the model and unmarshals the
	// response into v, which must be a pointer to a struct tagged with
	// `json`. schema is the JSON Schema object describing the expected
	// shape, sent to providers that support schema-constrained decoding.
	GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, v any, temperature float64) (TokenUsage, error)
}

// perCallTimeout bounds a single generation call to an external API.
const perCallTimeout = 30 * time.Second

// maxResponseBody caps how much of a generation response we'll read.
const maxResponseBody = 10 * 1024 * 1024

// OpenAIProvider performs structured generation via the OpenAI chat
// completions API using response_format: json_schema.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

// NewOpenAIProvider creates a structured-generation provider backed by
// OpenAI. maxRetries bounds how many times a schema-violating response is
// retried before GenerateStructured fails.
func NewOpenAIProvider(apiKey, model string, maxRetries int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("generation: OpenAI API key is required")
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: perCallTimeout + 5*time.Second},
		maxRetries: maxRetries,
	}, nil
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat openAIResponseFmt   `json:"response_format"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFmt struct {
	Type       string             `json:"type"`
	JSONSchema openAIJSONSchemaW `json:"json_schema"`
}

type openAIJSONSchemaW struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateStructured implements Provider.
func (p *OpenAIProvider) GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, v any, temperature float64) (TokenUsage, error) {
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

func (p *OpenAIProvider) callOnce(ctx context.Context, messages []Message, schema map[string]any, v any, temperature float64) (TokenUsage, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	chatMessages := make([]openAIChatMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = openAIChatMessage{Role: m.Role, Content: m.Content}
	}

	reqBody, err := json.Marshal(openAIChatRequest{
		Model:       p.model,
		Messages:    chatMessages,
		Temperature: temperature,
		ResponseFormat: openAIResponseFmt{
			Type: "json_schema",
			JSONSchema: openAIJSONSchemaW{
				Name:   "structured_output",
				Strict: true,
				Schema: schema,
			},
		},
	})
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return TokenUsage{}, fmt.Errorf("generation: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIChatResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return TokenUsage{}, fmt.Errorf("generation: openai error (HTTP %d): %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return TokenUsage{}, fmt.Errorf("generation: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result openAIChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return TokenUsage{}, fmt.Errorf("generation: unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return TokenUsage{}, fmt.Errorf("generation: no choices in response")
	}

	if err := json.Unmarshal([]byte(result.Choices[0].Message.Content), v); err != nil {
		return TokenUsage{}, fmt.Errorf("generation: response did not match schema: %w", err)
	}

	return TokenUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}, nil
}

// NoopProvider always fails. Used when no generation provider is configured;
// nodes that depend on it should surface a clear configuration error rather
// than silently degrading, since there is no safe default answer/verdict/draft.
type NoopProvider struct{}

// NewNoopProvider creates a provider that refuses to generate.
func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

// GenerateStructured returns ErrNoProvider.
func (NoopProvider) GenerateStructured(_ context.Context, _ []Message, _ map[string]any, _ any, _ float64) (TokenUsage, error) {
	return TokenUsage{}, ErrNoProvider
}
