package satori

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/satori/internal/config"
	"github.com/ashita-ai/satori/internal/provider/embedding"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/provider/rerank"
)

// newEmbeddingProvider auto-detects an embedding backend when cfg.EmbeddingProvider
// is "auto": a reachable Ollama instance wins, then a configured OpenAI key,
// falling back to the noop provider (semantic search degrades to empty
// results rather than failing startup).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDim

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when SATORI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// newGenerationProvider mirrors newEmbeddingProvider's auto-detection for
// the generation port, reusing the same Ollama-reachability probe.
func newGenerationProvider(cfg config.Config, logger *slog.Logger) generation.Provider {
	if cfg.OpenAIAPIKey != "" {
		logger.Info("generation provider: openai", "model", cfg.GenerationModel)
		p, err := generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationModel, cfg.GenerationMaxRetries)
		if err != nil {
			logger.Error("openai generation provider init failed", "error", err)
			return generation.NewNoopProvider()
		}
		return p
	}
	if ollamaReachable(cfg.OllamaURL) {
		logger.Info("generation provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.GenerationModel)
		return generation.NewOllamaProvider(cfg.OllamaURL, cfg.GenerationModel, cfg.GenerationMaxRetries)
	}
	logger.Warn("no generation provider available, using noop (drafting and classification disabled)")
	return generation.NewNoopProvider()
}

// newRerankProvider builds the configured rerank backend. A provider other
// than cohere, or a missing Cohere key, falls back to the noop provider,
// which reports itself unhealthy so the pipeline carries similarity order
// instead. Reachability is not checked here.
func newRerankProvider(cfg config.Config, logger *slog.Logger) rerank.Provider {
	switch cfg.RerankProvider {
	case "cohere":
		if cfg.CohereAPIKey == "" {
			logger.Error("COHERE_API_KEY required when SATORI_RERANK_PROVIDER=cohere")
			return rerank.NewNoopProvider()
		}
		logger.Info("rerank provider: cohere", "model", cfg.RerankModel)
		p, err := rerank.NewCohereProvider(cfg.CohereAPIKey, cfg.RerankModel)
		if err != nil {
			logger.Error("cohere provider init failed", "error", err)
			return rerank.NewNoopProvider()
		}
		return p
	default:
		logger.Info("rerank provider: noop (reranking disabled)")
		return rerank.NewNoopProvider()
	}
}

func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
