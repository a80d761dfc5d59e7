package satori

import (
	"log/slog"

	"github.com/ashita-ai/satori/internal/cases"
	"github.com/ashita-ai/satori/internal/provider/embedding"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/provider/rerank"
	"github.com/ashita-ai/satori/internal/search"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	logger            *slog.Logger
	version           string
	caseProvider      cases.Provider
	embeddingProvider embedding.Provider
	generationProvider generation.Provider
	rerankProvider    rerank.Provider
	searcher          search.Searcher
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCaseProvider replaces the reference SQLite-backed case store with a
// caller-supplied implementation of cases.Provider — the usual choice when
// embedding satori alongside an existing case-management system.
func WithCaseProvider(p cases.Provider) Option {
	return func(o *resolvedOptions) { o.caseProvider = p }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (OpenAI/Ollama/noop).
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithGenerationProvider replaces the auto-detected generation provider.
func WithGenerationProvider(p generation.Provider) Option {
	return func(o *resolvedOptions) { o.generationProvider = p }
}

// WithRerankProvider replaces the configured rerank provider.
func WithRerankProvider(p rerank.Provider) Option {
	return func(o *resolvedOptions) { o.rerankProvider = p }
}

// WithSearcher replaces the Qdrant-backed searcher with a caller-supplied
// implementation — useful for tests or an alternate ANN backend.
func WithSearcher(s search.Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}
