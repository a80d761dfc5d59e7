// Package satori is the public API for embedding the retrieval,
// gap-detection, and self-learning core into a support-tooling backend.
//
// Consumers construct an App and call its operations directly — there is
// no bundled HTTP transport; callers wire Suggest/CloseCase/Learn/Review
// into whatever request layer their own service already has.
//
//	app, err := satori.New(
//	    satori.WithVersion(version),
//	    satori.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Shutdown(context.Background())
//
// The import graph enforces a strict no-cycle rule: satori (root) imports
// internal/*, but internal/* never imports satori (root).
package satori

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/satori/internal/cases"
	"github.com/ashita-ai/satori/internal/config"
	"github.com/ashita-ai/satori/internal/enrich"
	"github.com/ashita-ai/satori/internal/learning"
	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/pipeline"
	"github.com/ashita-ai/satori/internal/provider/embedding"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/provider/rerank"
	"github.com/ashita-ai/satori/internal/retrievallog"
	"github.com/ashita-ai/satori/internal/review"
	"github.com/ashita-ai/satori/internal/search"
	"github.com/ashita-ai/satori/internal/storage"
	"github.com/ashita-ai/satori/internal/storage/caselite"
	"github.com/ashita-ai/satori/internal/telemetry"
	"github.com/ashita-ai/satori/migrations"
)

// App is the satori service lifecycle. Construct with New(); it owns the
// database pool, outbox worker, and retrieval log buffer and must be
// closed with Shutdown. App has no public fields — use New() options to
// configure it.
type App struct {
	cfg config.Config

	db         *storage.DB
	caseStore  *caselite.Store // nil when an external cases.Provider override is supplied
	logBuffer  *retrievallog.Buffer
	outbox     *search.OutboxWorker
	searcher   search.Searcher // nil when Qdrant is not configured

	pipelineDeps *pipeline.Deps
	learningDeps *learning.Deps
	reviewDeps   *review.Deps

	scoreWeights search.Weights

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the database, runs migrations, wires every subsystem, and
// returns a ready-to-use App. It does not start any background goroutines —
// call Run for those, or use the App's operations directly in a
// caller-managed request loop.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env if present; non-fatal, production deployments won't have one.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	embedder := o.embeddingProvider
	if embedder == nil {
		embedder = newEmbeddingProvider(cfg, logger)
	}
	generator := o.generationProvider
	if generator == nil {
		generator = newGenerationProvider(cfg, logger)
	}
	reranker := o.rerankProvider
	if reranker == nil {
		reranker = newRerankProvider(cfg, logger)
	}

	searcher, outboxWorker, finder := buildSearchLayer(cfg, db, embedder, o.searcher, logger)

	enricher := enrich.New(db, db, db)

	var caseProvider cases.Provider
	var caseStore *caselite.Store
	if o.caseProvider != nil {
		caseProvider = o.caseProvider
	} else {
		caseStore, err = caselite.New(cfg.CaseStorePath, logger)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("case store: %w", err)
		}
		caseProvider = caseStore
	}

	logBuffer := retrievallog.NewBuffer(db, logger, cfg.RetrievalBufferSize, cfg.RetrievalFlushTimeout)

	pipelineDeps := &pipeline.Deps{
		Embedder:               embedder,
		Finder:                 finder,
		Reranker:               reranker,
		Enricher:               enricher,
		Generator:              generator,
		UsageBumper:            db,
		Executions:             db,
		Logs:                   logBuffer,
		MaxCandidates:          cfg.MaxCandidates,
		GapSimilarityThreshold: cfg.GapSimilarityThreshold,
		Logger:                 logger,
	}

	learningDeps := &learning.Deps{
		Cases:            caseProvider,
		Logs:             db,
		Outcomes:         db,
		Confidence:       db,
		Events:           db,
		Scripts:          db,
		Articles:         db,
		Generator:        generator,
		Pipeline:         pipelineDeps,
		RetryMaxAttempts: cfg.ConfidenceRetryMaxAttempts,
		RetryBaseDelay:   cfg.ConfidenceRetryBaseDelay,
		Logger:           logger,
	}

	reviewDeps := &review.Deps{
		Events:   db,
		Articles: db,
		Corpus:   db,
		Embedder: embedder,
	}

	app := &App{
		cfg:          cfg,
		db:           db,
		caseStore:    caseStore,
		logBuffer:    logBuffer,
		outbox:       outboxWorker,
		searcher:     searcher,
		pipelineDeps: pipelineDeps,
		learningDeps: learningDeps,
		reviewDeps:   reviewDeps,
		scoreWeights: search.Weights(cfg.ScoreWeights),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	// Best-effort one-shot backfill of any corpus entries inserted with a
	// null embedding (e.g. seeded directly via SQL) — never fails New.
	app.backfillCorpusEmbeddings(context.Background())

	return app, nil
}

// buildSearchLayer wires the ANN index (when Qdrant is configured) or falls
// back to the Postgres pgvector HitFinder.
func buildSearchLayer(cfg config.Config, db *storage.DB, embedder embedding.Provider, override search.Searcher, logger *slog.Logger) (search.Searcher, *search.OutboxWorker, pipeline.HitFinder) {
	if override != nil {
		return override, nil, pipeline.NewQdrantHitFinder(override, db)
	}
	if cfg.QdrantURL == "" {
		logger.Info("search backend: postgres pgvector (no QDRANT_URL configured)")
		return nil, nil, pipeline.NewPgHitFinder(db)
	}

	index, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(embedder.Dimensions()),
	}, logger)
	if err != nil {
		logger.Error("qdrant init failed, falling back to postgres pgvector", "error", err)
		return nil, nil, pipeline.NewPgHitFinder(db)
	}
	logger.Info("search backend: qdrant", "url", cfg.QdrantURL, "collection", cfg.QdrantCollection)
	outboxWorker := search.NewOutboxWorker(db.Pool(), index, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	return index, outboxWorker, pipeline.NewQdrantHitFinder(index, db)
}

// Suggest runs the QA graph for a single conversation turn.
func (a *App) Suggest(ctx context.Context, req SuggestRequest) (SuggestResult, error) {
	topK := req.TopK
	if topK == 0 {
		topK = a.cfg.DefaultTopK
	}
	st, err := pipeline.RunQA(ctx, a.pipelineDeps, pipeline.RunQAParams{
		ConversationID: req.ConversationID,
		Query:          req.Query,
		Category:       req.Category,
		SourceKinds:    req.SourceKinds,
		TopK:           topK,
	})
	if err != nil {
		return SuggestResult{}, fmt.Errorf("satori: suggest: %w", err)
	}

	return SuggestResult{
		Status:         st.Status,
		Answer:         st.Answer,
		Citations:      st.Citations,
		SelfConfidence: st.SelfConfidence,
		Evidence:       search.RankHits(st.Evidence, a.cfg.FreshnessMaxAgeDays, a.scoreWeights, topK),
		ExecutionID:    st.ExecutionID,
	}, nil
}

// CloseCase constructs a resolved-case record from the caller-supplied
// closure fields, persists it under a freshly minted case_id (returned as
// TicketNumber — the two terms name the same entity), then runs the Self-
// Learning Coordinator against it exactly as Learn would. Case persistence
// failure is fatal; every later stage is best-effort and surfaces as a
// warning rather than aborting the run.
func (a *App) CloseCase(ctx context.Context, req CloseCaseRequest) (CloseCaseResult, error) {
	caseID := uuid.New().String()
	c := model.ResolvedCase{
		CaseID:         caseID,
		ConversationID: req.ConversationID,
		Subject:        req.Subject,
		Description:    req.ClosureSummary,
		Resolution:     req.ClosureSummary,
		RootCause:      req.RootCause,
		Category:       req.Category,
		Tags:           req.Tags,
		ScriptID:       req.ScriptID,
		ClosedAt:       time.Now().UTC(),
		Outcome:        req.OutcomeHint,
	}
	if err := a.learningDeps.Cases.PutResolvedCase(ctx, c); err != nil {
		return CloseCaseResult{}, fmt.Errorf("satori: close case: persist case %s: %w", caseID, err)
	}

	result, err := learning.Run(ctx, a.learningDeps, caseID, req.ConversationText, a.confidenceDeltas())
	if err != nil {
		return CloseCaseResult{}, err
	}

	return CloseCaseResult{
		TicketNumber:   caseID,
		LearningResult: result,
		Warnings:       result.Warnings,
	}, nil
}

// Learn runs the Self-Learning Coordinator for an already-closed case
// identified by caseID — the entry point for re-running the coordinator
// (admin tooling, retries) without going through CloseCase's case-creation
// step. The coordinator's conversation transcript is only consulted if
// drafting ends up being invoked; a bare re-run has none to offer.
func (a *App) Learn(ctx context.Context, caseID string) (model.LearnResult, error) {
	return learning.Run(ctx, a.learningDeps, caseID, "", a.confidenceDeltas())
}

// confidenceDeltas builds the coordinator's delta table from configuration.
func (a *App) confidenceDeltas() learning.DeltaTable {
	return learning.DeltaTable{
		Resolved:  a.cfg.ConfidenceDeltaResolved,
		Partial:   a.cfg.ConfidenceDeltaPartial,
		Unhelpful: a.cfg.ConfidenceDeltaUnhelpful,
		Confirmed: a.cfg.ConfidenceDeltaConfirmed,
	}
}

// Review finalizes a pending Learning Event, activating or
// replacing corpus knowledge on approval.
func (a *App) Review(ctx context.Context, eventID string, decision model.ReviewDecision, reviewer model.ReviewerRole, reason *string) (model.LearningEvent, error) {
	return review.ApplyReview(ctx, a.reviewDeps, eventID, decision, reviewer, reason)
}

// Run starts the background services (log buffer flush loop, outbox
// worker, periodic embedding backfill) and blocks until ctx is cancelled.
// On return, Shutdown is called automatically — callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.logBuffer.Start(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.corpusEmbeddingBackfillLoop(ctx)

	<-ctx.Done()
	return a.Shutdown(context.Background())
}

// Shutdown drains the retrieval log buffer, then the outbox, then closes
// the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("satori shutting down")

	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownBufferDrainTimeout)
	a.logBuffer.Drain(drainCtx)
	cancel()

	if a.outbox != nil {
		outboxCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownOutboxDrainTimeout)
		a.outbox.Drain(outboxCtx)
		cancel()
	}

	a.db.Close(ctx)
	if a.caseStore != nil {
		_ = a.caseStore.Close()
	}
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown", "error", err)
	}
	return nil
}

// backfillCorpusEmbeddings embeds any corpus entries that were inserted
// without one (e.g. seeded directly via SQL), in batches, logging a
// warning rather than failing on error.
func (a *App) backfillCorpusEmbeddings(ctx context.Context) {
	const batchSize = 100
	entries, err := a.db.FindUnembeddedCorpusEntries(ctx, batchSize)
	if err != nil {
		a.logger.Warn("backfill corpus embeddings: list", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Content
	}
	vecs, err := a.pipelineDeps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		a.logger.Warn("backfill corpus embeddings: embed", "error", err, "count", len(entries))
		return
	}
	for i, e := range entries {
		if err := a.db.BackfillCorpusEmbedding(ctx, e.Key(), vecs[i]); err != nil {
			a.logger.Warn("backfill corpus embeddings: write", "error", err, "source_kind", e.SourceKind, "source_id", e.SourceID)
		}
	}
	a.logger.Info("backfilled corpus embeddings", "count", len(entries))
}

// corpusEmbeddingBackfillLoop periodically retries backfillCorpusEmbeddings
// for corpus entries inserted since the last pass, generalizing the
// teacher's single-shot startup backfill into an ongoing loop since
// satori's corpus grows continuously via Review's corpus inserts.
func (a *App) corpusEmbeddingBackfillLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.EmbeddingBackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.backfillCorpusEmbeddings(ctx)
		}
	}
}
