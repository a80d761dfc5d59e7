package pipeline

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/satori/internal/enrich"
	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/provider/embedding"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/provider/rerank"
)

// usageBumper narrows the storage dependency log_retrieval uses to bump
// usage_count for the top evidence hits.
type usageBumper interface {
	BumpUsageBatch(ctx context.Context, keys []model.CorpusKey) error
}

// executionRecorder narrows the storage dependency used to persist one
// observability row per run.
type executionRecorder interface {
	CreateExecutionRecord(ctx context.Context, r model.ExecutionRecord) error
}

// logAppender is the buffered writer log_retrieval appends evidence rows
// to. Satisfied by *retrievallog.Buffer.
type logAppender interface {
	Append(rows []model.RetrievalAttemptLog) error
}

// Deps bundles every port and storage dependency a graph run needs. Fields
// may be nil where optional (Reranker) — nodes treat a nil Reranker as
// "unhealthy, fall back to similarity order".
type Deps struct {
	Embedder  embedding.Provider
	Finder    HitFinder
	Reranker  rerank.Provider
	Enricher  *enrich.Resolver
	Generator generation.Provider

	UsageBumper usageBumper
	Executions     executionRecorder
	Logs           logAppender

	MaxCandidates          int
	GapSimilarityThreshold float64

	Logger *slog.Logger
}

// RunQAParams are the caller-supplied inputs to a QA run (the suggest
// external operation).
type RunQAParams struct {
	ConversationID string
	Query          string
	Category       *string
	SourceKinds    []model.SourceKind
	TopK           int
}

// RunQA executes the QA graph: the shared retrieval prefix, write_answer,
// and a single widen-and-retry validate step, terminating in log_retrieval
// terminating in log_retrieval.
func RunQA(ctx context.Context, d *Deps, p RunQAParams) (*State, error) {
	executionID := uuid.New().String()
	conversationID := p.ConversationID

	st := NewState(model.GraphQA, executionID, p.Query, p.Category, p.SourceKinds, effectiveTopK(p.TopK), &conversationID, nil)

	if err := planQuery(ctx, d.Generator, st); err != nil {
		return st, finishWithError(ctx, d, st, err)
	}

	if err := runRetrieveThroughEnrich(ctx, d, st); err != nil {
		return st, finishWithError(ctx, d, st, err)
	}

	if len(st.Evidence) == 0 {
		st.Status = StatusInsufficientEvidence
		logRetrieval(ctx, d, st)
		return st, nil
	}

	if err := writeAnswer(ctx, d.Generator, st); err != nil {
		return st, finishWithError(ctx, d, st, err)
	}

	if !validateAnswer(st) {
		if st.AttemptNo == 0 {
			st.resetForRetry(widenTopK(st.TopK))
			if err := runRetrieveThroughEnrich(ctx, d, st); err != nil {
				return st, finishWithError(ctx, d, st, err)
			}
			if len(st.Evidence) > 0 {
				if err := writeAnswer(ctx, d.Generator, st); err != nil {
					return st, finishWithError(ctx, d, st, err)
				}
			}
		}
		if !validateAnswer(st) {
			st.Status = StatusInsufficientEvidence
			st.Answer = ""
			st.Citations = nil
			logRetrieval(ctx, d, st)
			return st, nil
		}
	}

	st.Status = StatusOK
	logRetrieval(ctx, d, st)
	return st, nil
}

// RunGapParams are the inputs to a Gap run: either the live suggest-adjacent
// classification path, or the self-learning coordinator's post-closure gap
// detection, which supplies the case's subject/resolution/root_cause for
// the classifier prompt.
type RunGapParams struct {
	CaseID         *string
	ConversationID *string
	Query          string
	Category       *string
	SourceKinds    []model.SourceKind
	TopK           int
	CaseSubject    string
	CaseResolution string
	CaseRootCause  string
}

// RunGap executes the Gap graph: the shared retrieval prefix followed by
// classify_knowledge, terminating in log_retrieval.
func RunGap(ctx context.Context, d *Deps, p RunGapParams) (*State, error) {
	executionID := uuid.New().String()
	st := NewState(model.GraphGap, executionID, p.Query, p.Category, p.SourceKinds, effectiveTopK(p.TopK), p.ConversationID, p.CaseID)

	if err := planQuery(ctx, d.Generator, st); err != nil {
		return st, finishWithError(ctx, d, st, err)
	}

	if err := runRetrieveThroughEnrich(ctx, d, st); err != nil {
		return st, finishWithError(ctx, d, st, err)
	}

	if len(st.Evidence) == 0 {
		st.Decision = &model.KnowledgeDecision{Verdict: model.VerdictNew, Reasoning: "no evidence retrieved"}
		st.Status = StatusOK
		logRetrieval(ctx, d, st)
		return st, nil
	}

	if err := classifyKnowledge(ctx, d.Generator, d.GapSimilarityThreshold, p.CaseSubject, p.CaseResolution, p.CaseRootCause, st); err != nil {
		return st, finishWithError(ctx, d, st, err)
	}

	st.Status = StatusOK
	logRetrieval(ctx, d, st)
	return st, nil
}

// runRetrieveThroughEnrich runs the three shared nodes between plan_query
// and the branch point: retrieve, rerank, enrich_sources.
func runRetrieveThroughEnrich(ctx context.Context, d *Deps, st *State) error {
	if err := retrieve(ctx, d.Embedder, d.Finder, d.MaxCandidates, st); err != nil {
		return err
	}
	if len(st.Candidates) == 0 {
		st.Evidence = nil
		return nil
	}
	if err := runRerank(ctx, d.Reranker, st); err != nil {
		return err
	}
	if err := enrichSources(ctx, d.Enricher, st); err != nil {
		return err
	}
	return nil
}

// logRetrieval writes one Retrieval Attempt Log row per evidence hit (up to
// 10), bumps usage_count on the top 5, and records one execution record.
// None of these failures propagate to the caller: a log append failure is
// captured into the execution record's error_message, and usage-bump or
// execution-record failures are logged.
func logRetrieval(ctx context.Context, d *Deps, st *State) {
	start := time.Now()
	defer func() { st.recordLatency(nodeLogRetrieval, time.Since(start)) }()

	var logErr error

	if d.Logs != nil && len(st.Evidence) > 0 {
		n := len(st.Evidence)
		if n > 10 {
			n = 10
		}
		rows := make([]model.RetrievalAttemptLog, n)
		for i, h := range st.Evidence[:n] {
			kind := h.Entry.SourceKind
			id := h.Entry.SourceID
			sim := h.Similarity
			rows[i] = model.RetrievalAttemptLog{
				CaseID:          st.CaseID,
				ConversationID:  st.ConversationID,
				AttemptNo:       st.AttemptNo,
				QueryText:       st.Query,
				SourceKind:      &kind,
				SourceID:        &id,
				SimilarityScore: &sim,
				ExecutionID:     st.ExecutionID,
			}
		}
		if err := d.Logs.Append(rows); err != nil {
			logErr = err
			if d.Logger != nil {
				d.Logger.Warn("pipeline: log_retrieval append failed", "error", err, "execution_id", st.ExecutionID)
			}
		}
	}

	if d.UsageBumper != nil && len(st.Evidence) > 0 {
		n := len(st.Evidence)
		if n > 5 {
			n = 5
		}
		keys := make([]model.CorpusKey, n)
		for i, h := range st.Evidence[:n] {
			keys[i] = h.Entry.Key()
		}
		if err := d.UsageBumper.BumpUsageBatch(ctx, keys); err != nil && d.Logger != nil {
			d.Logger.Warn("pipeline: bump_usage_batch failed", "error", err, "execution_id", st.ExecutionID)
		}
	}

	if d.Executions != nil {
		rec := buildExecutionRecord(st, logErr)
		if err := d.Executions.CreateExecutionRecord(ctx, rec); err != nil && d.Logger != nil {
			d.Logger.Warn("pipeline: create_execution_record failed", "error", err, "execution_id", st.ExecutionID)
		}
	}
}

func buildExecutionRecord(st *State, logErr error) model.ExecutionRecord {
	status := model.ExecutionOK
	if st.Status == StatusInsufficientEvidence {
		status = model.ExecutionInsufficientEvidence
	}

	var errMsg *string
	if logErr != nil {
		msg := logErr.Error()
		errMsg = &msg
	}

	var classification *model.Verdict
	if st.Decision != nil {
		v := st.Decision.Verdict
		classification = &v
	}

	var total int64
	for _, v := range st.PerNodeLatencies {
		total += v
	}

	return model.ExecutionRecord{
		ExecutionID:      st.ExecutionID,
		GraphKind:        st.GraphKind,
		ConversationID:   st.ConversationID,
		CaseID:           st.CaseID,
		Query:            st.Query,
		TotalLatencyMS:   total,
		PerNodeLatencies: st.PerNodeLatencies,
		TokensIn:         st.TokensIn,
		TokensOut:        st.TokensOut,
		EvidenceCount:    len(st.Evidence),
		TopSimilarity:    st.topSimilarity(),
		TopRerankScore:   st.topRerankScore(),
		Classification:   classification,
		Status:           status,
		ErrorMessage:     errMsg,
		CreatedAt:        st.StartedAt,
	}
}

// finishWithError records a fatal node failure as an execution record
// (status=error) before propagating to the caller — a fatal failure here is
// a provider failure the node policy doesn't already handle (embedding
// failure in retrieve, or a generation failure in plan_query/write_answer/
// classify_knowledge after their own retries are exhausted).
func finishWithError(ctx context.Context, d *Deps, st *State, err error) error {
	if d.Executions != nil {
		rec := buildExecutionRecord(st, nil)
		rec.Status = model.ExecutionError
		msg := err.Error()
		rec.ErrorMessage = &msg
		_ = d.Executions.CreateExecutionRecord(ctx, rec)
	}
	return err
}

func effectiveTopK(topK int) int {
	if topK <= 0 {
		return 10
	}
	return topK
}

func widenTopK(topK int) int {
	widened := int(math.Ceil(float64(topK) * 1.5))
	if widened <= topK {
		widened = topK + 1
	}
	return widened
}
