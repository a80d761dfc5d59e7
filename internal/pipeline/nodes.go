package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ashita-ai/satori/internal/enrich"
	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/provider/embedding"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/provider/rerank"
	"github.com/ashita-ai/satori/internal/search"
)

const (
	nodePlanQuery        = "plan_query"
	nodeRetrieve         = "retrieve"
	nodeRerank           = "rerank"
	nodeEnrichSources    = "enrich_sources"
	nodeWriteAnswer      = "write_answer"
	nodeValidate         = "validate"
	nodeClassifyKnowledge = "classify_knowledge"
	nodeLogRetrieval     = "log_retrieval"
)

var planQuerySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"queries":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 2, "maxItems": 4},
		"rationale": map[string]any{"type": "string"},
	},
	"required": []string{"queries", "rationale"},
}

type planQueryOutput struct {
	Queries   []string `json:"queries"`
	Rationale string   `json:"rationale"`
}

// planQuery asks the generation port for 2-4 paraphrased search variants of
// the original query, at temperature 0 for determinism.
func planQuery(ctx context.Context, gen generation.Provider, st *State) error {
	start := time.Now()
	defer func() { st.recordLatency(nodePlanQuery, time.Since(start)) }()

	messages := []generation.Message{
		{Role: "system", Content: "You expand a support search query into 2-4 diverse paraphrased variants that together maximize recall against a knowledge base. Return JSON matching the schema exactly."},
		{Role: "user", Content: st.Query},
	}

	var out planQueryOutput
	usage, err := gen.GenerateStructured(ctx, messages, planQuerySchema, &out, 0)
	if err != nil {
		return fmt.Errorf("pipeline: plan_query: %w", err)
	}
	st.TokensIn += usage.PromptTokens
	st.TokensOut += usage.CompletionTokens

	if len(out.Queries) == 0 {
		out.Queries = []string{st.Query}
	}
	st.QueryVariants = out.Queries
	st.PlanRationale = out.Rationale
	return nil
}

// retrieve embeds every query variant in a single batch call, searches the
// corpus per variant with the shared filters, and merges results keyed by
// (source_kind, source_id) keeping the max similarity across variants
// deterministic merge across variants.
func retrieve(ctx context.Context, embedder embedding.Provider, finder HitFinder, maxCandidates int, st *State) error {
	start := time.Now()
	defer func() { st.recordLatency(nodeRetrieve, time.Since(start)) }()

	variants := st.QueryVariants
	if len(variants) == 0 {
		variants = []string{st.Query}
	}

	vectors, err := embedder.EmbedBatch(ctx, variants)
	if err != nil {
		return fmt.Errorf("pipeline: retrieve: embed query variants: %w", err)
	}

	filters := model.QueryFilters{SourceKinds: st.SourceKinds, Category: st.Category}

	var batches [][]model.Hit
	for _, v := range vectors {
		hits, err := finder.FindHits(ctx, v.Slice(), filters, maxCandidates)
		if err != nil {
			return fmt.Errorf("pipeline: retrieve: search: %w", err)
		}
		batches = append(batches, hits)
	}

	merged := search.MergeCandidates(batches...)
	if len(merged) > maxCandidates {
		merged = merged[:maxCandidates]
	}

	candidates := make(map[model.CorpusKey]model.Hit, len(merged))
	for _, h := range merged {
		candidates[h.Entry.Key()] = h
	}
	st.Candidates = candidates
	return nil
}

// runRerank reorders candidates against the original query using the
// Rerank Port if it's configured and healthy; otherwise candidates are
// carried over in similarity order. Either way the result is truncated to
// TopK.
func runRerank(ctx context.Context, reranker rerank.Provider, st *State) error {
	start := time.Now()
	defer func() { st.recordLatency(nodeRerank, time.Since(start)) }()

	ordered := candidatesBySimilarity(st.Candidates)

	if reranker == nil {
		st.Evidence = truncate(ordered, st.TopK)
		return nil
	}
	if err := reranker.Healthy(ctx); err != nil {
		st.Evidence = truncate(ordered, st.TopK)
		return nil
	}
	if len(ordered) == 0 {
		st.Evidence = nil
		return nil
	}

	texts := make([]string, len(ordered))
	for i, h := range ordered {
		texts[i] = h.Entry.Content
	}

	results, err := reranker.Rerank(ctx, st.Query, texts, st.TopK)
	if err != nil {
		// Rerank failure falls back to similarity order; it doesn't
		// fail the run.
		st.Evidence = truncate(ordered, st.TopK)
		return nil
	}

	evidence := make([]model.Hit, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(ordered) {
			continue
		}
		h := ordered[r.Index]
		score := r.Score
		h.RerankScore = &score
		evidence = append(evidence, h)
	}
	st.Evidence = evidence
	return nil
}

func candidatesBySimilarity(candidates map[model.CorpusKey]model.Hit) []model.Hit {
	out := make([]model.Hit, 0, len(candidates))
	for _, h := range candidates {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Entry.SourceID < out[j].Entry.SourceID
	})
	return out
}

func truncate(hits []model.Hit, limit int) []model.Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

// enrichSources attaches per-source-kind metadata to evidence hits.
// enrich.Resolver runs its three batched lookups independently, so a
// failure loading one source kind only leaves that kind's hits unenriched;
// the returned error (if any) is informational only — enrichment never
// fails the run.
func enrichSources(ctx context.Context, resolver *enrich.Resolver, st *State) error {
	start := time.Now()
	defer func() { st.recordLatency(nodeEnrichSources, time.Since(start)) }()

	if resolver == nil || len(st.Evidence) == 0 {
		return nil
	}
	if err := resolver.Resolve(ctx, st.Evidence); err != nil {
		return nil
	}
	return nil
}

var writeAnswerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"answer": map[string]any{"type": "string"},
		"citations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_kind": map[string]any{"type": "string"},
					"source_id":   map[string]any{"type": "string"},
					"title":       map[string]any{"type": "string"},
					"quote":       map[string]any{"type": "string"},
				},
				"required": []string{"source_kind", "source_id", "title", "quote"},
			},
		},
		"self_confidence": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
	},
	"required": []string{"answer", "citations", "self_confidence"},
}

type writeAnswerOutput struct {
	Answer     string `json:"answer"`
	Citations  []struct {
		SourceKind string `json:"source_kind"`
		SourceID   string `json:"source_id"`
		Title      string `json:"title"`
		Quote      string `json:"quote"`
	} `json:"citations"`
	SelfConfidence string `json:"self_confidence"`
}

// writeAnswer drafts the QA answer from evidence, citing at least one
// source per non-trivial claim (QA only).
func writeAnswer(ctx context.Context, gen generation.Provider, st *State) error {
	start := time.Now()
	defer func() { st.recordLatency(nodeWriteAnswer, time.Since(start)) }()

	messages := []generation.Message{
		{Role: "system", Content: "You answer a customer support question using only the provided evidence. Cite at least one source for every non-trivial claim. Return JSON matching the schema exactly."},
		{Role: "user", Content: buildAnswerPrompt(st)},
	}

	var out writeAnswerOutput
	usage, err := gen.GenerateStructured(ctx, messages, writeAnswerSchema, &out, 0.3)
	if err != nil {
		return fmt.Errorf("pipeline: write_answer: %w", err)
	}
	st.TokensIn += usage.PromptTokens
	st.TokensOut += usage.CompletionTokens

	st.Answer = out.Answer
	st.SelfConfidence = out.SelfConfidence
	st.Citations = make([]Citation, len(out.Citations))
	for i, c := range out.Citations {
		st.Citations[i] = Citation{
			SourceKind: model.SourceKind(c.SourceKind),
			SourceID:   c.SourceID,
			Title:      c.Title,
			Quote:      c.Quote,
		}
	}
	return nil
}

func buildAnswerPrompt(st *State) string {
	prompt := "Question: " + st.Query + "\n\nEvidence:\n"
	for _, h := range st.Evidence {
		prompt += fmt.Sprintf("- [%s/%s] %s: %s\n", h.Entry.SourceKind, h.Entry.SourceID, h.Entry.Title, h.Entry.Content)
	}
	return prompt
}

var classifyKnowledgeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"verdict":              map[string]any{"type": "string", "enum": []string{"SAME", "CONTRADICTS", "NEW"}},
		"reasoning":            map[string]any{"type": "string"},
		"best_match_source_id": map[string]any{"type": "string"},
		"similarity_score":     map[string]any{"type": "number"},
	},
	"required": []string{"verdict", "reasoning"},
}

type classifyKnowledgeOutput struct {
	Verdict           string   `json:"verdict"`
	Reasoning         string   `json:"reasoning"`
	BestMatchSourceID *string  `json:"best_match_source_id,omitempty"`
	SimilarityScore   *float64 `json:"similarity_score,omitempty"`
}

// classifyKnowledge decides whether a case's resolution confirms existing
// knowledge, contradicts it, or reveals a gap (Gap only). An
// empty evidence set short-circuits to NEW without calling the generation
// port. A hard similarity floor overrides the model's verdict regardless of
// its stated reasoning — the model is not trusted to enforce
// this constraint on its own.
func classifyKnowledge(ctx context.Context, gen generation.Provider, gapSimilarityThreshold float64, caseSubject, caseResolution, caseRootCause string, st *State) error {
	start := time.Now()
	defer func() { st.recordLatency(nodeClassifyKnowledge, time.Since(start)) }()

	if len(st.Evidence) == 0 {
		st.Decision = &model.KnowledgeDecision{Verdict: model.VerdictNew, Reasoning: "no evidence retrieved"}
		return nil
	}

	top := st.Evidence[0]
	bestSimilarity := top.Similarity
	for _, h := range st.Evidence {
		if h.Similarity > bestSimilarity {
			bestSimilarity = h.Similarity
			top = h
		}
	}
	if bestSimilarity < gapSimilarityThreshold {
		sim := bestSimilarity
		st.Decision = &model.KnowledgeDecision{
			Verdict:   model.VerdictNew,
			Reasoning: "best match similarity below the gap threshold",
			SimilarityScore: &sim,
		}
		return nil
	}

	messages := []generation.Message{
		{Role: "system", Content: "You compare a resolved support case against existing knowledge-base evidence and decide whether the evidence says the SAME thing, CONTRADICTS it, or the case reveals something NEW. Return JSON matching the schema exactly."},
		{Role: "user", Content: buildClassifyPrompt(caseSubject, caseResolution, caseRootCause, st.Evidence)},
	}

	var out classifyKnowledgeOutput
	usage, err := gen.GenerateStructured(ctx, messages, classifyKnowledgeSchema, &out, 0)
	if err != nil {
		return fmt.Errorf("pipeline: classify_knowledge: %w", err)
	}
	st.TokensIn += usage.PromptTokens
	st.TokensOut += usage.CompletionTokens

	decision := &model.KnowledgeDecision{
		Verdict:           model.Verdict(out.Verdict),
		Reasoning:         out.Reasoning,
		BestMatchSourceID: out.BestMatchSourceID,
		SimilarityScore:   out.SimilarityScore,
	}
	if decision.BestMatchSourceID == nil {
		id := top.Entry.SourceID
		decision.BestMatchSourceID = &id
	}
	if decision.SimilarityScore == nil {
		sim := top.Similarity
		decision.SimilarityScore = &sim
	}
	st.Decision = decision
	return nil
}

func buildClassifyPrompt(subject, resolution, rootCause string, evidence []model.Hit) string {
	prompt := fmt.Sprintf("Case subject: %s\nResolution: %s\nRoot cause: %s\n\nTop matching knowledge:\n", subject, resolution, rootCause)
	limit := len(evidence)
	if limit > 5 {
		limit = 5
	}
	for _, h := range evidence[:limit] {
		prompt += fmt.Sprintf("- [%s/%s] %s: %s\n", h.Entry.SourceKind, h.Entry.SourceID, h.Entry.Title, h.Entry.Content)
	}
	return prompt
}

// validateAnswer checks the QA result has enough support to return: at least
// one evidence hit and at least one citation. Returns false when a retry with
// widened top_k should be attempted (only ever once, gated by the caller on
// st.AttemptNo).
func validateAnswer(st *State) bool {
	return len(st.Evidence) >= 1 && len(st.Citations) >= 1
}

// resetForRetry clears retrieval-derived state before re-entering retrieve
// with a widened top_k, per the validate node's retry contract. Query
// planning is not re-run.
func (s *State) resetForRetry(widenedTopK int) {
	s.AttemptNo++
	s.TopK = widenedTopK
	s.Candidates = make(map[model.CorpusKey]model.Hit)
	s.Evidence = nil
	s.Answer = ""
	s.Citations = nil
	s.SelfConfidence = ""
}
