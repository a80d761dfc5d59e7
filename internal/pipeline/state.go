// Package pipeline implements the retrieval state machine: the shared
// plan_query -> retrieve -> rerank -> enrich_sources prefix, followed by
// either the QA branch (write_answer -> validate) or the Gap branch
// (classify_knowledge), both terminating in log_retrieval.
package pipeline

import (
	"time"

	"github.com/ashita-ai/satori/internal/model"
)

// Status is the terminal disposition of a retrieval run, surfaced to
// callers of suggest and stamped onto the execution record.
type Status string

const (
	StatusOK                    Status = "ok"
	StatusInsufficientEvidence  Status = "insufficient_evidence"
)

// Citation is a single source cited in a QA answer.
type Citation struct {
	SourceKind model.SourceKind
	SourceID   string
	Title      string
	Quote      string
}

// State is the record threaded through every node of a single run. One
// State is created per top-level call (suggest, or the gap-detection
// variant invoked from the self-learning coordinator) and, on a validation
// retry, reused in place rather than recreated.
type State struct {
	// Inputs, fixed for the life of the run.
	Query       string
	Category    *string
	SourceKinds []model.SourceKind
	TopK        int

	ConversationID *string
	CaseID         *string

	// Populated by plan_query.
	QueryVariants []string
	PlanRationale string

	// Populated by retrieve, keyed by (source_kind, source_id); the best
	// (max-similarity) hit wins across variants.
	Candidates map[model.CorpusKey]model.Hit

	// Populated by rerank (or carried over from Candidates in similarity
	// order if the rerank port is unhealthy), truncated to TopK.
	Evidence []model.Hit

	// Populated by write_answer (QA only).
	Answer         string
	Citations      []Citation
	SelfConfidence string // "low" | "medium" | "high"

	// Populated by classify_knowledge (Gap only).
	Decision *model.KnowledgeDecision

	// Retry bookkeeping for validate: attempt_no starts at 0;
	// on the first validation failure it's bumped to 1, TopK widened, and
	// Candidates/Evidence/Answer/Citations reset before re-entering retrieve.
	AttemptNo int

	Status Status

	// Observability.
	ExecutionID      string
	GraphKind        model.GraphKind
	PerNodeLatencies map[string]int64
	TokensIn         int
	TokensOut        int
	StartedAt        time.Time
}

// NewState creates the initial state for a run. category and sourceKinds
// may be nil/empty to mean "no filter".
func NewState(kind model.GraphKind, executionID, query string, category *string, sourceKinds []model.SourceKind, topK int, conversationID, caseID *string) *State {
	return &State{
		Query:            query,
		Category:         category,
		SourceKinds:      sourceKinds,
		TopK:             topK,
		ConversationID:   conversationID,
		CaseID:           caseID,
		Candidates:       make(map[model.CorpusKey]model.Hit),
		GraphKind:        kind,
		ExecutionID:      executionID,
		PerNodeLatencies: make(map[string]int64),
		StartedAt:        time.Now(),
	}
}

// recordLatency stamps how long a node took, used to populate the
// execution record's per_node_latencies at log_retrieval.
func (s *State) recordLatency(node string, d time.Duration) {
	s.PerNodeLatencies[node] += d.Milliseconds()
}

// topSimilarity returns the highest similarity among evidence, or nil if
// there is none.
func (s *State) topSimilarity() *float64 {
	if len(s.Evidence) == 0 {
		return nil
	}
	v := s.Evidence[0].Similarity
	for _, h := range s.Evidence[1:] {
		if h.Similarity > v {
			v = h.Similarity
		}
	}
	return &v
}

// topRerankScore returns the highest rerank score among evidence, or nil if
// none were reranked.
func (s *State) topRerankScore() *float64 {
	var best *float64
	for _, h := range s.Evidence {
		if h.RerankScore == nil {
			continue
		}
		if best == nil || *h.RerankScore > *best {
			v := *h.RerankScore
			best = &v
		}
	}
	return best
}
