package model

import "time"

// RetrievalOutcome is the post-hoc closure outcome stamped onto a Retrieval
// Attempt Log row at case closure.
type RetrievalOutcome string

const (
	OutcomeResolved  RetrievalOutcome = "RESOLVED"
	OutcomeUnhelpful RetrievalOutcome = "UNHELPFUL"
	OutcomePartial   RetrievalOutcome = "PARTIAL"
)

// RetrievalAttemptLog is an append-only row per evidence hit. Created during
// live retrieval with ConversationID set and CaseID nil; later stamped with
// CaseID and Outcome at closure. Both transitions are monotonic (null →
// value, never regressed.
type RetrievalAttemptLog struct {
	LogID          int64
	CaseID         *string
	ConversationID *string
	AttemptNo      int
	QueryText      string
	SourceKind     *SourceKind
	SourceID       *string
	SimilarityScore *float64
	Outcome        *RetrievalOutcome
	ExecutionID    string
	CreatedAt      time.Time
}

// GraphKind distinguishes the two retrieval pipeline terminals.
type GraphKind string

const (
	GraphQA  GraphKind = "QA"
	GraphGap GraphKind = "GAP"
)

// ExecutionStatus is the terminal status of a pipeline run.
type ExecutionStatus string

const (
	ExecutionOK                 ExecutionStatus = "ok"
	ExecutionError              ExecutionStatus = "error"
	ExecutionInsufficientEvidence ExecutionStatus = "insufficient_evidence"
)

// ExecutionRecord is a pipeline-level observability row, one per end-to-end
// run (including any internal retry attempt).
type ExecutionRecord struct {
	ExecutionID      string
	GraphKind        GraphKind
	ConversationID   *string
	CaseID           *string
	Query            string
	TotalLatencyMS   int64
	PerNodeLatencies map[string]int64
	TokensIn         int
	TokensOut        int
	EvidenceCount    int
	TopSimilarity    *float64
	TopRerankScore   *float64
	Classification   *Verdict
	Status           ExecutionStatus
	ErrorMessage     *string
	CreatedAt        time.Time
}
