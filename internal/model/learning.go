package model

import "time"

// Verdict is the Gap Classifier's decision among SAME, CONTRADICTS, and NEW.
type Verdict string

const (
	VerdictSame        Verdict = "SAME"
	VerdictContradicts Verdict = "CONTRADICTS"
	VerdictNew         Verdict = "NEW"
)

// KnowledgeDecision is the in-memory output of the Gap Classifier.
type KnowledgeDecision struct {
	Verdict            Verdict
	Reasoning          string
	BestMatchSourceID  *string
	SimilarityScore    *float64
}

// ReviewerRole identifies who finalized a Learning Event.
type ReviewerRole string

const (
	ReviewerTier3  ReviewerRole = "TIER_3"
	ReviewerOps    ReviewerRole = "OPS"
	ReviewerSystem ReviewerRole = "SYSTEM"
)

// LearningEventKind classifies the self-learning outcome that produced an event.
type LearningEventKind string

const (
	EventGap          LearningEventKind = "GAP"
	EventContradiction LearningEventKind = "CONTRADICTION"
	EventConfirmed    LearningEventKind = "CONFIRMED"
)

// ReviewDecision is the finalizing decision applied by the Review Gateway.
type ReviewDecision string

const (
	ReviewApproved ReviewDecision = "APPROVED"
	ReviewRejected ReviewDecision = "REJECTED"
)

// LearningEvent is an auditable record of a self-learning decision, with an
// optional review outcome. CONFIRMED events are auto-finalized as APPROVED
// by SYSTEM; GAP and CONTRADICTION events start pending (FinalStatus nil)
// and require review. States are a strict 2-state machine: pending →
// finalized, no reopening.
type LearningEvent struct {
	EventID             string
	TriggeringCaseID    string
	EventKind           LearningEventKind
	DetectedGapText     string
	ProposedArticleID   *string
	FlaggedArticleID    *string
	DraftSummary        string
	FinalStatus         *ReviewDecision
	ReviewerRole         ReviewerRole
	ReviewReason        *string
	Timestamp           time.Time
}

// Pending reports whether this event still awaits review.
func (e LearningEvent) Pending() bool {
	return e.FinalStatus == nil
}

// LearnResult is the outcome of running the Self-Learning Coordinator for a
// single case closure, returned alongside a best-effort warnings list.
type LearnResult struct {
	RetrievalLogsProcessed int
	ConfidenceUpdates      []ConfidenceUpdate
	Verdict                Verdict
	MatchedArticleID       *string
	Similarity             *float64
	LearningEventID        *string
	DraftedArticleID       *string
	Warnings               []string
}

// ConfidenceUpdate records a single adjust_confidence call made during
// self-learning, for audit and test assertions.
type ConfidenceUpdate struct {
	SourceKind    SourceKind
	SourceID      string
	Delta         float64
	NewConfidence float64
	NewUsageCount int
}
