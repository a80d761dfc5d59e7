package satori

import (
	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/pipeline"
)

// SuggestRequest is the caller-supplied input to Suggest.
type SuggestRequest struct {
	ConversationID string
	Query          string
	Category       *string
	SourceKinds    []model.SourceKind
	TopK           int
}

// SuggestResult is the external view of a QA run: an answer grounded in
// cited evidence, or an explicit insufficient-evidence signal rather than a
// guess.
type SuggestResult struct {
	Status         pipeline.Status
	Answer         string
	Citations      []pipeline.Citation
	SelfConfidence string
	Evidence       []model.Hit // ranked by FinalScore, descending
	ExecutionID    string
}

// CloseCaseRequest is the caller-supplied input to CloseCase: the
// resolved-case fields for a conversation that has just closed. CaseID is
// generated by CloseCase and returned as CloseCaseResult.TicketNumber; the
// rest populate the ResolvedCase record close_case persists before handing
// off to the same coordinator run learn(case_id) uses.
type CloseCaseRequest struct {
	ConversationID   string
	ClosureSummary   string // folded into ResolvedCase.Description
	OutcomeHint      model.CaseOutcome
	Subject          string
	RootCause        string
	Category         string
	Tags             []string
	ScriptID         *string
	ConversationText string // closure-time transcript, used only if drafting is invoked
}

// CloseCaseResult is the external view of close_case: the generated
// ticket_number alongside the coordinator's learning result and any
// non-fatal warnings accumulated along the way.
type CloseCaseResult struct {
	TicketNumber   string
	LearningResult model.LearnResult
	Warnings       []string
}
