package model

import "time"

// ResolvedCase is an immutable-once-closed support interaction with
// structured outcome fields. Supplied by an external case store; this
// package only defines the shape the pipeline consumes.
type ResolvedCase struct {
	CaseID         string
	ConversationID string
	Subject        string
	Description    string
	Resolution     string
	RootCause      string
	Category       string
	Tags           []string
	ScriptID       *string
	ClosedAt       time.Time
	Outcome        CaseOutcome
}

// CaseOutcome is the closure outcome hint supplied by the caller of
// close_case, used to derive the RESOLVED/UNHELPFUL stamping.
type CaseOutcome string

const (
	CaseOutcomeResolved  CaseOutcome = "RESOLVED"
	CaseOutcomePartial   CaseOutcome = "PARTIAL"
	CaseOutcomeUnhelpful CaseOutcome = "UNHELPFUL"
)

// GapQueryText builds the query string used to drive gap detection on case
// closure: subject + root_cause + category + resolution, in that exact
// order, with empty fields skipped.
func (c ResolvedCase) GapQueryText() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{c.Subject, c.RootCause, c.Category, c.Resolution} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
