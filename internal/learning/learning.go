// Package learning implements the Self-Learning Coordinator: on case
// closure, link the conversation's retrieval logs to the case, score their
// outcomes into confidence adjustments, run gap detection against the
// resolved case, and act on the verdict (confirm, draft a new article, or
// draft a replacement).
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/satori/internal/cases"
	"github.com/ashita-ai/satori/internal/draft"
	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/pipeline"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/storage"
)

// logCaseLinker narrows the storage dependency used to stamp case_id onto a
// conversation's retrieval logs.
type logCaseLinker interface {
	LinkRetrievalLogsToCase(ctx context.Context, conversationID, caseID string) (int, error)
}

// outcomeScorer narrows the storage dependency used to stamp outcome onto a
// case's retrieval logs and to read them back for per-row confidence deltas.
type outcomeScorer interface {
	ScoreRetrievalOutcomes(ctx context.Context, caseID string, outcome model.RetrievalOutcome) (int, error)
	GetRetrievalLogsByCase(ctx context.Context, caseID string) ([]model.RetrievalAttemptLog, error)
}

// confidenceAdjuster narrows the storage dependency used to apply per-row
// confidence deltas.
type confidenceAdjuster interface {
	AdjustConfidence(ctx context.Context, key model.CorpusKey, delta float64, incrementUsage bool) (model.ConfidenceUpdate, error)
}

// eventCreator narrows the storage dependency used to persist a learning event.
type eventCreator interface {
	CreateLearningEvent(ctx context.Context, e model.LearningEvent) error
}

// scriptMetadataProvider narrows the storage dependency used to pull a
// referenced script's purpose for drafting prompts.
type scriptMetadataProvider interface {
	GetScriptMetadataBatch(ctx context.Context, scriptIDs []string) (map[string]storage.ScriptMetadata, error)
}

// articleCreator narrows the storage dependency used to persist a drafted
// article and its provenance.
type articleCreator interface {
	CreateArticle(ctx context.Context, a model.Article) error
	CreateProvenanceRecords(ctx context.Context, records []model.ProvenanceRecord) error
	GetArticle(ctx context.Context, articleID string) (model.Article, error)
}

// Deps bundles everything the coordinator needs for one run.
type Deps struct {
	Cases     cases.Provider
	Logs      logCaseLinker
	Outcomes  outcomeScorer
	Confidence confidenceAdjuster
	Events    eventCreator
	Scripts   scriptMetadataProvider
	Articles  articleCreator
	Generator generation.Provider
	Pipeline  *pipeline.Deps

	// RetryMaxAttempts/RetryBaseDelay govern storage.WithRetry around each
	// AdjustConfidence call, absorbing serialization conflicts from
	// concurrent closures touching the same corpus entry.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	Logger *slog.Logger
}

// adjustConfidenceWithRetry wraps AdjustConfidence in storage.WithRetry so a
// serialization conflict from a concurrent closure touching the same
// corpus entry is retried instead of surfacing as a warning.
func adjustConfidenceWithRetry(ctx context.Context, d *Deps, key model.CorpusKey, delta float64, incrementUsage bool) (model.ConfidenceUpdate, error) {
	var upd model.ConfidenceUpdate
	err := storage.WithRetry(ctx, d.RetryMaxAttempts, d.RetryBaseDelay, func() error {
		var err error
		upd, err = d.Confidence.AdjustConfidence(ctx, key, delta, incrementUsage)
		return err
	})
	return upd, err
}

// confidenceDeltaFor maps a closure outcome to its confidence delta and the
// log row outcome it stamps (the RESOLVED/PARTIAL/UNHELPFUL table).
func confidenceDeltaFor(outcome model.CaseOutcome, resolved, partial, unhelpful float64) (float64, model.RetrievalOutcome) {
	switch outcome {
	case model.CaseOutcomeResolved:
		return resolved, model.OutcomeResolved
	case model.CaseOutcomePartial:
		return partial, model.OutcomePartial
	default:
		return unhelpful, model.OutcomeUnhelpful
	}
}

// DeltaTable carries the confidence delta configuration, read from Config.
type DeltaTable struct {
	Resolved  float64
	Partial   float64
	Unhelpful float64
	Confirmed float64
}

// Run executes the coordinator for a single case closure. conversationText
// is the closure-time transcript supplied by the caller (conversations are
// external to this system, same as the case store) and is only used if
// drafting ends up being invoked. Case load failure is the only fatal
// error; log linkage, outcome scoring, and gap detection each run
// best-effort, with failures captured into Warnings rather than aborting
// the whole run.
func Run(ctx context.Context, d *Deps, caseID, conversationText string, deltas DeltaTable) (model.LearnResult, error) {
	result := model.LearnResult{}

	c, err := d.Cases.GetResolvedCase(ctx, caseID)
	if err != nil {
		return model.LearnResult{}, fmt.Errorf("learning: load case %s: %w", caseID, err)
	}

	// Step 1: link logs.
	if _, err := d.Logs.LinkRetrievalLogsToCase(ctx, c.ConversationID, c.CaseID); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("link retrieval logs: %v", err))
	}

	// Step 2: score outcomes and adjust confidence per row.
	delta, rowOutcome := confidenceDeltaFor(c.Outcome, deltas.Resolved, deltas.Partial, deltas.Unhelpful)
	if _, err := d.Outcomes.ScoreRetrievalOutcomes(ctx, c.CaseID, rowOutcome); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("score retrieval outcomes: %v", err))
	} else {
		rows, err := d.Outcomes.GetRetrievalLogsByCase(ctx, c.CaseID)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("load retrieval logs for scoring: %v", err))
		} else {
			result.RetrievalLogsProcessed = len(rows)
			for _, row := range rows {
				if row.SourceKind == nil || row.SourceID == nil {
					continue
				}
				key := model.CorpusKey{SourceKind: *row.SourceKind, SourceID: *row.SourceID}
				upd, err := adjustConfidenceWithRetry(ctx, d, key, delta, false)
				if err != nil {
					result.Warnings = append(result.Warnings, fmt.Sprintf("adjust confidence %s/%s: %v", key.SourceKind, key.SourceID, err))
					continue
				}
				result.ConfidenceUpdates = append(result.ConfidenceUpdates, upd)
			}
		}
	}

	// Step 3: gap detection.
	gapState, err := runGapDetection(ctx, d, c)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("gap detection: %v", err))
		return result, nil
	}
	if gapState.Decision == nil {
		result.Warnings = append(result.Warnings, "gap detection: no decision produced")
		return result, nil
	}

	result.Verdict = gapState.Decision.Verdict
	result.MatchedArticleID = gapState.Decision.BestMatchSourceID
	result.Similarity = gapState.Decision.SimilarityScore

	// Step 4: act on the verdict.
	if err := actOnVerdict(ctx, d, c, conversationText, gapState, deltas, &result); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("act on verdict: %v", err))
	}

	return result, nil
}

func runGapDetection(ctx context.Context, d *Deps, c model.ResolvedCase) (*pipeline.State, error) {
	var category *string
	if c.Category != "" {
		category = &c.Category
	}
	return pipeline.RunGap(ctx, d.Pipeline, pipeline.RunGapParams{
		CaseID:         &c.CaseID,
		ConversationID: &c.ConversationID,
		Query:          c.GapQueryText(),
		Category:       category,
		CaseSubject:    c.Subject,
		CaseResolution: c.Resolution,
		CaseRootCause:  c.RootCause,
	})
}

// actOnVerdict: SAME confirms the matched entry (confidence bump, no
// draft); NEW and CONTRADICTS each invoke the Draft Generator and create a
// pending learning event.
func actOnVerdict(ctx context.Context, d *Deps, c model.ResolvedCase, conversationText string, st *pipeline.State, deltas DeltaTable, result *model.LearnResult) error {
	switch st.Decision.Verdict {
	case model.VerdictSame:
		return confirmMatch(ctx, d, c, st, deltas.Confirmed, result)
	case model.VerdictNew:
		return draftAndRecord(ctx, d, c, conversationText, st, model.EventGap, nil, result)
	case model.VerdictContradicts:
		flagged := st.Decision.BestMatchSourceID
		return draftAndRecord(ctx, d, c, conversationText, st, model.EventContradiction, flagged, result)
	default:
		return fmt.Errorf("unknown verdict %q", st.Decision.Verdict)
	}
}

func confirmMatch(ctx context.Context, d *Deps, c model.ResolvedCase, st *pipeline.State, confirmedDelta float64, result *model.LearnResult) error {
	key, ok := bestMatchKey(st)
	if !ok {
		return fmt.Errorf("SAME verdict with no resolvable best-match key")
	}
	upd, err := adjustConfidenceWithRetry(ctx, d, key, confirmedDelta, false)
	if err != nil {
		return fmt.Errorf("confirm match: adjust confidence: %w", err)
	}
	result.ConfidenceUpdates = append(result.ConfidenceUpdates, upd)

	event := model.LearningEvent{
		EventID:          uuid.New().String(),
		TriggeringCaseID: c.CaseID,
		EventKind:        model.EventConfirmed,
		DetectedGapText:  c.GapQueryText(),
		FlaggedArticleID: nil,
		DraftSummary:     fmt.Sprintf("confirmed existing match %s/%s", key.SourceKind, key.SourceID),
		ReviewerRole:     model.ReviewerSystem,
	}
	approved := model.ReviewApproved
	event.FinalStatus = &approved
	if err := d.Events.CreateLearningEvent(ctx, event); err != nil {
		return fmt.Errorf("confirm match: create learning event: %w", err)
	}
	result.LearningEventID = &event.EventID
	return nil
}

func draftAndRecord(ctx context.Context, d *Deps, c model.ResolvedCase, conversationText string, st *pipeline.State, kind model.LearningEventKind, flaggedSourceID *string, result *model.LearnResult) error {
	req := draft.Request{
		Case:             c,
		ConversationText: conversationText,
	}
	if kind == model.EventContradiction {
		req.Replacement = true
		if flaggedSourceID != nil {
			if a, err := d.Articles.GetArticle(ctx, *flaggedSourceID); err == nil {
				req.FlaggedArticleBody = a.Body
			}
		}
	}
	if c.ScriptID != nil && d.Scripts != nil {
		meta, err := d.Scripts.GetScriptMetadataBatch(ctx, []string{*c.ScriptID})
		if err == nil {
			if m, ok := meta[*c.ScriptID]; ok {
				req.ScriptPurpose = m.Purpose
			}
		}
	}

	out, err := draft.Generate(ctx, d.Generator, req)
	if err != nil {
		return fmt.Errorf("draft generation: %w", err)
	}

	if err := d.Articles.CreateArticle(ctx, out.Article); err != nil {
		return fmt.Errorf("persist draft article: %w", err)
	}
	if err := d.Articles.CreateProvenanceRecords(ctx, out.Provenance); err != nil {
		return fmt.Errorf("persist provenance records: %w", err)
	}

	event := model.LearningEvent{
		EventID:           uuid.New().String(),
		TriggeringCaseID:  c.CaseID,
		EventKind:         kind,
		DetectedGapText:   c.GapQueryText(),
		ProposedArticleID: &out.Article.ArticleID,
		FlaggedArticleID:  flaggedSourceID,
		DraftSummary:      out.Article.Title,
		ReviewerRole:      model.ReviewerSystem,
	}
	if err := d.Events.CreateLearningEvent(ctx, event); err != nil {
		return fmt.Errorf("create learning event: %w", err)
	}

	result.LearningEventID = &event.EventID
	result.DraftedArticleID = &out.Article.ArticleID
	return nil
}

// bestMatchKey derives the source_kind for a SAME/CONTRADICTS verdict's
// best_match_source_id, which the classifier only reports as a bare ID —
// the kind is recovered by scanning the gap run's own evidence, since every
// candidate came from the Corpus Store's (source_kind, source_id) key space.
func bestMatchKey(st *pipeline.State) (model.CorpusKey, bool) {
	if st.Decision == nil || st.Decision.BestMatchSourceID == nil {
		return model.CorpusKey{}, false
	}
	id := *st.Decision.BestMatchSourceID
	for _, h := range st.Evidence {
		if h.Entry.SourceID == id {
			return h.Entry.Key(), true
		}
	}
	return model.CorpusKey{}, false
}
