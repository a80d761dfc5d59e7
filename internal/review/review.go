// Package review implements the Review Gateway: the single operation that
// finalizes a pending Learning Event and, on approval, activates or
// replaces the corresponding corpus knowledge.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/provider/embedding"
	"github.com/ashita-ai/satori/internal/storage"
)

// eventStore narrows the storage dependency used to read and finalize a
// learning event.
type eventStore interface {
	GetLearningEvent(ctx context.Context, eventID string) (model.LearningEvent, error)
	FinalizeLearningEvent(ctx context.Context, eventID string, decision model.ReviewDecision, reviewer model.ReviewerRole, reason *string) error
}

// articleStore narrows the storage dependency used to read and mutate
// articles.
type articleStore interface {
	GetArticle(ctx context.Context, articleID string) (model.Article, error)
	SetArticleStatus(ctx context.Context, articleID string, status model.ArticleStatus) error
	UpdateArticleContent(ctx context.Context, articleID, title, body string) error
}

// corpusStore narrows the storage dependency used to upsert or update the
// corpus entry backing an article.
type corpusStore interface {
	UpsertCorpusEntry(ctx context.Context, e model.CorpusEntry) error
	GetCorpusEntry(ctx context.Context, key model.CorpusKey) (model.CorpusEntry, error)
}

// Deps bundles the ports the Review Gateway needs.
type Deps struct {
	Events   eventStore
	Articles articleStore
	Corpus   corpusStore
	Embedder embedding.Provider
}

// seedConfidence is the confidence a newly activated synthesized article
// starts at — the middle of the 0.5-1.0 seed default range, well above zero
// so it's immediately retrievable.
const seedConfidence = 0.75

// ApplyReview finalizes a pending learning event. Returns
// storage.ErrNotFound if the event doesn't exist, storage.ErrAlreadyReviewed
// if it was already finalized (both wrapped with %w, so errors.Is matches).
func ApplyReview(ctx context.Context, d *Deps, eventID string, decision model.ReviewDecision, reviewer model.ReviewerRole, reason *string) (model.LearningEvent, error) {
	event, err := d.Events.GetLearningEvent(ctx, eventID)
	if err != nil {
		return model.LearningEvent{}, fmt.Errorf("review: load event %s: %w", eventID, err)
	}
	if !event.Pending() {
		return model.LearningEvent{}, fmt.Errorf("review: event %s: %w", eventID, storage.ErrAlreadyReviewed)
	}

	if decision == model.ReviewApproved {
		if err := applyApproval(ctx, d, event); err != nil {
			return model.LearningEvent{}, fmt.Errorf("review: apply approval: %w", err)
		}
	} else {
		if err := applyRejection(ctx, d, event); err != nil {
			return model.LearningEvent{}, fmt.Errorf("review: apply rejection: %w", err)
		}
	}

	if err := d.Events.FinalizeLearningEvent(ctx, eventID, decision, reviewer, reason); err != nil {
		return model.LearningEvent{}, fmt.Errorf("review: finalize event %s: %w", eventID, err)
	}

	event.FinalStatus = &decision
	event.ReviewerRole = reviewer
	event.ReviewReason = reason
	return event, nil
}

// applyApproval activates a GAP draft or replaces a CONTRADICTION's
// flagged article, in both cases re-embedding the body and writing the
// resulting corpus entry.
func applyApproval(ctx context.Context, d *Deps, event model.LearningEvent) error {
	switch event.EventKind {
	case model.EventGap:
		return activateDraft(ctx, d, event)
	case model.EventContradiction:
		return replaceFlagged(ctx, d, event)
	case model.EventConfirmed:
		// CONFIRMED events arrive already finalized by the coordinator; a
		// review call against one here would be a caller error, but since
		// it carries no article mutation, treat approval as a no-op.
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", event.EventKind)
	}
}

func activateDraft(ctx context.Context, d *Deps, event model.LearningEvent) error {
	if event.ProposedArticleID == nil {
		return fmt.Errorf("GAP event %s has no proposed article", event.EventID)
	}
	article, err := d.Articles.GetArticle(ctx, *event.ProposedArticleID)
	if err != nil {
		return fmt.Errorf("load proposed article: %w", err)
	}

	if err := d.Articles.SetArticleStatus(ctx, article.ArticleID, model.ArticleActive); err != nil {
		return fmt.Errorf("activate article: %w", err)
	}

	vecs, err := d.Embedder.EmbedBatch(ctx, []string{article.Body})
	if err != nil {
		return fmt.Errorf("embed article body: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed article body: expected 1 vector, got %d", len(vecs))
	}

	entry := model.CorpusEntry{
		SourceKind: model.SourceArticle,
		SourceID:   article.ArticleID,
		Title:      article.Title,
		Content:    article.Body,
		Category:   article.Category,
		Module:     article.Module,
		Tags:       article.Tags,
		Embedding:  vecs[0],
		Confidence: seedConfidence,
		UsageCount: 0,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := d.Corpus.UpsertCorpusEntry(ctx, entry); err != nil {
		return fmt.Errorf("upsert corpus entry: %w", err)
	}
	return nil
}

func replaceFlagged(ctx context.Context, d *Deps, event model.LearningEvent) error {
	if event.ProposedArticleID == nil || event.FlaggedArticleID == nil {
		return fmt.Errorf("CONTRADICTION event %s missing proposed or flagged article", event.EventID)
	}

	draftArticle, err := d.Articles.GetArticle(ctx, *event.ProposedArticleID)
	if err != nil {
		return fmt.Errorf("load draft article: %w", err)
	}
	flagged, err := d.Articles.GetArticle(ctx, *event.FlaggedArticleID)
	if err != nil {
		return fmt.Errorf("load flagged article: %w", err)
	}

	if err := d.Articles.UpdateArticleContent(ctx, flagged.ArticleID, draftArticle.Title, draftArticle.Body); err != nil {
		return fmt.Errorf("replace flagged article content: %w", err)
	}

	vecs, err := d.Embedder.EmbedBatch(ctx, []string{draftArticle.Body})
	if err != nil {
		return fmt.Errorf("embed replacement body: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed replacement body: expected 1 vector, got %d", len(vecs))
	}

	existing, err := d.Corpus.GetCorpusEntry(ctx, model.CorpusKey{SourceKind: model.SourceArticle, SourceID: flagged.ArticleID})
	if err != nil {
		return fmt.Errorf("load existing corpus entry: %w", err)
	}
	existing.Title = draftArticle.Title
	existing.Content = draftArticle.Body
	existing.Tags = draftArticle.Tags
	existing.Module = draftArticle.Module
	existing.Category = draftArticle.Category
	existing.Embedding = vecs[0]
	existing.UpdatedAt = time.Now().UTC()
	if err := d.Corpus.UpsertCorpusEntry(ctx, existing); err != nil {
		return fmt.Errorf("update corpus entry in place: %w", err)
	}

	if err := d.Articles.SetArticleStatus(ctx, draftArticle.ArticleID, model.ArticleArchived); err != nil {
		return fmt.Errorf("archive draft article: %w", err)
	}
	return nil
}

func applyRejection(ctx context.Context, d *Deps, event model.LearningEvent) error {
	if event.ProposedArticleID == nil {
		// CONFIRMED events have no draft to archive.
		return nil
	}
	if err := d.Articles.SetArticleStatus(ctx, *event.ProposedArticleID, model.ArticleArchived); err != nil {
		return fmt.Errorf("archive rejected draft: %w", err)
	}
	return nil
}
