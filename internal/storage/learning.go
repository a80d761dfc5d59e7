package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/satori/internal/model"
)

// CreateLearningEvent inserts a learning event. CONFIRMED events are
// expected to arrive already finalized (FinalStatus = APPROVED, ReviewerRole
// = SYSTEM); GAP and CONTRADICTION events arrive pending (FinalStatus nil).
func (db *DB) CreateLearningEvent(ctx context.Context, e model.LearningEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO learning_events (event_id, triggering_case_id, event_kind, detected_gap_text,
		 proposed_article_id, flagged_article_id, draft_summary, final_status, reviewer_role, review_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.EventID, e.TriggeringCaseID, e.EventKind, e.DetectedGapText,
		e.ProposedArticleID, e.FlaggedArticleID, e.DraftSummary, e.FinalStatus, e.ReviewerRole, e.ReviewReason, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: create learning event: %w", err)
	}
	return nil
}

// GetLearningEvent retrieves a learning event by ID.
func (db *DB) GetLearningEvent(ctx context.Context, eventID string) (model.LearningEvent, error) {
	var e model.LearningEvent
	err := db.pool.QueryRow(ctx,
		`SELECT event_id, triggering_case_id, event_kind, detected_gap_text, proposed_article_id,
		 flagged_article_id, draft_summary, final_status, reviewer_role, review_reason, created_at
		 FROM learning_events WHERE event_id = $1`, eventID,
	).Scan(&e.EventID, &e.TriggeringCaseID, &e.EventKind, &e.DetectedGapText, &e.ProposedArticleID,
		&e.FlaggedArticleID, &e.DraftSummary, &e.FinalStatus, &e.ReviewerRole, &e.ReviewReason, &e.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LearningEvent{}, fmt.Errorf("storage: learning event %s: %w", eventID, ErrNotFound)
		}
		return model.LearningEvent{}, fmt.Errorf("storage: get learning event: %w", err)
	}
	return e, nil
}

// FinalizeLearningEvent applies a review decision to a pending learning
// event. The state machine is strict pending -> finalized with no
// reopening: if the event's final_status is already set, this returns
// ErrAlreadyReviewed and leaves the row untouched.
func (db *DB) FinalizeLearningEvent(ctx context.Context, eventID string, decision model.ReviewDecision, reviewer model.ReviewerRole, reason *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE learning_events SET final_status = $1, reviewer_role = $2, review_reason = $3
		 WHERE event_id = $4 AND final_status IS NULL`,
		decision, reviewer, reason, eventID)
	if err != nil {
		return fmt.Errorf("storage: finalize learning event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetLearningEvent(ctx, eventID); err != nil {
			return err
		}
		return fmt.Errorf("storage: finalize learning event %s: %w", eventID, ErrAlreadyReviewed)
	}
	return nil
}

// ListPendingLearningEvents returns learning events awaiting review,
// oldest-first.
func (db *DB) ListPendingLearningEvents(ctx context.Context, limit int) ([]model.LearningEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, triggering_case_id, event_kind, detected_gap_text, proposed_article_id,
		 flagged_article_id, draft_summary, final_status, reviewer_role, review_reason, created_at
		 FROM learning_events WHERE final_status IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending learning events: %w", err)
	}
	defer rows.Close()

	var out []model.LearningEvent
	for rows.Next() {
		var e model.LearningEvent
		if err := rows.Scan(&e.EventID, &e.TriggeringCaseID, &e.EventKind, &e.DetectedGapText, &e.ProposedArticleID,
			&e.FlaggedArticleID, &e.DraftSummary, &e.FinalStatus, &e.ReviewerRole, &e.ReviewReason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan learning event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
