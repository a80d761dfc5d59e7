package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/satori/internal/model"
)

// BatchInsertRetrievalLogs writes a batch of Retrieval Attempt Log rows via
// COPY. Used by the retrieval log buffer's periodic flush. Rows are written
// with ConversationID set and CaseID/Outcome nil; both are stamped later at
// case closure.
func (db *DB) BatchInsertRetrievalLogs(ctx context.Context, logs []model.RetrievalAttemptLog) error {
	if len(logs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	columns := []string{"case_id", "conversation_id", "attempt_no", "query_text", "source_kind", "source_id", "similarity_score", "outcome", "execution_id", "created_at"}
	rows := make([][]any, len(logs))
	for i, l := range logs {
		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		rows[i] = []any{l.CaseID, l.ConversationID, l.AttemptNo, l.QueryText, l.SourceKind, l.SourceID, l.SimilarityScore, l.Outcome, l.ExecutionID, createdAt}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"retrieval_attempt_log"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("storage: batch insert retrieval logs: %w", err)
	}
	return nil
}

// LinkRetrievalLogsToCase stamps CaseID onto every retrieval attempt log row
// for a conversation that doesn't already carry one. The transition is
// monotonic null -> value; rows that already have a CaseID are left alone
// so a second close_case call for the same conversation cannot regress them.
func (db *DB) LinkRetrievalLogsToCase(ctx context.Context, conversationID, caseID string) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE retrieval_attempt_log SET case_id = $1
		 WHERE conversation_id = $2 AND case_id IS NULL`,
		caseID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("storage: link retrieval logs to case: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ScoreRetrievalOutcomes stamps Outcome onto every retrieval attempt log row
// for a case that doesn't already carry one, mirroring the monotonic
// null -> value rule used for CaseID.
func (db *DB) ScoreRetrievalOutcomes(ctx context.Context, caseID string, outcome model.RetrievalOutcome) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE retrieval_attempt_log SET outcome = $1
		 WHERE case_id = $2 AND outcome IS NULL`,
		outcome, caseID)
	if err != nil {
		return 0, fmt.Errorf("storage: score retrieval outcomes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetRetrievalLogsByCase returns every retrieval attempt log row linked to a case.
func (db *DB) GetRetrievalLogsByCase(ctx context.Context, caseID string) ([]model.RetrievalAttemptLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT log_id, case_id, conversation_id, attempt_no, query_text, source_kind, source_id, similarity_score, outcome, execution_id, created_at
		 FROM retrieval_attempt_log WHERE case_id = $1 ORDER BY attempt_no ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: get retrieval logs by case: %w", err)
	}
	defer rows.Close()

	var out []model.RetrievalAttemptLog
	for rows.Next() {
		var l model.RetrievalAttemptLog
		if err := rows.Scan(&l.LogID, &l.CaseID, &l.ConversationID, &l.AttemptNo, &l.QueryText, &l.SourceKind, &l.SourceID, &l.SimilarityScore, &l.Outcome, &l.ExecutionID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan retrieval log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// NextAttemptNo returns the next attempt_no for a conversation: one more
// than the count of existing rows for that conversation. The pipeline's
// log_retrieval node does not call it; it stamps rows with its own
// State.AttemptNo.
func (db *DB) NextAttemptNo(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM retrieval_attempt_log WHERE conversation_id = $1`, conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: next attempt no: %w", err)
	}
	return count + 1, nil
}
