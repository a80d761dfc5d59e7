package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/satori/internal/model"
)

// CreateExecutionRecord inserts a pipeline observability row. One row is
// written per end-to-end run, including any internal retry attempt.
func (db *DB) CreateExecutionRecord(ctx context.Context, r model.ExecutionRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO execution_records (execution_id, graph_kind, conversation_id, case_id, query, total_latency_ms,
		 per_node_latencies, tokens_in, tokens_out, evidence_count, top_similarity, top_rerank_score, classification,
		 status, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ExecutionID, r.GraphKind, r.ConversationID, r.CaseID, r.Query, r.TotalLatencyMS,
		r.PerNodeLatencies, r.TokensIn, r.TokensOut, r.EvidenceCount, r.TopSimilarity, r.TopRerankScore, r.Classification,
		r.Status, r.ErrorMessage, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create execution record: %w", err)
	}
	return nil
}

// GetExecutionRecord retrieves a single execution record by ID.
func (db *DB) GetExecutionRecord(ctx context.Context, executionID string) (model.ExecutionRecord, error) {
	var r model.ExecutionRecord
	err := db.pool.QueryRow(ctx,
		`SELECT execution_id, graph_kind, conversation_id, case_id, query, total_latency_ms,
		 per_node_latencies, tokens_in, tokens_out, evidence_count, top_similarity, top_rerank_score, classification,
		 status, error_message, created_at
		 FROM execution_records WHERE execution_id = $1`, executionID,
	).Scan(&r.ExecutionID, &r.GraphKind, &r.ConversationID, &r.CaseID, &r.Query, &r.TotalLatencyMS,
		&r.PerNodeLatencies, &r.TokensIn, &r.TokensOut, &r.EvidenceCount, &r.TopSimilarity, &r.TopRerankScore, &r.Classification,
		&r.Status, &r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("storage: get execution record: %w", err)
	}
	return r, nil
}
