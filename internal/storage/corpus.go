package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/satori/internal/model"
)

// UpsertCorpusEntry inserts or updates a corpus entry by its (source_kind,
// source_id) key and queues a corpus_outbox row so the Qdrant index stays
// eventually consistent. Both writes happen in one transaction.
func (db *DB) UpsertCorpusEntry(ctx context.Context, e model.CorpusEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert corpus entry tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO corpus_entries (source_kind, source_id, title, content, category, module, tags, embedding, confidence, usage_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (source_kind, source_id) DO UPDATE SET
		   title = EXCLUDED.title, content = EXCLUDED.content, category = EXCLUDED.category,
		   module = EXCLUDED.module, tags = EXCLUDED.tags, embedding = EXCLUDED.embedding,
		   confidence = EXCLUDED.confidence, usage_count = EXCLUDED.usage_count, updated_at = EXCLUDED.updated_at`,
		e.SourceKind, e.SourceID, e.Title, e.Content, e.Category, e.Module, e.Tags, e.Embedding, e.Confidence, e.UsageCount, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert corpus entry: %w", err)
	}

	if e.Embedding.Slice() != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO corpus_outbox (source_kind, source_id, op) VALUES ($1, $2, 'upsert')
			 ON CONFLICT (source_kind, source_id, op) DO UPDATE SET attempts = 0, last_error = NULL`,
			e.SourceKind, e.SourceID); err != nil {
			return fmt.Errorf("storage: queue corpus outbox: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetCorpusEntry retrieves a single corpus entry by its composite key.
func (db *DB) GetCorpusEntry(ctx context.Context, key model.CorpusKey) (model.CorpusEntry, error) {
	var e model.CorpusEntry
	err := db.pool.QueryRow(ctx,
		`SELECT source_kind, source_id, title, content, category, module, tags, embedding, confidence, usage_count, updated_at
		 FROM corpus_entries WHERE source_kind = $1 AND source_id = $2`,
		key.SourceKind, key.SourceID,
	).Scan(&e.SourceKind, &e.SourceID, &e.Title, &e.Content, &e.Category, &e.Module, &e.Tags, &e.Embedding, &e.Confidence, &e.UsageCount, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CorpusEntry{}, fmt.Errorf("storage: corpus entry %s/%s: %w", key.SourceKind, key.SourceID, ErrNotFound)
		}
		return model.CorpusEntry{}, fmt.Errorf("storage: get corpus entry: %w", err)
	}
	return e, nil
}

// GetCorpusEntriesByKeys hydrates a batch of (source_kind, source_id) keys
// into full corpus entries in one round trip. This is the bridge between the
// Qdrant candidate index — which only returns keys and similarity scores —
// and the ranking stage, which needs full entries (confidence, usage_count,
// tags, etc.) to compute a final score. Keys with no matching row are
// omitted from the result map rather than failing the batch; a candidate
// that vanished between the ANN search and this lookup is simply dropped.
func (db *DB) GetCorpusEntriesByKeys(ctx context.Context, keys []model.CorpusKey) (map[model.CorpusKey]model.CorpusEntry, error) {
	out := make(map[model.CorpusKey]model.CorpusEntry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	kinds := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		kinds[i] = string(k.SourceKind)
		ids[i] = k.SourceID
	}

	rows, err := db.pool.Query(ctx,
		`SELECT c.source_kind, c.source_id, c.title, c.content, c.category, c.module, c.tags, c.embedding, c.confidence, c.usage_count, c.updated_at
		 FROM corpus_entries c
		 JOIN unnest($1::text[], $2::text[]) AS pair(kind, id) ON c.source_kind = pair.kind AND c.source_id = pair.id`,
		kinds, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get corpus entries by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.CorpusEntry
		if err := rows.Scan(&e.SourceKind, &e.SourceID, &e.Title, &e.Content, &e.Category, &e.Module, &e.Tags, &e.Embedding, &e.Confidence, &e.UsageCount, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan hydrated corpus entry: %w", err)
		}
		out[model.CorpusKey{SourceKind: e.SourceKind, SourceID: e.SourceID}] = e
	}
	return out, rows.Err()
}

// FindSimilarCorpusEntries runs a sequential pgvector cosine-distance scan
// over corpus_entries. This is the no-Qdrant fallback; acceptable for small
// deployments where ANN acceleration isn't deployed yet.
func (db *DB) FindSimilarCorpusEntries(ctx context.Context, embedding pgvector.Vector, filters model.QueryFilters, limit int) ([]model.Hit, error) {
	if limit <= 0 {
		limit = 40
	}

	where, args := buildCorpusWhereClause(filters, 3)
	args = append([]any{embedding, limit}, args...)

	query := fmt.Sprintf(
		`SELECT source_kind, source_id, title, content, category, module, tags, embedding, confidence, usage_count, updated_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM corpus_entries%s
		 ORDER BY embedding <=> $1
		 LIMIT $2`, where)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar corpus entries: %w", err)
	}
	defer rows.Close()

	var hits []model.Hit
	for rows.Next() {
		var e model.CorpusEntry
		var sim float64
		if err := rows.Scan(&e.SourceKind, &e.SourceID, &e.Title, &e.Content, &e.Category, &e.Module, &e.Tags, &e.Embedding, &e.Confidence, &e.UsageCount, &e.UpdatedAt, &sim); err != nil {
			return nil, fmt.Errorf("storage: scan corpus candidate: %w", err)
		}
		hits = append(hits, model.Hit{Entry: e, Similarity: sim})
	}
	return hits, rows.Err()
}

// buildCorpusWhereClause assumes $1 is always the query embedding, as laid
// out by FindSimilarCorpusEntries; startArgIdx is the first placeholder
// free for this clause's own conditions.
func buildCorpusWhereClause(f model.QueryFilters, startArgIdx int) (string, []any) {
	var conditions []string
	var args []any
	idx := startArgIdx

	conditions = append(conditions, "embedding IS NOT NULL")

	if len(f.SourceKinds) > 0 {
		conditions = append(conditions, fmt.Sprintf("source_kind = ANY($%d)", idx))
		args = append(args, f.SourceKinds)
		idx++
	}
	if f.Category != nil {
		// Case-insensitive substring match, not exact equality.
		conditions = append(conditions, fmt.Sprintf("category ILIKE '%%' || $%d || '%%'", idx))
		args = append(args, *f.Category)
		idx++
	}
	if f.MinSimilarity != nil {
		conditions = append(conditions, fmt.Sprintf("1 - (embedding <=> $1) >= $%d", idx))
		args = append(args, *f.MinSimilarity)
		idx++
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// AdjustConfidence applies a confidence delta to a corpus entry inside a
// serializable read-modify-write transaction, clamping to [0, 1]. Usage
// count is only incremented when incrementUsage is set — the separate
// bump_usage operation (BumpUsage/BumpUsageBatch) is the normal path for
// usage accounting during retrieval; self-learning's confidence deltas
// don't imply a usage event. The Self-Learning Coordinator wraps every call
// with storage.WithRetry to absorb serialization failures under contention.
// Fails with ErrNotFound if the key is absent — adjust_confidence never
// creates rows.
func (db *DB) AdjustConfidence(ctx context.Context, key model.CorpusKey, delta float64, incrementUsage bool) (model.ConfidenceUpdate, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return model.ConfidenceUpdate{}, fmt.Errorf("storage: begin adjust confidence tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current float64
	var usage int
	err = tx.QueryRow(ctx,
		`SELECT confidence, usage_count FROM corpus_entries WHERE source_kind = $1 AND source_id = $2 FOR UPDATE`,
		key.SourceKind, key.SourceID,
	).Scan(&current, &usage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConfidenceUpdate{}, fmt.Errorf("storage: corpus entry %s/%s: %w", key.SourceKind, key.SourceID, ErrNotFound)
		}
		return model.ConfidenceUpdate{}, fmt.Errorf("storage: read confidence: %w", err)
	}

	next := current + delta
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	if incrementUsage {
		usage++
	}

	if _, err := tx.Exec(ctx,
		`UPDATE corpus_entries SET confidence = $1, usage_count = $2, updated_at = now() WHERE source_kind = $3 AND source_id = $4`,
		next, usage, key.SourceKind, key.SourceID,
	); err != nil {
		return model.ConfidenceUpdate{}, fmt.Errorf("storage: write confidence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ConfidenceUpdate{}, fmt.Errorf("storage: commit adjust confidence: %w", err)
	}

	return model.ConfidenceUpdate{
		SourceKind:    key.SourceKind,
		SourceID:      key.SourceID,
		Delta:         delta,
		NewConfidence: next,
		NewUsageCount: usage,
	}, nil
}

// BumpUsage increments usage_count for a single corpus entry. Safe to
// retry: the increment itself is not idempotent, but the system tolerates
// occasional double counts from retried calls. Fails with
// ErrNotFound if the key is absent — never creates rows.
func (db *DB) BumpUsage(ctx context.Context, key model.CorpusKey) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE corpus_entries SET usage_count = usage_count + 1, updated_at = now() WHERE source_kind = $1 AND source_id = $2`,
		key.SourceKind, key.SourceID)
	if err != nil {
		return fmt.Errorf("storage: bump usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: corpus entry %s/%s: %w", key.SourceKind, key.SourceID, ErrNotFound)
	}
	return nil
}

// BumpUsageBatch increments usage_count for every key in keys in a single
// statement — used by log_retrieval to bump the top 5 evidence hits
// without issuing one round trip per hit. Keys for rows that no longer
// exist are silently skipped rather than failing the whole batch, since
// this is a best-effort accounting step run after logging has already
// captured the retrieval.
func (db *DB) BumpUsageBatch(ctx context.Context, keys []model.CorpusKey) error {
	if len(keys) == 0 {
		return nil
	}
	kinds := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		kinds[i] = string(k.SourceKind)
		ids[i] = k.SourceID
	}

	_, err := db.pool.Exec(ctx,
		`UPDATE corpus_entries c SET usage_count = usage_count + 1, updated_at = now()
		 FROM unnest($1::text[], $2::text[]) AS pair(kind, id)
		 WHERE c.source_kind = pair.kind AND c.source_id = pair.id`,
		kinds, ids)
	if err != nil {
		return fmt.Errorf("storage: bump usage batch: %w", err)
	}
	return nil
}

// FindUnembeddedCorpusEntries returns entries that have no embedding vector,
// ordered oldest-first, for the embedding backfill loop.
func (db *DB) FindUnembeddedCorpusEntries(ctx context.Context, limit int) ([]model.CorpusEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT source_kind, source_id, title, content, category, module, tags, confidence, usage_count, updated_at
		 FROM corpus_entries WHERE embedding IS NULL ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: find unembedded corpus entries: %w", err)
	}
	defer rows.Close()

	var out []model.CorpusEntry
	for rows.Next() {
		var e model.CorpusEntry
		if err := rows.Scan(&e.SourceKind, &e.SourceID, &e.Title, &e.Content, &e.Category, &e.Module, &e.Tags, &e.Confidence, &e.UsageCount, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan unembedded corpus entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BackfillCorpusEmbedding sets the embedding for an entry and queues an
// outbox upsert so Qdrant is synced. Skips silently if the row no longer exists.
func (db *DB) BackfillCorpusEmbedding(ctx context.Context, key model.CorpusKey, emb pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin backfill tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE corpus_entries SET embedding = $1 WHERE source_kind = $2 AND source_id = $3`,
		emb, key.SourceKind, key.SourceID)
	if err != nil {
		return fmt.Errorf("storage: update corpus embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO corpus_outbox (source_kind, source_id, op) VALUES ($1, $2, 'upsert')`,
		key.SourceKind, key.SourceID); err != nil {
		return fmt.Errorf("storage: queue backfill outbox: %w", err)
	}

	return tx.Commit(ctx)
}
