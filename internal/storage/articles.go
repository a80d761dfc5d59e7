package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/satori/internal/model"
)

// CreateArticle inserts a new article. Synthesized articles are expected to
// reach this call only after their three provenance records have been
// prepared by the caller (enforced by the draft generator, not here).
func (db *DB) CreateArticle(ctx context.Context, a model.Article) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO articles (article_id, title, body, tags, module, category, status, origin, content_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ArticleID, a.Title, a.Body, a.Tags, a.Module, a.Category, a.Status, a.Origin, a.ContentHash, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create article: %w", err)
	}
	return nil
}

// GetArticle retrieves an article by ID.
func (db *DB) GetArticle(ctx context.Context, articleID string) (model.Article, error) {
	var a model.Article
	err := db.pool.QueryRow(ctx,
		`SELECT article_id, title, body, tags, module, category, status, origin, content_hash, created_at, updated_at
		 FROM articles WHERE article_id = $1`, articleID,
	).Scan(&a.ArticleID, &a.Title, &a.Body, &a.Tags, &a.Module, &a.Category, &a.Status, &a.Origin, &a.ContentHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Article{}, fmt.Errorf("storage: article %s: %w", articleID, ErrNotFound)
		}
		return model.Article{}, fmt.Errorf("storage: get article: %w", err)
	}
	return a, nil
}

// SetArticleStatus transitions an article's status, e.g. DRAFT -> ACTIVE on
// review approval, or ACTIVE -> ARCHIVED on contradiction rejection.
func (db *DB) SetArticleStatus(ctx context.Context, articleID string, status model.ArticleStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE articles SET status = $1, updated_at = now() WHERE article_id = $2`, status, articleID)
	if err != nil {
		return fmt.Errorf("storage: set article status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: article %s: %w", articleID, ErrNotFound)
	}
	return nil
}

// UpdateArticleContent replaces an article's title and body in place,
// used by the Review Gateway when a CONTRADICTS draft supersedes the
// article it was flagged against.
func (db *DB) UpdateArticleContent(ctx context.Context, articleID, title, body string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE articles SET title = $1, body = $2, updated_at = now() WHERE article_id = $3`,
		title, body, articleID)
	if err != nil {
		return fmt.Errorf("storage: update article content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: article %s: %w", articleID, ErrNotFound)
	}
	return nil
}

// CreateProvenanceRecords inserts the provenance records for a synthesized
// article in a single transaction. Called with exactly three records by the
// draft generator (CREATED_FROM Case, CREATED_FROM Conversation, REFERENCES
// Script or its empty sentinel), but this method itself is agnostic
// to the count so it can also be used for incremental REFERENCES additions.
func (db *DB) CreateProvenanceRecords(ctx context.Context, records []model.ProvenanceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin provenance tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, r := range records {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO provenance_records (article_id, source_kind, source_id, relationship, evidence_snippet, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ArticleID, r.SourceKind, r.SourceID, r.Relationship, r.EvidenceSnippet, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert provenance record: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetProvenanceByArticle returns all provenance records for an article.
func (db *DB) GetProvenanceByArticle(ctx context.Context, articleID string) ([]model.ProvenanceRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT article_id, source_kind, source_id, relationship, evidence_snippet, created_at
		 FROM provenance_records WHERE article_id = $1 ORDER BY created_at ASC`, articleID)
	if err != nil {
		return nil, fmt.Errorf("storage: get provenance by article: %w", err)
	}
	defer rows.Close()

	var out []model.ProvenanceRecord
	for rows.Next() {
		var r model.ProvenanceRecord
		if err := rows.Scan(&r.ArticleID, &r.SourceKind, &r.SourceID, &r.Relationship, &r.EvidenceSnippet, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan provenance record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetProvenanceByArticles batch-loads provenance records for many articles at
// once, grouped by article ID. Used by the Enrichment Resolver's ARTICLE loader.
func (db *DB) GetProvenanceByArticles(ctx context.Context, articleIDs []string) (map[string][]model.ProvenanceRecord, error) {
	if len(articleIDs) == 0 {
		return map[string][]model.ProvenanceRecord{}, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT article_id, source_kind, source_id, relationship, evidence_snippet, created_at
		 FROM provenance_records WHERE article_id = ANY($1) ORDER BY created_at ASC`, articleIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get provenance by articles: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.ProvenanceRecord, len(articleIDs))
	for rows.Next() {
		var r model.ProvenanceRecord
		if err := rows.Scan(&r.ArticleID, &r.SourceKind, &r.SourceID, &r.Relationship, &r.EvidenceSnippet, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan provenance record: %w", err)
		}
		out[r.ArticleID] = append(out[r.ArticleID], r)
	}
	return out, rows.Err()
}
