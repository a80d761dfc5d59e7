package pipeline

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/search"
)

// HitFinder finds candidate hits for an embedded query, already hydrated
// into full model.Hit values. It abstracts over two deployment shapes: a
// Qdrant-backed ANN index (whose raw results need a Postgres round trip to
// fill in Entry) and the Postgres pgvector fallback (which returns fully
// hydrated hits directly, without a Qdrant dependency).
type HitFinder interface {
	FindHits(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]model.Hit, error)
}

// entryHydrator narrows the storage dependency to the one batch lookup the
// Qdrant-backed finder needs.
type entryHydrator interface {
	GetCorpusEntriesByKeys(ctx context.Context, keys []model.CorpusKey) (map[model.CorpusKey]model.CorpusEntry, error)
}

// QdrantHitFinder adapts a search.Searcher (keys + similarity only) into a
// HitFinder by hydrating full corpus entries from Postgres in one batched
// call per search.
type QdrantHitFinder struct {
	searcher search.Searcher
	store    entryHydrator
}

// NewQdrantHitFinder builds a HitFinder backed by an ANN index plus the
// storage layer that holds the entries' source-of-truth fields.
func NewQdrantHitFinder(searcher search.Searcher, store entryHydrator) *QdrantHitFinder {
	return &QdrantHitFinder{searcher: searcher, store: store}
}

func (f *QdrantHitFinder) FindHits(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]model.Hit, error) {
	results, err := f.searcher.Search(ctx, embedding, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("pipeline: search index: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	keys := make([]model.CorpusKey, len(results))
	scores := make(map[model.CorpusKey]float32, len(results))
	for i, r := range results {
		keys[i] = r.Key
		scores[r.Key] = r.Score
	}

	entries, err := f.store.GetCorpusEntriesByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("pipeline: hydrate candidates: %w", err)
	}

	hits := make([]model.Hit, 0, len(entries))
	for key, score := range scores {
		entry, ok := entries[key]
		if !ok {
			// Candidate vanished between the ANN search and the hydration
			// lookup (e.g. deleted concurrently). Drop it rather than fail
			// the whole retrieve node.
			continue
		}
		hits = append(hits, model.Hit{Entry: entry, Similarity: float64(score)})
	}
	return hits, nil
}

// pgvectorFinder is the subset of storage.DB's pgvector fallback path this
// package depends on.
type pgvectorFinder interface {
	FindSimilarCorpusEntries(ctx context.Context, embedding pgvector.Vector, filters model.QueryFilters, limit int) ([]model.Hit, error)
}

// PgHitFinder is the no-Qdrant HitFinder: a direct pgvector sequential scan
// that already returns fully hydrated hits, no separate hydration step
// needed.
type PgHitFinder struct {
	store pgvectorFinder
}

// NewPgHitFinder builds a HitFinder backed directly by Postgres, for
// deployments that haven't provisioned Qdrant.
func NewPgHitFinder(store pgvectorFinder) *PgHitFinder {
	return &PgHitFinder{store: store}
}

func (f *PgHitFinder) FindHits(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]model.Hit, error) {
	hits, err := f.store.FindSimilarCorpusEntries(ctx, pgvector.NewVector(embedding), filters, limit)
	if err != nil {
		return nil, fmt.Errorf("pipeline: pgvector fallback search: %w", err)
	}
	return hits, nil
}
