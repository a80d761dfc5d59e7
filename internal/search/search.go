// Package search provides vector search over the corpus using external
// search indexes with a Postgres sequential-scan fallback, plus the
// final_score blend used to rank evidence for callers.
package search

import (
	"context"
	"sort"
	"time"

	"github.com/ashita-ai/satori/internal/model"
)

// Result holds a corpus entry key and its raw similarity score from the
// search index. The caller hydrates full CorpusEntry objects from Postgres
// (source of truth).
type Result struct {
	Key   model.CorpusKey
	Score float32
}

// Searcher is the interface for vector search indexes. Implementations must
// be safe for concurrent use.
type Searcher interface {
	// Search returns corpus entry keys matching the query vector, filtered
	// by the given filters. Returns keys + raw similarity scores; the
	// caller hydrates from Postgres.
	Search(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// CandidateFinder performs ANN search for internal use (the Gap Classifier's
// similarity-floor check against the full corpus). QdrantIndex implements
// both Searcher and CandidateFinder; callers that hold a Searcher can
// type-assert to CandidateFinder when they need it.
type CandidateFinder interface {
	FindSimilar(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]Result, error)
}

// Weights holds the five weights blended into final_score. Mirrors
// config.ScoreWeights without importing the config package, so this package
// has no dependency on application wiring.
type Weights struct {
	Similarity float64
	Rerank     float64
	Confidence float64
	Freshness  float64
	Learning   float64
}

// usageSaturationK is the constant k in usage_count / (usage_count + k),
// chosen so that ~10 prior uses saturates the learning term to 0.5.
const usageSaturationK = 10.0

// FinalScore blends similarity, rerank score, confidence, freshness, and a
// usage-saturation learning term into a single [0,1] ranking score. When no
// rerank score is present, similarity substitutes for it.
func FinalScore(hit model.Hit, maxAgeDays int, w Weights, now time.Time) float64 {
	rerank := hit.Similarity
	if hit.RerankScore != nil {
		rerank = *hit.RerankScore
	}

	ageDays := now.Sub(hit.Entry.UpdatedAt).Hours() / 24.0
	freshness := clamp01(1 - ageDays/float64(maxAgeDays))

	learning := float64(hit.Entry.UsageCount) / (float64(hit.Entry.UsageCount) + usageSaturationK)

	score := w.Similarity*clamp01(hit.Similarity) +
		w.Rerank*clamp01(rerank) +
		w.Confidence*clamp01(hit.Entry.Confidence) +
		w.Freshness*freshness +
		w.Learning*learning

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RankHits computes final_score for every hit, sorts descending by it with
// ties broken on source_id, and truncates to limit.
func RankHits(hits []model.Hit, maxAgeDays int, w Weights, limit int) []model.Hit {
	now := time.Now()
	scored := make([]model.Hit, len(hits))
	copy(scored, hits)
	for i := range scored {
		scored[i].FinalScore = FinalScore(scored[i], maxAgeDays, w, now)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		return scored[i].Entry.SourceID < scored[j].Entry.SourceID
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// MergeCandidates merges candidate hits discovered by the retrieve step's
// query variants (one search per variant), deterministically
// resolving duplicate keys by max-similarity-wins with source_id as the
// tie-break.
func MergeCandidates(batches ...[]model.Hit) []model.Hit {
	best := make(map[model.CorpusKey]model.Hit)
	for _, batch := range batches {
		for _, h := range batch {
			k := h.Entry.Key()
			existing, ok := best[k]
			if !ok || h.Similarity > existing.Similarity ||
				(h.Similarity == existing.Similarity && h.Entry.SourceID < existing.Entry.SourceID) {
				best[k] = h
			}
		}
	}

	out := make([]model.Hit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Entry.SourceID < out[j].Entry.SourceID
	})
	return out
}
