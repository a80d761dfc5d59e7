// Package model defines the shared data types for the corpus, the retrieval
// pipeline, and the self-learning coordinator. Types are plain structs with
// pointer fields for optionality; no behavior lives here beyond simple
// validation predicates.
package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// SourceKind tags the origin of a Corpus Entry.
type SourceKind string

const (
	SourceScript         SourceKind = "SCRIPT"
	SourceArticle        SourceKind = "ARTICLE"
	SourceCaseResolution SourceKind = "CASE_RESOLUTION"
)

// Valid reports whether k is one of the three recognized source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceScript, SourceArticle, SourceCaseResolution:
		return true
	default:
		return false
	}
}

// CorpusKey is the composite primary key of a Corpus Entry.
type CorpusKey struct {
	SourceKind SourceKind
	SourceID   string
}

// CorpusEntry is the atom of knowledge: a single retrievable unit embedded
// into the shared vector space, identified by (source_kind, source_id).
type CorpusEntry struct {
	SourceKind  SourceKind
	SourceID    string
	Title       string
	Content     string
	Category    *string
	Module      *string
	Tags        []string
	Embedding   pgvector.Vector
	Confidence  float64
	UsageCount  int
	UpdatedAt   time.Time
}

// Key returns the entry's composite primary key.
func (e CorpusEntry) Key() CorpusKey {
	return CorpusKey{SourceKind: e.SourceKind, SourceID: e.SourceID}
}

// Hit is a Corpus Entry returned from a similarity search, carrying the raw
// cosine similarity and (once scored) the user-facing final_score.
type Hit struct {
	Entry      CorpusEntry
	Similarity float64 // cosine-based, 1 - cosine_distance, in [0,1]
	RerankScore *float64
	FinalScore  float64
	Enriched    *EnrichedDetail
}

// QueryFilters narrow a Corpus Store search.
type QueryFilters struct {
	SourceKinds  []SourceKind
	Category     *string // matched case-insensitively as substring
	MinSimilarity *float64
}

// EnrichedDetail carries the per-source-kind metadata attached by the
// Enrichment Resolver. At most one of the kind-specific groups is populated,
// matching the hit's SourceKind.
type EnrichedDetail struct {
	// ARTICLE
	LinkedCaseID         *string
	LinkedConversationID *string
	LinkedScriptID       *string

	// SCRIPT
	Purpose        *string
	RequiredInputs []string

	// CASE_RESOLUTION
	Subject    *string
	Resolution *string
	RootCause  *string
}
