package model

import "time"

// ArticleStatus is the lifecycle state of an Article.
type ArticleStatus string

const (
	ArticleActive   ArticleStatus = "ACTIVE"
	ArticleDraft    ArticleStatus = "DRAFT"
	ArticleArchived ArticleStatus = "ARCHIVED"
)

// ArticleOrigin records whether an Article was seeded or synthesized.
type ArticleOrigin string

const (
	OriginSeed        ArticleOrigin = "SEED"
	OriginSynthesized ArticleOrigin = "SYNTHESIZED"
)

// Article is the human-readable knowledge artifact. A Synthesized Article
// must carry at least three Provenance records before it reaches
// ACTIVE status.
type Article struct {
	ArticleID   string
	Title       string
	Body        string
	Tags        []string
	Module      *string
	Category    *string
	Status      ArticleStatus
	Origin      ArticleOrigin
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProvenanceSourceKind is the kind of thing a Provenance Record points back to.
type ProvenanceSourceKind string

const (
	ProvenanceCase         ProvenanceSourceKind = "Case"
	ProvenanceConversation ProvenanceSourceKind = "Conversation"
	ProvenanceScript       ProvenanceSourceKind = "Script"
)

// ProvenanceRelationship describes how a Provenance Record relates an
// article to its source.
type ProvenanceRelationship string

const (
	RelationshipCreatedFrom ProvenanceRelationship = "CREATED_FROM"
	RelationshipReferences  ProvenanceRelationship = "REFERENCES"
)

// NoScriptSentinel is the source_id used for a REFERENCES Script provenance
// record when a draft has no referenced script. The relationship still
// holds; the sentinel marks the absence explicitly rather than omitting the
// row.
const NoScriptSentinel = ""

// ProvenanceRecord links a synthesized article back to its originating
// case, conversation, and referenced script.
type ProvenanceRecord struct {
	ArticleID        string
	SourceKind       ProvenanceSourceKind
	SourceID         string
	Relationship     ProvenanceRelationship
	EvidenceSnippet  string
	CreatedAt        time.Time
}
