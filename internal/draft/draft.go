// Package draft implements the Draft Generator: turning a resolved case
// (plus whatever corpus evidence the gap-detection run surfaced) into a
// synthesized Article and its three mandatory Provenance records.
package draft

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/provider/generation"
)

const draftTemperature = 0.5

var draftSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":               map[string]any{"type": "string"},
		"body":                map[string]any{"type": "string"},
		"tags":                map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"module":              map[string]any{"type": "string"},
		"category":            map[string]any{"type": "string"},
		"related_error_codes": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"resolution_steps":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"internal_notes":      map[string]any{"type": "string"},
	},
	"required": []string{"title", "body", "tags", "resolution_steps"},
}

type draftOutput struct {
	Title             string   `json:"title"`
	Body              string   `json:"body"`
	Tags              []string `json:"tags"`
	Module            string   `json:"module"`
	Category          string   `json:"category"`
	RelatedErrorCodes []string `json:"related_error_codes"`
	ResolutionSteps   []string `json:"resolution_steps"`
	InternalNotes     string   `json:"internal_notes"`
}

// Request bundles the inputs a single drafting call needs. Replacement is
// true for a CONTRADICTS draft, in which case FlaggedArticleBody is the
// current body of the article being superseded.
type Request struct {
	Case               model.ResolvedCase
	ConversationText   string
	ScriptPurpose      string
	Replacement        bool
	FlaggedArticleBody string
}

// Result is a drafted Article plus the three Provenance records that must
// be created alongside it in the same transaction.
type Result struct {
	Article    model.Article
	Provenance []model.ProvenanceRecord
}

// Generate runs the Draft Generator: one structured generation call at
// drafting temperature, folded into an Article record plus exactly three
// Provenance records (CREATED_FROM Case, CREATED_FROM Conversation,
// REFERENCES Script — using the empty sentinel when no script applies).
//
// The output schema's related_error_codes/resolution_steps/internal_notes
// fields have no dedicated Article columns; they're folded into Body as
// labeled markdown sections (see the Open Questions note in DESIGN.md) so
// the Review Gateway's activation path doesn't need a parallel schema.
func Generate(ctx context.Context, gen generation.Provider, req Request) (Result, error) {
	var out draftOutput
	messages := []generation.Message{
		{Role: "system", Content: draftSystemPrompt(req.Replacement)},
		{Role: "user", Content: buildDraftPrompt(req)},
	}
	if _, err := gen.GenerateStructured(ctx, messages, draftSchema, &out, draftTemperature); err != nil {
		return Result{}, fmt.Errorf("draft: generate structured: %w", err)
	}

	articleID := newArticleID()
	now := time.Now().UTC()
	var module, category *string
	if out.Module != "" {
		module = &out.Module
	}
	if out.Category != "" {
		category = &out.Category
	} else if req.Case.Category != "" {
		category = &req.Case.Category
	}

	body := composeBody(out)
	article := model.Article{
		ArticleID: articleID,
		Title:     out.Title,
		Body:      body,
		Tags:      out.Tags,
		Module:    module,
		Category:  category,
		Status:    model.ArticleDraft,
		Origin:    model.OriginSynthesized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	article.ContentHash = computeContentHash(article)

	scriptID := model.NoScriptSentinel
	if req.Case.ScriptID != nil {
		scriptID = *req.Case.ScriptID
	}

	provenance := []model.ProvenanceRecord{
		{
			ArticleID:       articleID,
			SourceKind:      model.ProvenanceCase,
			SourceID:        req.Case.CaseID,
			Relationship:    model.RelationshipCreatedFrom,
			EvidenceSnippet: truncate(req.Case.Resolution, 500),
			CreatedAt:       now,
		},
		{
			ArticleID:       articleID,
			SourceKind:      model.ProvenanceConversation,
			SourceID:        req.Case.ConversationID,
			Relationship:    model.RelationshipCreatedFrom,
			EvidenceSnippet: truncate(req.ConversationText, 500),
			CreatedAt:       now,
		},
		{
			ArticleID:       articleID,
			SourceKind:      model.ProvenanceScript,
			SourceID:        scriptID,
			Relationship:    model.RelationshipReferences,
			EvidenceSnippet: truncate(req.ScriptPurpose, 500),
			CreatedAt:       now,
		},
	}

	return Result{Article: article, Provenance: provenance}, nil
}

func draftSystemPrompt(replacement bool) string {
	if replacement {
		return "You are drafting a replacement knowledge base article. The existing article " +
			"is contradicted by a newly resolved case; write a corrected article that " +
			"supersedes it. Respond only with the requested JSON object."
	}
	return "You are drafting a new knowledge base article from a resolved support case. " +
		"Respond only with the requested JSON object."
}

func buildDraftPrompt(req Request) string {
	var b strings.Builder
	c := req.Case
	fmt.Fprintf(&b, "Case subject: %s\n", c.Subject)
	fmt.Fprintf(&b, "Case description: %s\n", c.Description)
	fmt.Fprintf(&b, "Resolution: %s\n", c.Resolution)
	fmt.Fprintf(&b, "Root cause: %s\n", c.RootCause)
	fmt.Fprintf(&b, "Category: %s\n", c.Category)
	if req.ConversationText != "" {
		fmt.Fprintf(&b, "Conversation transcript:\n%s\n", req.ConversationText)
	}
	if req.ScriptPurpose != "" {
		fmt.Fprintf(&b, "Referenced script purpose: %s\n", req.ScriptPurpose)
	}
	if req.Replacement && req.FlaggedArticleBody != "" {
		fmt.Fprintf(&b, "\nThis case contradicts an existing article. Current body:\n%s\n", req.FlaggedArticleBody)
	}
	return b.String()
}

// composeBody folds the schema fields with no Article column of their own
// into labeled markdown sections appended to the model's prose body.
func composeBody(out draftOutput) string {
	var b strings.Builder
	b.WriteString(out.Body)
	if len(out.ResolutionSteps) > 0 {
		b.WriteString("\n\n## Resolution Steps\n")
		for i, s := range out.ResolutionSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	if len(out.RelatedErrorCodes) > 0 {
		b.WriteString("\n## Related Error Codes\n")
		for _, c := range out.RelatedErrorCodes {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if out.InternalNotes != "" {
		b.WriteString("\n## Internal Notes\n")
		b.WriteString(out.InternalNotes)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newArticleID() string {
	var buf [8]byte
	id := uuid.New()
	copy(buf[:], id[:8])
	return "ART-SYN-" + hex.EncodeToString(buf[:])
}

// computeContentHash produces a length-prefixed SHA-256 digest over an
// article's canonical fields (article_id, title, body, tags, module,
// category), using a version-2 field-length-prefixed encoding that avoids
// delimiter collisions in freeform text.
func computeContentHash(a model.Article) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(a.ArticleID)
	writeField(a.Title)
	writeField(a.Body)
	writeField(strings.Join(a.Tags, ","))
	if a.Module != nil {
		writeField(*a.Module)
	} else {
		writeField("")
	}
	if a.Category != nil {
		writeField(*a.Category)
	} else {
		writeField("")
	}
	return "v2:" + hex.EncodeToString(h.Sum(nil))
}
