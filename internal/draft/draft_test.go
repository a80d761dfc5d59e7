package draft

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/provider/generation"
)

type fakeGenerator struct {
	response string
	calls    int
	gotTemp  float64
}

func (f *fakeGenerator) GenerateStructured(_ context.Context, _ []generation.Message, _ map[string]any, v any, temperature float64) (generation.TokenUsage, error) {
	f.calls++
	f.gotTemp = temperature
	return generation.TokenUsage{}, json.Unmarshal([]byte(f.response), v)
}

func sampleCase(scriptID *string) model.ResolvedCase {
	return model.ResolvedCase{
		CaseID:         "CASE-1",
		ConversationID: "CONV-1",
		Subject:        "Login fails with 500",
		Description:    "Customer reported login failures.",
		Resolution:     "Reset the session cache.",
		RootCause:      "Stale session token in cache.",
		Category:       "auth",
		ScriptID:       scriptID,
	}
}

func TestGenerate_NewDraftHasThreeProvenanceRecords(t *testing.T) {
	gen := &fakeGenerator{response: `{
		"title": "Fixing stale session cache",
		"body": "Clear the session cache when login returns 500.",
		"tags": ["auth", "cache"],
		"module": "auth-service",
		"category": "auth",
		"related_error_codes": ["AUTH_500"],
		"resolution_steps": ["Identify the stale session", "Clear the cache entry"],
		"internal_notes": "Seen twice this week."
	}`}

	req := Request{
		Case:             sampleCase(nil),
		ConversationText: "customer: login is broken\nagent: let me check",
	}

	res, err := Generate(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("expected 1 generation call, got %d", gen.calls)
	}
	if gen.gotTemp < 0.3 || gen.gotTemp > 0.7 {
		t.Fatalf("expected temperature in [0.3, 0.7], got %v", gen.gotTemp)
	}

	if res.Article.Status != model.ArticleDraft {
		t.Fatalf("expected status DRAFT, got %v", res.Article.Status)
	}
	if res.Article.Origin != model.OriginSynthesized {
		t.Fatalf("expected origin SYNTHESIZED, got %v", res.Article.Origin)
	}
	if !strings.HasPrefix(res.Article.ArticleID, "ART-SYN-") {
		t.Fatalf("expected ART-SYN- prefix, got %s", res.Article.ArticleID)
	}
	if !strings.Contains(res.Article.Body, "Resolution Steps") {
		t.Fatalf("expected resolution steps folded into body, got %q", res.Article.Body)
	}
	if !strings.Contains(res.Article.Body, "AUTH_500") {
		t.Fatalf("expected related error codes folded into body, got %q", res.Article.Body)
	}
	if res.Article.ContentHash == "" {
		t.Fatalf("expected a non-empty content hash")
	}

	if len(res.Provenance) != 3 {
		t.Fatalf("expected exactly 3 provenance records, got %d", len(res.Provenance))
	}
	var sawCase, sawConv, sawScript bool
	for _, p := range res.Provenance {
		if p.ArticleID != res.Article.ArticleID {
			t.Fatalf("provenance record article_id mismatch: %s", p.ArticleID)
		}
		switch p.SourceKind {
		case model.ProvenanceCase:
			sawCase = true
			if p.Relationship != model.RelationshipCreatedFrom || p.SourceID != "CASE-1" {
				t.Fatalf("bad case provenance: %+v", p)
			}
		case model.ProvenanceConversation:
			sawConv = true
			if p.Relationship != model.RelationshipCreatedFrom || p.SourceID != "CONV-1" {
				t.Fatalf("bad conversation provenance: %+v", p)
			}
		case model.ProvenanceScript:
			sawScript = true
			if p.Relationship != model.RelationshipReferences || p.SourceID != model.NoScriptSentinel {
				t.Fatalf("bad script provenance for no-script case: %+v", p)
			}
		}
	}
	if !sawCase || !sawConv || !sawScript {
		t.Fatalf("missing a mandatory provenance kind: %+v", res.Provenance)
	}
}

func TestGenerate_ReplacementReferencesScript(t *testing.T) {
	scriptID := "SCRIPT-9"
	gen := &fakeGenerator{response: `{
		"title": "Corrected login guidance",
		"body": "Updated guidance.",
		"tags": ["auth"],
		"resolution_steps": ["Restart the auth worker"]
	}`}

	req := Request{
		Case:                sampleCase(&scriptID),
		ConversationText:    "transcript text",
		ScriptPurpose:       "Restarts the auth worker pool",
		Replacement:         true,
		FlaggedArticleBody:  "Old guidance that is now wrong.",
	}

	res, err := Generate(context.Background(), gen, req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for _, p := range res.Provenance {
		if p.SourceKind == model.ProvenanceScript && p.SourceID != scriptID {
			t.Fatalf("expected script provenance source_id %s, got %s", scriptID, p.SourceID)
		}
	}
}
