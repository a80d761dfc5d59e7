package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/ashita-ai/satori/internal/model"
)

type fakeLoaders struct {
	provenance map[string][]model.ProvenanceRecord
	scripts    map[string]ScriptMetadata
	cases      map[string]CaseResolutionDetail

	provenanceErr error

	provenanceCalls int
	scriptsCalls    int
	casesCalls      int
}

func (f *fakeLoaders) GetProvenanceByArticles(ctx context.Context, articleIDs []string) (map[string][]model.ProvenanceRecord, error) {
	f.provenanceCalls++
	if f.provenanceErr != nil {
		return nil, f.provenanceErr
	}
	out := make(map[string][]model.ProvenanceRecord, len(articleIDs))
	for _, id := range articleIDs {
		if recs, ok := f.provenance[id]; ok {
			out[id] = recs
		}
	}
	return out, nil
}

func (f *fakeLoaders) GetScriptMetadataBatch(ctx context.Context, scriptIDs []string) (map[string]ScriptMetadata, error) {
	f.scriptsCalls++
	out := make(map[string]ScriptMetadata, len(scriptIDs))
	for _, id := range scriptIDs {
		if m, ok := f.scripts[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeLoaders) GetCaseResolutionDetailsBatch(ctx context.Context, caseIDs []string) (map[string]CaseResolutionDetail, error) {
	f.casesCalls++
	out := make(map[string]CaseResolutionDetail, len(caseIDs))
	for _, id := range caseIDs {
		if d, ok := f.cases[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func TestResolver_Resolve_ArticleHits(t *testing.T) {
	f := &fakeLoaders{
		provenance: map[string][]model.ProvenanceRecord{
			"ART-1": {
				{ArticleID: "ART-1", SourceKind: model.ProvenanceCase, SourceID: "case-1", Relationship: model.RelationshipCreatedFrom},
				{ArticleID: "ART-1", SourceKind: model.ProvenanceConversation, SourceID: "conv-1", Relationship: model.RelationshipCreatedFrom},
				{ArticleID: "ART-1", SourceKind: model.ProvenanceScript, SourceID: "script-1", Relationship: model.RelationshipReferences},
			},
		},
	}
	r := New(f, f, f)

	hits := []model.Hit{
		{Entry: model.CorpusEntry{SourceKind: model.SourceArticle, SourceID: "ART-1"}},
	}
	if err := r.Resolve(context.Background(), hits); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got := hits[0].Enriched
	if got == nil {
		t.Fatal("expected enriched detail, got nil")
	}
	if got.LinkedCaseID == nil || *got.LinkedCaseID != "case-1" {
		t.Errorf("linked case id = %v", got.LinkedCaseID)
	}
	if got.LinkedConversationID == nil || *got.LinkedConversationID != "conv-1" {
		t.Errorf("linked conversation id = %v", got.LinkedConversationID)
	}
	if got.LinkedScriptID == nil || *got.LinkedScriptID != "script-1" {
		t.Errorf("linked script id = %v", got.LinkedScriptID)
	}
	if f.scriptsCalls != 0 || f.casesCalls != 0 {
		t.Errorf("expected no script/case loader calls, got scripts=%d cases=%d", f.scriptsCalls, f.casesCalls)
	}
}

func TestResolver_Resolve_ScriptHits(t *testing.T) {
	f := &fakeLoaders{
		scripts: map[string]ScriptMetadata{
			"script-1": {Purpose: "reset password", RequiredInputs: []string{"username"}},
		},
	}
	r := New(f, f, f)

	hits := []model.Hit{
		{Entry: model.CorpusEntry{SourceKind: model.SourceScript, SourceID: "script-1"}},
	}
	if err := r.Resolve(context.Background(), hits); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got := hits[0].Enriched
	if got == nil || got.Purpose == nil || *got.Purpose != "reset password" {
		t.Fatalf("unexpected enriched detail: %+v", got)
	}
	if len(got.RequiredInputs) != 1 || got.RequiredInputs[0] != "username" {
		t.Errorf("required inputs = %v", got.RequiredInputs)
	}
}

func TestResolver_Resolve_CaseResolutionHits(t *testing.T) {
	f := &fakeLoaders{
		cases: map[string]CaseResolutionDetail{
			"case-9": {Subject: "printer offline", Resolution: "restart spooler", RootCause: "spooler crash"},
		},
	}
	r := New(f, f, f)

	hits := []model.Hit{
		{Entry: model.CorpusEntry{SourceKind: model.SourceCaseResolution, SourceID: "case-9"}},
	}
	if err := r.Resolve(context.Background(), hits); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got := hits[0].Enriched
	if got == nil || got.Subject == nil || *got.Subject != "printer offline" {
		t.Fatalf("unexpected enriched detail: %+v", got)
	}
	if got.Resolution == nil || *got.Resolution != "restart spooler" {
		t.Errorf("resolution = %v", got.Resolution)
	}
	if got.RootCause == nil || *got.RootCause != "spooler crash" {
		t.Errorf("root cause = %v", got.RootCause)
	}
}

func TestResolver_Resolve_MixedHitsOneQueryPerKind(t *testing.T) {
	f := &fakeLoaders{
		provenance: map[string][]model.ProvenanceRecord{
			"ART-1": {{ArticleID: "ART-1", SourceKind: model.ProvenanceCase, SourceID: "case-1", Relationship: model.RelationshipCreatedFrom}},
			"ART-2": {{ArticleID: "ART-2", SourceKind: model.ProvenanceCase, SourceID: "case-2", Relationship: model.RelationshipCreatedFrom}},
		},
		scripts: map[string]ScriptMetadata{
			"script-1": {Purpose: "p"},
		},
		cases: map[string]CaseResolutionDetail{
			"case-9": {Subject: "s"},
		},
	}
	r := New(f, f, f)

	hits := []model.Hit{
		{Entry: model.CorpusEntry{SourceKind: model.SourceArticle, SourceID: "ART-1"}},
		{Entry: model.CorpusEntry{SourceKind: model.SourceArticle, SourceID: "ART-2"}},
		{Entry: model.CorpusEntry{SourceKind: model.SourceScript, SourceID: "script-1"}},
		{Entry: model.CorpusEntry{SourceKind: model.SourceCaseResolution, SourceID: "case-9"}},
	}
	if err := r.Resolve(context.Background(), hits); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if f.provenanceCalls != 1 {
		t.Errorf("expected exactly 1 provenance batch call, got %d", f.provenanceCalls)
	}
	if f.scriptsCalls != 1 {
		t.Errorf("expected exactly 1 script batch call, got %d", f.scriptsCalls)
	}
	if f.casesCalls != 1 {
		t.Errorf("expected exactly 1 case resolution batch call, got %d", f.casesCalls)
	}
	for i, h := range hits {
		if h.Enriched == nil {
			t.Errorf("hit %d: expected enriched detail", i)
		}
	}
}

func TestResolver_Resolve_NoMatchLeavesEnrichedNil(t *testing.T) {
	f := &fakeLoaders{}
	r := New(f, f, f)

	hits := []model.Hit{
		{Entry: model.CorpusEntry{SourceKind: model.SourceScript, SourceID: "unknown-script"}},
	}
	if err := r.Resolve(context.Background(), hits); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if hits[0].Enriched != nil {
		t.Errorf("expected nil enriched detail for unmatched script id, got %+v", hits[0].Enriched)
	}
}

func TestResolver_Resolve_OneKindFailureLeavesOthersEnriched(t *testing.T) {
	f := &fakeLoaders{
		provenanceErr: errors.New("provenance store unavailable"),
		scripts: map[string]ScriptMetadata{
			"script-1": {Purpose: "reset password"},
		},
		cases: map[string]CaseResolutionDetail{
			"case-9": {Subject: "printer offline"},
		},
	}
	r := New(f, f, f)

	hits := []model.Hit{
		{Entry: model.CorpusEntry{SourceKind: model.SourceArticle, SourceID: "ART-1"}},
		{Entry: model.CorpusEntry{SourceKind: model.SourceScript, SourceID: "script-1"}},
		{Entry: model.CorpusEntry{SourceKind: model.SourceCaseResolution, SourceID: "case-9"}},
	}

	err := r.Resolve(context.Background(), hits)
	if err == nil {
		t.Fatal("expected a non-nil error reporting the provenance failure")
	}

	if hits[0].Enriched != nil {
		t.Errorf("article hit: expected unenriched after provenance failure, got %+v", hits[0].Enriched)
	}
	if hits[1].Enriched == nil || hits[1].Enriched.Purpose == nil || *hits[1].Enriched.Purpose != "reset password" {
		t.Errorf("script hit: expected enrichment unaffected by provenance failure, got %+v", hits[1].Enriched)
	}
	if hits[2].Enriched == nil || hits[2].Enriched.Subject == nil || *hits[2].Enriched.Subject != "printer offline" {
		t.Errorf("case resolution hit: expected enrichment unaffected by provenance failure, got %+v", hits[2].Enriched)
	}
}

func TestResolver_Resolve_EmptyHits(t *testing.T) {
	f := &fakeLoaders{}
	r := New(f, f, f)

	if err := r.Resolve(context.Background(), nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.provenanceCalls != 0 || f.scriptsCalls != 0 || f.casesCalls != 0 {
		t.Error("expected no loader calls for empty hit set")
	}
}
