package learning

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/pipeline"
	"github.com/ashita-ai/satori/internal/provider/generation"
)

type fakeCases struct {
	c model.ResolvedCase
}

func (f *fakeCases) GetResolvedCase(_ context.Context, _ string) (model.ResolvedCase, error) {
	return f.c, nil
}

func (f *fakeCases) PutResolvedCase(_ context.Context, c model.ResolvedCase) error {
	f.c = c
	return nil
}

type fakeLogCaseLinker struct{}

func (fakeLogCaseLinker) LinkRetrievalLogsToCase(_ context.Context, _, _ string) (int, error) {
	return 1, nil
}

type fakeOutcomeScorer struct {
	rows []model.RetrievalAttemptLog
}

func (f *fakeOutcomeScorer) ScoreRetrievalOutcomes(_ context.Context, _ string, _ model.RetrievalOutcome) (int, error) {
	return len(f.rows), nil
}

func (f *fakeOutcomeScorer) GetRetrievalLogsByCase(_ context.Context, _ string) ([]model.RetrievalAttemptLog, error) {
	return f.rows, nil
}

type fakeConfidenceAdjuster struct {
	calls []model.CorpusKey
}

func (f *fakeConfidenceAdjuster) AdjustConfidence(_ context.Context, key model.CorpusKey, delta float64, _ bool) (model.ConfidenceUpdate, error) {
	f.calls = append(f.calls, key)
	return model.ConfidenceUpdate{SourceKind: key.SourceKind, SourceID: key.SourceID, Delta: delta, NewConfidence: 0.6}, nil
}

type fakeEventCreator struct {
	events []model.LearningEvent
}

func (f *fakeEventCreator) CreateLearningEvent(_ context.Context, e model.LearningEvent) error {
	f.events = append(f.events, e)
	return nil
}

type fakeArticleCreator struct {
	articles []model.Article
}

func (f *fakeArticleCreator) CreateArticle(_ context.Context, a model.Article) error {
	f.articles = append(f.articles, a)
	return nil
}

func (f *fakeArticleCreator) CreateProvenanceRecords(_ context.Context, _ []model.ProvenanceRecord) error {
	return nil
}

func (f *fakeArticleCreator) GetArticle(_ context.Context, id string) (model.Article, error) {
	return model.Article{ArticleID: id, Body: "existing body"}, nil
}

// fakeGenerator cycles canned JSON responses, in order.
type fakeGenerator struct {
	responses []string
	calls     int
}

func (f *fakeGenerator) GenerateStructured(_ context.Context, _ []generation.Message, _ map[string]any, v any, _ float64) (generation.TokenUsage, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return generation.TokenUsage{}, json.Unmarshal([]byte(f.responses[i]), v)
}

type fakeHitFinder struct {
	hits []model.Hit
}

func (f *fakeHitFinder) FindHits(_ context.Context, _ []float32, _ model.QueryFilters, _ int) ([]model.Hit, error) {
	out := make([]model.Hit, len(f.hits))
	copy(out, f.hits)
	return out, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range texts {
		vecs[i] = pgvector.NewVector(make([]float32, 4))
	}
	return vecs, nil
}
func (fakeEmbedder) Dimensions() int { return 4 }

func sampleHit(id string, similarity float64) model.Hit {
	return model.Hit{
		Entry:      model.CorpusEntry{SourceKind: model.SourceArticle, SourceID: id, Title: "t-" + id},
		Similarity: similarity,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func basePipelineDeps(gen *fakeGenerator, hits []model.Hit) *pipeline.Deps {
	return &pipeline.Deps{
		Embedder:               fakeEmbedder{},
		Finder:                 &fakeHitFinder{hits: hits},
		Generator:              gen,
		MaxCandidates:          40,
		GapSimilarityThreshold: 0.75,
		Logger:                 testLogger(),
	}
}

func sampleCase() model.ResolvedCase {
	return model.ResolvedCase{
		CaseID:         "CASE-1",
		ConversationID: "CONV-1",
		Subject:        "Login fails",
		Resolution:     "Reset cache",
		RootCause:      "Stale token",
		Category:       "auth",
		Outcome:        model.CaseOutcomeResolved,
	}
}

func TestRun_SameVerdictConfirmsMatchNoDraft(t *testing.T) {
	hit := sampleHit("ART-1", 0.9)
	gen := &fakeGenerator{responses: []string{
		`{"queries": ["login fails"], "rationale": "r"}`,
		`{"verdict": "SAME", "reasoning": "matches", "best_match_source_id": "ART-1", "similarity_score": 0.9}`,
	}}

	rows := []model.RetrievalAttemptLog{{SourceKind: ptrKind(model.SourceArticle), SourceID: ptrStr("ART-1")}}
	conf := &fakeConfidenceAdjuster{}
	events := &fakeEventCreator{}
	articles := &fakeArticleCreator{}

	d := &Deps{
		Cases:      &fakeCases{c: sampleCase()},
		Logs:       fakeLogCaseLinker{},
		Outcomes:   &fakeOutcomeScorer{rows: rows},
		Confidence: conf,
		Events:     events,
		Articles:   articles,
		Generator:  gen,
		Pipeline:   basePipelineDeps(gen, []model.Hit{hit}),
	}

	res, err := Run(context.Background(), d, "CASE-1", "conversation transcript text", DeltaTable{Resolved: 0.10, Partial: 0.02, Unhelpful: -0.05, Confirmed: 0.05})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
	if res.Verdict != model.VerdictSame {
		t.Fatalf("expected SAME, got %v", res.Verdict)
	}
	if len(articles.articles) != 0 {
		t.Fatalf("expected no draft article for SAME verdict, got %d", len(articles.articles))
	}
	if len(events.events) != 1 || events.events[0].EventKind != model.EventConfirmed {
		t.Fatalf("expected exactly 1 CONFIRMED event, got %+v", events.events)
	}
	if events.events[0].FinalStatus == nil || *events.events[0].FinalStatus != model.ReviewApproved {
		t.Fatalf("expected CONFIRMED event auto-approved, got %+v", events.events[0])
	}
	// one confidence update from outcome scoring + one from the confirm bump
	if len(conf.calls) != 2 {
		t.Fatalf("expected 2 confidence adjustments, got %d", len(conf.calls))
	}
}

func TestRun_NewVerdictDraftsArticleAndPendingEvent(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"queries": ["login fails"], "rationale": "r"}`,
		`{"title": "New article", "body": "body text", "tags": ["auth"], "resolution_steps": ["step one"]}`,
	}}

	events := &fakeEventCreator{}
	articles := &fakeArticleCreator{}

	d := &Deps{
		Cases:      &fakeCases{c: sampleCase()},
		Logs:       fakeLogCaseLinker{},
		Outcomes:   &fakeOutcomeScorer{},
		Confidence: &fakeConfidenceAdjuster{},
		Events:     events,
		Articles:   articles,
		Generator:  gen,
		Pipeline:   basePipelineDeps(gen, nil),
	}

	res, err := Run(context.Background(), d, "CASE-1", "conversation transcript text", DeltaTable{Resolved: 0.10, Partial: 0.02, Unhelpful: -0.05, Confirmed: 0.05})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != model.VerdictNew {
		t.Fatalf("expected NEW, got %v", res.Verdict)
	}
	if len(articles.articles) != 1 {
		t.Fatalf("expected exactly 1 drafted article, got %d", len(articles.articles))
	}
	if len(events.events) != 1 || events.events[0].EventKind != model.EventGap {
		t.Fatalf("expected exactly 1 GAP event, got %+v", events.events)
	}
	if events.events[0].FinalStatus != nil {
		t.Fatalf("expected GAP event to start pending, got %+v", events.events[0])
	}
	if res.DraftedArticleID == nil || *res.DraftedArticleID != articles.articles[0].ArticleID {
		t.Fatalf("expected result to report the drafted article id")
	}
}

func ptrKind(k model.SourceKind) *model.SourceKind { return &k }
func ptrStr(s string) *string                      { return &s }
