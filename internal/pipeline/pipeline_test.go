package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/provider/generation"
	"github.com/ashita-ai/satori/internal/provider/rerank"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEmbedder returns a fixed-length zero vector per input text, enough to
// exercise batch shape without caring about real embedding content.
type fakeEmbedder struct {
	dims  int
	calls int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	f.calls++
	vecs := make([]pgvector.Vector, len(texts))
	for i := range texts {
		vecs[i] = pgvector.NewVector(make([]float32, f.dims))
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

// fakeFinder returns a fixed hit set regardless of the embedding, letting
// tests control candidates directly.
type fakeFinder struct {
	hits  []model.Hit
	calls int
}

func (f *fakeFinder) FindHits(_ context.Context, _ []float32, _ model.QueryFilters, _ int) ([]model.Hit, error) {
	f.calls++
	out := make([]model.Hit, len(f.hits))
	copy(out, f.hits)
	return out, nil
}

// fakeGenerator returns canned JSON per call, in order, cycling the last
// response once exhausted.
type fakeGenerator struct {
	responses []string
	calls     int
}

func (f *fakeGenerator) GenerateStructured(_ context.Context, _ []generation.Message, _ map[string]any, v any, _ float64) (generation.TokenUsage, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	if err := json.Unmarshal([]byte(f.responses[idx]), v); err != nil {
		return generation.TokenUsage{}, err
	}
	return generation.TokenUsage{PromptTokens: 10, CompletionTokens: 5}, nil
}

// unhealthyReranker always reports unhealthy, exercising the "preserve
// similarity order" fallback.
type unhealthyReranker struct{}

func (unhealthyReranker) Rerank(context.Context, string, []string, int) ([]rerank.Result, error) {
	panic("should not be called when unhealthy")
}
func (unhealthyReranker) Healthy(context.Context) error { return errUnhealthy }

var errUnhealthy = &fakeErr{"rerank service unavailable"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

// fakeUsageBumper records bumped keys without touching storage.
type fakeUsageBumper struct {
	bumped []model.CorpusKey
}

func (f *fakeUsageBumper) BumpUsageBatch(_ context.Context, keys []model.CorpusKey) error {
	f.bumped = append(f.bumped, keys...)
	return nil
}

// fakeExecutions records execution records instead of writing to storage.
type fakeExecutions struct {
	records []model.ExecutionRecord
}

func (f *fakeExecutions) CreateExecutionRecord(_ context.Context, r model.ExecutionRecord) error {
	f.records = append(f.records, r)
	return nil
}

// fakeLogAppender records appended rows instead of buffering to storage.
type fakeLogAppender struct {
	rows []model.RetrievalAttemptLog
}

func (f *fakeLogAppender) Append(rows []model.RetrievalAttemptLog) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func sampleHit(id string, similarity float64) model.Hit {
	return model.Hit{
		Entry: model.CorpusEntry{
			SourceKind: model.SourceArticle,
			SourceID:   id,
			Title:      "title-" + id,
			Content:    "content-" + id,
			Confidence: 0.5,
		},
		Similarity: similarity,
	}
}

func baseDeps(finder *fakeFinder, gen *fakeGenerator, exec *fakeExecutions, logs *fakeLogAppender, bump *fakeUsageBumper) *Deps {
	return &Deps{
		Embedder:               &fakeEmbedder{dims: 3},
		Finder:                 finder,
		Reranker:                nil,
		Enricher:                nil,
		Generator:               gen,
		UsageBumper:             bump,
		Executions:              exec,
		Logs:                    logs,
		MaxCandidates:           40,
		GapSimilarityThreshold:  0.75,
		Logger:                  testLogger(),
	}
}

func TestRunQA_HappyPath(t *testing.T) {
	finder := &fakeFinder{hits: []model.Hit{sampleHit("a1", 0.9), sampleHit("a2", 0.8)}}
	gen := &fakeGenerator{responses: []string{
		`{"queries":["q1","q2"],"rationale":"r"}`,
		`{"answer":"the answer","citations":[{"source_kind":"ARTICLE","source_id":"a1","title":"t","quote":"q"}],"self_confidence":"high"}`,
	}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunQA(context.Background(), deps, RunQAParams{ConversationID: "conv-1", Query: "how do I reset my password", TopK: 5})
	if err != nil {
		t.Fatalf("RunQA: %v", err)
	}
	if st.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", st.Status)
	}
	if st.Answer != "the answer" {
		t.Fatalf("unexpected answer: %q", st.Answer)
	}
	if len(st.Citations) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(st.Citations))
	}
	if len(logs.rows) != 2 {
		t.Fatalf("expected 2 logged rows (one per evidence hit), got %d", len(logs.rows))
	}
	if len(bump.bumped) != 2 {
		t.Fatalf("expected usage bumped for both hits (<=5), got %d", len(bump.bumped))
	}
	if len(exec.records) != 1 {
		t.Fatalf("expected 1 execution record, got %d", len(exec.records))
	}
	if exec.records[0].Status != model.ExecutionOK {
		t.Fatalf("expected execution status ok, got %v", exec.records[0].Status)
	}
}

func TestRunQA_EmptyCandidatesYieldsInsufficientEvidence(t *testing.T) {
	finder := &fakeFinder{hits: nil}
	gen := &fakeGenerator{responses: []string{`{"queries":["q1","q2"],"rationale":"r"}`}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunQA(context.Background(), deps, RunQAParams{ConversationID: "conv-2", Query: "obscure question", TopK: 5})
	if err != nil {
		t.Fatalf("RunQA: %v", err)
	}
	if st.Status != StatusInsufficientEvidence {
		t.Fatalf("expected InsufficientEvidence, got %v", st.Status)
	}
	if st.Answer != "" {
		t.Fatalf("expected no answer, got %q", st.Answer)
	}
	if len(logs.rows) != 0 {
		t.Fatalf("expected no logged rows with empty evidence, got %d", len(logs.rows))
	}
}

func TestRunQA_ValidateRetryWidensTopKOnce(t *testing.T) {
	finder := &fakeFinder{hits: []model.Hit{sampleHit("a1", 0.9)}}
	gen := &fakeGenerator{responses: []string{
		`{"queries":["q1","q2"],"rationale":"r"}`,
		// First write_answer: no citations -> fails validate.
		`{"answer":"","citations":[],"self_confidence":"low"}`,
		// Second write_answer (after retry): passes.
		`{"answer":"final answer","citations":[{"source_kind":"ARTICLE","source_id":"a1","title":"t","quote":"q"}],"self_confidence":"medium"}`,
	}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunQA(context.Background(), deps, RunQAParams{ConversationID: "conv-3", Query: "question", TopK: 4})
	if err != nil {
		t.Fatalf("RunQA: %v", err)
	}
	if st.Status != StatusOK {
		t.Fatalf("expected StatusOK after retry, got %v", st.Status)
	}
	if st.AttemptNo != 1 {
		t.Fatalf("expected attempt_no 1 after one retry, got %d", st.AttemptNo)
	}
	if st.TopK != 6 {
		t.Fatalf("expected top_k widened from 4 to 6 (x1.5), got %d", st.TopK)
	}
	if finder.calls != 4 {
		t.Fatalf("expected 4 searches (2 variants x initial + retry retrieve), got %d", finder.calls)
	}
	if st.Answer != "final answer" {
		t.Fatalf("unexpected final answer: %q", st.Answer)
	}
}

func TestWidenTopK(t *testing.T) {
	cases := []struct {
		topK, want int
	}{
		{4, 6},
		{5, 8}, // ceil(5*1.5) = 8, not the truncated 7
		{1, 2},
		{10, 15},
	}
	for _, c := range cases {
		if got := widenTopK(c.topK); got != c.want {
			t.Errorf("widenTopK(%d) = %d, want %d", c.topK, got, c.want)
		}
	}
}

func TestRunQA_SecondValidateFailureYieldsInsufficientEvidence(t *testing.T) {
	finder := &fakeFinder{hits: []model.Hit{sampleHit("a1", 0.9)}}
	gen := &fakeGenerator{responses: []string{
		`{"queries":["q1","q2"],"rationale":"r"}`,
		`{"answer":"","citations":[],"self_confidence":"low"}`,
		`{"answer":"","citations":[],"self_confidence":"low"}`,
	}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunQA(context.Background(), deps, RunQAParams{ConversationID: "conv-4", Query: "question", TopK: 4})
	if err != nil {
		t.Fatalf("RunQA: %v", err)
	}
	if st.Status != StatusInsufficientEvidence {
		t.Fatalf("expected InsufficientEvidence after second failure, got %v", st.Status)
	}
	if st.Answer != "" {
		t.Fatalf("expected answer cleared on terminal failure, got %q", st.Answer)
	}
}

func TestRunGap_NoEvidenceYieldsNew(t *testing.T) {
	finder := &fakeFinder{hits: nil}
	gen := &fakeGenerator{responses: []string{`{"queries":["q1","q2"],"rationale":"r"}`}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunGap(context.Background(), deps, RunGapParams{Query: "q", CaseSubject: "s", CaseResolution: "r", CaseRootCause: "rc"})
	if err != nil {
		t.Fatalf("RunGap: %v", err)
	}
	if st.Decision == nil || st.Decision.Verdict != model.VerdictNew {
		t.Fatalf("expected NEW verdict with no evidence, got %+v", st.Decision)
	}
}

func TestRunGap_SimilarityFloorOverridesModelVerdict(t *testing.T) {
	// Best hit similarity (0.5) is below the default 0.75 gap threshold, so
	// the verdict must be forced to NEW even though the model claims SAME.
	finder := &fakeFinder{hits: []model.Hit{sampleHit("a1", 0.5)}}
	gen := &fakeGenerator{responses: []string{
		`{"queries":["q1","q2"],"rationale":"r"}`,
	}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunGap(context.Background(), deps, RunGapParams{Query: "q", CaseSubject: "s", CaseResolution: "r", CaseRootCause: "rc"})
	if err != nil {
		t.Fatalf("RunGap: %v", err)
	}
	if st.Decision.Verdict != model.VerdictNew {
		t.Fatalf("expected similarity floor to force NEW, got %v", st.Decision.Verdict)
	}
	if gen.calls != 1 {
		t.Fatalf("expected classify_knowledge to short-circuit without a generation call, got %d calls", gen.calls)
	}
}

func TestRunGap_AboveThresholdUsesModelVerdict(t *testing.T) {
	finder := &fakeFinder{hits: []model.Hit{sampleHit("a1", 0.9)}}
	gen := &fakeGenerator{responses: []string{
		`{"queries":["q1","q2"],"rationale":"r"}`,
		`{"verdict":"CONTRADICTS","reasoning":"different fix prescribed","best_match_source_id":"a1","similarity_score":0.9}`,
	}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)

	st, err := RunGap(context.Background(), deps, RunGapParams{Query: "q", CaseSubject: "s", CaseResolution: "r", CaseRootCause: "rc"})
	if err != nil {
		t.Fatalf("RunGap: %v", err)
	}
	if st.Decision.Verdict != model.VerdictContradicts {
		t.Fatalf("expected CONTRADICTS verdict to stand, got %v", st.Decision.Verdict)
	}
	if gen.calls != 2 {
		t.Fatalf("expected classify_knowledge to call the generation port, got %d calls", gen.calls)
	}
}

func TestMergeRerankFallbackWhenUnhealthy(t *testing.T) {
	finder := &fakeFinder{hits: []model.Hit{sampleHit("a1", 0.6), sampleHit("a2", 0.9)}}
	gen := &fakeGenerator{responses: []string{
		`{"queries":["q1"],"rationale":"r"}`,
		`{"answer":"a","citations":[{"source_kind":"ARTICLE","source_id":"a2","title":"t","quote":"q"}],"self_confidence":"high"}`,
	}}
	exec := &fakeExecutions{}
	logs := &fakeLogAppender{}
	bump := &fakeUsageBumper{}
	deps := baseDeps(finder, gen, exec, logs, bump)
	deps.Reranker = unhealthyReranker{}

	st, err := RunQA(context.Background(), deps, RunQAParams{ConversationID: "conv-5", Query: "q", TopK: 5})
	if err != nil {
		t.Fatalf("RunQA: %v", err)
	}
	if len(st.Evidence) != 2 {
		t.Fatalf("expected both candidates to survive as evidence, got %d", len(st.Evidence))
	}
	if st.Evidence[0].Entry.SourceID != "a2" {
		t.Fatalf("expected similarity order preserved (a2 first), got %s", st.Evidence[0].Entry.SourceID)
	}
}
