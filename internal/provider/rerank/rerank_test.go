package rerank

import (
	"context"
	"testing"
)

func TestNewCohereProvider(t *testing.T) {
	t.Run("missing api key errors", func(t *testing.T) {
		_, err := NewCohereProvider("", "")
		if err == nil {
			t.Fatal("expected error for missing API key")
		}
	})

	t.Run("default model applied", func(t *testing.T) {
		p, err := NewCohereProvider("key", "")
		if err != nil {
			t.Fatal(err)
		}
		if p.model != "rerank-english-v3.0" {
			t.Errorf("expected default model, got %q", p.model)
		}
	})

	t.Run("custom model preserved", func(t *testing.T) {
		p, err := NewCohereProvider("key", "rerank-multilingual-v3.0")
		if err != nil {
			t.Fatal(err)
		}
		if p.model != "rerank-multilingual-v3.0" {
			t.Errorf("expected custom model, got %q", p.model)
		}
	})
}

func TestCohereProvider_RerankEmptyCandidates(t *testing.T) {
	p, err := NewCohereProvider("key", "")
	if err != nil {
		t.Fatal(err)
	}
	results, err := p.Rerank(context.Background(), "query", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Errorf("expected nil results for empty candidates, got %v", results)
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider()

	if err := p.Healthy(context.Background()); err == nil {
		t.Error("expected noop provider to report unhealthy")
	}

	if _, err := p.Rerank(context.Background(), "q", []string{"a"}, 1); err == nil {
		t.Error("expected noop provider Rerank to error")
	}
}
