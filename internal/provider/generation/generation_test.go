package generation

import (
	"context"
	"errors"
	"testing"
)

type testVerdict struct {
	Verdict string `json:"verdict"`
}

func TestNewOpenAIProvider(t *testing.T) {
	t.Run("missing api key errors", func(t *testing.T) {
		_, err := NewOpenAIProvider("", "gpt-4o-mini", 2)
		if err == nil {
			t.Fatal("expected error for missing API key")
		}
	})

	t.Run("default retries applied", func(t *testing.T) {
		p, err := NewOpenAIProvider("key", "gpt-4o-mini", 0)
		if err != nil {
			t.Fatal(err)
		}
		if p.maxRetries != 2 {
			t.Errorf("expected default maxRetries 2, got %d", p.maxRetries)
		}
	})

	t.Run("custom retries preserved", func(t *testing.T) {
		p, err := NewOpenAIProvider("key", "gpt-4o-mini", 5)
		if err != nil {
			t.Fatal(err)
		}
		if p.maxRetries != 5 {
			t.Errorf("expected maxRetries 5, got %d", p.maxRetries)
		}
	})
}

func TestNewOllamaProvider_Defaults(t *testing.T) {
	p := NewOllamaProvider("", "qwen2.5:7b", 0)
	if p.baseURL != "http://localhost:11434" {
		t.Errorf("expected default base URL, got %q", p.baseURL)
	}
	if p.maxRetries != 2 {
		t.Errorf("expected default maxRetries 2, got %d", p.maxRetries)
	}
}

func TestNoopProvider_GenerateStructured(t *testing.T) {
	p := NewNoopProvider()
	var out testVerdict
	_, err := p.GenerateStructured(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, &out, 0)
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain json", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripCodeFence(tc.input); got != tc.want {
				t.Errorf("stripCodeFence(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
