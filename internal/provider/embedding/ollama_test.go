package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestOllamaProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var count int
		switch v := req.Input.(type) {
		case string:
			count = 1
		case []any:
			count = len(v)
		default:
			http.Error(w, "unexpected input type", http.StatusBadRequest)
			return
		}

		embeddings := make([][]float32, count)
		for i := range embeddings {
			vec := make([]float32, 1024)
			for j := range vec {
				vec[j] = float32(j) * 0.001
			}
			embeddings[i] = vec
		}
		if err := json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: embeddings}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	t.Run("dimensions", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		if p.Dimensions() != 1024 {
			t.Errorf("expected 1024, got %d", p.Dimensions())
		}
	})

	t.Run("embed single via batch", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		vecs, err := p.EmbedBatch(context.Background(), []string{"test text"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 1 {
			t.Fatalf("expected 1 vector, got %d", len(vecs))
		}
		slice := vecs[0].Slice()
		if len(slice) != 1024 {
			t.Errorf("expected 1024-dim vector, got %d", len(slice))
		}
		if slice[0] != 0.0 {
			t.Errorf("expected first element to be 0.0, got %f", slice[0])
		}
		if slice[100] != 0.1 {
			t.Errorf("expected element 100 to be 0.1, got %f", slice[100])
		}
	})

	t.Run("embed batch", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 3 {
			t.Errorf("expected 3 vectors, got %d", len(vecs))
		}
		for i, vec := range vecs {
			if len(vec.Slice()) != 1024 {
				t.Errorf("vector %d: expected 1024-dim, got %d", i, len(vec.Slice()))
			}
		}
	})

	t.Run("embed batch empty", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		vecs, err := p.EmbedBatch(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if vecs != nil {
			t.Errorf("expected nil, got %v", vecs)
		}
	})
}

func TestOllamaProviderErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "test-model", 1024)
		_, err := p.EmbedBatch(context.Background(), []string{"test"})
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("empty embedding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: nil})
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "test-model", 1024)
		_, err := p.EmbedBatch(context.Background(), []string{"test"})
		if err == nil {
			t.Error("expected error for empty embedding, got nil")
		}
	})

	t.Run("invalid json response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "test-model", 1024)
		_, err := p.EmbedBatch(context.Background(), []string{"test"})
		if err == nil {
			t.Error("expected error for invalid json, got nil")
		}
	})
}

func TestTruncateText(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		got := truncateText("hello world", 100)
		if got != "hello world" {
			t.Errorf("expected 'hello world', got %q", got)
		}
	})

	t.Run("exact limit unchanged", func(t *testing.T) {
		text := "hello"
		got := truncateText(text, 5)
		if got != "hello" {
			t.Errorf("expected 'hello', got %q", got)
		}
	})

	t.Run("truncates at word boundary", func(t *testing.T) {
		text := "the quick brown fox jumps over the lazy dog"
		got := truncateText(text, 20)
		if got != "the quick brown fox" {
			t.Errorf("expected 'the quick brown fox', got %q", got)
		}
	})

	t.Run("hard truncate when no spaces", func(t *testing.T) {
		text := strings.Repeat("a", 30)
		got := truncateText(text, 10)
		if len(got) != 10 {
			t.Errorf("expected length 10, got %d", len(got))
		}
	})

	t.Run("empty text", func(t *testing.T) {
		got := truncateText("", 100)
		if got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})
}

func TestNoopProvider_EmbedBatch(t *testing.T) {
	p := NewNoopProvider(1024)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error from NoopProvider.EmbedBatch, got nil")
	}
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil vectors, got %v", vecs)
	}
}

func TestNoopProvider_Dimensions(t *testing.T) {
	t.Run("1024", func(t *testing.T) {
		p := NewNoopProvider(1024)
		if got := p.Dimensions(); got != 1024 {
			t.Errorf("expected 1024, got %d", got)
		}
	})

	t.Run("512", func(t *testing.T) {
		p := NewNoopProvider(512)
		if got := p.Dimensions(); got != 512 {
			t.Errorf("expected 512, got %d", got)
		}
	})
}

func TestTruncateText_UTF8Safety(t *testing.T) {
	// Japanese characters are 3 bytes each in UTF-8. Truncating mid-rune
	// must never produce invalid UTF-8 or exceed the rune limit.
	input := "こんにちは世界テスト"
	runeCount := utf8.RuneCountInString(input)

	t.Run("truncate mid-string", func(t *testing.T) {
		limit := 5
		got := truncateText(input, limit)

		if !utf8.ValidString(got) {
			t.Fatalf("truncated string is not valid UTF-8: %q", got)
		}

		gotRunes := utf8.RuneCountInString(got)
		if gotRunes > limit {
			t.Errorf("rune count %d exceeds limit %d", gotRunes, limit)
		}
	})

	t.Run("limit exceeds length", func(t *testing.T) {
		got := truncateText(input, runeCount+10)
		if got != input {
			t.Errorf("expected original string unchanged, got %q", got)
		}
	})

	t.Run("limit equals length", func(t *testing.T) {
		got := truncateText(input, runeCount)
		if got != input {
			t.Errorf("expected original string unchanged, got %q", got)
		}
	})

	t.Run("mixed ascii and multibyte", func(t *testing.T) {
		mixed := "hello こんにちは world"
		limit := 8
		got := truncateText(mixed, limit)

		if !utf8.ValidString(got) {
			t.Fatalf("truncated mixed string is not valid UTF-8: %q", got)
		}

		gotRunes := utf8.RuneCountInString(got)
		if gotRunes > limit {
			t.Errorf("rune count %d exceeds limit %d", gotRunes, limit)
		}
	})
}
