package rewrite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCacheKey_Shape(t *testing.T) {
	k := CacheKey("openai-rewriter", "gpt-4o-mini", "be concise", "a cat")
	if len(k) != 64 {
		t.Fatalf("key length: %d", len(k))
	}
	if k != CacheKey("openai-rewriter", "gpt-4o-mini", "be concise", "a cat") {
		t.Fatal("key not stable")
	}
	if k == CacheKey("openai-rewriter", "gpt-4o-mini", "be concise", "a dog") {
		t.Fatal("different originals must key differently")
	}
	if k == CacheKey("openai-rewriter", "gpt-4o", "be concise", "a cat") {
		t.Fatal("different models must key differently")
	}
	// The 0x1F separator keeps (system, original) unambiguous.
	if CacheKey("n", "m", "ab", "c") == CacheKey("n", "m", "a", "bc") {
		t.Fatal("separator failed to disambiguate system/original split")
	}
}

func TestCache_PutGetAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	c, err := LoadCache(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("fresh cache not empty: %d", c.Len())
	}

	if err := c.Put("k1", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, ok := c.Get("k1"); !ok || v != "v1" {
		t.Fatalf("get: %q %v", v, ok)
	}

	// Exactly one JSONL tuple on disk.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 cache line, got %d", len(lines))
	}
	var tuple [2]string
	if err := json.Unmarshal([]byte(lines[0]), &tuple); err != nil {
		t.Fatalf("line not a JSON tuple: %v", err)
	}
	if tuple != [2]string{"k1", "v1"} {
		t.Fatalf("tuple: %v", tuple)
	}

	// Reload sees the persisted entry.
	c2, err := LoadCache(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, ok := c2.Get("k1"); !ok || v != "v1" {
		t.Fatalf("reload get: %q %v", v, ok)
	}
}

func TestCache_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	content := "[\"a\",\"b\"]\nnot json\n[\"c\",\"d\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadCache(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}

func TestNoop(t *testing.T) {
	out, err := Noop{}.Rewrite(context.Background(), "keep me")
	if err != nil || out != "keep me" {
		t.Fatalf("noop: %q %v", out, err)
	}
}

func TestOpenAIRewriter_ChatCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "orig" {
			t.Errorf("messages: %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "rewritten"}}},
		})
	}))
	defer srv.Close()

	rw := NewOpenAIRewriter("gpt-4o-mini", "sys", 100, "k")
	rw.BaseURL = srv.URL
	rw.Client = srv.Client()

	out, err := rw.Rewrite(context.Background(), "orig")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "rewritten" {
		t.Fatalf("out: %q", out)
	}
}

func TestOpenAIRewriter_HTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rw := NewOpenAIRewriter("m", "s", 10, "k")
	rw.BaseURL = srv.URL
	rw.Client = srv.Client()

	if _, err := rw.Rewrite(context.Background(), "orig"); err == nil {
		t.Fatal("expected error from 500")
	}
}
