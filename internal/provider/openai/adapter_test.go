package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danshapiro/adgen/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := New("dall-e-3", "test-key", 64, 64, 0.04)
	a.BaseURL = srv.URL
	a.Client = srv.Client()
	return a
}

func TestGenerate_B64Path(t *testing.T) {
	payload := []byte("fake-png-bytes")
	var gotReq generateRequest
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth header: %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(payload)}},
		})
	})

	art, err := a.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(art.Bytes) != string(payload) {
		t.Fatalf("bytes: %q", art.Bytes)
	}
	if art.Model != "dall-e-3" || art.PromptUsed != "a cat" || art.Width != 64 {
		t.Fatalf("artifact: %+v", art)
	}
	// dall-e models must request b64_json explicitly.
	if gotReq.ResponseFormat != "b64_json" {
		t.Fatalf("response_format: %q", gotReq.ResponseFormat)
	}
	if gotReq.Size != "64x64" {
		t.Fatalf("size: %q", gotReq.Size)
	}
}

func TestGenerate_OmitsResponseFormatForGPTImageModels(t *testing.T) {
	var gotRaw map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotRaw)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("x"))}},
		})
	})
	a.ModelName = "gpt-image-1"

	if _, err := a.Generate(context.Background(), "p"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, present := gotRaw["response_format"]; present {
		t.Fatal("response_format must be omitted for non dall-e models")
	}
}

func TestGenerate_URLPathFetchesBytes(t *testing.T) {
	payload := []byte("url-fetched-bytes")
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"url": srv.URL + "/blob"}},
		})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})

	a := New("dall-e-2", "k", 64, 64, 0)
	a.BaseURL = srv.URL
	a.Client = srv.Client()

	art, err := a.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(art.Bytes) != string(payload) {
		t.Fatalf("bytes: %q", art.Bytes)
	}
}

func TestGenerate_RateLimitClassified(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})
	_, err := a.Generate(context.Background(), "p")
	var rl *provider.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if ra := rl.RetryAfter(); ra == nil {
		t.Fatal("expected Retry-After to be parsed")
	}
}

func TestGenerate_FatalOn400(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid size"}`, http.StatusBadRequest)
	})
	_, err := a.Generate(context.Background(), "p")
	if err == nil || provider.Retryable(err) {
		t.Fatalf("400 must be fatal, got %v", err)
	}
}

func TestGenerate_EmptyDataIsSchemaError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	_, err := a.Generate(context.Background(), "p")
	var se *provider.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected schema error, got %v", err)
	}
}
