package gemini

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
	a := New("gemini-2.5-flash-image", "k", 32, 32, 0.02)
	a.BaseURL = srv.URL
	a.Client = srv.Client()
	return a
}

func TestGenerate_DecodesB64(t *testing.T) {
	payload := []byte("gemini-bytes")
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat != "" {
			t.Errorf("response_format should be omitted for %s", req.Model)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(payload)}},
		})
	})
	art, err := a.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(art.Bytes) != string(payload) {
		t.Fatalf("bytes: %q", art.Bytes)
	}
}

func TestGenerate_PreviewModelRequestsB64(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat != "b64_json" {
			t.Errorf("preview model must request b64_json, got %q", req.ResponseFormat)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("x"))}},
		})
	})
	a.ModelName = "gemini-3-pro-image-preview"
	if _, err := a.Generate(context.Background(), "p"); err != nil {
		t.Fatalf("generate: %v", err)
	}
}

func TestGenerate_ServerErrorRetryable(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	})
	_, err := a.Generate(context.Background(), "p")
	var se *provider.ServerError
	if !errors.As(err, &se) || !provider.Retryable(err) {
		t.Fatalf("expected retryable server error, got %v", err)
	}
}

func TestGenerate_MissingDataIsSchemaError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"b64_json": ""}}})
	})
	_, err := a.Generate(context.Background(), "p")
	var sch *provider.SchemaError
	if !errors.As(err, &sch) {
		t.Fatalf("expected schema error, got %v", err)
	}
}
