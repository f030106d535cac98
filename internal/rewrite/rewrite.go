// Package rewrite runs prompts through an optional LLM rewrite stage with a
// persistent content-addressed cache.
package rewrite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Rewriter rewrites a prompt. Name, Model and System identify the rewriter
// configuration for cache keying.
type Rewriter interface {
	Rewrite(ctx context.Context, original string) (string, error)
	Name() string
	Model() string
	System() string
}

// CacheKey is hex(sha256(name || model || system || 0x1F || original)).
// The format is pinned: changing it would orphan existing cache files.
func CacheKey(name, model, system, original string) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte(model))
	h.Write([]byte(system))
	h.Write([]byte{0x1f})
	h.Write([]byte(original))
	return hex.EncodeToString(h.Sum(nil))
}

// Noop returns prompts unchanged. Used when rewriting is enabled without a
// model, and in tests.
type Noop struct{}

func (Noop) Rewrite(_ context.Context, original string) (string, error) { return original, nil }
func (Noop) Name() string                                               { return "noop" }
func (Noop) Model() string                                              { return "" }
func (Noop) System() string                                             { return "" }

// OpenAIRewriter rewrites prompts through the chat completions API.
type OpenAIRewriter struct {
	ModelName    string
	SystemPrompt string
	MaxTokens    int
	APIKey       string
	BaseURL      string
	Client       *http.Client
}

func NewOpenAIRewriter(model, system string, maxTokens int, apiKey string) *OpenAIRewriter {
	return &OpenAIRewriter{
		ModelName:    model,
		SystemPrompt: system,
		MaxTokens:    maxTokens,
		APIKey:       strings.TrimSpace(apiKey),
		BaseURL:      "https://api.openai.com",
		Client:       &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (r *OpenAIRewriter) Rewrite(ctx context.Context, original string) (string, error) {
	body := chatRequest{
		Model:     r.ModelName,
		MaxTokens: r.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: r.SystemPrompt},
			{Role: "user", Content: original},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("rewrite request failed (status=%d)", resp.StatusCode)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return original, nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func (r *OpenAIRewriter) Name() string   { return "openai-rewriter" }
func (r *OpenAIRewriter) Model() string  { return r.ModelName }
func (r *OpenAIRewriter) System() string { return r.SystemPrompt }
