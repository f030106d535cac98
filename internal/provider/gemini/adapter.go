// Package gemini implements a Gemini-shaped images adapter using the same
// request envelope as the OpenAI images API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/adgen/internal/provider"
)

type Adapter struct {
	ModelName string
	APIKey    string
	BaseURL   string
	Width     int
	Height    int
	Price     float64
	Client    *http.Client
}

func New(model, apiKey string, width, height int, price float64) *Adapter {
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	return &Adapter{
		ModelName: model,
		APIKey:    strings.TrimSpace(apiKey),
		BaseURL:   "https://gemini.googleapis.com",
		Width:     width,
		Height:    height,
		Price:     price,
		Client:    &http.Client{Timeout: 120 * time.Second},
	}
}

type generateRequest struct {
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type generateResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (a *Adapter) Generate(ctx context.Context, prompt string) (provider.Artifact, error) {
	body := generateRequest{
		Prompt: prompt,
		Size:   fmt.Sprintf("%dx%d", a.Width, a.Height),
		Model:  a.ModelName,
	}
	if strings.HasPrefix(a.ModelName, "gemini-3-pro-image-preview") {
		body.ResponseFormat = "b64_json"
	}

	b, err := json.Marshal(body)
	if err != nil {
		return provider.Artifact{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/images/generations", bytes.NewReader(b))
	if err != nil {
		return provider.Artifact{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return provider.Artifact{}, provider.NewTransportError(a.Name(), err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Artifact{}, provider.NewTransportError(a.Name(), err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return provider.Artifact{}, provider.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, provider.Snippet(raw), ra)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return provider.Artifact{}, provider.NewTransportError(a.Name(), "decode response: "+err.Error())
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return provider.Artifact{}, provider.NewSchemaError(a.Name(), "response carried no image data")
	}
	imgBytes, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return provider.Artifact{}, provider.NewTransportError(a.Name(), "decode b64_json: "+err.Error())
	}

	return provider.Artifact{
		Bytes:      imgBytes,
		Width:      a.Width,
		Height:     a.Height,
		PromptUsed: prompt,
		Model:      a.ModelName,
	}, nil
}

func (a *Adapter) Name() string              { return "gemini" }
func (a *Adapter) Model() string             { return a.ModelName }
func (a *Adapter) PriceUSDPerImage() float64 { return a.Price }
