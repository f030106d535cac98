// Package provider defines the image-generation capability the orchestrator
// drives, plus the unified error taxonomy adapters must classify into.
package provider

import "context"

// Artifact is one generated image as returned by a provider.
type Artifact struct {
	Bytes      []byte
	Width      int
	Height     int
	PromptUsed string
	Model      string
}

// ImageProvider turns a prompt into image bytes. Implementations classify
// failures through the Error hierarchy in errors.go; the orchestrator only
// looks at Retryable().
type ImageProvider interface {
	Generate(ctx context.Context, prompt string) (Artifact, error)
	Name() string
	Model() string
	PriceUSDPerImage() float64
}
