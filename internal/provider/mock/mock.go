// Package mock synthesizes deterministic noise images for tests and dry runs.
package mock

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math/rand"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/adgen/internal/provider"
)

type Provider struct {
	ModelName string
	Width     int
	Height    int
}

func New(model string, width, height int) *Provider {
	if model == "" {
		model = "noise-v1"
	}
	return &Provider{ModelName: model, Width: width, Height: height}
}

// Generate returns a noise PNG seeded from the prompt, so identical prompts
// produce byte-identical images.
func (p *Provider) Generate(_ context.Context, prompt string) (provider.Artifact, error) {
	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))

	h := blake3.New()
	_, _ = h.Write([]byte(prompt))
	seed := int64(binary.BigEndian.Uint64(h.Sum(nil)[:8]))
	rng := rand.New(rand.NewSource(seed))

	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return provider.Artifact{}, err
	}
	return provider.Artifact{
		Bytes:      buf.Bytes(),
		Width:      p.Width,
		Height:     p.Height,
		PromptUsed: prompt,
		Model:      p.ModelName,
	}, nil
}

func (p *Provider) Name() string              { return "mock" }
func (p *Provider) Model() string             { return p.ModelName }
func (p *Provider) PriceUSDPerImage() float64 { return 0 }
