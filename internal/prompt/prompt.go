// Package prompt turns a template into a stream of prompt variants.
package prompt

import (
	"fmt"
	"math/rand"
	"sync"
)

// fallbackStyle is used when an ad template has no styles configured.
const fallbackStyle = "clean product photo"

// AdTemplate is a structured advertisement template. Immutable after creation.
type AdTemplate struct {
	Brand   string
	Product string
	Styles  []string
}

// GeneralPrompt is a fixed free-form prompt.
type GeneralPrompt struct {
	Prompt string
}

// VariantGenerator produces prompt strings from a template. Deterministic:
// for a fixed (template, seed) the k-th call to Next returns the same string.
// Next is serialized internally; determinism depends on that serialization.
type VariantGenerator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	ad      *AdTemplate
	general *GeneralPrompt
}

// NewAdGenerator builds a generator that samples one style per variant.
func NewAdGenerator(tpl AdTemplate, seed uint64) *VariantGenerator {
	return &VariantGenerator{
		rng: rand.New(rand.NewSource(int64(seed))),
		ad:  &tpl,
	}
}

// NewGeneralGenerator builds a generator that always returns the fixed prompt.
func NewGeneralGenerator(p GeneralPrompt, seed uint64) *VariantGenerator {
	return &VariantGenerator{
		rng:     rand.New(rand.NewSource(int64(seed))),
		general: &p,
	}
}

// Next returns the next prompt variant.
func (g *VariantGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.general != nil {
		return g.general.Prompt
	}

	style := fallbackStyle
	if len(g.ad.Styles) > 0 {
		style = g.ad.Styles[g.rng.Intn(len(g.ad.Styles))]
	}
	return fmt.Sprintf("An advertisement image for %s %s in style: %s", g.ad.Brand, g.ad.Product, style)
}
