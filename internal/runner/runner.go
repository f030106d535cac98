// Package runner assembles a pipeline from configuration and executes it.
// The CLI and the HTTP server both go through Execute.
package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/danshapiro/adgen/internal/config"
	"github.com/danshapiro/adgen/internal/dedupe"
	"github.com/danshapiro/adgen/internal/events"
	"github.com/danshapiro/adgen/internal/orchestrator"
	"github.com/danshapiro/adgen/internal/post"
	"github.com/danshapiro/adgen/internal/prompt"
	"github.com/danshapiro/adgen/internal/provider"
	"github.com/danshapiro/adgen/internal/provider/gemini"
	"github.com/danshapiro/adgen/internal/provider/mock"
	"github.com/danshapiro/adgen/internal/provider/openai"
	"github.com/danshapiro/adgen/internal/rewrite"
	"github.com/danshapiro/adgen/internal/store"
)

const defaultAPIKeyEnv = "OPENAI_API_KEY"

// BuildProvider constructs the configured image provider.
func BuildProvider(cfg *config.RunConfig) (provider.ImageProvider, error) {
	p := cfg.Provider
	switch p.Kind {
	case config.ProviderMock:
		model := p.Model
		if model == "" {
			model = "noise-v1"
		}
		return mock.New(model, p.Width, p.Height), nil
	case config.ProviderOpenAI:
		key, err := apiKey(p.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return openai.New(p.Model, key, p.Width, p.Height, p.PriceUSDPerImage), nil
	case config.ProviderGemini:
		key, err := apiKey(p.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return gemini.New(p.Model, key, p.Width, p.Height, p.PriceUSDPerImage), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

func apiKey(envName string) (string, error) {
	if envName == "" {
		envName = defaultAPIKeyEnv
	}
	key := os.Getenv(envName)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", envName)
	}
	return key, nil
}

// BuildGenerator constructs the prompt source for a template.
func BuildGenerator(tpl *config.TemplateFile, seed uint64) *prompt.VariantGenerator {
	if ad := tpl.Mode.AdTemplate; ad != nil {
		return prompt.NewAdGenerator(prompt.AdTemplate{
			Brand:   ad.Brand,
			Product: ad.Product,
			Styles:  append([]string(nil), ad.Styles...),
		}, seed)
	}
	return prompt.NewGeneralGenerator(prompt.GeneralPrompt{Prompt: tpl.Mode.GeneralPrompt.Prompt}, seed)
}

// buildExtras wires the optional pipeline stages.
func buildExtras(cfg *config.RunConfig) (orchestrator.Extras, error) {
	var extras orchestrator.Extras

	if cfg.Rewrite.Enabled {
		if cfg.Rewrite.Model == "" {
			// No rewrite model configured: identity rewriter, no cache.
			extras.Rewriter = rewrite.Noop{}
		} else {
			key, err := apiKey(cfg.Provider.APIKeyEnv)
			if err != nil {
				return extras, fmt.Errorf("rewrite: %w", err)
			}
			extras.Rewriter = rewrite.NewOpenAIRewriter(cfg.Rewrite.Model, cfg.Rewrite.System, cfg.Rewrite.MaxTokens, key)
			cache, err := rewrite.LoadCache(cfg.Rewrite.CacheFile)
			if err != nil {
				return extras, fmt.Errorf("rewrite cache: %w", err)
			}
			extras.Cache = cache
		}
	}

	if cfg.Dedupe.Enabled {
		d, err := dedupe.New(cfg.Dedupe.PHashBits, cfg.Dedupe.PHashThresh)
		if err != nil {
			return extras, err
		}
		extras.Deduper = d
	}

	opts := post.Options{
		Fmt:         post.Format(cfg.Post.Fmt),
		JPEGQuality: cfg.Post.JPEGQuality,
		Width:       cfg.Post.Width,
		Height:      cfg.Post.Height,
		Thumbnail:   cfg.Post.Thumbnail,
		ThumbMax:    cfg.Post.ThumbMax,
	}
	if cfg.Post.WatermarkText != "" {
		opts.Watermark = &post.Watermark{
			Text:     cfg.Post.WatermarkText,
			FontPath: cfg.Post.WatermarkFont,
			Px:       cfg.Post.WatermarkPx,
			Margin:   cfg.Post.WatermarkMargin,
		}
	}
	proc, err := post.New(opts)
	if err != nil {
		return extras, err
	}
	extras.Post = proc

	return extras, nil
}

// Execute runs one full pipeline: provider, prompts, optional stages, and
// the orchestrator, publishing events on bus. outDir must already be chosen;
// resume state is read from its manifest when cfg.Resume is set.
func Execute(ctx context.Context, runID string, cfg *config.RunConfig, tpl *config.TemplateFile, outDir string, bus *events.Bus) error {
	prov, err := BuildProvider(cfg)
	if err != nil {
		return err
	}
	extras, err := buildExtras(cfg)
	if err != nil {
		return err
	}

	ocfg := orchestrator.Config{
		RunID:           runID,
		OutDir:          outDir,
		Target:          cfg.Orchestrator.TargetImages,
		NextID:          1,
		Concurrency:     cfg.Orchestrator.Concurrency,
		QueueCap:        cfg.Orchestrator.QueueCap,
		RatePerMin:      cfg.Orchestrator.RatePerMin,
		MaxAttempts:     cfg.Orchestrator.MaxAttempts,
		BackoffBaseMS:   cfg.Orchestrator.BackoffBaseMS,
		BackoffFactor:   cfg.Orchestrator.BackoffFactor,
		BackoffJitterMS: cfg.Orchestrator.BackoffJitterMS,
	}

	if cfg.Resume {
		completed, nextID, entries, err := store.ResumeState(outDir)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		ocfg.Completed = uint64(completed)
		ocfg.NextID = nextID
		if extras.Deduper != nil {
			for _, e := range entries {
				if e.PHash == "" {
					continue
				}
				if err := extras.Deduper.Seed(e.PHash); err != nil {
					bus.Publish(events.Log(runID, fmt.Sprintf("resume: skipping bad phash for id %d: %v", e.ID, err)))
				}
			}
		}
	}

	gen := BuildGenerator(tpl, cfg.Seed)
	return orchestrator.Run(ctx, prov, gen, ocfg, extras, bus)
}
