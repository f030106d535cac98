// Package config loads and validates run configuration and prompt templates.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ProviderKind string

const (
	ProviderMock   ProviderKind = "mock"
	ProviderOpenAI ProviderKind = "openai"
	ProviderGemini ProviderKind = "gemini"
)

type ProviderCfg struct {
	Kind             ProviderKind `json:"kind" yaml:"kind"`
	Model            string       `json:"model,omitempty" yaml:"model,omitempty"`
	APIKeyEnv        string       `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Width            int          `json:"width,omitempty" yaml:"width,omitempty"`
	Height           int          `json:"height,omitempty" yaml:"height,omitempty"`
	PriceUSDPerImage float64      `json:"price_usd_per_image,omitempty" yaml:"price_usd_per_image,omitempty"`
}

type OrchestratorCfg struct {
	TargetImages    uint64  `json:"target_images" yaml:"target_images"`
	Concurrency     int     `json:"concurrency" yaml:"concurrency"`
	QueueCap        int     `json:"queue_cap" yaml:"queue_cap"`
	RatePerMin      int     `json:"rate_per_min" yaml:"rate_per_min"`
	BackoffBaseMS   int64   `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffFactor   float64 `json:"backoff_factor" yaml:"backoff_factor"`
	BackoffJitterMS int64   `json:"backoff_jitter_ms" yaml:"backoff_jitter_ms"`
	MaxAttempts     int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

type DedupeCfg struct {
	Enabled     bool `json:"enabled" yaml:"enabled"`
	PHashBits   int  `json:"phash_bits" yaml:"phash_bits"`
	PHashThresh int  `json:"phash_thresh" yaml:"phash_thresh"`
}

type PostCfg struct {
	Thumbnail bool `json:"thumbnail" yaml:"thumbnail"`
	ThumbMax  int  `json:"thumb_max" yaml:"thumb_max"`

	Fmt             string  `json:"fmt,omitempty" yaml:"fmt,omitempty"`
	JPEGQuality     int     `json:"jpeg_quality,omitempty" yaml:"jpeg_quality,omitempty"`
	Width           int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height          int     `json:"height,omitempty" yaml:"height,omitempty"`
	WatermarkText   string  `json:"watermark_text,omitempty" yaml:"watermark_text,omitempty"`
	WatermarkFont   string  `json:"watermark_font,omitempty" yaml:"watermark_font,omitempty"`
	WatermarkPx     float64 `json:"watermark_px,omitempty" yaml:"watermark_px,omitempty"`
	WatermarkMargin int     `json:"watermark_margin,omitempty" yaml:"watermark_margin,omitempty"`
}

type RewriteCfg struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	System    string `json:"system,omitempty" yaml:"system,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	CacheFile string `json:"cache_file,omitempty" yaml:"cache_file,omitempty"`
}

type RunConfig struct {
	Provider     ProviderCfg     `json:"provider" yaml:"provider"`
	Orchestrator OrchestratorCfg `json:"orchestrator" yaml:"orchestrator"`
	Dedupe       DedupeCfg       `json:"dedupe" yaml:"dedupe"`
	Post         PostCfg         `json:"post" yaml:"post"`
	Rewrite      RewriteCfg      `json:"rewrite" yaml:"rewrite"`

	OutDir         string   `json:"out_dir,omitempty" yaml:"out_dir,omitempty"`
	Seed           uint64   `json:"seed" yaml:"seed"`
	BudgetLimitUSD *float64 `json:"budget_limit_usd,omitempty" yaml:"budget_limit_usd,omitempty"`
	Resume         bool     `json:"resume,omitempty" yaml:"resume,omitempty"`
}

// LoadRunConfig reads, schema-checks, strictly decodes, defaults, and
// validates a run config. JSON is accepted by extension; everything else is
// treated as YAML.
func LoadRunConfig(path string) (*RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRunConfig(b, strings.ToLower(filepath.Ext(path)))
}

func ParseRunConfig(b []byte, ext string) (*RunConfig, error) {
	if err := validateRunConfigSchema(b, ext); err != nil {
		return nil, err
	}
	var cfg RunConfig
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyRunConfigDefaults(&cfg)
	if err := validateRunConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyRunConfigDefaults(cfg *RunConfig) {
	if cfg == nil {
		return
	}
	if cfg.Provider.Width == 0 {
		cfg.Provider.Width = 1024
	}
	if cfg.Provider.Height == 0 {
		cfg.Provider.Height = 1024
	}
	if cfg.Orchestrator.Concurrency == 0 {
		cfg.Orchestrator.Concurrency = 2
	}
	if cfg.Orchestrator.QueueCap == 0 {
		cfg.Orchestrator.QueueCap = 2 * cfg.Orchestrator.Concurrency
	}
	if cfg.Orchestrator.MaxAttempts == 0 {
		cfg.Orchestrator.MaxAttempts = 3
	}
	if cfg.Orchestrator.BackoffFactor == 0 {
		cfg.Orchestrator.BackoffFactor = 2.0
	}
	if cfg.Dedupe.PHashBits == 0 {
		cfg.Dedupe.PHashBits = 64
	}
	if cfg.Post.ThumbMax == 0 {
		cfg.Post.ThumbMax = 512
	}
	if cfg.Post.Fmt == "" {
		cfg.Post.Fmt = "png"
	}
	if cfg.Post.JPEGQuality == 0 {
		cfg.Post.JPEGQuality = 90
	}
	if cfg.Post.JPEGQuality < 1 {
		cfg.Post.JPEGQuality = 1
	}
	if cfg.Post.JPEGQuality > 100 {
		cfg.Post.JPEGQuality = 100
	}
	if cfg.Post.WatermarkPx == 0 {
		cfg.Post.WatermarkPx = 28
	}
	if cfg.Post.WatermarkMargin == 0 {
		cfg.Post.WatermarkMargin = 24
	}
	if cfg.Rewrite.MaxTokens == 0 {
		cfg.Rewrite.MaxTokens = 200
	}
}

func validateRunConfig(cfg *RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Provider.Kind {
	case ProviderMock, ProviderOpenAI, ProviderGemini:
	case "":
		return fmt.Errorf("provider.kind is required")
	default:
		return fmt.Errorf("invalid provider.kind: %q (want mock|openai|gemini)", cfg.Provider.Kind)
	}
	if cfg.Provider.Width <= 0 || cfg.Provider.Height <= 0 {
		return fmt.Errorf("provider.width and provider.height must be > 0")
	}
	if cfg.Provider.PriceUSDPerImage < 0 {
		return fmt.Errorf("provider.price_usd_per_image must be >= 0")
	}
	if cfg.Orchestrator.Concurrency < 1 {
		return fmt.Errorf("orchestrator.concurrency must be >= 1")
	}
	if cfg.Orchestrator.QueueCap < 1 {
		return fmt.Errorf("orchestrator.queue_cap must be >= 1")
	}
	if cfg.Orchestrator.RatePerMin < 0 {
		return fmt.Errorf("orchestrator.rate_per_min must be >= 0")
	}
	if cfg.Orchestrator.BackoffBaseMS < 0 || cfg.Orchestrator.BackoffJitterMS < 0 {
		return fmt.Errorf("orchestrator backoff delays must be >= 0")
	}
	if cfg.Orchestrator.BackoffFactor <= 0 {
		return fmt.Errorf("orchestrator.backoff_factor must be > 0")
	}
	if cfg.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be >= 1")
	}
	if cfg.Dedupe.Enabled {
		side := phashSide(cfg.Dedupe.PHashBits)
		if side == 0 {
			return fmt.Errorf("dedupe.phash_bits must be a square of a multiple of 8 (64, 256, ...), got %d", cfg.Dedupe.PHashBits)
		}
		if cfg.Dedupe.PHashThresh < 0 {
			return fmt.Errorf("dedupe.phash_thresh must be >= 0")
		}
	}
	switch cfg.Post.Fmt {
	case "png", "jpeg":
	case "webp":
		// Decode-only in the pure-Go ecosystem; encoding would need cgo.
		return fmt.Errorf("post.fmt webp is not supported for output; use png or jpeg")
	default:
		return fmt.Errorf("invalid post.fmt: %q (want png|jpeg)", cfg.Post.Fmt)
	}
	if cfg.Post.Thumbnail && cfg.Post.ThumbMax < 1 {
		return fmt.Errorf("post.thumb_max must be >= 1 when thumbnails are enabled")
	}
	if cfg.Post.Width < 0 || cfg.Post.Height < 0 {
		return fmt.Errorf("post.width and post.height must be >= 0")
	}
	if cfg.Rewrite.Enabled && cfg.Rewrite.CacheFile == "" {
		return fmt.Errorf("rewrite.cache_file is required when rewrite is enabled")
	}
	if cfg.BudgetLimitUSD != nil && *cfg.BudgetLimitUSD < 0 {
		return fmt.Errorf("budget_limit_usd must be >= 0")
	}
	return nil
}

// phashSide returns the square hash grid side for a bit count, or 0 when the
// bit count does not form a byte-aligned square grid.
func phashSide(bits int) int {
	for side := 8; side*side <= bits; side += 8 {
		if side*side == bits {
			return side
		}
	}
	return 0
}

// ApplyEnvOverrides merges ADGEN_* environment overrides into cfg.
// Unparseable values are ignored.
func ApplyEnvOverrides(cfg *RunConfig) {
	if v := os.Getenv("ADGEN_TARGET"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Orchestrator.TargetImages = n
		}
	}
	if v := os.Getenv("ADGEN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Orchestrator.Concurrency = n
		}
	}
	if v := os.Getenv("ADGEN_RATE_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Orchestrator.RatePerMin = n
		}
	}
}

// EstimateCostUSD is the up-front worst-case spend for a run.
func EstimateCostUSD(cfg *RunConfig) float64 {
	return float64(cfg.Orchestrator.TargetImages) * cfg.Provider.PriceUSDPerImage
}

// CheckBudget rejects configs whose worst-case spend exceeds the limit.
func CheckBudget(cfg *RunConfig) error {
	if cfg.BudgetLimitUSD == nil {
		return nil
	}
	est := EstimateCostUSD(cfg)
	if est > *cfg.BudgetLimitUSD {
		return fmt.Errorf("estimated cost $%.2f exceeds budget_limit_usd $%.2f", est, *cfg.BudgetLimitUSD)
	}
	return nil
}
