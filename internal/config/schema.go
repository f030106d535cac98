package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// The schema gate rejects structurally broken configs with a readable error
// before the strict field-level decode runs. Field semantics (ranges,
// cross-field rules) stay in validateRunConfig.
const runConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["provider", "orchestrator"],
  "properties": {
    "provider": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"type": "string"},
        "model": {"type": "string"},
        "api_key_env": {"type": "string"},
        "width": {"type": "integer"},
        "height": {"type": "integer"},
        "price_usd_per_image": {"type": "number"}
      }
    },
    "orchestrator": {
      "type": "object",
      "required": ["target_images"],
      "properties": {
        "target_images": {"type": "integer", "minimum": 0},
        "concurrency": {"type": "integer"},
        "queue_cap": {"type": "integer"},
        "rate_per_min": {"type": "integer"},
        "backoff_base_ms": {"type": "integer"},
        "backoff_factor": {"type": "number"},
        "backoff_jitter_ms": {"type": "integer"},
        "max_attempts": {"type": "integer"}
      }
    },
    "dedupe": {"type": "object"},
    "post": {"type": "object"},
    "rewrite": {"type": "object"},
    "out_dir": {"type": "string"},
    "seed": {"type": "integer"},
    "budget_limit_usd": {"type": "number"},
    "resume": {"type": "boolean"}
  }
}`

var compiledRunConfigSchema = mustCompileSchema("runconfig.schema.json", runConfigSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

func validateRunConfigSchema(b []byte, ext string) error {
	var doc any
	var err error
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		err = dec.Decode(&doc)
	default:
		err = yaml.Unmarshal(b, &doc)
	}
	if err != nil {
		return fmt.Errorf("config parse: %w", err)
	}
	doc = normalizeForSchema(doc)
	if err := compiledRunConfigSchema.Validate(doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// normalizeForSchema converts decoder-specific scalar types (json.Number,
// yaml ints) into the types the schema validator expects.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeForSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeForSchema(vv)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	default:
		return v
	}
}
