package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AdTemplateYaml is the structured ad template variant.
type AdTemplateYaml struct {
	Brand   string   `json:"brand" yaml:"brand"`
	Product string   `json:"product" yaml:"product"`
	Styles  []string `json:"styles" yaml:"styles"`
}

// GeneralPromptYaml is the free-form prompt variant.
type GeneralPromptYaml struct {
	Prompt string `json:"prompt" yaml:"prompt"`
}

// TemplateMode is the tagged union body: exactly one variant must be set.
type TemplateMode struct {
	AdTemplate    *AdTemplateYaml    `json:"ad_template,omitempty" yaml:"ad_template,omitempty"`
	GeneralPrompt *GeneralPromptYaml `json:"general_prompt,omitempty" yaml:"general_prompt,omitempty"`
}

// TemplateFile is the on-disk prompt template document.
type TemplateFile struct {
	Mode TemplateMode `json:"mode" yaml:"mode"`
}

// LoadTemplate reads and validates a template file (YAML, or JSON by extension).
func LoadTemplate(path string) (*TemplateFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTemplate(b, strings.ToLower(filepath.Ext(path)))
}

func ParseTemplate(b []byte, ext string) (*TemplateFile, error) {
	var tpl TemplateFile
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &tpl); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &tpl); err != nil {
			return nil, err
		}
	}
	if err := validateTemplate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func validateTemplate(tpl *TemplateFile) error {
	ad, gp := tpl.Mode.AdTemplate, tpl.Mode.GeneralPrompt
	switch {
	case ad == nil && gp == nil:
		return fmt.Errorf("template mode requires ad_template or general_prompt")
	case ad != nil && gp != nil:
		return fmt.Errorf("template mode must set ad_template or general_prompt, not both")
	case ad != nil:
		if strings.TrimSpace(ad.Brand) == "" || strings.TrimSpace(ad.Product) == "" {
			return fmt.Errorf("ad_template.brand and ad_template.product are required")
		}
	case gp != nil:
		if strings.TrimSpace(gp.Prompt) == "" {
			return fmt.Errorf("general_prompt.prompt is required")
		}
	}
	return nil
}
