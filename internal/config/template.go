package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v3"
)

// TemplateFile is where -g writes the starter config.
const TemplateFile = "config.yaml"

// TemplateConfig is a small working setup: strip tracking parameters on one
// domain and allow gzip everywhere.
func TemplateConfig() Config {
	return Config{
		BindAddress:       "127.0.0.1",
		Port:              8899,
		LogLevel:          "info",
		MaxPayloadSize:    DefaultMaxPayloadSize,
		HeaderRulesHeader: DefaultHeaderRulesHeader,
		RulesDir:          "rules",
		ValuesDir:         "values",
		CacheTTL:          DefaultCacheTTL,
		PluginTimeout:     DefaultPluginTimeout,
		Values: map[string]any{
			"tracking": map[string]any{"utm_source": nil, "utm_medium": nil},
		},
		Rules: []Rule{
			{Type: "DOMAIN-SUFFIX", MatchValue: "example.com", Directive: "urlParams", Value: "{tracking}"},
			{Type: "FINAL", Directive: "enable", Value: "gzip"},
		},
	}
}

// WriteTemplate validates the template and writes it to path. An existing
// file is left alone.
func WriteTemplate(path string) error {
	cfg := TemplateConfig()
	if err := validator.New().Struct(&cfg); err != nil {
		return fmt.Errorf("template config: %w", err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("yaml.Marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
