package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Load reads the YAML file at path, expands environment variables, merges
// it over the built-in defaults and validates the result. An empty path
// falls back to $MENUSENSE_CONFIG, then to defaults with environment-only
// credentials; a missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MENUSENSE_CONFIG")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("Configuration file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		default:
			user := &Config{}
			if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
			}
			if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge configuration: %w", err)
			}
		}
	}

	applyEnvCredentials(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"provider_mode", cfg.Providers.Mode,
		"gate_on_translation", cfg.Pipeline.Gated(),
		"redis_enabled", cfg.Redis.Enabled,
		"s3_enabled", cfg.S3.Enabled)
	return cfg, nil
}

// ExpandEnv expands environment variables in YAML content using Go
// templates with {{.VAR_NAME}} syntax, avoiding collision with literal $
// characters in passwords and regex patterns. Missing variables expand to
// empty strings; validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// applyEnvCredentials fills credentials left empty by YAML from the
// conventional environment variables.
func applyEnvCredentials(cfg *Config) {
	fill := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fill(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	fill(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	fill(&cfg.Providers.ImageSearch.APIKey, "GOOGLE_SEARCH_API_KEY")
	fill(&cfg.Providers.ImageSearch.EngineID, "GOOGLE_SEARCH_ENGINE_ID")
	fill(&cfg.Redis.Addr, "REDIS_ADDR")
	fill(&cfg.S3.Bucket, "S3_BUCKET")
	fill(&cfg.S3.Region, "AWS_REGION")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Providers.Mode != "stub" && cfg.Providers.Mode != "production" {
		return fmt.Errorf("providers.mode %q must be stub or production", cfg.Providers.Mode)
	}
	if cfg.Pipeline.MaxItemsPerSession <= 0 {
		return fmt.Errorf("pipeline.max_items_per_session must be positive")
	}
	if cfg.Pipeline.MaxItemTextLength <= 0 {
		return fmt.Errorf("pipeline.max_item_text_length must be positive")
	}
	for _, m := range []map[string]int{cfg.Pipeline.PoolConcurrency, cfg.Pipeline.QueueSize, cfg.Pipeline.StageTimeoutMS} {
		for name := range m {
			if !models.ValidStage(models.Stage(name)) {
				return fmt.Errorf("unknown stage %q in pipeline configuration", name)
			}
		}
	}
	for name, chain := range cfg.Providers.Chain {
		if !models.ValidStage(models.Stage(name)) {
			return fmt.Errorf("unknown stage %q in provider_chain", name)
		}
		if len(chain) == 0 {
			return fmt.Errorf("provider_chain for %s is empty", name)
		}
	}
	if cfg.S3.Enabled && cfg.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when s3 is enabled")
	}
	return nil
}
