// Package config loads the service configuration: YAML with environment
// variable expansion, merged over built-in defaults, validated before use.
package config

import (
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/providers"
)

// Config is the umbrella configuration object returned by Load and used
// throughout the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Events    EventsConfig    `yaml:"events"`
	Redis     RedisConfig     `yaml:"redis"`
	S3        S3Config        `yaml:"s3"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PipelineConfig tunes admission, dispatch and reconciliation.
type PipelineConfig struct {
	MaxItemsPerSession int `yaml:"max_items_per_session"`
	MaxItemTextLength  int `yaml:"max_item_text_length"`

	SessionBudgetSeconds int `yaml:"session_budget_seconds"`

	// GateOnTranslation defers the other stages of an item until its
	// translation is terminal. Off by default: the stub and production
	// provider contracts accept the Japanese text directly. Enable it only
	// when a deployment wires providers that need the English name.
	GateOnTranslation *bool `yaml:"gate_on_translation"`

	// PoolConcurrency and QueueSize are keyed by stage name.
	PoolConcurrency map[string]int `yaml:"pool_concurrency"`
	QueueSize       map[string]int `yaml:"queue_size"`

	// StageTimeoutMS bounds individual provider calls, keyed by stage name.
	StageTimeoutMS map[string]int `yaml:"stage_timeout_ms"`

	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`

	AdapterMaxRetries       int `yaml:"adapter_max_retries"`
	AdapterInitialBackoffMS int `yaml:"adapter_initial_backoff_ms"`
	WorkerRetryDelayMS      int `yaml:"worker_retry_delay_ms"`
}

// ProvidersConfig holds provider credentials and chain layout. Secrets are
// normally injected via environment expansion ({{.OPENAI_API_KEY}}) or the
// corresponding environment variables directly.
type ProvidersConfig struct {
	// Mode selects the chain layout when provider_chain is not given:
	// "production" or "stub".
	Mode string `yaml:"mode"`

	OpenAI struct {
		APIKey     string `yaml:"api_key"`
		ChatModel  string `yaml:"chat_model"`
		ImageModel string `yaml:"image_model"`
	} `yaml:"openai"`

	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`

	ImageSearch struct {
		APIKey     string  `yaml:"api_key"`
		EngineID   string  `yaml:"engine_id"`
		QPS        float64 `yaml:"qps"`
		MaxResults int     `yaml:"max_results"`
	} `yaml:"image_search"`

	// Chain lists provider names per stage, primary first.
	Chain map[string][]string `yaml:"provider_chain"`
}

// EventsConfig tunes the progress event stream.
type EventsConfig struct {
	// TTLSeconds is the event replay window.
	TTLSeconds       int `yaml:"session_ttl_seconds"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// RedisConfig enables the optional snapshot cache.
type RedisConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
}

// S3Config enables generated-image storage.
type S3Config struct {
	Enabled       bool   `yaml:"enabled"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	gate := false
	cfg := &Config{}
	cfg.Server = ServerConfig{Host: "0.0.0.0", Port: 8080}
	cfg.Pipeline = PipelineConfig{
		MaxItemsPerSession:       200,
		MaxItemTextLength:        500,
		SessionBudgetSeconds:     300,
		GateOnTranslation:        &gate,
		ReconcileIntervalSeconds: 30,
		AdapterMaxRetries:        2,
		AdapterInitialBackoffMS:  500,
		WorkerRetryDelayMS:       1000,
	}
	cfg.Providers.Mode = "stub"
	cfg.Events = EventsConfig{TTLSeconds: 3600, HeartbeatSeconds: 15}
	cfg.Redis = RedisConfig{Addr: "localhost:6379", SnapshotTTLSeconds: 30}
	return cfg
}

// defaultStageTimeouts per the concurrency model: 60 s for text stages,
// 120 s for image stages.
var defaultStageTimeouts = map[models.Stage]time.Duration{
	models.StageTranslation: 60 * time.Second,
	models.StageDescription: 60 * time.Second,
	models.StageAllergen:    60 * time.Second,
	models.StageIngredient:  60 * time.Second,
	models.StageImageSearch: 120 * time.Second,
	models.StageImageGen:    120 * time.Second,
}

// StageTimeouts resolves the per-stage provider call deadlines.
func (p *PipelineConfig) StageTimeouts() map[models.Stage]time.Duration {
	out := make(map[models.Stage]time.Duration, len(models.AllStages))
	for stage, d := range defaultStageTimeouts {
		out[stage] = d
	}
	for name, ms := range p.StageTimeoutMS {
		if stage := models.Stage(name); models.ValidStage(stage) && ms > 0 {
			out[stage] = time.Duration(ms) * time.Millisecond
		}
	}
	return out
}

// Workers resolves the per-stage worker counts.
func (p *PipelineConfig) Workers() map[models.Stage]int {
	out := make(map[models.Stage]int, len(p.PoolConcurrency))
	for name, n := range p.PoolConcurrency {
		if stage := models.Stage(name); models.ValidStage(stage) && n > 0 {
			out[stage] = n
		}
	}
	return out
}

// QueueSizes resolves the per-stage queue capacities.
func (p *PipelineConfig) QueueSizes() map[models.Stage]int {
	out := make(map[models.Stage]int, len(p.QueueSize))
	for name, n := range p.QueueSize {
		if stage := models.Stage(name); models.ValidStage(stage) && n > 0 {
			out[stage] = n
		}
	}
	return out
}

// Chains resolves the provider chain layout: explicit provider_chain wins,
// otherwise the mode's default layout.
func (c *ProvidersConfig) Chains() map[models.Stage][]string {
	if len(c.Chain) > 0 {
		out := make(map[models.Stage][]string, len(c.Chain))
		for name, chain := range c.Chain {
			out[models.Stage(name)] = chain
		}
		return out
	}
	if c.Mode == "production" {
		return providers.DefaultChains()
	}
	return providers.StubChains()
}

// ProviderSettings converts the config to the provider registry's settings.
func (c *ProvidersConfig) ProviderSettings() providers.Settings {
	return providers.Settings{
		OpenAIAPIKey:          c.OpenAI.APIKey,
		OpenAIChatModel:       c.OpenAI.ChatModel,
		OpenAIImageModel:      c.OpenAI.ImageModel,
		GeminiAPIKey:          c.Gemini.APIKey,
		GeminiModel:           c.Gemini.Model,
		ImageSearchAPIKey:     c.ImageSearch.APIKey,
		ImageSearchEngineID:   c.ImageSearch.EngineID,
		ImageSearchQPS:        c.ImageSearch.QPS,
		ImageSearchMaxResults: c.ImageSearch.MaxResults,
		Chains:                c.Chains(),
	}
}

// Gated reports whether non-translation stages wait for translation.
func (p *PipelineConfig) Gated() bool {
	return p.GateOnTranslation != nil && *p.GateOnTranslation
}
