// Package config loads memagent configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/memagent/agentloop"
	"github.com/martinemde/memagent/observability"
	"github.com/martinemde/memagent/unifiedllm"
)

// Config is the complete memagent configuration.
type Config struct {
	Database      DatabaseConfig         `yaml:"database"`
	LLM           LLMConfig              `yaml:"llm"`
	Engine        agentloop.EngineConfig `yaml:"engine"`
	Log           LogConfig              `yaml:"log"`
	Observability ObservabilityConfig    `yaml:"observability"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig holds provider credentials and defaults for new agents.
type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	// GollmProviders are served through gollm (ollama, groq, mistral...).
	GollmProviders []string `yaml:"gollm_providers"`

	MaxRetries int `yaml:"max_retries"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves Prometheus metrics while a command runs, e.g. ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "memagent.db"},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet-4-5",
			MaxRetries:      unifiedllm.DefaultRetryPolicy().MaxRetries,
		},
		Engine: agentloop.DefaultEngineConfig(),
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result. Environment references in the file
// are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MEMAGENT_DB", &cfg.Database.Path)
	str("MEMAGENT_PROVIDER", &cfg.LLM.DefaultProvider)
	str("MEMAGENT_MODEL", &cfg.LLM.DefaultModel)
	str("MEMAGENT_LOG_LEVEL", &cfg.Log.Level)
	str("ANTHROPIC_API_KEY", &cfg.LLM.AnthropicAPIKey)
	str("ANTHROPIC_BASE_URL", &cfg.LLM.AnthropicBaseURL)
	str("OPENAI_API_KEY", &cfg.LLM.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &cfg.LLM.OpenAIBaseURL)

	if v, ok := lookup("MEMAGENT_MAX_STEPS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEMAGENT_MAX_STEPS: %w", err)
		}
		cfg.Engine.MaxSteps = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Database.Path) == "":
		return fmt.Errorf("database.path is required")
	case c.Engine.MaxSteps <= 0:
		return fmt.Errorf("engine.max_steps must be positive, got %d", c.Engine.MaxSteps)
	case c.Engine.BroadcastConcurrency <= 0:
		return fmt.Errorf("engine.broadcast_concurrency must be positive, got %d", c.Engine.BroadcastConcurrency)
	case c.Engine.ReturnCharLimit < 0:
		return fmt.Errorf("engine.return_char_limit must not be negative")
	case c.Engine.LoopDetectionWindow < 0:
		return fmt.Errorf("engine.loop_detection_window must not be negative")
	case c.LLM.MaxRetries < 0:
		return fmt.Errorf("llm.max_retries must not be negative")
	case c.Observability.Tracing.SamplingRate < 0 || c.Observability.Tracing.SamplingRate > 1:
		return fmt.Errorf("observability.tracing.sampling_rate must be between 0 and 1")
	}
	switch c.Engine.TruncationMode {
	case "", agentloop.TruncateHead, agentloop.TruncateHeadTail:
	default:
		return fmt.Errorf("engine.truncation_mode %q is not head or head_tail", c.Engine.TruncationMode)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not text or json", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger builds the configured slog logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ClientConfig returns the provider credentials for unifiedllm.
func (c *Config) ClientConfig() unifiedllm.EnvConfig {
	return unifiedllm.EnvConfig{
		AnthropicAPIKey:  c.LLM.AnthropicAPIKey,
		AnthropicBaseURL: c.LLM.AnthropicBaseURL,
		OpenAIAPIKey:     c.LLM.OpenAIAPIKey,
		OpenAIBaseURL:    c.LLM.OpenAIBaseURL,
		GollmProviders:   c.LLM.GollmProviders,
	}
}

// RetryPolicy returns the client retry policy.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = c.LLM.MaxRetries
	return policy
}

// TraceConfig returns the tracer configuration.
func (c *Config) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    "memagent",
		ServiceVersion: version,
		Endpoint:       c.Observability.Tracing.Endpoint,
		SamplingRate:   c.Observability.Tracing.SamplingRate,
		EnableInsecure: c.Observability.Tracing.Insecure,
	}
}
