// Package config loads the runtime's process-environment configuration
// (spec §6 "Configuration (process env)"), grounded on
// internal/config/config.go's defaults-then-TOML-then-env-override layering,
// adapted so environment variables are the canonical source (the spec names
// every setting as a process-env key) with an optional TOML file for local
// overrides, matching the teacher's Default()/Load(path) shape.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds every setting spec §6 names as process configuration.
type Config struct {
	SharedCacheURL     string `toml:"shared_cache_url"`
	PersistentStoreURL string `toml:"persistent_store_url"`
	VectorStoreURL     string `toml:"vector_store_url"`
	ChatLMURL          string `toml:"chat_lm_url"`
	WorkerLMURL        string `toml:"worker_lm_url"`

	SearchProviderKey string `toml:"search_provider_key"`
	ProviderKeys      map[string]string `toml:"provider_keys"`

	SystemPrompt         string `toml:"system_prompt"`
	MaxContextTokens     int    `toml:"max_context_tokens"`
	SummaryCushionTokens int    `toml:"summary_cushion_tokens"`

	DefaultGraphID       string `toml:"default_graph_id"`
	DefaultNeuronID      string `toml:"default_neuron_id"`
	DefaultWorkerNeuronID string `toml:"default_worker_neuron_id"`

	// EnableObservability turns on the OTEL instrumentation wrapping every
	// LM and tool call (observer.Init), configured via standard OTEL_*
	// exporter env vars once enabled.
	EnableObservability bool `toml:"enable_observability"`
}

// Default returns a Config with the runtime's baked-in defaults applied.
func Default() Config {
	return Config{
		MaxContextTokens:     32_000,
		SummaryCushionTokens: 2_000,
		SystemPrompt:         "You are a helpful assistant.",
		DefaultGraphID:       "default",
		DefaultNeuronID:      "default-chat",
		DefaultWorkerNeuronID: "default-worker",
		ProviderKeys:         map[string]string{},
	}
}

// Load reads config: defaults -> optional TOML file at path -> env vars
// (env always wins, matching the teacher's "env overrides" layering).
func Load(path string) Config {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = toml.Unmarshal(data, &cfg)
		}
	}

	if v := os.Getenv("SHARED_CACHE_URL"); v != "" {
		cfg.SharedCacheURL = v
	}
	if v := os.Getenv("PERSISTENT_STORE_URL"); v != "" {
		cfg.PersistentStoreURL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		cfg.VectorStoreURL = v
	}
	if v := os.Getenv("CHAT_LM_URL"); v != "" {
		cfg.ChatLMURL = v
	}
	if v := os.Getenv("WORKER_LM_URL"); v != "" {
		cfg.WorkerLMURL = v
	}
	if v := os.Getenv("SEARCH_PROVIDER_KEY"); v != "" {
		cfg.SearchProviderKey = v
	}
	if v := os.Getenv("SYSTEM_PROMPT"); v != "" {
		cfg.SystemPrompt = v
	}
	if v := os.Getenv("MAX_CONTEXT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContextTokens = n
		}
	}
	if v := os.Getenv("SUMMARY_CUSHION_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SummaryCushionTokens = n
		}
	}
	if v := os.Getenv("DEFAULT_GRAPH_ID"); v != "" {
		cfg.DefaultGraphID = v
	}
	if v := os.Getenv("DEFAULT_NEURON_ID"); v != "" {
		cfg.DefaultNeuronID = v
	}
	if v := os.Getenv("DEFAULT_WORKER_NEURON_ID"); v != "" {
		cfg.DefaultWorkerNeuronID = v
	}
	if v := os.Getenv("ENABLE_OBSERVABILITY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableObservability = b
		}
	}

	return cfg
}
