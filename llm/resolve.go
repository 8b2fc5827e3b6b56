// Package llm also resolves a stored neuron's provider family into a
// concrete engine.LMHandle, grounded on provider/resolve/resolve.go's
// per-family Config/Provider dispatch, adapted to §3's closed provider
// enum (local, openai-compatible, anthropic-compatible, google-compatible,
// custom) and its explicit per-neuron endpoint rather than resolve.go's
// implicit per-vendor default base URLs.
package llm

import (
	"fmt"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/runtimeerr"
)

// Config is the subset of a persisted NeuronConfig (§3) needed to resolve a
// concrete provider adapter. Rate limiting is applied by the registry
// (registry.WithRateLimit), which has the tier information Resolve doesn't;
// see registry/ratelimit.go.
type Config struct {
	NeuronID    string
	Provider    string // local | openai-compatible | anthropic-compatible | google-compatible | custom
	Endpoint    string
	Model       string
	APIKey      string
	Temperature *float64
	TopP        *float64
}

const (
	ProviderLocal               = "local"
	ProviderOpenAICompatible    = "openai-compatible"
	ProviderAnthropicCompatible = "anthropic-compatible"
	ProviderGoogleCompatible    = "google-compatible"
	ProviderCustom              = "custom"
)

// Resolve dispatches cfg.Provider to a family-specific adapter (§4.7 "Model
// creation"), each call returning a fresh instance — no client pooling, so
// no LM handle is ever shared across user ids (§9 "Per-user instantiation
// without pooling"). Unknown provider fails with a ProviderError, mirroring
// resolve.go's Provider.
func Resolve(cfg Config) (engine.LMHandle, error) {
	var handle engine.LMHandle

	switch cfg.Provider {
	case ProviderGoogleCompatible:
		g := NewGoogleProvider(neuronHandleName(cfg), cfg.APIKey, cfg.Model, cfg.Endpoint)
		g.temperature = cfg.Temperature
		g.topP = cfg.TopP
		handle = g

	case ProviderOpenAICompatible, ProviderAnthropicCompatible, ProviderLocal, ProviderCustom:
		// anthropic-compatible has no distinct teacher-grounded adapter in
		// the retrieved pack; it is generalized onto the same
		// chat-completions body shape as openai-compatible pending a
		// concrete Anthropic Messages-API adapter (documented in DESIGN.md).
		endpoint := cfg.Endpoint
		if endpoint == "" && cfg.Provider == ProviderLocal {
			endpoint = "http://localhost:11434/v1"
		}
		if endpoint == "" {
			return nil, runtimeerr.Newf(runtimeerr.ProviderError, "neuron %q: no endpoint configured", cfg.NeuronID)
		}
		p := NewHTTPProvider(neuronHandleName(cfg), cfg.APIKey, cfg.Model, endpoint)
		p.temperature = cfg.Temperature
		p.topP = cfg.TopP
		handle = p

	default:
		return nil, runtimeerr.Newf(runtimeerr.ProviderError, "unknown provider %q", cfg.Provider)
	}

	return WithRetry(handle), nil
}

func neuronHandleName(cfg Config) string {
	return fmt.Sprintf("%s/%s", cfg.Provider, cfg.Model)
}
