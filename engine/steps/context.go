// Package steps implements the five step primitives (C3): neuron, tool,
// transform, conditional, and loop. Each executor accepts (config, state)
// and returns a partial state delta that the universal node merges back via
// core.Reduce.
package steps

import (
	"context"

	"github.com/redbtn-io/ai/engine/core"
	"github.com/redbtn-io/ai/expr"
	"github.com/redbtn-io/ai/render"
)

// Context bundles everything an executor needs: the request context, the
// component handles on RuntimeState, and a merged "state" snapshot (the
// original RuntimeState deep-merged with the node's accumulated delta so
// far) for the renderer and evaluator to read.
type Context struct {
	Ctx      context.Context
	State    *core.RuntimeState
	Snapshot map[string]any
	Renderer *render.Renderer
}

// renderString renders template against the snapshot, returning template
// unchanged if rendering fails.
func (c *Context) renderString(template string) string {
	out, err := c.Renderer.Render(template, c.Snapshot)
	if err != nil {
		return template
	}
	return out
}

func (c *Context) evalBool(source string) bool {
	return expr.EvalBool(source, c.Snapshot)
}

// Config is the kind-specific step configuration, loaded as an untyped map
// (the shape GraphConfig/NodeConfig persistence naturally produces) plus the
// shared error-handling policy (§4.3.6).
type Config map[string]any

func (cfg Config) str(key string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (cfg Config) bool(key string) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func (cfg Config) mapVal(key string) map[string]any {
	if v, ok := cfg[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func (cfg Config) intVal(key string, def int) int {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func (cfg Config) floatPtr(key string) *float64 {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case float64:
			return &n
		case int:
			f := float64(n)
			return &f
		}
	}
	return nil
}

// ErrorHandling is the shared per-step policy of §4.3.6.
type ErrorHandling struct {
	Retry         int
	RetryDelayMS  int
	FallbackValue any
	OnError       string // "throw" (default) | "fallback" | "skip"
}

func parseErrorHandling(cfg Config) ErrorHandling {
	eh := ErrorHandling{OnError: "throw"}
	raw := cfg.mapVal("errorHandling")
	if raw == nil {
		// Legacy fields per §4.3.2: retryOnError / maxRetries.
		if cfg.bool("retryOnError") {
			eh.Retry = cfg.intVal("maxRetries", 1)
		}
		return eh
	}
	sub := Config(raw)
	eh.Retry = sub.intVal("retry", 0)
	eh.RetryDelayMS = sub.intVal("retryDelay", 0)
	eh.FallbackValue = raw["fallbackValue"]
	if oe := sub.str("onError"); oe != "" {
		eh.OnError = oe
	}
	return eh
}
