package engine

import (
	"context"
	"fmt"

	"github.com/redbtn-io/ai/engine/steps"
	"github.com/redbtn-io/ai/expr"
	"github.com/redbtn-io/ai/render"
)

// NodeConfig is the compile-time configuration injected into a graph node
// before it is run by the universal node (§3's "NodeConfig (universal)").
// Either NodeRef is set (a lookup-by-id reference into the reusable
// universal_nodes collection) or Steps is populated directly.
type NodeConfig struct {
	NodeRef string
	Steps   []steps.StepDef
}

// NodeConfigResolver looks up a reusable universal-node config by id (the
// "universal_nodes" persistent-store collection, §6).
type NodeConfigResolver func(ctx context.Context, nodeID string) (NodeConfig, error)

// UniversalNode is the single handler every compiled graph node delegates
// to (§4.4, and the §9 design note: "a closed enumeration of node types
// mapped to a single universal-node handler that switches on injected
// config"). It sequences steps, merges per-step state deltas, and
// propagates errors to the error_handler route instead of re-raising.
type UniversalNode struct {
	Renderer  *render.Renderer
	ResolveID NodeConfigResolver
	Hooks     *HookChain
}

// NewUniversalNode constructs a UniversalNode.
func NewUniversalNode(r *render.Renderer, resolve NodeConfigResolver) *UniversalNode {
	return &UniversalNode{Renderer: r, ResolveID: resolve}
}

// WithHooks attaches a hook chain run around every step (guardrail-style
// pre/post hooks supplement). Returns n for chaining off NewUniversalNode.
func (n *UniversalNode) WithHooks(hooks *HookChain) *UniversalNode {
	n.Hooks = hooks
	return n
}

// Run executes cfg's steps against state and returns the accumulated,
// flattened-then-nested delta (§4.4).
func (n *UniversalNode) Run(ctx context.Context, state *RuntimeState, cfg NodeConfig) Delta {
	resolved, err := n.resolve(ctx, cfg)
	if err != nil {
		return Delta{"data.error": err.Error(), KeyNextRoute: "error_handler"}
	}

	counter := state.IncrementNodeCounter()

	accumulated := Delta{"data": map[string]any{"systemPrefix": fmt.Sprintf("[node:%d]", counter)}}

	for _, step := range resolved {
		snapshot := n.mergedSnapshot(state, accumulated)
		if step.Condition != "" {
			if !expr.EvalBool(step.Condition, snapshot) {
				continue
			}
		}
		if n.Hooks != nil {
			if err := n.Hooks.runPre(ctx, step, snapshot); err != nil {
				return Delta{"data.error": err.Error(), KeyNextRoute: "error_handler"}
			}
		}
		stepCtx := &steps.Context{Ctx: ctx, State: state, Snapshot: snapshot, Renderer: n.Renderer}
		delta, err := steps.Dispatch(stepCtx, step)
		if err != nil {
			return Delta{"data.error": err.Error(), KeyNextRoute: "error_handler"}
		}
		expanded := ExpandDotPaths(delta)
		if n.Hooks != nil {
			if err := n.Hooks.runPost(ctx, step, expanded); err != nil {
				return Delta{"data.error": err.Error(), KeyNextRoute: "error_handler"}
			}
		}
		accumulated = mergeDelta(accumulated, expanded)
	}

	return accumulated
}

func (n *UniversalNode) resolve(ctx context.Context, cfg NodeConfig) ([]steps.StepDef, error) {
	if cfg.NodeRef == "" {
		return cfg.Steps, nil
	}
	if n.ResolveID == nil {
		return nil, fmt.Errorf("universal node: nodeId %q given but no resolver configured", cfg.NodeRef)
	}
	resolved, err := n.ResolveID(ctx, cfg.NodeRef)
	if err != nil {
		return nil, fmt.Errorf("universal node: resolve nodeId %q: %w", cfg.NodeRef, err)
	}
	return resolved.Steps, nil
}

// mergedSnapshot builds the "current working state" a step sees: the
// original RuntimeState deep-merged with the node's accumulated delta so
// far (§4.4 step 4).
func (n *UniversalNode) mergedSnapshot(state *RuntimeState, accumulated Delta) map[string]any {
	snap := state.Snapshot()
	if d, ok := accumulated["data"].(map[string]any); ok {
		if base, ok := snap["data"].(map[string]any); ok {
			snap["data"] = deepMerge(base, d)
		} else {
			snap["data"] = d
		}
	}
	return snap
}

func mergeDelta(a, b Delta) Delta {
	out := Delta{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if av, ok := out[k].(map[string]any); ok {
			if bv, ok := v.(map[string]any); ok {
				out[k] = deepMerge(av, bv)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// deepMerge merges b into a (nested objects merge recursively; everything
// else including arrays is replaced by the newer value).
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if av, ok := out[k].(map[string]any); ok {
			if bv, ok := v.(map[string]any); ok {
				out[k] = deepMerge(av, bv)
				continue
			}
		}
		out[k] = v
	}
	return out
}
