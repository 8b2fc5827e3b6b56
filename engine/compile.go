package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redbtn-io/ai/engine/steps"
	"github.com/redbtn-io/ai/expr"
	"github.com/redbtn-io/ai/runtimeerr"
)

const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

// recognizedNodeTypes is the closed enumeration from §3.
var recognizedNodeTypes = map[string]bool{
	"precheck": true, "fastpath": true, "context": true, "classifier": true,
	"router": true, "planner": true, "executor": true, "responder": true,
	"search": true, "scrape": true, "command": true, "universal": true,
}

// GraphConfig is the persisted workflow definition (§3).
type GraphConfig struct {
	GraphID      string
	OwnerID      string
	Tier         int
	IsDefault    bool
	Name         string
	Description  string
	Nodes        []NodeDef
	Edges        []EdgeDef
	GlobalConfig GlobalConfig
}

// NodeDef is one graph node: { id, type, config? }.
type NodeDef struct {
	ID     string
	Type   string
	Config map[string]any
}

// EdgeDef is one graph edge: { from, to?, condition?, targets?, fallback? }.
type EdgeDef struct {
	From      string
	To        string
	Condition string
	Targets   map[string]string
	Fallback  string
}

// GlobalConfig is the graph's process-wide knobs (§3).
type GlobalConfig struct {
	MaxReplans          int
	MaxSearchIterations int
	Timeout             int
	EnableFastpath      bool
}

// CompiledGraph is the assembled, executable state machine produced by
// Compile (§4.5).
type CompiledGraph struct {
	GraphID      string
	node         *UniversalNode
	nodes        map[string]NodeConfig
	nodeTypes    map[string]string
	outgoing     map[string][]EdgeDef
	globalConfig GlobalConfig
	warnings     []string
}

// Warnings returns non-fatal compile-time warnings (orphan nodes, very
// large graphs).
func (g *CompiledGraph) Warnings() []string { return g.warnings }

// Compile validates cfg (aggregating all errors) and assembles a
// CompiledGraph (§4.5). node provides the universal-node handler every
// graph node delegates to, regardless of its declared type — the §9 design
// note's "closed enumeration of node types mapped to a single
// universal-node handler".
func Compile(cfg GraphConfig, node *UniversalNode) (*CompiledGraph, error) {
	var errs []string

	if len(cfg.Nodes) == 0 {
		errs = append(errs, "graph has no nodes")
	}
	if len(cfg.Edges) == 0 {
		errs = append(errs, "graph has no edges")
	}
	if cfg.Tier < 0 || cfg.Tier > 4 {
		errs = append(errs, fmt.Sprintf("tier %d out of range [0,4]", cfg.Tier))
	}

	seen := map[string]bool{}
	nodeIDs := map[string]bool{StartNode: true, EndNode: true}
	for _, n := range cfg.Nodes {
		if seen[n.ID] {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		nodeIDs[n.ID] = true
		if !recognizedNodeTypes[n.Type] {
			errs = append(errs, fmt.Sprintf("node %q: unrecognized type %q", n.ID, n.Type))
		}
	}

	outgoing := map[string][]EdgeDef{}
	incoming := map[string]int{}
	for i, e := range cfg.Edges {
		if !nodeIDs[e.From] {
			errs = append(errs, fmt.Sprintf("edge[%d]: from %q does not resolve", i, e.From))
		}
		if e.To != "" && !nodeIDs[e.To] {
			errs = append(errs, fmt.Sprintf("edge[%d]: to %q does not resolve", i, e.To))
		}
		for key, target := range e.Targets {
			if !nodeIDs[target] {
				errs = append(errs, fmt.Sprintf("edge[%d]: targets[%q]=%q does not resolve", i, key, target))
			}
		}
		if e.Fallback != "" && !nodeIDs[e.Fallback] {
			errs = append(errs, fmt.Sprintf("edge[%d]: fallback %q does not resolve", i, e.Fallback))
		}
		outgoing[e.From] = append(outgoing[e.From], e)
		if e.To != "" {
			incoming[e.To]++
		}
		for _, target := range e.Targets {
			incoming[target]++
		}
		if e.Fallback != "" {
			incoming[e.Fallback]++
		}
	}

	if len(errs) > 0 {
		return nil, runtimeerr.Newf(runtimeerr.Validation, "graph %q: %s", cfg.GraphID, strings.Join(errs, "; ")).WithContext("graphId", cfg.GraphID)
	}

	// Cycles are a valid graph shape, not a compile error: globalConfig's
	// maxReplans/maxSearchIterations (§3) imply bounded re-planning loops
	// are intended, and Run's node-visit safety bound (below) already caps
	// any runaway cyclic execution.
	var warnings []string
	for _, n := range cfg.Nodes {
		if incoming[n.ID] == 0 {
			warnings = append(warnings, fmt.Sprintf("orphan node %q: no incoming edge", n.ID))
		}
	}
	if len(cfg.Nodes) > 200 {
		warnings = append(warnings, fmt.Sprintf("large graph: %d nodes", len(cfg.Nodes)))
	}

	nodes := map[string]NodeConfig{}
	nodeTypes := map[string]string{}
	for _, n := range cfg.Nodes {
		nodes[n.ID] = extractNodeConfig(n.Config)
		nodeTypes[n.ID] = n.Type
	}

	return &CompiledGraph{
		GraphID:      cfg.GraphID,
		node:         node,
		nodes:        nodes,
		nodeTypes:    nodeTypes,
		outgoing:     outgoing,
		globalConfig: cfg.GlobalConfig,
		warnings:     warnings,
	}, nil
}

// extractNodeConfig decodes a NodeDef.Config into a NodeConfig: either
// {steps:[...]} (multi-step) or {type,config} (single step), per §3's
// "NodeConfig (universal)".
func extractNodeConfig(raw map[string]any) NodeConfig {
	if raw == nil {
		return NodeConfig{}
	}
	if nodeID, ok := raw["nodeId"].(string); ok && nodeID != "" {
		return NodeConfig{NodeRef: nodeID}
	}
	if stepsRaw, ok := raw["steps"]; ok {
		return NodeConfig{Steps: decodeStepDefs(stepsRaw)}
	}
	// Single step shorthand: {type, config, condition?}.
	return NodeConfig{Steps: decodeStepDefs([]any{raw})}
}

func decodeStepDefs(raw any) []steps.StepDef {
	list, _ := raw.([]any)
	out := make([]steps.StepDef, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		def := steps.StepDef{}
		if t, ok := m["type"].(string); ok {
			def.Type = t
		}
		if cond, ok := m["condition"].(string); ok {
			def.Condition = cond
		}
		if c, ok := m["config"].(map[string]any); ok {
			def.Config = steps.Config(c)
		} else {
			def.Config = steps.Config{}
		}
		out = append(out, def)
	}
	return out
}

// Run executes the compiled graph starting from __start__, applying the
// reducer after each node and following edges (simple or conditional) until
// __end__, a dead end, or state.FinalResponse short-circuits execution.
// globalConfig.timeout (§3), when set, bounds the whole run with a wall-clock
// deadline; globalConfig.maxSearchIterations caps repeated visits to a
// "search"-typed node, the shape a re-planning cycle actually takes.
func (g *CompiledGraph) Run(ctx context.Context, state *RuntimeState) error {
	if g.globalConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.globalConfig.Timeout)*time.Second)
		defer cancel()
	}

	current := StartNode
	visited := 0
	for current != EndNode {
		visited++
		if visited > 10_000 {
			return runtimeerr.New(runtimeerr.CompilationFailed, "graph execution exceeded node-visit safety bound")
		}
		if err := ctx.Err(); err != nil {
			return runtimeerr.Wrap(runtimeerr.Cancelled, "graph execution cancelled or timed out", err).WithContext("graphId", g.GraphID)
		}

		if current != StartNode {
			cfg, ok := g.nodes[current]
			if !ok {
				return runtimeerr.Newf(runtimeerr.CompilationFailed, "graph %q: node %q has no registered config", g.GraphID, current)
			}

			if g.nodeTypes[current] == "search" && g.globalConfig.MaxSearchIterations > 0 {
				if n := state.IncrementSearchIterations(); n > g.globalConfig.MaxSearchIterations {
					return runtimeerr.Newf(runtimeerr.LimitExceeded, "graph %q: search node %q exceeded maxSearchIterations (%d)", g.GraphID, current, g.globalConfig.MaxSearchIterations).WithContext("graphId", g.GraphID)
				}
			}

			delta := g.node.Run(ctx, state, cfg)
			Reduce(state, delta)

			if state.HasFinalResponse() {
				return nil
			}
		}

		next, err := g.next(current, state)
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

func (g *CompiledGraph) next(current string, state *RuntimeState) (string, error) {
	edges := g.outgoing[current]
	if len(edges) == 0 {
		return EndNode, nil
	}
	snapshot := state.Snapshot()
	for _, e := range edges {
		if e.Condition == "" {
			if e.To != "" {
				return e.To, nil
			}
			continue
		}
		key := expr.ResolveTarget(e.Condition, snapshot, e.Targets)
		if key == expr.Fallback {
			if e.Fallback != "" {
				return e.Fallback, nil
			}
			return EndNode, nil
		}
		if target, ok := e.Targets[key]; ok {
			return target, nil
		}
	}
	return EndNode, nil
}

