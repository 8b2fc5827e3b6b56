package engine

import (
	"context"
	"testing"
	"time"

	"github.com/redbtn-io/ai/render"
	"github.com/redbtn-io/ai/runtimeerr"
)

func simpleGraph() GraphConfig {
	return GraphConfig{
		GraphID: "g1",
		Tier:    1,
		Nodes: []NodeDef{
			{ID: "n1", Type: "universal", Config: map[string]any{
				"steps": []any{map[string]any{
					"type": "transform",
					"config": map[string]any{
						"operation": "set", "value": "hi", "outputField": "greeting",
					},
				}},
			}},
		},
		Edges: []EdgeDef{
			{From: StartNode, To: "n1"},
			{From: "n1", To: EndNode},
		},
	}
}

func TestCompile_ValidGraphSucceeds(t *testing.T) {
	node := NewUniversalNode(render.New(), nil)
	g, err := Compile(simpleGraph(), node)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Warnings()) != 0 {
		t.Errorf("expected no warnings for a well-formed graph, got %v", g.Warnings())
	}
}

func TestCompile_NoNodesFails(t *testing.T) {
	cfg := simpleGraph()
	cfg.Nodes = nil
	_, err := Compile(cfg, NewUniversalNode(render.New(), nil))
	if err == nil {
		t.Fatal("expected an error for a graph with no nodes")
	}
	if !runtimeerr.Is(err, runtimeerr.Validation) {
		t.Errorf("expected a Validation error, got %v", err)
	}
}

func TestCompile_UnrecognizedNodeTypeFails(t *testing.T) {
	cfg := simpleGraph()
	cfg.Nodes[0].Type = "bogus"
	_, err := Compile(cfg, NewUniversalNode(render.New(), nil))
	if err == nil {
		t.Fatal("expected an error for an unrecognized node type")
	}
}

func TestCompile_DuplicateNodeIDFails(t *testing.T) {
	cfg := simpleGraph()
	cfg.Nodes = append(cfg.Nodes, cfg.Nodes[0])
	_, err := Compile(cfg, NewUniversalNode(render.New(), nil))
	if err == nil {
		t.Fatal("expected an error for a duplicate node id")
	}
}

func TestCompile_CyclicGraphCompilesSuccessfully(t *testing.T) {
	cfg := simpleGraph()
	cfg.Nodes = append(cfg.Nodes, NodeDef{ID: "n2", Type: "universal"})
	cfg.Edges = []EdgeDef{
		{From: StartNode, To: "n1"},
		{From: "n1", To: "n2"},
		{From: "n2", To: "n1"},
	}
	if _, err := Compile(cfg, NewUniversalNode(render.New(), nil)); err != nil {
		t.Fatalf("expected a cyclic graph shape (re-planning loop) to compile, got %v", err)
	}
}

func TestCompiledGraph_Run_MaxSearchIterationsStopsALoopingSearchNode(t *testing.T) {
	cfg := GraphConfig{
		GraphID: "g3",
		Tier:    1,
		Nodes: []NodeDef{
			{ID: "s", Type: "search", Config: map[string]any{
				"steps": []any{map[string]any{
					"type":   "transform",
					"config": map[string]any{"operation": "set", "value": "hit", "outputField": "lastSearch"},
				}},
			}},
		},
		Edges: []EdgeDef{
			{From: StartNode, To: "s"},
			{From: "s", To: "s"},
		},
		GlobalConfig: GlobalConfig{MaxSearchIterations: 3},
	}
	node := NewUniversalNode(render.New(), nil)
	g, err := Compile(cfg, node)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	state := NewRuntimeState()
	err = g.Run(context.Background(), state)
	if err == nil {
		t.Fatal("expected maxSearchIterations to halt the looping search node")
	}
	if !runtimeerr.Is(err, runtimeerr.LimitExceeded) {
		t.Errorf("expected a LimitExceeded error, got %v", err)
	}
	if state.SearchIterations != 4 {
		t.Errorf("expected SearchIterations to stop one past the limit, got %d", state.SearchIterations)
	}
}

func TestCompiledGraph_Run_RespectsGlobalConfigTimeout(t *testing.T) {
	g, err := Compile(simpleGraph(), NewUniversalNode(render.New(), nil))
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	g.globalConfig.Timeout = 30

	// An already-expired parent deadline proves Run's context derives from
	// (and honors) the caller's context rather than only its own timeout.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	if err := g.Run(ctx, NewRuntimeState()); err == nil {
		t.Fatal("expected Run to observe the expired context before executing any node")
	} else if !runtimeerr.Is(err, runtimeerr.Cancelled) {
		t.Errorf("expected a Cancelled error, got %v", err)
	}
}

func TestCompile_OrphanNodeWarns(t *testing.T) {
	cfg := simpleGraph()
	cfg.Nodes = append(cfg.Nodes, NodeDef{ID: "orphan", Type: "universal"})
	g, err := Compile(cfg, NewUniversalNode(render.New(), nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range g.Warnings() {
		if w == `orphan node "orphan": no incoming edge` {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an orphan-node warning, got %v", g.Warnings())
	}
}

func TestCompiledGraph_Run_FollowsEdgesToEnd(t *testing.T) {
	node := NewUniversalNode(render.New(), nil)
	g, err := Compile(simpleGraph(), node)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	state := NewRuntimeState()
	if err := g.Run(context.Background(), state); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if state.Data["greeting"] != "hi" {
		t.Errorf("expected the node's delta to be reduced into state, got %#v", state.Data)
	}
}

func TestCompiledGraph_Run_ShortCircuitsOnFinalResponse(t *testing.T) {
	cfg := simpleGraph()
	// A second node after n1 that would set "late". FinalResponse is set
	// before Run, so the walk stops after n1 and n2 never executes.
	cfg.Nodes = append(cfg.Nodes, NodeDef{ID: "n2", Type: "universal", Config: map[string]any{
		"steps": []any{map[string]any{
			"type": "transform",
			"config": map[string]any{
				"operation": "set", "value": "late", "outputField": "late",
			},
		}},
	}})
	cfg.Edges = []EdgeDef{
		{From: StartNode, To: "n1"},
		{From: "n1", To: "n2"},
		{From: "n2", To: EndNode},
	}
	node := NewUniversalNode(render.New(), nil)
	g, err := Compile(cfg, node)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	state := NewRuntimeState()
	final := "done early"
	state.FinalResponse = &final
	if err := g.Run(context.Background(), state); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	// n1 still runs once (the check happens after the node executes), but
	// the walk must stop there instead of moving on to n2.
	if state.Data["greeting"] != "hi" {
		t.Errorf("expected n1 to still execute once before the short-circuit check, got %#v", state.Data)
	}
	if _, ok := state.Data["late"]; ok {
		t.Errorf("expected n2 not to run once FinalResponse is set, got %#v", state.Data)
	}
}

func TestCompile_ConditionalEdgeRouting(t *testing.T) {
	cfg := GraphConfig{
		GraphID: "g2",
		Tier:    1,
		Nodes: []NodeDef{
			{ID: "n1", Type: "universal", Config: map[string]any{
				"steps": []any{map[string]any{
					"type": "transform",
					"config": map[string]any{
						"operation": "set", "value": "{{data.route}}", "outputField": "route",
					},
				}},
			}},
			{ID: "a", Type: "universal", Config: map[string]any{
				"steps": []any{map[string]any{
					"type": "transform",
					"config": map[string]any{"operation": "set", "value": "went-a", "outputField": "path"},
				}},
			}},
			{ID: "b", Type: "universal", Config: map[string]any{
				"steps": []any{map[string]any{
					"type": "transform",
					"config": map[string]any{"operation": "set", "value": "went-b", "outputField": "path"},
				}},
			}},
		},
		Edges: []EdgeDef{
			{From: StartNode, To: "n1"},
			{From: "n1", Condition: "data.route", Targets: map[string]string{"a": "a", "b": "b"}, Fallback: "b"},
			{From: "a", To: EndNode},
			{From: "b", To: EndNode},
		},
	}
	node := NewUniversalNode(render.New(), nil)
	g, err := Compile(cfg, node)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	state := NewRuntimeState()
	state.Data = map[string]any{"route": "a"}
	if err := g.Run(context.Background(), state); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if state.Data["path"] != "went-a" {
		t.Errorf("expected routing to node a, got %#v", state.Data["path"])
	}
}
