package steps

import (
	"fmt"

	"github.com/redbtn-io/ai/engine/core"
	"github.com/redbtn-io/ai/expr"
)

// ExecuteLoop implements the loop step (§4.3.5), grounded on workflow.go's
// executeDoUntil/executeDoWhile/executeForEach, merged into the single loop
// primitive spec's §4.3.5 describes: clone the working state, run nested
// steps each iteration, evaluate an exit condition, optionally accumulate.
func ExecuteLoop(c *Context, cfg Config) (core.Delta, error) {
	maxIterations := cfg.intVal("maxIterations", 1)
	exitCondition := cfg.str("exitCondition")
	accumulatorField := cfg.str("accumulatorField")
	onMax := cfg.str("onMaxIterations")
	if onMax == "" {
		onMax = "continue"
	}

	steps := decodeSteps(cfg["steps"])
	working := cloneGeneric(dataOf(c.Snapshot))

	var accumulator []any
	iterations := 0
	exitMet := false

	for i := 1; i <= maxIterations; i++ {
		iterations = i
		working["loopIteration"] = float64(i)
		working["loopAccumulator"] = accumulator

		snap := withData(c.Snapshot, working)

		for _, step := range steps {
			if step.Condition != "" && !expr.EvalBool(step.Condition, snap) {
				continue
			}
			stepCtx := &Context{Ctx: c.Ctx, State: c.State, Snapshot: snap, Renderer: c.Renderer}
			delta, err := Dispatch(stepCtx, step)
			if err != nil {
				return nil, fmt.Errorf("loop step %q: %w", step.Type, err)
			}
			expanded := core.ExpandDotPaths(delta)
			if d, ok := expanded["data"].(map[string]any); ok {
				working = mergeGeneric(working, d)
			}
			snap = withData(c.Snapshot, working)
		}

		if accumulatorField != "" {
			if v, ok := working[accumulatorField]; ok {
				accumulator = append(accumulator, v)
			}
		}

		if exitCondition != "" && expr.EvalBool(exitCondition, snap) {
			exitMet = true
			break
		}
	}

	if !exitMet && iterations >= maxIterations && onMax == "throw" {
		return nil, fmt.Errorf("loop step: reached maxIterations (%d) without meeting exitCondition", maxIterations)
	}

	delta := core.Delta{}
	for k, v := range working {
		if k == "loopIteration" || k == "loopAccumulator" {
			continue
		}
		delta["data."+k] = v
	}
	delta["data.loopIterations"] = float64(iterations)
	delta["data.loopExitConditionMet"] = exitMet
	if accumulatorField != "" {
		delta["data."+accumulatorField+"Array"] = accumulator
		delta["data."+accumulatorField+"Count"] = float64(len(accumulator))
	}
	return delta, nil
}

func decodeSteps(raw any) []StepDef {
	list, _ := raw.([]any)
	out := make([]StepDef, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		def := StepDef{}
		if t, ok := m["type"].(string); ok {
			def.Type = t
		}
		if cond, ok := m["condition"].(string); ok {
			def.Condition = cond
		}
		if cfg, ok := m["config"].(map[string]any); ok {
			def.Config = Config(cfg)
		} else {
			def.Config = Config{}
		}
		out = append(out, def)
	}
	return out
}

func dataOf(snapshot map[string]any) map[string]any {
	if d, ok := snapshot["data"].(map[string]any); ok {
		return d
	}
	return map[string]any{}
}

func withData(base map[string]any, data map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["data"] = data
	return out
}

func cloneGeneric(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mv, ok := v.(map[string]any); ok {
			out[k] = cloneGeneric(mv)
		} else {
			out[k] = v
		}
	}
	return out
}

func mergeGeneric(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if av, ok := out[k].(map[string]any); ok {
			if bv, ok := v.(map[string]any); ok {
				out[k] = mergeGeneric(av, bv)
				continue
			}
		}
		out[k] = v
	}
	return out
}
