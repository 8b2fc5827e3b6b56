package steps

import (
	"fmt"

	"github.com/redbtn-io/ai/engine/core"
)

// StepDef is a single entry of a node's step list or a loop's nested steps.
type StepDef struct {
	Type      string
	Config    Config
	Condition string
}

// Dispatch runs a single step by its kind. This is the one place that knows
// about all five primitives, so the loop executor (which must run nested
// steps of any kind, including nested loops) can call back into it without
// introducing an import cycle with the engine package's node dispatch.
func Dispatch(c *Context, def StepDef) (core.Delta, error) {
	switch def.Type {
	case "neuron":
		return ExecuteNeuron(c, def.Config)
	case "tool":
		return ExecuteTool(c, def.Config)
	case "transform":
		return ExecuteTransform(c, def.Config)
	case "conditional":
		return ExecuteConditional(c, def.Config)
	case "loop":
		return ExecuteLoop(c, def.Config)
	default:
		return nil, fmt.Errorf("step: unknown type %q", def.Type)
	}
}
