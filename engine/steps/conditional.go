package steps

import (
	"strings"

	"github.com/redbtn-io/ai/engine/core"
	"github.com/redbtn-io/ai/expr"
)

// ExecuteConditional implements the conditional step (§4.3.4), grounded on
// workflow_definition.go's buildConditionNode, generalized from
// branch-routing-only to writing an arbitrary setField.
func ExecuteConditional(c *Context, cfg Config) (core.Delta, error) {
	eh := parseErrorHandling(cfg)
	setField := cfg.str("setField")
	return withPolicy(c.Ctx, eh, setField, func() (core.Delta, error) {
		return runConditional(c, cfg, setField)
	})
}

func runConditional(c *Context, cfg Config, setField string) (core.Delta, error) {
	cond := cfg.str("condition")
	var chosen any
	if expr.EvalBool(cond, c.Snapshot) {
		chosen = cfg["trueValue"]
	} else {
		chosen = cfg["falseValue"]
	}
	val := evaluateChosenValue(c, chosen)
	return core.Delta{"data." + setField: val}, nil
}

// evaluateChosenValue: "the chosen value is itself evaluated as an
// expression if wrapped {{…}}, else rendered as a template" (§4.3.4).
func evaluateChosenValue(c *Context, chosen any) any {
	s, ok := chosen.(string)
	if !ok {
		return chosen
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		inner = strings.TrimPrefix(inner, "state.")
		v, err := expr.Eval(inner, c.Snapshot)
		if err != nil {
			return nil
		}
		return v
	}
	return c.renderString(s)
}
