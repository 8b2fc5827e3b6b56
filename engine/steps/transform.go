package steps

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redbtn-io/ai/engine/core"
	"github.com/redbtn-io/ai/expr"
)

// ExecuteTransform implements the transform step's eight operations
// (§4.3.3), grounded on workflow_steps.go's ArgsFrom/OutputTo step-option
// pipeline shape, generalized into named operations.
func ExecuteTransform(c *Context, cfg Config) (core.Delta, error) {
	eh := parseErrorHandling(cfg)
	outputField := cfg.str("outputField")
	return withPolicy(c.Ctx, eh, outputField, func() (core.Delta, error) {
		return runTransform(c, cfg, outputField)
	})
}

func runTransform(c *Context, cfg Config, outputField string) (core.Delta, error) {
	op := cfg.str("operation")
	switch op {
	case "map":
		return transformMap(c, cfg, outputField)
	case "filter":
		return transformFilter(c, cfg, outputField)
	case "select":
		return transformSelect(c, cfg, outputField)
	case "set":
		return transformSet(c, cfg, outputField)
	case "parse-json":
		return transformParseJSON(c, cfg, outputField)
	case "append":
		return transformAppend(c, cfg, outputField)
	case "concat":
		return transformConcat(c, cfg, outputField)
	case "build-messages":
		return transformBuildMessages(c, cfg, outputField)
	default:
		return nil, fmt.Errorf("transform step: unknown operation %q", op)
	}
}

func inputArray(c *Context, cfg Config) []any {
	field := cfg.str("inputField")
	arr, _ := lookupArray(c.Snapshot, strings.TrimPrefix(field, "state."))
	return arr
}

func transformMap(c *Context, cfg Config, outputField string) (core.Delta, error) {
	arr := inputArray(c, cfg)
	tmpl := cfg.str("transform")
	out := make([]any, 0, len(arr))
	for i, item := range arr {
		snap := withBindings(c.Snapshot, item, i)
		rendered, err := c.Renderer.Render(tmpl, snap)
		if err != nil {
			return nil, fmt.Errorf("transform map: %w", err)
		}
		out = append(out, rendered)
	}
	return core.Delta{"data." + outputField: out}, nil
}

func transformFilter(c *Context, cfg Config, outputField string) (core.Delta, error) {
	arr := inputArray(c, cfg)
	cond := cfg.str("filterCondition")
	out := make([]any, 0, len(arr))
	for i, item := range arr {
		snap := withBindings(c.Snapshot, item, i)
		if expr.EvalBool(cond, snap) {
			out = append(out, item)
		}
	}
	return core.Delta{"data." + outputField: out}, nil
}

func withBindings(base map[string]any, item any, index int) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["item"] = item
	out["index"] = float64(index)
	return out
}

func transformSelect(c *Context, cfg Config, outputField string) (core.Delta, error) {
	path := strings.TrimPrefix(cfg.str("inputField"), "state.")
	root, ok := c.Snapshot[firstSeg(path)]
	if !ok {
		return core.Delta{"data." + outputField: nil}, nil
	}
	if arr, ok := root.([]any); ok && strings.Contains(path, ".") {
		// extract per element using remaining path after the array field.
		rest := strings.TrimPrefix(path, firstSeg(path)+".")
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			out = append(out, dotExtract(item, rest))
		}
		return core.Delta{"data." + outputField: out}, nil
	}
	val := dotExtract(c.Snapshot, path)
	return core.Delta{"data." + outputField: val}, nil
}

func firstSeg(path string) string {
	if i := strings.Index(path, "."); i >= 0 {
		return path[:i]
	}
	return path
}

func dotExtract(root any, path string) any {
	if path == "" {
		return root
	}
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func transformSet(c *Context, cfg Config, outputField string) (core.Delta, error) {
	valueRaw, _ := cfg["value"].(string)
	trimmed := strings.TrimSpace(valueRaw)
	var val any
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		inner = strings.TrimPrefix(inner, "state.")
		v, err := expr.Eval(inner, c.Snapshot)
		if err != nil {
			val = nil
		} else {
			val = v
		}
	} else {
		rendered, err := c.Renderer.Render(valueRaw, c.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("transform set: %w", err)
		}
		val = rendered
	}
	return core.Delta{"data." + outputField: val}, nil
}

func transformParseJSON(c *Context, cfg Config, outputField string) (core.Delta, error) {
	raw := cfg.str("inputField")
	s := c.renderString(raw)
	var val any
	if err := json.Unmarshal([]byte(s), &val); err == nil {
		return core.Delta{"data." + outputField: val}, nil
	}
	extracted, ok := extractJSONSpan(s)
	if !ok {
		return nil, fmt.Errorf("transform parse-json: no JSON object/array found")
	}
	if err := json.Unmarshal([]byte(extracted), &val); err != nil {
		return nil, fmt.Errorf("transform parse-json: %w", err)
	}
	return core.Delta{"data." + outputField: val}, nil
}

// extractJSONSpan locates the first balanced {...} or [...] span by bracket
// scanning, ignoring brackets inside string literals.
func extractJSONSpan(s string) (string, bool) {
	for i, c := range s {
		if c == '{' || c == '[' {
			if span, ok := scanBalanced(s, i); ok {
				return span, true
			}
		}
	}
	return "", false
}

func scanBalanced(s string, start int) (string, bool) {
	open := s[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func transformAppend(c *Context, cfg Config, outputField string) (core.Delta, error) {
	if cond := cfg.str("condition"); cond != "" && !expr.EvalBool(cond, c.Snapshot) {
		return core.Delta{}, nil
	}
	existing, _ := lookupArray(c.Snapshot, outputField)
	value := cfg["value"]
	existing = append(existing, value)
	return core.Delta{"data." + outputField: existing}, nil
}

func transformConcat(c *Context, cfg Config, outputField string) (core.Delta, error) {
	a, _ := lookupArray(c.Snapshot, strings.TrimPrefix(cfg.str("left"), "state."))
	b, _ := lookupArray(c.Snapshot, strings.TrimPrefix(cfg.str("right"), "state."))
	out := append(append([]any{}, a...), b...)
	return core.Delta{"data." + outputField: out}, nil
}

func transformBuildMessages(c *Context, cfg Config, outputField string) (core.Delta, error) {
	if useField := cfg.str("useExistingField"); useField != "" {
		arr, _ := lookupArray(c.Snapshot, strings.TrimPrefix(useField, "state."))
		if outputField == "" {
			return core.Delta{"data": map[string]any{}}, nil
		}
		return core.Delta{"data." + outputField: arr}, nil
	}
	tmplList, _ := cfg["messages"].([]any)
	out := make([]any, 0, len(tmplList))
	for _, raw := range tmplList {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, map[string]any{
			"role":    role,
			"content": c.renderString(content),
		})
	}
	return core.Delta{"data." + outputField: out}, nil
}
