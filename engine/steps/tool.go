package steps

import (
	"encoding/json"
	"fmt"

	"github.com/redbtn-io/ai/engine/core"
)

// ExecuteTool implements the tool step (§4.3.2), grounded on
// workflow_definition.go's buildToolNode (template-rendered args) and
// code/subprocess.go's result-unwrap idiom. The call is routed to the tool
// process pool (C6) with call metadata.
func ExecuteTool(c *Context, cfg Config) (core.Delta, error) {
	eh := parseErrorHandling(cfg)
	outputField := cfg.str("outputField")
	return withPolicy(c.Ctx, eh, outputField, func() (core.Delta, error) {
		return runTool(c, cfg, outputField)
	})
}

func runTool(c *Context, cfg Config, outputField string) (core.Delta, error) {
	toolName := cfg.str("toolName")
	if toolName == "" {
		return nil, fmt.Errorf("tool step: toolName is required")
	}

	params := cfg.mapVal("parameters")
	rendered, err := c.Renderer.RenderParams(any(params), c.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("tool step: render parameters: %w", err)
	}
	renderedMap, _ := rendered.(map[string]any)

	meta := map[string]string{
		"conversationId": strVal(c.Snapshot, "conversationId"),
		"generationId":   strVal(c.Snapshot, "generationId"),
		"messageId":      strVal(c.Snapshot, "messageId"),
	}

	result, err := c.State.Tools.CallTool(c.Ctx, toolName, renderedMap, meta)
	if err != nil {
		return nil, fmt.Errorf("tool step: call %q: %w", toolName, err)
	}

	value := unwrapToolResult(result)
	roundTripped := jsonRoundTrip(value)

	if outputField == "" {
		if m, ok := roundTripped.(map[string]any); ok {
			return core.Delta{"data": m}, nil
		}
		return core.Delta{}, nil
	}
	return core.Delta{"data." + outputField: roundTripped}, nil
}

func strVal(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// unwrapToolResult implements §4.3.2's unwrap rule: if the structured
// result is a single text content item that parses as JSON, the parsed
// value is stored; else the text string; else the raw structured result.
func unwrapToolResult(result map[string]any) any {
	content, ok := result["content"].([]any)
	if !ok || len(content) != 1 {
		return result
	}
	item, ok := content[0].(map[string]any)
	if !ok {
		return result
	}
	if typ, _ := item["type"].(string); typ != "text" {
		return result
	}
	text, ok := item["text"].(string)
	if !ok {
		return result
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed
	}
	return text
}

// jsonRoundTrip serializes then deserializes value to drop non-serializable
// references (§4.3.2, §9 open question: downstream persistence is assumed
// to expect strings; this performs exactly one best-effort round trip and
// does not attempt type recovery). On failure, primitive-only fields are
// extracted.
func jsonRoundTrip(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return extractPrimitives(value)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return extractPrimitives(value)
	}
	return out
}

func extractPrimitives(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", value)
	}
	out := map[string]any{}
	for k, v := range m {
		switch v.(type) {
		case string, float64, bool, nil:
			out[k] = v
		}
	}
	return out
}
