package steps

import (
	"fmt"
	"strings"

	"github.com/redbtn-io/ai/engine/core"
)

// ExecuteNeuron implements the neuron step (§4.3.1). It is grounded on
// workflow_definition.go's buildLLMNode (template expansion of prompts,
// message-list detection when userPrompt is exactly "{{state.<field>}}")
// and loop.go's streaming-vs-non-streaming dispatch. The LM is obtained
// from the provider registry (C7) by (neuronId, userId).
func ExecuteNeuron(c *Context, cfg Config) (core.Delta, error) {
	eh := parseErrorHandling(cfg)
	outputField := cfg.str("outputField")
	return withPolicy(c.Ctx, eh, outputField, func() (core.Delta, error) {
		return runNeuron(c, cfg, outputField)
	})
}

func runNeuron(c *Context, cfg Config, outputField string) (core.Delta, error) {
	if outputField == "" {
		return nil, fmt.Errorf("neuron step: outputField is required")
	}
	userPromptRaw := cfg.str("userPrompt")
	if userPromptRaw == "" {
		return nil, fmt.Errorf("neuron step: userPrompt is required")
	}

	neuronID := cfg.str("neuronId")
	if neuronID == "" {
		if def, ok := c.Snapshot["options"].(map[string]any); ok {
			if v, ok := def["defaultNeuronId"].(string); ok {
				neuronID = v
			}
		}
	}

	messages, err := buildMessages(c, cfg, userPromptRaw)
	if err != nil {
		return nil, err
	}

	req := core.ChatRequest{
		Messages:        messages,
		Temperature:     cfg.floatPtr("temperature"),
		MaxOutputTokens: intPtr(cfg, "maxTokens"),
	}

	structured := cfg.mapVal("structuredOutput")
	if structured != nil {
		req.ResponseSchema = &core.ResponseSchema{
			Name:   Config(structured).str("name"),
			Schema: Config(structured).mapVal("schema"),
		}
	}

	lm, err := c.State.Providers.GetModel(c.Ctx, neuronID, c.State.UserID)
	if err != nil {
		return nil, fmt.Errorf("neuron step: resolve neuron %q: %w", neuronID, err)
	}

	streamVisible := cfg.bool("stream") && c.State.StepVisible

	var resp core.ChatResponse
	if structured != nil {
		resp, err = lm.Chat(c.Ctx, req)
		if err != nil {
			return nil, fmt.Errorf("neuron step: chat: %w", err)
		}
	} else {
		ch := make(chan core.StreamToken, 16)
		done := make(chan struct{})
		var accumErr error
		go func() {
			defer close(done)
			for tok := range ch {
				if streamVisible {
					if sink, ok := c.State.Cache.(core.ChunkSink); ok {
						if err := sink.AppendContent(c.Ctx, c.State.MessageID, tok.Content); err != nil {
							accumErr = err
						}
					}
				}
			}
		}()
		resp, err = lm.ChatStream(c.Ctx, req, ch)
		<-done
		if err != nil {
			return nil, fmt.Errorf("neuron step: chat stream: %w", err)
		}
		if accumErr != nil {
			return nil, fmt.Errorf("neuron step: publish chunk: %w", accumErr)
		}
	}

	return core.Delta{"data." + outputField: resp.Content}, nil
}

// buildMessages renders systemPrompt/userPrompt, per §4.3.1's message-list
// special case: if userPrompt is exactly "{{state.<field>}}" and that field
// is an array, it is taken as a pre-built message list.
func buildMessages(c *Context, cfg Config, userPromptRaw string) ([]core.ChatMessage, error) {
	trimmed := strings.TrimSpace(userPromptRaw)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		inner = strings.TrimPrefix(inner, "state.")
		if arr, ok := lookupArray(c.Snapshot, inner); ok {
			msgs := decodeMessages(arr)
			if sysPrompt := cfg.str("systemPrompt"); sysPrompt != "" {
				rendered := c.renderString(sysPrompt)
				if len(msgs) > 0 && msgs[0].Role == "system" {
					msgs[0].Content = rendered
				} else {
					msgs = append([]core.ChatMessage{{Role: "system", Content: rendered}}, msgs...)
				}
			}
			return msgs, nil
		}
	}

	var msgs []core.ChatMessage
	if sysPrompt := cfg.str("systemPrompt"); sysPrompt != "" {
		msgs = append(msgs, core.ChatMessage{Role: "system", Content: c.renderString(sysPrompt)})
	}
	msgs = append(msgs, core.ChatMessage{Role: "user", Content: c.renderString(userPromptRaw)})
	return msgs, nil
}

func lookupArray(snapshot map[string]any, path string) ([]any, bool) {
	segs := strings.Split(path, ".")
	var cur any = snapshot
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	arr, ok := cur.([]any)
	return arr, ok
}

func decodeMessages(arr []any) []core.ChatMessage {
	out := make([]core.ChatMessage, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg := core.ChatMessage{}
		if r, ok := m["role"].(string); ok {
			msg.Role = r
		}
		if content, ok := m["content"].(string); ok {
			msg.Content = content
		}
		out = append(out, msg)
	}
	return out
}

func intPtr(cfg Config, key string) *int {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case int:
			return &n
		case float64:
			i := int(n)
			return &i
		}
	}
	return nil
}
