package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/redbtn-io/ai/engine/steps"
	"github.com/redbtn-io/ai/render"
)

func setStep(outputField, value string) steps.StepDef {
	return steps.StepDef{
		Type: "transform",
		Config: steps.Config{
			"operation": "set", "value": value, "outputField": outputField,
		},
	}
}

func TestUniversalNode_Run_MergesStepDeltas(t *testing.T) {
	n := NewUniversalNode(render.New(), nil)
	state := NewRuntimeState()
	cfg := NodeConfig{Steps: []steps.StepDef{
		setStep("a", "1"),
		setStep("b", "2"),
	}}

	delta := n.Run(context.Background(), state, cfg)

	data, ok := delta["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected a data map in the delta, got %#v", delta)
	}
	if data["a"] != "1" || data["b"] != "2" {
		t.Errorf("expected both step outputs merged, got %#v", data)
	}
}

func TestUniversalNode_Run_ConditionSkipsStep(t *testing.T) {
	n := NewUniversalNode(render.New(), nil)
	state := NewRuntimeState()
	skip := setStep("skipped", "nope")
	skip.Condition = "false"
	cfg := NodeConfig{Steps: []steps.StepDef{setStep("kept", "yes"), skip}}

	delta := n.Run(context.Background(), state, cfg)
	data := delta["data"].(map[string]any)
	if _, ok := data["skipped"]; ok {
		t.Errorf("expected the false-condition step to be skipped, got %#v", data)
	}
	if data["kept"] != "yes" {
		t.Errorf("expected the unconditioned step to run, got %#v", data)
	}
}

func TestUniversalNode_Run_StepErrorRoutesToErrorHandler(t *testing.T) {
	n := NewUniversalNode(render.New(), nil)
	state := NewRuntimeState()
	cfg := NodeConfig{Steps: []steps.StepDef{{Type: "transform", Config: steps.Config{"operation": "bogus"}}}}

	delta := n.Run(context.Background(), state, cfg)
	if delta[KeyNextRoute] != "error_handler" {
		t.Errorf("expected error routing, got %#v", delta)
	}
	if _, ok := delta["data.error"]; !ok {
		t.Errorf("expected a data.error key, got %#v", delta)
	}
}

func TestUniversalNode_Run_ResolverMissingErrors(t *testing.T) {
	n := NewUniversalNode(render.New(), nil)
	state := NewRuntimeState()
	cfg := NodeConfig{NodeRef: "some-id"}

	delta := n.Run(context.Background(), state, cfg)
	if delta[KeyNextRoute] != "error_handler" {
		t.Errorf("expected error routing when no resolver is configured, got %#v", delta)
	}
}

func TestUniversalNode_Run_ResolvesByNodeRef(t *testing.T) {
	resolve := func(ctx context.Context, nodeID string) (NodeConfig, error) {
		return NodeConfig{Steps: []steps.StepDef{setStep("via", "ref")}}, nil
	}
	n := NewUniversalNode(render.New(), resolve)
	state := NewRuntimeState()

	delta := n.Run(context.Background(), state, NodeConfig{NodeRef: "x"})
	data := delta["data"].(map[string]any)
	if data["via"] != "ref" {
		t.Errorf("expected resolved steps to run, got %#v", data)
	}
}

type recordingHook struct {
	preErr, postErr error
	preCalls        int
	postCalls       int
}

func (h *recordingHook) PreStep(ctx context.Context, step steps.StepDef, snapshot map[string]any) error {
	h.preCalls++
	return h.preErr
}

func (h *recordingHook) PostStep(ctx context.Context, step steps.StepDef, delta Delta) error {
	h.postCalls++
	return h.postErr
}

func TestUniversalNode_WithHooks_PreStepHaltsOnError(t *testing.T) {
	hook := &recordingHook{preErr: errors.New("blocked")}
	n := NewUniversalNode(render.New(), nil).WithHooks(NewHookChain(hook))
	state := NewRuntimeState()
	cfg := NodeConfig{Steps: []steps.StepDef{setStep("a", "1"), setStep("b", "2")}}

	delta := n.Run(context.Background(), state, cfg)
	if delta[KeyNextRoute] != "error_handler" {
		t.Errorf("expected error routing when a pre-hook fails, got %#v", delta)
	}
	if hook.preCalls != 1 {
		t.Errorf("expected the chain to stop after the first failing hook, got %d calls", hook.preCalls)
	}
	if hook.postCalls != 0 {
		t.Errorf("expected PostStep to never run once PreStep failed, got %d calls", hook.postCalls)
	}
}

func TestUniversalNode_WithHooks_PostStepRunsAfterEachStep(t *testing.T) {
	hook := &recordingHook{}
	n := NewUniversalNode(render.New(), nil).WithHooks(NewHookChain(hook))
	state := NewRuntimeState()
	cfg := NodeConfig{Steps: []steps.StepDef{setStep("a", "1"), setStep("b", "2")}}

	delta := n.Run(context.Background(), state, cfg)
	if hook.preCalls != 2 || hook.postCalls != 2 {
		t.Errorf("expected both hooks to run once per step, got pre=%d post=%d", hook.preCalls, hook.postCalls)
	}
	if delta[KeyNextRoute] == "error_handler" {
		t.Errorf("expected normal completion, got %#v", delta)
	}
}
