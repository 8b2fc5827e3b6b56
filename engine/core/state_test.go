package core

import "testing"

func TestExpandDotPaths_NestsAndMerges(t *testing.T) {
	in := Delta{
		"data.plan.steps": 3,
		"data.plan.name":  "x",
		"nextRoute":       "router",
	}
	out := ExpandDotPaths(in)

	data, ok := out["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data key to be a map, got %T", out["data"])
	}
	plan, ok := data["plan"].(map[string]any)
	if !ok {
		t.Fatalf("expected data.plan to be a map, got %T", data["plan"])
	}
	if plan["steps"] != 3 || plan["name"] != "x" {
		t.Errorf("unexpected plan contents: %#v", plan)
	}
	if out["nextRoute"] != "router" {
		t.Errorf("expected nextRoute to pass through unchanged, got %v", out["nextRoute"])
	}
}

func TestExpandDotPaths_NoDotPassesThrough(t *testing.T) {
	out := ExpandDotPaths(Delta{"response": "hi"})
	if out["response"] != "hi" {
		t.Errorf("expected passthrough, got %v", out["response"])
	}
}

func TestReduce_DeepMergesData(t *testing.T) {
	state := NewRuntimeState()
	state.Data = map[string]any{"plan": map[string]any{"steps": 1, "keep": "yes"}}

	Reduce(state, Delta{"data.plan.steps": 2})

	plan := state.Data["plan"].(map[string]any)
	if plan["steps"] != 2 {
		t.Errorf("expected steps to be overwritten to 2, got %v", plan["steps"])
	}
	if plan["keep"] != "yes" {
		t.Errorf("expected unrelated sibling key to survive the merge, got %v", plan["keep"])
	}
}

func TestReduce_MessagesConcatenate(t *testing.T) {
	state := NewRuntimeState()
	state.Messages = []ChatMessage{{Role: "user", Content: "hi"}}

	Reduce(state, Delta{KeyMessages: []ChatMessage{{Role: "assistant", Content: "hello"}}})

	if len(state.Messages) != 2 {
		t.Fatalf("expected messages to be appended, got %d", len(state.Messages))
	}
	if state.Messages[1].Content != "hello" {
		t.Errorf("unexpected second message: %#v", state.Messages[1])
	}
}

func TestReduce_EmptyDeltaIsNoop(t *testing.T) {
	state := NewRuntimeState()
	state.NodeCounter = 5
	Reduce(state, Delta{})
	if state.NodeCounter != 5 {
		t.Errorf("expected no mutation on empty delta, got NodeCounter=%d", state.NodeCounter)
	}
}

func TestIncrementNodeCounter(t *testing.T) {
	state := NewRuntimeState()
	if got := state.IncrementNodeCounter(); got != 1 {
		t.Errorf("expected first increment to return 1, got %d", got)
	}
	if got := state.IncrementNodeCounter(); got != 2 {
		t.Errorf("expected second increment to return 2, got %d", got)
	}
}

func TestHasFinalResponse(t *testing.T) {
	state := NewRuntimeState()
	if state.HasFinalResponse() {
		t.Fatal("expected no final response on a fresh state")
	}
	final := "done"
	state.FinalResponse = &final
	if !state.HasFinalResponse() {
		t.Error("expected HasFinalResponse to report true once set")
	}
}

func TestCloneWorkingData_IsIndependentCopy(t *testing.T) {
	state := NewRuntimeState()
	state.Data = map[string]any{"nested": map[string]any{"x": 1}}

	clone := CloneWorkingData(state)
	clone["nested"].(map[string]any)["x"] = 99

	if state.Data["nested"].(map[string]any)["x"] != 1 {
		t.Error("expected mutating the clone to leave the original untouched")
	}
}

func TestSnapshot_ReflectsCurrentFields(t *testing.T) {
	state := NewRuntimeState()
	state.Query = "hello"
	state.ConversationID = "conv-1"

	snap := state.Snapshot()
	if snap["query"] != "hello" || snap["conversationId"] != "conv-1" {
		t.Errorf("unexpected snapshot: %#v", snap)
	}
}
