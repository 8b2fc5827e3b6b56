package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/redbtn-io/ai/engine/steps"
)

func TestHookChain_Len(t *testing.T) {
	c := NewHookChain(&recordingHook{}, &recordingHook{})
	if c.Len() != 2 {
		t.Errorf("expected 2 hooks, got %d", c.Len())
	}
}

func TestHookChain_RunPre_StopsOnFirstError(t *testing.T) {
	first := &recordingHook{preErr: errors.New("stop")}
	second := &recordingHook{}
	c := NewHookChain(first, second)

	err := c.runPre(context.Background(), steps.StepDef{}, map[string]any{})
	if err == nil {
		t.Fatal("expected the first hook's error to propagate")
	}
	if second.preCalls != 0 {
		t.Errorf("expected the second hook to never run, got %d calls", second.preCalls)
	}
}

func TestHookChain_RunPost_AllRunOnSuccess(t *testing.T) {
	first := &recordingHook{}
	second := &recordingHook{}
	c := NewHookChain(first, second)

	err := c.runPost(context.Background(), steps.StepDef{}, Delta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.postCalls != 1 || second.postCalls != 1 {
		t.Errorf("expected both hooks to run, got first=%d second=%d", first.postCalls, second.postCalls)
	}
}

func TestNewHookChain_Empty(t *testing.T) {
	c := NewHookChain()
	if c.Len() != 0 {
		t.Errorf("expected an empty chain, got %d", c.Len())
	}
	if err := c.runPre(context.Background(), steps.StepDef{}, nil); err != nil {
		t.Errorf("expected an empty chain to be a no-op, got %v", err)
	}
}
