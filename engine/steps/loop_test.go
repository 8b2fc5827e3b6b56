package steps

import "testing"

func counterStep(outputField string) map[string]any {
	return map[string]any{
		"type": "transform",
		"config": map[string]any{
			"operation":   "set",
			"value":       "{{data.loopIteration}}",
			"outputField": outputField,
		},
	}
}

func TestExecuteLoop_ExitsWhenConditionMet(t *testing.T) {
	c := newTestContext(map[string]any{"data": map[string]any{}})
	cfg := Config{
		"maxIterations": 5,
		"exitCondition": "data.counter >= 3",
		"steps":         []any{counterStep("counter")},
	}
	delta, err := ExecuteLoop(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta["data.loopIterations"] != float64(3) {
		t.Errorf("expected 3 iterations, got %#v", delta["data.loopIterations"])
	}
	if delta["data.loopExitConditionMet"] != true {
		t.Errorf("expected exit condition to be met, got %#v", delta["data.loopExitConditionMet"])
	}
}

func TestExecuteLoop_MaxIterationsOnMaxThrow(t *testing.T) {
	c := newTestContext(map[string]any{"data": map[string]any{}})
	cfg := Config{
		"maxIterations":   2,
		"exitCondition":   "data.counter >= 100",
		"steps":           []any{counterStep("counter")},
		"onMaxIterations": "throw",
	}
	_, err := ExecuteLoop(c, cfg)
	if err == nil {
		t.Fatal("expected an error when maxIterations is reached with onMaxIterations=throw")
	}
}

func TestExecuteLoop_MaxIterationsOnMaxContinue(t *testing.T) {
	c := newTestContext(map[string]any{"data": map[string]any{}})
	cfg := Config{
		"maxIterations": 2,
		"exitCondition": "data.counter >= 100",
		"steps":         []any{counterStep("counter")},
	}
	delta, err := ExecuteLoop(c, cfg)
	if err != nil {
		t.Fatalf("expected default onMaxIterations=continue to not error: %v", err)
	}
	if delta["data.loopIterations"] != float64(2) {
		t.Errorf("expected 2 iterations run, got %#v", delta["data.loopIterations"])
	}
}

func TestExecuteLoop_AccumulatesField(t *testing.T) {
	c := newTestContext(map[string]any{"data": map[string]any{}})
	cfg := Config{
		"maxIterations":    3,
		"steps":            []any{counterStep("counter")},
		"accumulatorField": "counter",
	}
	delta, err := ExecuteLoop(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr, ok := delta["data.counterArray"].([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected 3 accumulated values, got %#v", delta["data.counterArray"])
	}
	if delta["data.counterCount"] != float64(3) {
		t.Errorf("expected count 3, got %#v", delta["data.counterCount"])
	}
}
