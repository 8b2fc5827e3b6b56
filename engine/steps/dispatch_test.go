package steps

import "testing"

func TestDispatch_UnknownTypeErrors(t *testing.T) {
	c := newTestContext(nil)
	_, err := Dispatch(c, StepDef{Type: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized step type")
	}
}

func TestDispatch_RoutesToTransform(t *testing.T) {
	c := newTestContext(map[string]any{"query": "hi"})
	delta, err := Dispatch(c, StepDef{Type: "transform", Config: Config{
		"operation": "set", "value": "{{query}}", "outputField": "out",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta["data.out"] != "hi" {
		t.Errorf("unexpected delta: %#v", delta)
	}
}
