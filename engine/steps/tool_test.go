package steps

import (
	"context"
	"testing"

	"github.com/redbtn-io/ai/engine/core"
	"github.com/redbtn-io/ai/render"
)

type fakeToolClient struct {
	result map[string]any
	err    error
	// recordedName/recordedArgs capture the last call for assertions.
	recordedName string
	recordedArgs map[string]any
}

func (f *fakeToolClient) CallTool(ctx context.Context, name string, args map[string]any, meta map[string]string) (map[string]any, error) {
	f.recordedName = name
	f.recordedArgs = args
	return f.result, f.err
}

func newToolTestContext(snapshot map[string]any, tools core.ToolClient) *Context {
	state := core.NewRuntimeState()
	state.Tools = tools
	return &Context{Ctx: context.Background(), State: state, Snapshot: snapshot, Renderer: render.New()}
}

func TestExecuteTool_UnwrapsSingleTextJSONContent(t *testing.T) {
	client := &fakeToolClient{result: map[string]any{
		"content": []any{map[string]any{"type": "text", "text": `{"n":42}`}},
	}}
	c := newToolTestContext(map[string]any{}, client)
	cfg := Config{"toolName": "search", "outputField": "out"}
	delta, err := ExecuteTool(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := delta["data.out"].(map[string]any)
	if !ok || m["n"] != 42.0 {
		t.Fatalf("unexpected unwrapped value: %#v", delta)
	}
	if client.recordedName != "search" {
		t.Errorf("expected tool name 'search', got %q", client.recordedName)
	}
}

func TestExecuteTool_UnwrapsPlainTextContent(t *testing.T) {
	client := &fakeToolClient{result: map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "plain result"}},
	}}
	c := newToolTestContext(map[string]any{}, client)
	delta, err := ExecuteTool(c, Config{"toolName": "search", "outputField": "out"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta["data.out"] != "plain result" {
		t.Errorf("expected plain text passthrough, got %#v", delta["data.out"])
	}
}

func TestExecuteTool_NoOutputFieldMergesMapIntoData(t *testing.T) {
	client := &fakeToolClient{result: map[string]any{"a": 1.0, "b": "x"}}
	c := newToolTestContext(map[string]any{}, client)
	delta, err := ExecuteTool(c, Config{"toolName": "search"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := delta["data"].(map[string]any)
	if !ok || m["a"] != 1.0 {
		t.Fatalf("expected result merged into data, got %#v", delta)
	}
}

func TestExecuteTool_MissingToolNameErrors(t *testing.T) {
	c := newToolTestContext(map[string]any{}, &fakeToolClient{})
	_, err := ExecuteTool(c, Config{"outputField": "out"})
	if err == nil {
		t.Fatal("expected an error when toolName is missing")
	}
}

func TestExecuteTool_ClientErrorPropagates(t *testing.T) {
	client := &fakeToolClient{err: context.DeadlineExceeded}
	c := newToolTestContext(map[string]any{}, client)
	_, err := ExecuteTool(c, Config{"toolName": "search", "outputField": "out"})
	if err == nil {
		t.Fatal("expected the tool client's error to propagate")
	}
}

func TestExecuteTool_RendersParametersFromSnapshot(t *testing.T) {
	client := &fakeToolClient{result: map[string]any{}}
	c := newToolTestContext(map[string]any{"query": "cats"}, client)
	cfg := Config{"toolName": "search", "outputField": "out", "parameters": map[string]any{"q": "{{query}}"}}
	_, err := ExecuteTool(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.recordedArgs["q"] != "cats" {
		t.Errorf("expected rendered parameter 'cats', got %#v", client.recordedArgs)
	}
}
