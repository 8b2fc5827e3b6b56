package steps

import (
	"context"
	"testing"

	"github.com/redbtn-io/ai/engine/core"
	"github.com/redbtn-io/ai/render"
)

type fakeLMHandle struct {
	resp core.ChatResponse
	err  error
	// recorded is the last ChatRequest this handle saw, for assertions.
	recorded core.ChatRequest
}

func (f *fakeLMHandle) Name() string { return "fake" }

func (f *fakeLMHandle) Chat(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	f.recorded = req
	return f.resp, f.err
}

func (f *fakeLMHandle) ChatStream(ctx context.Context, req core.ChatRequest, ch chan<- core.StreamToken) (core.ChatResponse, error) {
	f.recorded = req
	defer close(ch)
	if f.err != nil {
		return core.ChatResponse{}, f.err
	}
	for _, tok := range []string{"hel", "lo"} {
		ch <- core.StreamToken{Content: tok}
	}
	return f.resp, nil
}

type fakeProviders struct {
	handle core.LMHandle
	err    error
}

func (f *fakeProviders) GetModel(ctx context.Context, neuronID, userID string) (core.LMHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

func newNeuronTestContext(snapshot map[string]any, lm core.LMHandle) *Context {
	state := core.NewRuntimeState()
	state.Providers = &fakeProviders{handle: lm}
	return &Context{Ctx: context.Background(), State: state, Snapshot: snapshot, Renderer: render.New()}
}

func TestExecuteNeuron_NonStreamingStructuredOutput(t *testing.T) {
	lm := &fakeLMHandle{resp: core.ChatResponse{Content: "structured result"}}
	c := newNeuronTestContext(map[string]any{}, lm)
	cfg := Config{
		"neuronId": "n1", "userPrompt": "hello", "outputField": "out",
		"structuredOutput": map[string]any{"name": "schema1", "schema": map[string]any{}},
	}
	delta, err := ExecuteNeuron(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta["data.out"] != "structured result" {
		t.Errorf("unexpected delta: %#v", delta)
	}
	if len(lm.recorded.Messages) != 1 || lm.recorded.Messages[0].Role != "user" {
		t.Errorf("expected a single user message, got %#v", lm.recorded.Messages)
	}
}

func TestExecuteNeuron_StreamingAccumulatesContent(t *testing.T) {
	lm := &fakeLMHandle{resp: core.ChatResponse{Content: "hello"}}
	c := newNeuronTestContext(map[string]any{}, lm)
	cfg := Config{"neuronId": "n1", "userPrompt": "hi", "outputField": "out"}
	delta, err := ExecuteNeuron(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta["data.out"] != "hello" {
		t.Errorf("unexpected delta: %#v", delta)
	}
}

func TestExecuteNeuron_MissingOutputFieldErrors(t *testing.T) {
	lm := &fakeLMHandle{}
	c := newNeuronTestContext(map[string]any{}, lm)
	_, err := ExecuteNeuron(c, Config{"userPrompt": "hi"})
	if err == nil {
		t.Fatal("expected an error when outputField is missing")
	}
}

func TestExecuteNeuron_MissingUserPromptErrors(t *testing.T) {
	lm := &fakeLMHandle{}
	c := newNeuronTestContext(map[string]any{}, lm)
	_, err := ExecuteNeuron(c, Config{"outputField": "out"})
	if err == nil {
		t.Fatal("expected an error when userPrompt is missing")
	}
}

func TestExecuteNeuron_MessageListDetection(t *testing.T) {
	lm := &fakeLMHandle{resp: core.ChatResponse{Content: "ok"}}
	c := newNeuronTestContext(map[string]any{
		"data": map[string]any{
			"history": []any{
				map[string]any{"role": "user", "content": "hi"},
				map[string]any{"role": "assistant", "content": "hello"},
			},
		},
	}, lm)
	cfg := Config{"neuronId": "n1", "userPrompt": "{{state.data.history}}", "outputField": "out", "systemPrompt": "sys"}
	_, err := ExecuteNeuron(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := lm.recorded.Messages
	if len(msgs) != 3 {
		t.Fatalf("expected system + 2 history messages, got %d: %#v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Errorf("expected a prepended system message, got %#v", msgs[0])
	}
}

func TestExecuteNeuron_ResolveFailurePropagates(t *testing.T) {
	state := core.NewRuntimeState()
	state.Providers = &fakeProviders{err: context.DeadlineExceeded}
	c := &Context{Ctx: context.Background(), State: state, Snapshot: map[string]any{}, Renderer: render.New()}
	_, err := ExecuteNeuron(c, Config{"neuronId": "n1", "userPrompt": "hi", "outputField": "out"})
	if err == nil {
		t.Fatal("expected provider resolution failure to propagate")
	}
}
