package registry

import (
	"context"
	"testing"
	"time"

	"github.com/redbtn-io/ai/engine"
)

type fakeLMHandle struct {
	calls int
}

func (f *fakeLMHandle) Name() string { return "fake" }
func (f *fakeLMHandle) Chat(ctx context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	f.calls++
	return engine.ChatResponse{Usage: engine.Usage{InputTokens: 10, OutputTokens: 10}}, nil
}
func (f *fakeLMHandle) ChatStream(ctx context.Context, req engine.ChatRequest, ch chan<- engine.StreamToken) (engine.ChatResponse, error) {
	close(ch)
	return engine.ChatResponse{}, nil
}

func TestWithRateLimit_BlocksBeyondRPMBudget(t *testing.T) {
	inner := &fakeLMHandle{}
	h := WithRateLimit(inner, RPM(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := h.Chat(context.Background(), engine.ChatRequest{}); err != nil {
		t.Fatalf("first call should pass immediately: %v", err)
	}

	_, err := h.Chat(ctx, engine.ChatRequest{})
	if err == nil {
		t.Fatal("expected second call within the same minute to block past the short context deadline")
	}
}

func TestWithRateLimit_UnboundedWithoutOptions(t *testing.T) {
	inner := &fakeLMHandle{}
	h := WithRateLimit(inner)

	for i := 0; i < 5; i++ {
		if _, err := h.Chat(context.Background(), engine.ChatRequest{}); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if inner.calls != 5 {
		t.Errorf("expected 5 passthrough calls, got %d", inner.calls)
	}
}

func TestTierBudget_HighestTierUnmetered(t *testing.T) {
	if _, _, limited := tierBudget(1); limited {
		t.Error("expected tier 1 to be unmetered")
	}
	if _, _, limited := tierBudget(4); !limited {
		t.Error("expected tier 4 to be rate limited")
	}
}
