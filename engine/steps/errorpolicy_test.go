package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/redbtn-io/ai/engine/core"
)

func TestWithPolicy_SucceedsFirstTry(t *testing.T) {
	calls := 0
	delta, err := withPolicy(context.Background(), ErrorHandling{OnError: "throw"}, "out", func() (core.Delta, error) {
		calls++
		return core.Delta{"data.out": "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
	if delta["data.out"] != "ok" {
		t.Errorf("unexpected delta: %#v", delta)
	}
}

func TestWithPolicy_RetriesThenThrows(t *testing.T) {
	calls := 0
	eh := ErrorHandling{OnError: "throw", Retry: 2, RetryDelayMS: 1}
	_, err := withPolicy(context.Background(), eh, "out", func() (core.Delta, error) {
		calls++
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected the final error to propagate")
	}
	if calls != 3 {
		t.Errorf("expected 1 initial try + 2 retries = 3 calls, got %d", calls)
	}
}

func TestWithPolicy_FallbackOnExhaustion(t *testing.T) {
	eh := ErrorHandling{OnError: "fallback", FallbackValue: "backup"}
	delta, err := withPolicy(context.Background(), eh, "out", func() (core.Delta, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("fallback policy should not propagate the error: %v", err)
	}
	if delta["data.out"] != "backup" {
		t.Errorf("expected fallback value, got %#v", delta)
	}
}

func TestWithPolicy_SkipOnExhaustion(t *testing.T) {
	eh := ErrorHandling{OnError: "skip"}
	delta, err := withPolicy(context.Background(), eh, "out", func() (core.Delta, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("skip policy should not propagate the error: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("expected an empty delta on skip, got %#v", delta)
	}
}

func TestWithPolicy_LegacyRetryOnErrorField(t *testing.T) {
	cfg := Config{"retryOnError": true, "maxRetries": 2}
	eh := parseErrorHandling(cfg)
	if eh.Retry != 2 {
		t.Errorf("expected legacy retryOnError/maxRetries to set Retry=2, got %d", eh.Retry)
	}
	if eh.OnError != "throw" {
		t.Errorf("expected default onError 'throw', got %q", eh.OnError)
	}
}
