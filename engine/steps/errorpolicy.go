package steps

import (
	"context"
	"time"

	"github.com/redbtn-io/ai/engine/core"
)

// withPolicy runs fn under the step's error-handling policy (§4.3.6 /
// §4.3.2): up to eh.Retry retries with a linear delay (n+1)*baseDelay
// between attempts (the spec's literal formula; this is a different layer
// than the teacher's exponential-with-jitter provider-transport retry in
// the llm package, which is unrelated and unaffected), then on exhaustion:
// throw (propagate), fallback (write FallbackValue to outputField), or skip
// (write nothing).
func withPolicy(ctx context.Context, eh ErrorHandling, outputField string, fn func() (core.Delta, error)) (core.Delta, error) {
	var lastErr error
	for attempt := 0; attempt <= eh.Retry; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Duration(eh.RetryDelayMS) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		delta, err := fn()
		if err == nil {
			return delta, nil
		}
		lastErr = err
	}

	switch eh.OnError {
	case "fallback":
		if outputField == "" {
			return core.Delta{}, nil
		}
		return core.Delta{"data." + outputField: eh.FallbackValue}, nil
	case "skip":
		return core.Delta{}, nil
	default: // "throw"
		return nil, lastErr
	}
}
