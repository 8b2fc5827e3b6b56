package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/runtimeerr"
)

// retryHandle wraps an engine.LMHandle and automatically retries transient
// provider errors with exponential backoff, generalized from retry.go's
// retryProvider but built on cenkalti/backoff/v5 in place of the teacher's
// hand-rolled exponential-with-jitter loop.
type retryHandle struct {
	inner       engine.LMHandle
	maxAttempts uint
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryHandle)

// RetryMaxAttempts sets the maximum number of attempts (default 3).
func RetryMaxAttempts(n uint) RetryOption {
	return func(r *retryHandle) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay (default 1s).
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryHandle) { r.baseDelay = d }
}

// RetryLogger sets the handle's logger.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryHandle) { r.logger = l }
}

// WithRetry wraps h so transient provider errors (a ProviderError whose
// context carries status 429 or 503) are retried with exponential backoff.
func WithRetry(h engine.LMHandle, opts ...RetryOption) engine.LMHandle {
	r := &retryHandle{inner: h, maxAttempts: 3, baseDelay: time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *retryHandle) Name() string { return r.inner.Name() }

func (r *retryHandle) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	return b
}

func (r *retryHandle) Chat(ctx context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	return backoff.Retry(ctx, func() (engine.ChatResponse, error) {
		resp, err := r.inner.Chat(ctx, req)
		if err != nil && !isTransient(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(r.maxAttempts))
}

// ChatStream retries only while no tokens have reached ch yet; once
// streaming has started, errors pass through immediately to avoid emitting
// duplicate content — mirroring retry.go's ChatStream comment.
func (r *retryHandle) ChatStream(ctx context.Context, req engine.ChatRequest, ch chan<- engine.StreamToken) (engine.ChatResponse, error) {
	defer close(ch)
	b := r.newBackOff()
	var lastErr error
	var attempts uint
	for attempts = 0; attempts < r.maxAttempts; attempts++ {
		mid := make(chan engine.StreamToken, 64)
		var resp engine.ChatResponse
		var streamErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var tokensSent bool
		for tok := range mid {
			tokensSent = true
			select {
			case ch <- tok:
			case <-ctx.Done():
				<-done
				return resp, ctx.Err()
			}
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || tokensSent {
			return resp, streamErr
		}
		lastErr = streamErr
		r.logger.Warn("llm: transient stream error, retrying", "provider", r.inner.Name(), "attempt", attempts+1, "error", streamErr)
		if attempts < r.maxAttempts-1 {
			delay := b.NextBackOff()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return engine.ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return engine.ChatResponse{}, lastErr
}

// isTransient reports whether err is a retryable provider error: a
// ProviderError carrying a 429 or 503 status in its context.
func isTransient(err error) bool {
	var re *runtimeerr.Error
	if !errors.As(err, &re) || re.Kind != runtimeerr.ProviderError {
		return false
	}
	status, _ := re.Context["status"].(int)
	return status == 429 || status == 503
}
