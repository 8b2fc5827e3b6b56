package registry

import (
	"context"
	"sync"
	"time"

	"github.com/redbtn-io/ai/engine"
)

// rateLimitedHandle wraps an engine.LMHandle with proactive rate limiting, so
// GetModel can enforce a per-tier RPM/TPM budget on neuron instantiation
// (spec's "Rate limiting on LM provider instantiation" supplement), grounded
// on ratelimit.go's sliding-window rateLimitProvider, adapted from Provider to
// LMHandle.
type rateLimitedHandle struct {
	inner engine.LMHandle
	mu    sync.Mutex

	rpm       int
	rpmWindow []time.Time

	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitedHandle.
type RateLimitOption func(*rateLimitedHandle)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption { return func(r *rateLimitedHandle) { r.rpm = n } }

// TPM sets the maximum tokens per minute (input + output combined). Soft
// limit: the request that exceeds the budget completes, but subsequent
// requests block until the window slides.
func TPM(n int) RateLimitOption { return func(r *rateLimitedHandle) { r.tpm = n } }

// WithRateLimit wraps an LMHandle with proactive rate limiting. A neuron's
// tier can be mapped to RPM/TPM budgets and applied here before the handle is
// returned from GetModel.
func WithRateLimit(h engine.LMHandle, opts ...RateLimitOption) engine.LMHandle {
	r := &rateLimitedHandle{inner: h}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitedHandle) Name() string { return r.inner.Name() }

func (r *rateLimitedHandle) Chat(ctx context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return engine.ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitedHandle) ChatStream(ctx context.Context, req engine.ChatRequest, ch chan<- engine.StreamToken) (engine.ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		close(ch)
		return engine.ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitedHandle) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *rateLimitedHandle) recordUsage(u engine.Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ engine.LMHandle = (*rateLimitedHandle)(nil)
