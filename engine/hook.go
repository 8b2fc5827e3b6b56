package engine

import (
	"context"

	"github.com/redbtn-io/ai/engine/steps"
)

// NodeHook is a cross-cutting pre/post hook run around every step a
// universal node executes, generalized from processor.go's
// PreProcessor/PostProcessor/PostToolProcessor chain (that version hooked
// three fixed points — before an LLM call, after an LLM call, after a tool
// call); this version hooks once per step regardless of step type, since
// spec §4.4 has no notion of "the LLM call" specifically — every step is a
// StepDef dispatched the same way. Use cases: redaction, budget enforcement,
// audit logging.
//
// Returning a non-nil error from either method halts the node the same way
// a step's own error does: the node returns data.error + routes to
// error_handler, matching processor.go's ErrHalt short-circuit but routed
// through the existing error_handler mechanism instead of a canned response.
type NodeHook interface {
	// PreStep runs before a step is dispatched, given the snapshot it is
	// about to see. Implementations may inspect but must not mutate
	// snapshot (no copy is made for performance; mutate state via normal
	// step deltas instead).
	PreStep(ctx context.Context, step steps.StepDef, snapshot map[string]any) error
	// PostStep runs after a step's delta has been computed, given the
	// step and its delta, before the delta is merged into the node's
	// accumulator.
	PostStep(ctx context.Context, step steps.StepDef, delta Delta) error
}

// HookChain runs an ordered list of NodeHooks, stopping at the first error
// (grounded on processor.go's ProcessorChain.RunPreLLM/RunPostLLM ordering
// and stop-on-first-error semantics).
type HookChain struct {
	hooks []NodeHook
}

// NewHookChain creates a chain from zero or more hooks, in run order.
func NewHookChain(hooks ...NodeHook) *HookChain {
	return &HookChain{hooks: hooks}
}

// Len returns the number of registered hooks.
func (c *HookChain) Len() int { return len(c.hooks) }

func (c *HookChain) runPre(ctx context.Context, step steps.StepDef, snapshot map[string]any) error {
	for _, h := range c.hooks {
		if err := h.PreStep(ctx, step, snapshot); err != nil {
			return err
		}
	}
	return nil
}

func (c *HookChain) runPost(ctx context.Context, step steps.StepDef, delta Delta) error {
	for _, h := range c.hooks {
		if err := h.PostStep(ctx, step, delta); err != nil {
			return err
		}
	}
	return nil
}
