// Package core holds the shared runtime types (C3's step contract and the
// RuntimeState/Delta plumbing of §3) that both the engine package and its
// steps subpackage depend on. Splitting these out of package engine avoids
// an import cycle: engine imports engine/steps (for the universal node's
// dispatch), and engine/steps needs RuntimeState/Delta/ChatMessage and
// friends, so neither can own them while importing the other. Package engine
// re-exports everything here as type aliases, so callers outside the engine
// tree keep writing engine.RuntimeState, engine.Delta, etc.
package core

import (
	"context"
	"log/slog"
	"sync"
)

// ChatMessage mirrors the wire shape of a single conversation turn.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall is a single tool invocation requested by an LM response.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args []byte `json:"args"`
}

// ToolClient is the subset of the tool process pool (C6) the engine needs.
type ToolClient interface {
	CallTool(ctx context.Context, name string, args map[string]any, meta map[string]string) (map[string]any, error)
}

// ProviderResolver is the subset of the LM provider registry (C7) the
// neuron step needs.
type ProviderResolver interface {
	GetModel(ctx context.Context, neuronID, userID string) (LMHandle, error)
}

// LMHandle abstracts an instantiated LM client, mirroring the teacher's
// Provider interface (Chat/ChatWithTools/ChatStream/Name), narrowed to what
// the neuron step needs.
type LMHandle interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamToken) (ChatResponse, error)
	Name() string
}

// ChatRequest is passed to an LMHandle.
type ChatRequest struct {
	Messages        []ChatMessage
	Tools           []ToolDefinition
	ResponseSchema  *ResponseSchema
	Temperature     *float64
	MaxOutputTokens *int
	TopP            *float64
}

// ChatResponse is the non-streaming or final-accumulated result of a chat call.
type ChatResponse struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage carries token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamToken is a single raw token delivered by ChatStream, before
// <think> extraction (that happens in the stream package's tokenizer).
type StreamToken struct {
	Content string
}

// ToolDefinition describes a callable tool for LM tool-calling.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ResponseSchema requests structured output from an LM.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// ChunkSink is the subset of the generation & streaming pipeline (C9) a
// neuron step writes into when its stream visibility flag is set. State.Cache
// is typed `any` to avoid an import cycle (stream imports nothing from
// engine); callers type-assert it to ChunkSink.
type ChunkSink interface {
	AppendContent(ctx context.Context, messageID, chunk string) error
	PublishThinkingChunk(ctx context.Context, messageID, chunk string) error
	PublishStatus(ctx context.Context, messageID, action, description string) error
}

// Memory is the subset of a history/memory interface the orchestrator and
// engine may consult; out of scope per spec §1 beyond this interface surface.
type Memory interface {
	BuildContext(ctx context.Context, conversationID string) (string, error)
}

// RuntimeState is the per-request tree that flows through the graph (§3).
// It is created by the orchestrator at request entry, mutated only through
// the deep-merge reducer (Reduce, below), and discarded at generation
// completion.
type RuntimeState struct {
	mu sync.RWMutex

	// Input.
	Query       string
	Options     map[string]any
	UserID      string
	AccountTier int

	// Component handles.
	Providers ProviderResolver
	Tools     ToolClient
	Cache     any // *stream.Hub, kept as `any` here to avoid an import cycle
	Logger    *slog.Logger
	Mem       Memory

	// Conversation context.
	ContextMessages []ChatMessage
	ContextSummary  string

	// Universal workspace.
	Data             map[string]any
	Messages         []ChatMessage
	Response         *ChatMessage
	NextRoute        string
	FinalResponse    *string
	NodeCounter      int
	CurrentStepIndex int
	SearchIterations int

	// Streaming plumbing.
	MessageID      string
	GenerationID   string
	ConversationID string
	StepVisible    bool // whether the current step's tokens are user-visible
}

// NewRuntimeState creates an empty RuntimeState ready for the orchestrator
// to populate.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{Data: map[string]any{}}
}

// Snapshot returns a shallow, lock-protected copy of the fields steps read,
// suitable for passing into render/expr which expect a plain map[string]any
// view rooted at "state".
func (s *RuntimeState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"query":            s.Query,
		"options":          s.Options,
		"userId":           s.UserID,
		"accountTier":      s.AccountTier,
		"data":             s.Data,
		"messages":         s.Messages,
		"nextRoute":        s.NextRoute,
		"nodeCounter":      s.NodeCounter,
		"searchIterations": s.SearchIterations,
		"conversationId":   s.ConversationID,
		"generationId":     s.GenerationID,
		"messageId":        s.MessageID,
	}
}

// IncrementNodeCounter bumps NodeCounter under lock and returns its new
// value, used by the universal node to stamp each node's systemPrefix.
func (s *RuntimeState) IncrementNodeCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NodeCounter++
	return s.NodeCounter
}

// HasFinalResponse reports whether FinalResponse has been set, under lock
// (the graph runner's short-circuit check, §4.4).
func (s *RuntimeState) HasFinalResponse() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FinalResponse != nil
}

// IncrementSearchIterations bumps SearchIterations under lock and returns its
// new value, used by the graph runner to enforce GlobalConfig.MaxSearchIterations
// against repeated visits to a "search"-typed node (§3 "globalConfig").
func (s *RuntimeState) IncrementSearchIterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchIterations++
	return s.SearchIterations
}

// Delta is a partial state update returned by a step or node. Keys may be
// dot-paths (e.g. "data.plan.steps") which ExpandDotPaths nests before
// Reduce applies them, or one of the reserved top-level keys below.
type Delta map[string]any

const (
	KeyData          = "data"
	KeyMessages      = "messages"
	KeyResponse      = "response"
	KeyNextRoute     = "nextRoute"
	KeyFinalResponse = "finalResponse"
)

// ExpandDotPaths turns flat dot-path keys into nested objects, e.g.
// {"data.plan": 1} becomes {"data": {"plan": 1}}. Keys with no dot pass
// through unchanged. This matches §4.4 step 5 ("flat dot-path keys … are
// expanded into nested objects before returning").
func ExpandDotPaths(delta Delta) Delta {
	out := Delta{}
	for k, v := range delta {
		segs := splitDot(k)
		if len(segs) == 1 {
			out[k] = mergeAny(out[k], v)
			continue
		}
		assignPath(out, segs, v)
	}
	return out
}

func splitDot(k string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			segs = append(segs, k[start:i])
			start = i + 1
		}
	}
	segs = append(segs, k[start:])
	return segs
}

func assignPath(out map[string]any, segs []string, v any) {
	cur := out
	for i, seg := range segs {
		if i == len(segs)-1 {
			if existing, ok := cur[seg].(map[string]any); ok {
				if nv, ok := v.(map[string]any); ok {
					cur[seg] = deepMerge(existing, nv)
					return
				}
			}
			cur[seg] = v
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

func mergeAny(existing, v any) any {
	if existing == nil {
		return v
	}
	em, eok := existing.(map[string]any)
	vm, vok := v.(map[string]any)
	if eok && vok {
		return deepMerge(em, vm)
	}
	return v
}

// deepMerge merges b into a (nested objects merge recursively; everything
// else including arrays is replaced by the newer value).
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if av, ok := out[k].(map[string]any); ok {
			if bv, ok := v.(map[string]any); ok {
				out[k] = deepMerge(av, bv)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Reduce applies delta onto state, following the invariants of §3's final
// paragraph: the data map reducer deep-merges nested objects; top-level
// arrays are replaced by the newer value except messages, which is
// concatenated. Safe for concurrent callers (serializes on state.mu).
func Reduce(state *RuntimeState, delta Delta) {
	if len(delta) == 0 {
		return
	}
	expanded := ExpandDotPaths(delta)

	state.mu.Lock()
	defer state.mu.Unlock()

	if d, ok := expanded[KeyData].(map[string]any); ok {
		if state.Data == nil {
			state.Data = map[string]any{}
		}
		state.Data = deepMerge(state.Data, d)
	}
	if msgs, ok := expanded[KeyMessages].([]ChatMessage); ok {
		state.Messages = append(state.Messages, msgs...)
	}
	if resp, ok := expanded[KeyResponse].(*ChatMessage); ok {
		state.Response = resp
	}
	if route, ok := expanded[KeyNextRoute].(string); ok {
		state.NextRoute = route
	}
	if fin, ok := expanded[KeyFinalResponse].(*string); ok {
		state.FinalResponse = fin
	}
}

// CloneWorkingData returns a deep copy of state.Data suitable for the loop
// step's "clone the working state" semantics (§4.3.5), without touching
// infrastructure handles.
func CloneWorkingData(state *RuntimeState) map[string]any {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return cloneMap(state.Data)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mv, ok := v.(map[string]any); ok {
			out[k] = cloneMap(mv)
		} else {
			out[k] = v
		}
	}
	return out
}
