// Package orchestrator implements the front door (C10): the single
// request-entry point that resolves a user's settings and graph, starts a
// generation, dispatches to the compiled graph, and persists the result.
// Grounded on app.go's App/Run/handleMessage/getOrCreateThread shape
// (settings resolution -> id assignment -> persist inbound message ->
// dispatch -> persist outbound -> background enqueue), generalized from the
// Telegram-bot message loop into the single-request Respond entry point
// spec §6 names.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/registry"
	"github.com/redbtn-io/ai/runtimeerr"
	"github.com/redbtn-io/ai/store"
	"github.com/redbtn-io/ai/stream"
)

// Query is the orchestrator's single required input (spec §4.10 "Inputs").
type Query struct {
	Message string
}

// Options carries the rest of spec §4.10's "Inputs": everything but the
// message itself, all optional except UserID.
type Options struct {
	ConversationID string
	MessageID      string
	UserMessageID  string
	UserID         string // required
	GraphID        string
	Stream         bool
	Source         string
}

// Result is returned by Respond. In streaming mode it is returned at once
// with only ConversationID and GenerationID set; Message is left empty.
type Result struct {
	ConversationID string
	GenerationID   string
	Message        engine.ChatMessage
}

// Orchestrator is the single value constructed at startup that ties the
// registries, tool pool, and shared cache together (§5 "the orchestrator is
// a single value constructed at startup").
type Orchestrator struct {
	Providers *registry.ProviderRegistry
	Workflows *registry.WorkflowRegistry
	Tools     engine.ToolClient
	Hub       *stream.Hub
	Store     store.HistoryStore
	Logger    *slog.Logger

	SystemPrompt          string
	CurrentDateOverride    string // test hook; empty in production
	DefaultNeuronID       string
	DefaultWorkerNeuronID string
	DefaultGraphID        string

	// Background tracks detached post-completion work so tests and callers
	// can observe/await it deterministically; nil is fine in production
	// (fire-and-forget).
	Background func(fn func())
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) background(fn func()) {
	if o.Background != nil {
		o.Background(fn)
		return
	}
	go fn()
}

// Respond implements spec §4.10's nine-step algorithm.
func (o *Orchestrator) Respond(ctx context.Context, query Query, opts Options) (Result, <-chan stream.Event, error) {
	// Step 1: require userId, load user settings, derive tier/defaults.
	if opts.UserID == "" {
		return Result{}, nil, runtimeerr.New(runtimeerr.Validation, "userId is required")
	}
	accountTier, defaultGraphID, defaultNeuronID, defaultWorkerNeuronID := o.resolveUserSettings(ctx, opts.UserID)

	// Step 2: choose and resolve the compiled graph, falling back to the
	// system default on not-found/access-denied (§4.8 "Fallback").
	graphID := opts.GraphID
	if graphID == "" {
		graphID = defaultGraphID
	}
	compiled, err := o.Workflows.GetGraph(ctx, graphID, opts.UserID)
	if err != nil {
		if runtimeerr.Is(err, runtimeerr.NotFound) || runtimeerr.Is(err, runtimeerr.AccessDenied) {
			compiled, err = o.Workflows.GetGraph(ctx, o.Workflows.DefaultGraphID(), opts.UserID)
		}
		if err != nil {
			return Result{}, nil, err
		}
	}

	// Step 3: assign ids.
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = deriveConversationID(query.Message, opts.UserID)
	}
	generationID := uuid.Must(uuid.NewV7()).String()
	userMessageID := opts.UserMessageID
	if userMessageID == "" {
		userMessageID = uuid.Must(uuid.NewV7()).String()
	}
	assistantMessageID := opts.MessageID
	if assistantMessageID == "" {
		assistantMessageID = uuid.Must(uuid.NewV7()).String()
	}

	// Step 4: start the generation; conflict raises "already in progress".
	if err := o.Hub.StartGeneration(ctx, conversationID, assistantMessageID); err != nil {
		return Result{}, nil, err
	}

	// Step 5: persist the user message with an empty tool-execution list.
	now := time.Now().Unix()
	if err := o.Store.AppendMessage(ctx, store.Message{
		ID: userMessageID, ConversationID: conversationID, Role: "user", Content: query.Message, CreatedAt: now,
	}); err != nil {
		o.logger().Warn("persist user message failed", "error", err)
	}

	// Step 6: assemble the initial RuntimeState.
	state := engine.NewRuntimeState()
	state.Query = query.Message
	state.Options = map[string]any{
		"conversationId":        conversationID,
		"userMessageId":         userMessageID,
		"defaultNeuronId":       defaultNeuronID,
		"defaultWorkerNeuronId": defaultWorkerNeuronID,
		"source":                opts.Source,
	}
	state.UserID = opts.UserID
	state.AccountTier = accountTier
	state.Providers = o.Providers
	state.Tools = o.Tools
	state.Cache = o.Hub
	state.Logger = o.logger()
	state.MessageID = assistantMessageID
	state.GenerationID = generationID
	state.ConversationID = conversationID
	state.StepVisible = opts.Stream
	state.Data["systemPrompt"] = o.SystemPrompt
	state.Data["currentDate"] = o.currentDate()

	// Step 7: dispatch to the compiled graph, cancellable within the 60s
	// per-stream timeout (§4.9 "Cancellation and timeouts").
	runCtx, release := o.Hub.ArmTimeout(ctx, generationID)

	if opts.Stream {
		events, err := o.Hub.Subscribe(runCtx, assistantMessageID)
		if err != nil {
			release()
			return Result{}, nil, err
		}
		go o.runAndFinish(runCtx, release, compiled, state, conversationID, assistantMessageID, userMessageID, generationID)
		return Result{ConversationID: conversationID, GenerationID: generationID}, events, nil
	}

	err = o.runGraph(runCtx, compiled, state)
	release()
	if err != nil {
		_ = o.Hub.FailGeneration(ctx, conversationID, assistantMessageID, err)
		return Result{}, nil, err
	}
	msg := o.finish(ctx, conversationID, assistantMessageID, userMessageID, state)
	return Result{ConversationID: conversationID, GenerationID: generationID, Message: msg}, nil, nil
}

func (o *Orchestrator) runGraph(ctx context.Context, compiled *engine.CompiledGraph, state *engine.RuntimeState) error {
	return compiled.Run(ctx, state)
}

// runAndFinish drives the graph in streaming mode on a detached goroutine,
// releasing the timeout/cancel handle and completing or failing the
// generation exactly once (§4.9 "bookkeeping lives in a finally-equivalent
// guard").
func (o *Orchestrator) runAndFinish(ctx context.Context, release func(), compiled *engine.CompiledGraph, state *engine.RuntimeState, conversationID, assistantMessageID, userMessageID, generationID string) {
	defer release()
	err := o.runGraph(ctx, compiled, state)
	if err != nil {
		_ = o.Hub.FailGeneration(context.Background(), conversationID, assistantMessageID, err)
		return
	}
	o.finish(context.Background(), conversationID, assistantMessageID, userMessageID, state)
}

// finish implements step 8: reconstruct tool-execution history, persist the
// assistant message, mark the generation complete, and enqueue background
// summarization/title-generation work (the Open Question #3 decision:
// detached, rooted on a disconnect-independent context).
func (o *Orchestrator) finish(ctx context.Context, conversationID, assistantMessageID, userMessageID string, state *engine.RuntimeState) engine.ChatMessage {
	content := ""
	if state.FinalResponse != nil {
		content = *state.FinalResponse
	} else if state.Response != nil {
		content = state.Response.Content
	}
	msg := engine.ChatMessage{Role: "assistant", Content: content}

	if err := o.Store.AppendMessage(ctx, store.Message{
		ID: assistantMessageID, ConversationID: conversationID, Role: "assistant", Content: content, CreatedAt: time.Now().Unix(),
	}); err != nil {
		o.logger().Warn("persist assistant message failed", "error", err)
	}

	genState, _ := o.Hub.GetState(ctx, assistantMessageID)
	toolHistory := groupToolEvents(genState.ToolEvents)
	toolHistoryJSON, err := json.Marshal(toolHistory)
	if err != nil {
		o.logger().Warn("encode tool history failed", "error", err)
		toolHistoryJSON = nil
	}
	if err := o.Store.PutGeneration(ctx, store.Generation{
		ID: state.GenerationID, MessageID: assistantMessageID, ConversationID: conversationID,
		Status: "complete", Content: content, Thinking: genState.Thinking,
		StartedAt: genState.StartedAt, CompletedAt: time.Now().Unix(),
		ToolHistory: toolHistoryJSON,
	}); err != nil {
		o.logger().Warn("persist generation failed", "error", err)
	}

	if err := o.Hub.CompleteGeneration(ctx, conversationID, assistantMessageID, nil); err != nil {
		o.logger().Warn("complete generation failed", "error", err)
	}

	detachedCtx := context.WithoutCancel(ctx)
	o.background(func() { o.summarize(detachedCtx, conversationID) })
	o.background(func() { o.generateExecutiveSummary(detachedCtx, conversationID) })
	o.background(func() { o.generateTitle(detachedCtx, conversationID, userMessageID) })

	return msg
}

// toolExecution is one reconstructed tool call: its lifecycle events
// grouped by toolId (§4.10 step 8, §5 "a complete or error for a given
// toolId follows all its progress events").
type toolExecution struct {
	ToolID string            `json:"toolId"`
	Events []stream.ToolEvent `json:"events"`
}

func groupToolEvents(events []stream.ToolEvent) []toolExecution {
	order := []string{}
	byID := map[string][]stream.ToolEvent{}
	for _, e := range events {
		if _, ok := byID[e.ToolID]; !ok {
			order = append(order, e.ToolID)
		}
		byID[e.ToolID] = append(byID[e.ToolID], e)
	}
	out := make([]toolExecution, 0, len(order))
	for _, id := range order {
		out = append(out, toolExecution{ToolID: id, Events: byID[id]})
	}
	return out
}

// resolveUserSettings implements step 1, falling back to configured
// constants on any lookup failure (§4.10 "falling back to constants on
// failure").
func (o *Orchestrator) resolveUserSettings(ctx context.Context, userID string) (tier int, graphID, neuronID, workerNeuronID string) {
	graphID, neuronID, workerNeuronID = o.DefaultGraphID, o.DefaultNeuronID, o.DefaultWorkerNeuronID
	tier = 4
	u, err := o.Store.GetUser(ctx, userID)
	if err != nil {
		return tier, graphID, neuronID, workerNeuronID
	}
	return u.Tier, graphID, neuronID, workerNeuronID
}

// currentDate formats the process-wide data.currentDate injection (§4.10
// step 6), accepting an optional override (tests, or a configured fixed
// clock) via dateparse's permissive parser before falling back to time.Now.
func (o *Orchestrator) currentDate() string {
	if o.CurrentDateOverride != "" {
		if t, err := dateparse.ParseAny(o.CurrentDateOverride); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	return time.Now().Format(time.RFC3339)
}

// deriveConversationID derives a deterministic id from the first message
// seed when the caller has no existing conversation (§4.10 step 3).
func deriveConversationID(seed, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"|"+seed)).String()
}

// AbortStream cancels an in-flight generation (§5 "the single external
// cancellation entry").
func (o *Orchestrator) AbortStream(generationID string) error {
	return o.Hub.AbortStream(generationID)
}

// summarize, generateExecutiveSummary, and generateTitle are the three
// background tasks step 8 enqueues. Their bodies are thin: each resolves
// the worker neuron via the provider registry, sends it one prompt, and
// logs the outcome; the reply is not persisted.
func (o *Orchestrator) summarize(ctx context.Context, conversationID string) {
	o.runBackgroundNeuron(ctx, "summary", conversationID, fmt.Sprintf("Summarize conversation %s.", conversationID))
}

func (o *Orchestrator) generateExecutiveSummary(ctx context.Context, conversationID string) {
	o.runBackgroundNeuron(ctx, "executive-summary", conversationID, fmt.Sprintf("Write a one-paragraph executive summary of conversation %s.", conversationID))
}

func (o *Orchestrator) generateTitle(ctx context.Context, conversationID, userMessageID string) {
	o.runBackgroundNeuron(ctx, "title", conversationID, fmt.Sprintf("Write a short title for conversation %s starting from message %s.", conversationID, userMessageID))
}

func (o *Orchestrator) runBackgroundNeuron(ctx context.Context, kind, conversationID, prompt string) {
	lm, err := o.Providers.GetModel(ctx, o.DefaultWorkerNeuronID, "system")
	if err != nil {
		o.logger().Warn("background task: resolve worker neuron failed", "kind", kind, "error", err)
		return
	}
	resp, err := lm.Chat(ctx, engine.ChatRequest{Messages: []engine.ChatMessage{{Role: "user", Content: prompt}}})
	if err != nil {
		o.logger().Warn("background task failed", "kind", kind, "error", err)
		return
	}
	o.logger().Info("background task complete", "kind", kind, "conversationId", conversationID, "length", len(resp.Content))
}
