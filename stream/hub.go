// Package stream implements the generation & streaming pipeline (C9): a
// Redis-backed shared cache holding per-message GenerationState plus a
// pub/sub channel for live events, the <think>-boundary-safe token
// transformer, inter-chunk batching, and the per-generation cancel-handle
// registry. Grounded on loop.go's event-emission shape (EventThinking,
// EventToolCallStart/Result, rune-counted batching) generalized from a
// single in-process event channel into cross-process pub/sub fan-out, and
// on handle.go's AgentHandle (atomic state + done channel + cancel func)
// generalized into a per-generationId cancel registry. The teacher has no
// shared-cache dependency at all; this package is the clearest
// domain-stack addition the spec requires.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/runtimeerr"
)

var _ engine.ChunkSink = (*Hub)(nil)

const (
	generationTTL = time.Hour
	timeoutAfter  = 60 * time.Second
)

// GenerationState is the durable, Redis-resident record of one generation's
// progress (§4.9 "Operations on the shared cache for a given messageId").
type GenerationState struct {
	Status     string          `json:"status"` // generating | completed | error
	Content    string          `json:"content"`
	Thinking   string          `json:"thinking"`
	ToolEvents []ToolEvent     `json:"toolEvents"`
	StartedAt  int64           `json:"startedAt"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ToolEvent is one recorded tool lifecycle event (start/progress/complete/error).
type ToolEvent struct {
	ToolID string         `json:"toolId"`
	Status string         `json:"status"` // start | progress | complete | error
	Action string         `json:"action,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Event is one item of the transport-visible event taxonomy (§4.9 "Event
// taxonomy delivered to the transport").
type Event struct {
	Type            string          `json:"type"` // init | chunk | status | tool_event | tool_status | thinking_chunk | complete | error
	Content         string          `json:"content,omitempty"`
	ExistingContent string          `json:"existingContent,omitempty"`
	Action          string          `json:"action,omitempty"`
	Description     string          `json:"description,omitempty"`
	ToolID          string          `json:"toolId,omitempty"`
	Status          string          `json:"status,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Hub is the shared-cache handle: key/value generation state plus pub/sub
// event fan-out, keyed by messageId (§6 "Shared cache keys").
type Hub struct {
	rdb *redis.Client

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewHub constructs a Hub over an established Redis client. The caller owns
// the client's lifecycle.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{rdb: rdb, locks: map[string]*sync.Mutex{}, cancels: map[string]context.CancelFunc{}}
}

func stateKey(messageID string) string  { return "message:generating:" + messageID }
func streamKey(messageID string) string { return "message:stream:" + messageID }

func (h *Hub) keyLock(messageID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[messageID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[messageID] = l
	}
	return l
}

// StartGeneration initializes GenerationState for messageId and arms the
// at-most-one-generation-per-conversation check via conversationId (§4.9,
// §5 "At-most-one-generation-per-conversation").
func (h *Hub) StartGeneration(ctx context.Context, conversationID, messageID string) error {
	lock := h.keyLock(messageID)
	lock.Lock()
	defer lock.Unlock()

	convKey := "conversation:generating:" + conversationID
	ok, err := h.rdb.SetNX(ctx, convKey, messageID, generationTTL).Result()
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.ProviderError, "shared cache unavailable", err)
	}
	if !ok {
		return runtimeerr.New(runtimeerr.AlreadyInProgress, "a generation is already in progress for this conversation").WithContext("conversationId", conversationID)
	}

	state := GenerationState{Status: "generating", ToolEvents: []ToolEvent{}, StartedAt: time.Now().Unix()}
	return h.set(ctx, messageID, state)
}

// GetState returns the current GenerationState for messageID, used by the
// orchestrator to reconstruct tool-execution history at completion (§4.10
// step 8).
func (h *Hub) GetState(ctx context.Context, messageID string) (GenerationState, error) {
	return h.get(ctx, messageID)
}

func (h *Hub) get(ctx context.Context, messageID string) (GenerationState, error) {
	raw, err := h.rdb.Get(ctx, stateKey(messageID)).Bytes()
	if err == redis.Nil {
		return GenerationState{}, runtimeerr.New(runtimeerr.NotFound, "no generation state for message").WithContext("messageId", messageID)
	}
	if err != nil {
		return GenerationState{}, runtimeerr.Wrap(runtimeerr.ProviderError, "shared cache unavailable", err)
	}
	var s GenerationState
	if err := json.Unmarshal(raw, &s); err != nil {
		return GenerationState{}, runtimeerr.Wrap(runtimeerr.ProviderError, "corrupt generation state", err)
	}
	return s, nil
}

func (h *Hub) set(ctx context.Context, messageID string, s GenerationState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.ProviderError, "encoding generation state", err)
	}
	if err := h.rdb.Set(ctx, stateKey(messageID), raw, generationTTL).Err(); err != nil {
		return runtimeerr.Wrap(runtimeerr.ProviderError, "shared cache unavailable", err)
	}
	return nil
}

func (h *Hub) publish(ctx context.Context, messageID string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.ProviderError, "encoding event", err)
	}
	if err := h.rdb.Publish(ctx, streamKey(messageID), raw).Err(); err != nil {
		return runtimeerr.Wrap(runtimeerr.ProviderError, "publishing event", err)
	}
	return nil
}

// AppendContent atomically concatenates chunk to content and publishes a
// chunk event (§4.9, and the engine.ChunkSink contract).
func (h *Hub) AppendContent(ctx context.Context, messageID, chunk string) error {
	lock := h.keyLock(messageID)
	lock.Lock()
	defer lock.Unlock()

	s, err := h.get(ctx, messageID)
	if err != nil {
		return err
	}
	s.Content += chunk
	if err := h.set(ctx, messageID, s); err != nil {
		return err
	}
	return h.publish(ctx, messageID, Event{Type: "chunk", Content: chunk})
}

// PublishStatus publishes a status event without mutating persisted state.
func (h *Hub) PublishStatus(ctx context.Context, messageID, action, description string) error {
	return h.publish(ctx, messageID, Event{Type: "status", Action: action, Description: description})
}

// PublishToolEvent appends a tool lifecycle event to toolEvents and
// publishes it (§4.9; tool events group by toolId: start → progress →
// complete/error, §5 "Ordering guarantees").
func (h *Hub) PublishToolEvent(ctx context.Context, messageID string, te ToolEvent) error {
	lock := h.keyLock(messageID)
	lock.Lock()
	defer lock.Unlock()

	s, err := h.get(ctx, messageID)
	if err != nil {
		return err
	}
	s.ToolEvents = append(s.ToolEvents, te)
	if err := h.set(ctx, messageID, s); err != nil {
		return err
	}
	data, _ := json.Marshal(te.Data)
	return h.publish(ctx, messageID, Event{Type: "tool_event", ToolID: te.ToolID, Status: te.Status, Action: te.Action, Metadata: data})
}

// PublishToolStatus publishes a tool_status event (§4.9).
func (h *Hub) PublishToolStatus(ctx context.Context, messageID, toolID, status, action string) error {
	return h.publish(ctx, messageID, Event{Type: "tool_status", ToolID: toolID, Status: status, Action: action})
}

// PublishThinkingChunk appends to the thinking buffer and publishes a
// thinking_chunk event (engine.ChunkSink contract).
func (h *Hub) PublishThinkingChunk(ctx context.Context, messageID, chunk string) error {
	lock := h.keyLock(messageID)
	lock.Lock()
	defer lock.Unlock()

	s, err := h.get(ctx, messageID)
	if err != nil {
		return err
	}
	s.Thinking += chunk
	if err := h.set(ctx, messageID, s); err != nil {
		return err
	}
	return h.publish(ctx, messageID, Event{Type: "thinking_chunk", Content: chunk})
}

// CompleteGeneration marks status completed, stores metadata, and publishes
// a complete event (§4.9).
func (h *Hub) CompleteGeneration(ctx context.Context, conversationID, messageID string, metadata json.RawMessage) error {
	lock := h.keyLock(messageID)
	lock.Lock()
	defer lock.Unlock()

	s, err := h.get(ctx, messageID)
	if err != nil {
		return err
	}
	s.Status = "completed"
	s.Metadata = metadata
	if err := h.set(ctx, messageID, s); err != nil {
		return err
	}
	h.rdb.Del(ctx, "conversation:generating:"+conversationID)
	return h.publish(ctx, messageID, Event{Type: "complete", Metadata: metadata})
}

// FailGeneration marks status error and publishes an error event (§4.9).
func (h *Hub) FailGeneration(ctx context.Context, conversationID, messageID string, cause error) error {
	lock := h.keyLock(messageID)
	lock.Lock()
	defer lock.Unlock()

	s, err := h.get(ctx, messageID)
	if err != nil {
		return err
	}
	s.Status = "error"
	s.Error = cause.Error()
	if err := h.set(ctx, messageID, s); err != nil {
		return err
	}
	h.rdb.Del(ctx, "conversation:generating:"+conversationID)
	return h.publish(ctx, messageID, Event{Type: "error", Error: cause.Error()})
}

// Subscribe yields init (with any already-accumulated content) followed by
// the live event stream, until complete/error or ctx is cancelled (§4.9
// "subscribe(messageId)" — reconnect semantics: subscribers created after
// complete still receive the full content via init).
//
// The pub/sub subscription opens before the state snapshot is read, so any
// event published in between is queued by Redis and delivered after init
// rather than lost (§9 design note: "deliver init from the snapshot to
// avoid missing events between read and subscribe").
func (h *Hub) Subscribe(ctx context.Context, messageID string) (<-chan Event, error) {
	sub := h.rdb.Subscribe(ctx, streamKey(messageID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, runtimeerr.Wrap(runtimeerr.ProviderError, "shared cache unavailable", err)
	}

	s, err := h.get(ctx, messageID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan Event, 16)
	initEvent := Event{Type: "init", ExistingContent: s.Content}

	if s.Status == "completed" || s.Status == "error" {
		sub.Close()
		go func() {
			defer close(out)
			out <- initEvent
			if s.Status == "completed" {
				out <- Event{Type: "complete", Metadata: s.Metadata}
			} else {
				out <- Event{Type: "error", Error: s.Error}
			}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		defer sub.Close()
		out <- initEvent
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				out <- ev
				if ev.Type == "complete" || ev.Type == "error" {
					return
				}
			}
		}
	}()
	return out, nil
}

// ArmTimeout registers a 60s wall-clock timeout and cancel handle for
// generationID, returning a context that is cancelled on timeout or an
// explicit AbortStream call, plus a release func the caller must defer
// (§4.9 "Cancellation and timeouts").
func (h *Hub) ArmTimeout(parent context.Context, generationID string) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(parent, timeoutAfter)

	h.mu.Lock()
	h.cancels[generationID] = cancel
	h.mu.Unlock()

	release := func() {
		cancel()
		h.mu.Lock()
		delete(h.cancels, generationID)
		h.mu.Unlock()
	}
	return ctx, release
}

// AbortStream cancels the in-flight LM/tool operations registered for
// generationID (§4.9, §5 "abortStream(generationId) is the single external
// cancellation entry"). Returns an error if no handle is registered (the
// generation already completed or never started).
func (h *Hub) AbortStream(generationID string) error {
	h.mu.Lock()
	cancel, ok := h.cancels[generationID]
	h.mu.Unlock()
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, fmt.Sprintf("no active stream for generation %q", generationID))
	}
	cancel()
	return nil
}
