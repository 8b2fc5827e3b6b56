// Package engine implements the universal node (C4) and graph compiler (C5)
// that together execute a compiled workflow graph over RuntimeState, plus
// (in the steps subpackage) the five step primitives (C3).
//
// The shared types below live in engine/core and are re-exported here as
// aliases: engine/steps needs RuntimeState/Delta/ChatMessage, and this
// package needs engine/steps for the universal node's dispatch, so the
// types can't live in whichever package imports the other without a cycle.
package engine

import "github.com/redbtn-io/ai/engine/core"

type (
	ChatMessage      = core.ChatMessage
	ToolCall         = core.ToolCall
	ToolClient       = core.ToolClient
	ProviderResolver = core.ProviderResolver
	LMHandle         = core.LMHandle
	ChatRequest      = core.ChatRequest
	ChatResponse     = core.ChatResponse
	Usage            = core.Usage
	StreamToken      = core.StreamToken
	ToolDefinition   = core.ToolDefinition
	ResponseSchema   = core.ResponseSchema
	ChunkSink        = core.ChunkSink
	Memory           = core.Memory
	RuntimeState     = core.RuntimeState
	Delta            = core.Delta
)

const (
	KeyData          = core.KeyData
	KeyMessages      = core.KeyMessages
	KeyResponse      = core.KeyResponse
	KeyNextRoute     = core.KeyNextRoute
	KeyFinalResponse = core.KeyFinalResponse
)

// NewRuntimeState creates an empty RuntimeState ready for the orchestrator
// to populate.
func NewRuntimeState() *RuntimeState { return core.NewRuntimeState() }

// ExpandDotPaths turns flat dot-path keys into nested objects (§4.4 step 5).
func ExpandDotPaths(delta Delta) Delta { return core.ExpandDotPaths(delta) }

// Reduce applies delta onto state following §3's merge invariants.
func Reduce(state *RuntimeState, delta Delta) { core.Reduce(state, delta) }

// CloneWorkingData returns a deep copy of state.Data (§4.3.5's loop-clone semantics).
func CloneWorkingData(state *RuntimeState) map[string]any { return core.CloneWorkingData(state) }
