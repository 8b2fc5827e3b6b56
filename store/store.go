// Package store defines the persistent-store contract for the three
// collections the core runtime owns directly — graphs, neurons,
// universal_nodes — plus read access to messages/conversations/generations/
// thoughts/users for the history-tool interface and user-settings lookups
// (spec §6 "Persistent-store collections consumed by the core") — narrowed
// from store.go's much larger oasis.Store interface (documents/chunks/
// skills/scheduled actions are ingest/agent concerns out of scope here).
package store

import "context"

// GraphRecord is a persisted GraphConfig document, keyed by GraphID.
type GraphRecord struct {
	GraphID     string
	OwnerID     string
	Tier        int
	IsDefault   bool
	Name        string
	Description string
	Definition  []byte // JSON-encoded engine.GraphConfig (nodes/edges/globalConfig)
	CreatedAt   int64
	UpdatedAt   int64
}

// NeuronRecord is a persisted NeuronConfig document, keyed by NeuronID.
type NeuronRecord struct {
	NeuronID        string
	OwnerID         string
	Tier            int
	Name            string
	Role            string // chat | worker | specialist
	Provider        string
	Endpoint        string
	Model           string
	APIKey          string
	APIKeyEncrypted bool
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int
}

// UniversalNodeRecord is a reusable universal-node config, keyed by NodeID.
type UniversalNodeRecord struct {
	NodeID    string
	OwnerID   string
	Category  string
	Version   int
	Steps     []byte // JSON-encoded []steps.StepDef
	CreatedAt int64
}

// Message is a persisted chat message, consumed by the history tool.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      int64
}

// Conversation is a persisted conversation thread.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt int64
	UpdatedAt int64
}

// Generation is a completed/failed generation record (the durable
// counterpart of the shared cache's transient GenerationState).
type Generation struct {
	ID             string
	MessageID      string
	ConversationID string
	Status         string
	Content        string
	Thinking       string
	StartedAt      int64
	CompletedAt    int64
	Error          string
	// ToolHistory is the JSON-encoded, toolId-grouped tool-execution history
	// reconstructed from the shared cache's event log (§4.10 step 8).
	ToolHistory []byte
}

// Thought is a persisted `<think>` extraction, one per generation that
// produced thinking content.
type Thought struct {
	ID           string
	GenerationID string
	Content      string
	CreatedAt    int64
}

// User holds the settings the runtime reads (tier, default graph, etc.).
type User struct {
	ID          string
	Tier        int
	DefaultTier int
}

// Store is the persistence contract the registries (C7/C8) and the history
// tool depend on.
type Store interface {
	GraphStore
	NeuronStore
	UniversalNodeStore
	HistoryStore
	Close() error
}

// GraphStore persists GraphConfig documents (§6 "graphs").
type GraphStore interface {
	GetGraph(ctx context.Context, graphID string) (GraphRecord, error)
	GetDefaultGraph(ctx context.Context, ownerID string) (GraphRecord, error)
	ListGraphsByOwner(ctx context.Context, ownerID string) ([]GraphRecord, error)
	ListGraphsByTier(ctx context.Context, maxTier int) ([]GraphRecord, error)
	PutGraph(ctx context.Context, g GraphRecord) error
	DeleteGraph(ctx context.Context, graphID string) error
}

// NeuronStore persists NeuronConfig documents (§6 "neurons").
type NeuronStore interface {
	GetNeuron(ctx context.Context, neuronID string) (NeuronRecord, error)
	ListNeuronsByOwner(ctx context.Context, ownerID, role string) ([]NeuronRecord, error)
	PutNeuron(ctx context.Context, n NeuronRecord) error
	DeleteNeuron(ctx context.Context, neuronID string) error
}

// UniversalNodeStore persists reusable universal-node configs (§6
// "universal_nodes").
type UniversalNodeStore interface {
	GetUniversalNode(ctx context.Context, nodeID string) (UniversalNodeRecord, error)
	ListUniversalNodes(ctx context.Context, ownerID, category string) ([]UniversalNodeRecord, error)
	PutUniversalNode(ctx context.Context, n UniversalNodeRecord) error
}

// HistoryStore is the read/write surface consumed via the history-tool
// interface and the user-settings read (§6).
type HistoryStore interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	AppendMessage(ctx context.Context, m Message) error
	PutGeneration(ctx context.Context, g Generation) error
	PutThought(ctx context.Context, t Thought) error
	GetUser(ctx context.Context, userID string) (User, error)
}
