// Package sqlite implements store.Store using pure-Go SQLite (no CGO),
// grounded on store/sqlite/sqlite.go's single-connection-pool idiom
// (SetMaxOpenConns(1) to serialize writers and avoid SQLITE_BUSY), narrowed
// to the tables the core runtime uses (graphs, neurons, universal_nodes,
// plus the history and user tables).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redbtn-io/ai/store"

	_ "modernc.org/sqlite"
)

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens a SQLite database at dbPath with a single shared connection so
// all goroutines serialize through one connection.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			graph_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			tier INTEGER NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS graphs_owner_default_idx ON graphs(owner_id, is_default)`,
		`CREATE INDEX IF NOT EXISTS graphs_tier_idx ON graphs(tier)`,

		`CREATE TABLE IF NOT EXISTS neurons (
			neuron_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			tier INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			provider TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			api_key_encrypted INTEGER NOT NULL DEFAULT 0,
			temperature REAL,
			top_p REAL,
			max_output_tokens INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS neurons_owner_role_idx ON neurons(owner_id, role)`,

		`CREATE TABLE IF NOT EXISTS universal_nodes (
			node_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			steps TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS universal_nodes_owner_category_idx ON universal_nodes(owner_id, category)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id)`,

		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			tool_history BLOB
		)`,

		`CREATE TABLE IF NOT EXISTS thoughts (
			id TEXT PRIMARY KEY,
			generation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS thoughts_generation_idx ON thoughts(generation_id)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tier INTEGER NOT NULL DEFAULT 4
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// --- GraphStore ---

func (s *Store) GetGraph(ctx context.Context, graphID string) (store.GraphRecord, error) {
	var g store.GraphRecord
	var isDefault int
	err := s.db.QueryRowContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE graph_id = ?`, graphID,
	).Scan(&g.GraphID, &g.OwnerID, &g.Tier, &isDefault, &g.Name, &g.Description, &g.Definition, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return store.GraphRecord{}, fmt.Errorf("sqlite: get graph: %w", err)
	}
	g.IsDefault = isDefault != 0
	return g, nil
}

func (s *Store) GetDefaultGraph(ctx context.Context, ownerID string) (store.GraphRecord, error) {
	var g store.GraphRecord
	var isDefault int
	err := s.db.QueryRowContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE owner_id = ? AND is_default = 1 LIMIT 1`, ownerID,
	).Scan(&g.GraphID, &g.OwnerID, &g.Tier, &isDefault, &g.Name, &g.Description, &g.Definition, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return store.GraphRecord{}, fmt.Errorf("sqlite: get default graph: %w", err)
	}
	g.IsDefault = isDefault != 0
	return g, nil
}

func (s *Store) ListGraphsByOwner(ctx context.Context, ownerID string) ([]store.GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list graphs by owner: %w", err)
	}
	defer rows.Close()
	return scanGraphs(rows)
}

func (s *Store) ListGraphsByTier(ctx context.Context, maxTier int) ([]store.GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE tier <= ?`, maxTier)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list graphs by tier: %w", err)
	}
	defer rows.Close()
	return scanGraphs(rows)
}

func scanGraphs(rows *sql.Rows) ([]store.GraphRecord, error) {
	var out []store.GraphRecord
	for rows.Next() {
		var g store.GraphRecord
		var isDefault int
		if err := rows.Scan(&g.GraphID, &g.OwnerID, &g.Tier, &isDefault, &g.Name, &g.Description, &g.Definition, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan graph: %w", err)
		}
		g.IsDefault = isDefault != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) PutGraph(ctx context.Context, g store.GraphRecord) error {
	isDefault := 0
	if g.IsDefault {
		isDefault = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO graphs (graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(graph_id) DO UPDATE SET
		   owner_id=excluded.owner_id, tier=excluded.tier, is_default=excluded.is_default,
		   name=excluded.name, description=excluded.description, definition=excluded.definition,
		   updated_at=excluded.updated_at`,
		g.GraphID, g.OwnerID, g.Tier, isDefault, g.Name, g.Description, g.Definition, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put graph: %w", err)
	}
	return nil
}

func (s *Store) DeleteGraph(ctx context.Context, graphID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE graph_id = ?`, graphID)
	return err
}

// --- NeuronStore ---

func (s *Store) GetNeuron(ctx context.Context, neuronID string) (store.NeuronRecord, error) {
	var n store.NeuronRecord
	var encrypted int
	err := s.db.QueryRowContext(ctx,
		`SELECT neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, top_p, max_output_tokens
		 FROM neurons WHERE neuron_id = ?`, neuronID,
	).Scan(&n.NeuronID, &n.OwnerID, &n.Tier, &n.Name, &n.Role, &n.Provider, &n.Endpoint, &n.Model, &n.APIKey, &encrypted, &n.Temperature, &n.TopP, &n.MaxOutputTokens)
	if err != nil {
		return store.NeuronRecord{}, fmt.Errorf("sqlite: get neuron: %w", err)
	}
	n.APIKeyEncrypted = encrypted != 0
	return n, nil
}

func (s *Store) ListNeuronsByOwner(ctx context.Context, ownerID, role string) ([]store.NeuronRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, top_p, max_output_tokens
		 FROM neurons WHERE owner_id = ? AND (? = '' OR role = ?)`, ownerID, role, role)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list neurons: %w", err)
	}
	defer rows.Close()

	var out []store.NeuronRecord
	for rows.Next() {
		var n store.NeuronRecord
		var encrypted int
		if err := rows.Scan(&n.NeuronID, &n.OwnerID, &n.Tier, &n.Name, &n.Role, &n.Provider, &n.Endpoint, &n.Model, &n.APIKey, &encrypted, &n.Temperature, &n.TopP, &n.MaxOutputTokens); err != nil {
			return nil, fmt.Errorf("sqlite: scan neuron: %w", err)
		}
		n.APIKeyEncrypted = encrypted != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) PutNeuron(ctx context.Context, n store.NeuronRecord) error {
	encrypted := 0
	if n.APIKeyEncrypted {
		encrypted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO neurons (neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, top_p, max_output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(neuron_id) DO UPDATE SET
		   owner_id=excluded.owner_id, tier=excluded.tier, name=excluded.name, role=excluded.role,
		   provider=excluded.provider, endpoint=excluded.endpoint, model=excluded.model,
		   api_key=excluded.api_key, api_key_encrypted=excluded.api_key_encrypted,
		   temperature=excluded.temperature, top_p=excluded.top_p, max_output_tokens=excluded.max_output_tokens`,
		n.NeuronID, n.OwnerID, n.Tier, n.Name, n.Role, n.Provider, n.Endpoint, n.Model, n.APIKey, encrypted, n.Temperature, n.TopP, n.MaxOutputTokens)
	if err != nil {
		return fmt.Errorf("sqlite: put neuron: %w", err)
	}
	return nil
}

func (s *Store) DeleteNeuron(ctx context.Context, neuronID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM neurons WHERE neuron_id = ?`, neuronID)
	return err
}

// --- UniversalNodeStore ---

func (s *Store) GetUniversalNode(ctx context.Context, nodeID string) (store.UniversalNodeRecord, error) {
	var n store.UniversalNodeRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT node_id, owner_id, category, version, steps, created_at FROM universal_nodes WHERE node_id = ?`, nodeID,
	).Scan(&n.NodeID, &n.OwnerID, &n.Category, &n.Version, &n.Steps, &n.CreatedAt)
	if err != nil {
		return store.UniversalNodeRecord{}, fmt.Errorf("sqlite: get universal node: %w", err)
	}
	return n, nil
}

func (s *Store) ListUniversalNodes(ctx context.Context, ownerID, category string) ([]store.UniversalNodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, owner_id, category, version, steps, created_at
		 FROM universal_nodes WHERE owner_id = ? AND (? = '' OR category = ?)`, ownerID, category, category)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list universal nodes: %w", err)
	}
	defer rows.Close()

	var out []store.UniversalNodeRecord
	for rows.Next() {
		var n store.UniversalNodeRecord
		if err := rows.Scan(&n.NodeID, &n.OwnerID, &n.Category, &n.Version, &n.Steps, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan universal node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) PutUniversalNode(ctx context.Context, n store.UniversalNodeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO universal_nodes (node_id, owner_id, category, version, steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		   owner_id=excluded.owner_id, category=excluded.category, version=excluded.version, steps=excluded.steps`,
		n.NodeID, n.OwnerID, n.Category, n.Version, n.Steps, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put universal node: %w", err)
	}
	return nil
}

// --- HistoryStore ---

func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var c store.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("sqlite: get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m store.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt)
	return err
}

func (s *Store) PutGeneration(ctx context.Context, g store.Generation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, message_id, conversation_id, status, content, thinking, started_at, completed_at, error, tool_history)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, content=excluded.content, thinking=excluded.thinking,
		   completed_at=excluded.completed_at, error=excluded.error, tool_history=excluded.tool_history`,
		g.ID, g.MessageID, g.ConversationID, g.Status, g.Content, g.Thinking, g.StartedAt, g.CompletedAt, g.Error, g.ToolHistory)
	if err != nil {
		return fmt.Errorf("sqlite: put generation: %w", err)
	}
	return nil
}

func (s *Store) PutThought(ctx context.Context, t store.Thought) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thoughts (id, generation_id, content, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.GenerationID, t.Content, t.CreatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, `SELECT id, tier FROM users WHERE id = ?`, userID).Scan(&u.ID, &u.Tier)
	if err == sql.ErrNoRows {
		return store.User{ID: userID, Tier: 4, DefaultTier: 4}, nil
	}
	if err != nil {
		return store.User{}, fmt.Errorf("sqlite: get user: %w", err)
	}
	u.DefaultTier = 4
	return u, nil
}
