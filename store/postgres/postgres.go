// Package postgres implements store.Store using PostgreSQL, grounded on
// store/postgres/postgres.go's pool-injection, idempotent-Init, and
// jsonb-column idioms — narrowed to the collections the core runtime
// uses (graphs, neurons, universal_nodes, plus history/user reads) instead
// of the teacher's RAG-oriented documents/chunks/skills schema.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbtn-io/ai/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			graph_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			tier INTEGER NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			definition JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
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
			api_key_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			temperature DOUBLE PRECISION,
			top_p DOUBLE PRECISION,
			max_output_tokens INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS neurons_owner_role_idx ON neurons(owner_id, role)`,

		`CREATE TABLE IF NOT EXISTS universal_nodes (
			node_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			steps JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS universal_nodes_owner_category_idx ON universal_nodes(owner_id, category)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id)`,

		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			tool_history BYTEA
		)`,

		`CREATE TABLE IF NOT EXISTS thoughts (
			id TEXT PRIMARY KEY,
			generation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS thoughts_generation_idx ON thoughts(generation_id)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tier INTEGER NOT NULL DEFAULT 4
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

// --- GraphStore ---

func (s *Store) GetGraph(ctx context.Context, graphID string) (store.GraphRecord, error) {
	var g store.GraphRecord
	err := s.pool.QueryRow(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE graph_id = $1`, graphID,
	).Scan(&g.GraphID, &g.OwnerID, &g.Tier, &g.IsDefault, &g.Name, &g.Description, &g.Definition, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return store.GraphRecord{}, fmt.Errorf("postgres: get graph: %w", err)
	}
	return g, nil
}

func (s *Store) GetDefaultGraph(ctx context.Context, ownerID string) (store.GraphRecord, error) {
	var g store.GraphRecord
	err := s.pool.QueryRow(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE owner_id = $1 AND is_default = TRUE LIMIT 1`, ownerID,
	).Scan(&g.GraphID, &g.OwnerID, &g.Tier, &g.IsDefault, &g.Name, &g.Description, &g.Definition, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return store.GraphRecord{}, fmt.Errorf("postgres: get default graph: %w", err)
	}
	return g, nil
}

func (s *Store) ListGraphsByOwner(ctx context.Context, ownerID string) ([]store.GraphRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list graphs by owner: %w", err)
	}
	defer rows.Close()
	return scanGraphs(rows)
}

func (s *Store) ListGraphsByTier(ctx context.Context, maxTier int) ([]store.GraphRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at
		 FROM graphs WHERE tier <= $1`, maxTier)
	if err != nil {
		return nil, fmt.Errorf("postgres: list graphs by tier: %w", err)
	}
	defer rows.Close()
	return scanGraphs(rows)
}

func scanGraphs(rows pgx.Rows) ([]store.GraphRecord, error) {
	var out []store.GraphRecord
	for rows.Next() {
		var g store.GraphRecord
		if err := rows.Scan(&g.GraphID, &g.OwnerID, &g.Tier, &g.IsDefault, &g.Name, &g.Description, &g.Definition, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan graph: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) PutGraph(ctx context.Context, g store.GraphRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO graphs (graph_id, owner_id, tier, is_default, name, description, definition, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		 ON CONFLICT (graph_id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id, tier = EXCLUDED.tier, is_default = EXCLUDED.is_default,
		   name = EXCLUDED.name, description = EXCLUDED.description, definition = EXCLUDED.definition,
		   updated_at = EXCLUDED.updated_at`,
		g.GraphID, g.OwnerID, g.Tier, g.IsDefault, g.Name, g.Description, g.Definition, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put graph: %w", err)
	}
	return nil
}

func (s *Store) DeleteGraph(ctx context.Context, graphID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM graphs WHERE graph_id = $1`, graphID)
	return err
}

// --- NeuronStore ---

func (s *Store) GetNeuron(ctx context.Context, neuronID string) (store.NeuronRecord, error) {
	var n store.NeuronRecord
	err := s.pool.QueryRow(ctx,
		`SELECT neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, top_p, max_output_tokens
		 FROM neurons WHERE neuron_id = $1`, neuronID,
	).Scan(&n.NeuronID, &n.OwnerID, &n.Tier, &n.Name, &n.Role, &n.Provider, &n.Endpoint, &n.Model, &n.APIKey, &n.APIKeyEncrypted, &n.Temperature, &n.TopP, &n.MaxOutputTokens)
	if err != nil {
		return store.NeuronRecord{}, fmt.Errorf("postgres: get neuron: %w", err)
	}
	return n, nil
}

func (s *Store) ListNeuronsByOwner(ctx context.Context, ownerID, role string) ([]store.NeuronRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, top_p, max_output_tokens
		 FROM neurons WHERE owner_id = $1 AND ($2 = '' OR role = $2)`, ownerID, role)
	if err != nil {
		return nil, fmt.Errorf("postgres: list neurons: %w", err)
	}
	defer rows.Close()

	var out []store.NeuronRecord
	for rows.Next() {
		var n store.NeuronRecord
		if err := rows.Scan(&n.NeuronID, &n.OwnerID, &n.Tier, &n.Name, &n.Role, &n.Provider, &n.Endpoint, &n.Model, &n.APIKey, &n.APIKeyEncrypted, &n.Temperature, &n.TopP, &n.MaxOutputTokens); err != nil {
			return nil, fmt.Errorf("postgres: scan neuron: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) PutNeuron(ctx context.Context, n store.NeuronRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO neurons (neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, top_p, max_output_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (neuron_id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id, tier = EXCLUDED.tier, name = EXCLUDED.name, role = EXCLUDED.role,
		   provider = EXCLUDED.provider, endpoint = EXCLUDED.endpoint, model = EXCLUDED.model,
		   api_key = EXCLUDED.api_key, api_key_encrypted = EXCLUDED.api_key_encrypted,
		   temperature = EXCLUDED.temperature, top_p = EXCLUDED.top_p, max_output_tokens = EXCLUDED.max_output_tokens`,
		n.NeuronID, n.OwnerID, n.Tier, n.Name, n.Role, n.Provider, n.Endpoint, n.Model, n.APIKey, n.APIKeyEncrypted, n.Temperature, n.TopP, n.MaxOutputTokens)
	if err != nil {
		return fmt.Errorf("postgres: put neuron: %w", err)
	}
	return nil
}

func (s *Store) DeleteNeuron(ctx context.Context, neuronID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM neurons WHERE neuron_id = $1`, neuronID)
	return err
}

// --- UniversalNodeStore ---

func (s *Store) GetUniversalNode(ctx context.Context, nodeID string) (store.UniversalNodeRecord, error) {
	var n store.UniversalNodeRecord
	err := s.pool.QueryRow(ctx,
		`SELECT node_id, owner_id, category, version, steps, created_at FROM universal_nodes WHERE node_id = $1`, nodeID,
	).Scan(&n.NodeID, &n.OwnerID, &n.Category, &n.Version, &n.Steps, &n.CreatedAt)
	if err != nil {
		return store.UniversalNodeRecord{}, fmt.Errorf("postgres: get universal node: %w", err)
	}
	return n, nil
}

func (s *Store) ListUniversalNodes(ctx context.Context, ownerID, category string) ([]store.UniversalNodeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, owner_id, category, version, steps, created_at
		 FROM universal_nodes WHERE owner_id = $1 AND ($2 = '' OR category = $2)`, ownerID, category)
	if err != nil {
		return nil, fmt.Errorf("postgres: list universal nodes: %w", err)
	}
	defer rows.Close()

	var out []store.UniversalNodeRecord
	for rows.Next() {
		var n store.UniversalNodeRecord
		if err := rows.Scan(&n.NodeID, &n.OwnerID, &n.Category, &n.Version, &n.Steps, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan universal node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) PutUniversalNode(ctx context.Context, n store.UniversalNodeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO universal_nodes (node_id, owner_id, category, version, steps, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (node_id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id, category = EXCLUDED.category, version = EXCLUDED.version, steps = EXCLUDED.steps`,
		n.NodeID, n.OwnerID, n.Category, n.Version, n.Steps, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put universal node: %w", err)
	}
	return nil
}

// --- HistoryStore ---

func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var c store.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m store.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt)
	return err
}

func (s *Store) PutGeneration(ctx context.Context, g store.Generation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO generations (id, message_id, conversation_id, status, content, thinking, started_at, completed_at, error, tool_history)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, content = EXCLUDED.content, thinking = EXCLUDED.thinking,
		   completed_at = EXCLUDED.completed_at, error = EXCLUDED.error, tool_history = EXCLUDED.tool_history`,
		g.ID, g.MessageID, g.ConversationID, g.Status, g.Content, g.Thinking, g.StartedAt, g.CompletedAt, g.Error, g.ToolHistory)
	if err != nil {
		return fmt.Errorf("postgres: put generation: %w", err)
	}
	return nil
}

func (s *Store) PutThought(ctx context.Context, t store.Thought) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO thoughts (id, generation_id, content, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.GenerationID, t.Content, t.CreatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx, `SELECT id, tier FROM users WHERE id = $1`, userID).Scan(&u.ID, &u.Tier)
	if err == pgx.ErrNoRows {
		return store.User{ID: userID, Tier: 4, DefaultTier: 4}, nil
	}
	if err != nil {
		return store.User{}, fmt.Errorf("postgres: get user: %w", err)
	}
	u.DefaultTier = 4
	return u, nil
}
