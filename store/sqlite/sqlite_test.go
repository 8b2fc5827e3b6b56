package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/redbtn-io/ai/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "init.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestPutAndGetGraph(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	g := store.GraphRecord{
		GraphID:     "g-1",
		OwnerID:     "user-1",
		Tier:        2,
		IsDefault:   true,
		Name:        "default",
		Description: "the default graph",
		Definition:  []byte(`{"nodes":[]}`),
		CreatedAt:   1000,
		UpdatedAt:   1000,
	}
	if err := s.PutGraph(ctx, g); err != nil {
		t.Fatalf("PutGraph: %v", err)
	}

	got, err := s.GetGraph(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if got.Name != "default" || !got.IsDefault {
		t.Fatalf("unexpected graph: %+v", got)
	}

	def, err := s.GetDefaultGraph(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetDefaultGraph: %v", err)
	}
	if def.GraphID != "g-1" {
		t.Fatalf("expected g-1, got %s", def.GraphID)
	}

	g.Description = "updated"
	if err := s.PutGraph(ctx, g); err != nil {
		t.Fatalf("PutGraph (update): %v", err)
	}
	got, err = s.GetGraph(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if got.Description != "updated" {
		t.Fatalf("expected updated description, got %q", got.Description)
	}

	list, err := s.ListGraphsByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListGraphsByOwner: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 graph, got %d", len(list))
	}

	byTier, err := s.ListGraphsByTier(ctx, 3)
	if err != nil {
		t.Fatalf("ListGraphsByTier: %v", err)
	}
	if len(byTier) != 1 {
		t.Fatalf("expected 1 graph at tier<=3, got %d", len(byTier))
	}

	if err := s.DeleteGraph(ctx, "g-1"); err != nil {
		t.Fatalf("DeleteGraph: %v", err)
	}
	if _, err := s.GetGraph(ctx, "g-1"); err == nil {
		t.Fatalf("expected error after delete")
	}
}

func TestPutAndGetNeuron(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	temp := 0.7
	n := store.NeuronRecord{
		NeuronID: "n-1",
		OwnerID:  "user-1",
		Tier:     1,
		Name:     "chat model",
		Role:     "chat",
		Provider: "openai-compatible",
		Endpoint: "https://api.openai.com/v1",
		Model:    "gpt-4o-mini",
		APIKey:   "secret",
		Temperature: &temp,
	}
	if err := s.PutNeuron(ctx, n); err != nil {
		t.Fatalf("PutNeuron: %v", err)
	}

	got, err := s.GetNeuron(ctx, "n-1")
	if err != nil {
		t.Fatalf("GetNeuron: %v", err)
	}
	if got.Model != "gpt-4o-mini" || got.Temperature == nil || *got.Temperature != 0.7 {
		t.Fatalf("unexpected neuron: %+v", got)
	}

	list, err := s.ListNeuronsByOwner(ctx, "user-1", "chat")
	if err != nil {
		t.Fatalf("ListNeuronsByOwner: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 neuron, got %d", len(list))
	}

	if err := s.DeleteNeuron(ctx, "n-1"); err != nil {
		t.Fatalf("DeleteNeuron: %v", err)
	}
	if _, err := s.GetNeuron(ctx, "n-1"); err == nil {
		t.Fatalf("expected error after delete")
	}
}

func TestUniversalNodeRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := store.UniversalNodeRecord{
		NodeID:    "u-1",
		OwnerID:   "user-1",
		Category:  "summarizer",
		Version:   1,
		Steps:     []byte(`[{"type":"llmCall"}]`),
		CreatedAt: 500,
	}
	if err := s.PutUniversalNode(ctx, n); err != nil {
		t.Fatalf("PutUniversalNode: %v", err)
	}

	got, err := s.GetUniversalNode(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUniversalNode: %v", err)
	}
	if got.Category != "summarizer" {
		t.Fatalf("unexpected node: %+v", got)
	}

	list, err := s.ListUniversalNodes(ctx, "user-1", "summarizer")
	if err != nil {
		t.Fatalf("ListUniversalNodes: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 node, got %d", len(list))
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"c-1", "user-1", "first chat", 100, 100); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	msgs := []store.Message{
		{ID: "m-1", ConversationID: "c-1", Role: "user", Content: "hello", CreatedAt: 1000},
		{ID: "m-2", ConversationID: "c-1", Role: "assistant", Content: "hi", CreatedAt: 1001},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, "c-1", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hello" || got[1].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", got)
	}

	conv, err := s.GetConversation(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Title != "first chat" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	gen := store.Generation{
		ID:             "gen-1",
		MessageID:      "m-2",
		ConversationID: "c-1",
		Status:         "complete",
		Content:        "hi",
		StartedAt:      1001,
		CompletedAt:    1002,
	}
	if err := s.PutGeneration(ctx, gen); err != nil {
		t.Fatalf("PutGeneration: %v", err)
	}

	if err := s.PutThought(ctx, store.Thought{ID: "t-1", GenerationID: "gen-1", Content: "plan", CreatedAt: 1001}); err != nil {
		t.Fatalf("PutThought: %v", err)
	}

	u, err := s.GetUser(ctx, "unknown-user")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Tier != 4 || u.DefaultTier != 4 {
		t.Fatalf("expected default tier 4 for unknown user, got %+v", u)
	}
}
