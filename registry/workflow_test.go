package registry

import (
	"context"
	"testing"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/runtimeerr"
	"github.com/redbtn-io/ai/store"
)

type fakeGraphStore struct {
	graphs map[string]store.GraphRecord
	users  map[string]store.User
}

func (f *fakeGraphStore) GetGraph(ctx context.Context, id string) (store.GraphRecord, error) {
	g, ok := f.graphs[id]
	if !ok {
		return store.GraphRecord{}, runtimeerr.New(runtimeerr.NotFound, "no such graph")
	}
	return g, nil
}
func (f *fakeGraphStore) GetDefaultGraph(ctx context.Context, ownerID string) (store.GraphRecord, error) {
	return store.GraphRecord{}, runtimeerr.New(runtimeerr.NotFound, "no default")
}
func (f *fakeGraphStore) ListGraphsByOwner(ctx context.Context, ownerID string) ([]store.GraphRecord, error) {
	var out []store.GraphRecord
	for _, g := range f.graphs {
		if g.OwnerID == ownerID {
			out = append(out, g)
		}
	}
	return out, nil
}
func (f *fakeGraphStore) ListGraphsByTier(ctx context.Context, maxTier int) ([]store.GraphRecord, error) {
	return nil, nil
}
func (f *fakeGraphStore) PutGraph(ctx context.Context, g store.GraphRecord) error {
	f.graphs[g.GraphID] = g
	return nil
}
func (f *fakeGraphStore) DeleteGraph(ctx context.Context, id string) error {
	delete(f.graphs, id)
	return nil
}
func (f *fakeGraphStore) GetUser(ctx context.Context, userID string) (store.User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return store.User{ID: userID, Tier: defaultUserTier}, nil
}

const simpleGraphJSON = `{
	"nodes": [{"id": "r", "type": "responder"}],
	"edges": [{"from": "__start__", "to": "r"}, {"from": "r", "to": "__end__"}]
}`

func TestWorkflowRegistry_CompileAndCache(t *testing.T) {
	fs := &fakeGraphStore{graphs: map[string]store.GraphRecord{}, users: map[string]store.User{}}
	fs.graphs["g-1"] = store.GraphRecord{GraphID: "g-1", OwnerID: "user-1", Tier: 3, Definition: []byte(simpleGraphJSON)}

	node := &engine.UniversalNode{}
	r := NewWorkflowRegistry(fs, node, "g-default")

	g, err := r.GetGraph(context.Background(), "g-1", "user-1")
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if g.GraphID != "g-1" {
		t.Fatalf("unexpected graph id: %s", g.GraphID)
	}

	delete(fs.graphs, "g-1")
	g2, err := r.GetGraph(context.Background(), "g-1", "user-1")
	if err != nil {
		t.Fatalf("expected cached compiled graph, got %v", err)
	}
	if g2 != g {
		t.Fatalf("expected same cached *CompiledGraph instance")
	}
}

func TestWorkflowRegistry_OtherOwnerAccessDenied(t *testing.T) {
	fs := &fakeGraphStore{graphs: map[string]store.GraphRecord{}, users: map[string]store.User{}}
	fs.graphs["g-2"] = store.GraphRecord{GraphID: "g-2", OwnerID: "user-2", Tier: 3, Definition: []byte(simpleGraphJSON)}
	r := NewWorkflowRegistry(fs, &engine.UniversalNode{}, "g-default")

	_, err := r.GetGraph(context.Background(), "g-2", "user-1")
	if !runtimeerr.Is(err, runtimeerr.AccessDenied) {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
}

func TestWorkflowRegistry_GetUserGraphs(t *testing.T) {
	fs := &fakeGraphStore{graphs: map[string]store.GraphRecord{}, users: map[string]store.User{}}
	fs.graphs["g-1"] = store.GraphRecord{GraphID: "g-1", OwnerID: "user-1", Definition: []byte(simpleGraphJSON)}
	fs.graphs["g-2"] = store.GraphRecord{GraphID: "g-2", OwnerID: "user-2", Definition: []byte(simpleGraphJSON)}
	r := NewWorkflowRegistry(fs, &engine.UniversalNode{}, "g-default")

	list, err := r.GetUserGraphs(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUserGraphs: %v", err)
	}
	if len(list) != 1 || list[0].GraphID != "g-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}
