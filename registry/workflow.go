package registry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/runtimeerr"
	"github.com/redbtn-io/ai/store"
)

const (
	graphCacheSize = 50
	graphCacheTTL  = 5 * time.Minute
)

// graphSource is the persistence surface the workflow registry needs.
type graphSource interface {
	store.GraphStore
	GetUser(ctx context.Context, userID string) (store.User, error)
}

// compiledEntry pairs a compiled graph with a usage counter (§4.8 "usage
// counters are incremented asynchronously and never block the request").
type compiledEntry struct {
	graph *engine.CompiledGraph
	uses  *atomic.Int64
}

// WorkflowRegistry resolves GraphConfig documents into CompiledGraphs (§4.8).
type WorkflowRegistry struct {
	store    graphSource
	node     *engine.UniversalNode
	defaultID string

	config   *lru.LRU[cacheKey, store.GraphRecord]
	compiled *lru.LRU[cacheKey, compiledEntry]
}

// NewWorkflowRegistry constructs a registry backed by s. defaultGraphID is
// the system default graph the orchestrator falls back to (§4.8 "Fallback").
func NewWorkflowRegistry(s graphSource, node *engine.UniversalNode, defaultGraphID string) *WorkflowRegistry {
	return &WorkflowRegistry{
		store:     s,
		node:      node,
		defaultID: defaultGraphID,
		config:    lru.NewLRU[cacheKey, store.GraphRecord](configCacheSize, nil, configCacheTTL),
		compiled:  lru.NewLRU[cacheKey, compiledEntry](graphCacheSize, nil, graphCacheTTL),
	}
}

// DefaultGraphID returns the system default graph id used for access-denied
// / not-found fallback (§4.8 "Fallback").
func (r *WorkflowRegistry) DefaultGraphID() string { return r.defaultID }

// GetConfig resolves a graph's persisted config for userID, enforcing the
// same owner/system/tier rule as C7 (§4.8 "identical in spirit to C7").
func (r *WorkflowRegistry) GetConfig(ctx context.Context, graphID, userID string) (store.GraphRecord, error) {
	key := cacheKey{userID: userID, id: graphID}
	if rec, ok := r.config.Get(key); ok {
		return rec, nil
	}

	rec, err := r.store.GetGraph(ctx, graphID)
	if err != nil {
		return store.GraphRecord{}, runtimeerr.Wrap(runtimeerr.NotFound, "graph not found", err).WithContext("graphId", graphID)
	}

	if rec.OwnerID != userID {
		if rec.OwnerID != systemOwner {
			return store.GraphRecord{}, runtimeerr.New(runtimeerr.AccessDenied, "graph not accessible to this user").WithContext("ownerId", rec.OwnerID)
		}
		user, err := r.store.GetUser(ctx, userID)
		if err != nil {
			return store.GraphRecord{}, runtimeerr.Wrap(runtimeerr.AccessDenied, "resolving user tier", err)
		}
		if err := checkTier(userTierOrDefault(&user.Tier), rec.Tier); err != nil {
			return store.GraphRecord{}, err
		}
	}

	r.config.Add(key, rec)
	return rec, nil
}

// GetGraph resolves graphID for userID into a compiled, executable graph,
// compiling via C5 on cache miss (§4.8 "On miss compile via C5; on compile
// failure wrap the underlying error with graph id").
func (r *WorkflowRegistry) GetGraph(ctx context.Context, graphID, userID string) (*engine.CompiledGraph, error) {
	key := cacheKey{userID: userID, id: graphID}
	if entry, ok := r.compiled.Get(key); ok {
		entry.uses.Add(1)
		return entry.graph, nil
	}

	rec, err := r.GetConfig(ctx, graphID, userID)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeGraphConfig(rec)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CompilationFailed, "graph "+graphID+": decoding definition", err).WithContext("graphId", graphID)
	}

	compiled, err := engine.Compile(cfg, r.node)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CompilationFailed, "graph "+graphID, err).WithContext("graphId", graphID)
	}

	entry := compiledEntry{graph: compiled, uses: &atomic.Int64{}}
	entry.uses.Add(1)
	r.compiled.Add(key, entry)
	return compiled, nil
}

// GetUserGraphs lists every graph owned by userID (§4.8 "getUserGraphs(userId)").
func (r *WorkflowRegistry) GetUserGraphs(ctx context.Context, userID string) ([]store.GraphRecord, error) {
	return r.store.ListGraphsByOwner(ctx, userID)
}

// ClearCache evicts all cached config/compiled-graph entries for userID, or
// every entry when userID is empty (§4.8 "clearCache(userId?)").
func (r *WorkflowRegistry) ClearCache(userID string) {
	if userID == "" {
		r.config.Purge()
		r.compiled.Purge()
		return
	}
	for _, key := range r.config.Keys() {
		if key.userID == userID {
			r.config.Remove(key)
		}
	}
	for _, key := range r.compiled.Keys() {
		if key.userID == userID {
			r.compiled.Remove(key)
		}
	}
}

// decodeGraphConfig deserializes the persisted JSON Definition into an
// engine.GraphConfig, deserializing map-typed edge targets into plain
// dictionaries as §4.8 requires.
func decodeGraphConfig(rec store.GraphRecord) (engine.GraphConfig, error) {
	var wire struct {
		Nodes []struct {
			ID     string         `json:"id"`
			Type   string         `json:"type"`
			Config map[string]any `json:"config"`
		} `json:"nodes"`
		Edges []struct {
			From      string            `json:"from"`
			To        string            `json:"to"`
			Condition string            `json:"condition"`
			Targets   map[string]string `json:"targets"`
			Fallback  string            `json:"fallback"`
		} `json:"edges"`
		GlobalConfig struct {
			MaxReplans          int  `json:"maxReplans"`
			MaxSearchIterations int  `json:"maxSearchIterations"`
			Timeout             int  `json:"timeout"`
			EnableFastpath      bool `json:"enableFastpath"`
		} `json:"globalConfig"`
	}
	if err := json.Unmarshal(rec.Definition, &wire); err != nil {
		return engine.GraphConfig{}, err
	}

	cfg := engine.GraphConfig{
		GraphID:     rec.GraphID,
		OwnerID:     rec.OwnerID,
		Tier:        rec.Tier,
		IsDefault:   rec.IsDefault,
		Name:        rec.Name,
		Description: rec.Description,
		GlobalConfig: engine.GlobalConfig{
			MaxReplans:          wire.GlobalConfig.MaxReplans,
			MaxSearchIterations: wire.GlobalConfig.MaxSearchIterations,
			Timeout:             wire.GlobalConfig.Timeout,
			EnableFastpath:      wire.GlobalConfig.EnableFastpath,
		},
	}
	for _, n := range wire.Nodes {
		cfg.Nodes = append(cfg.Nodes, engine.NodeDef{ID: n.ID, Type: n.Type, Config: n.Config})
	}
	for _, e := range wire.Edges {
		cfg.Edges = append(cfg.Edges, engine.EdgeDef{
			From: e.From, To: e.To, Condition: e.Condition, Targets: e.Targets, Fallback: e.Fallback,
		})
	}
	return cfg, nil
}
