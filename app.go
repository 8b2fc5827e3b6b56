package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/redbtn-io/ai/config"
	"github.com/redbtn-io/ai/engine"
	"github.com/redbtn-io/ai/observer"
	"github.com/redbtn-io/ai/orchestrator"
	"github.com/redbtn-io/ai/registry"
	"github.com/redbtn-io/ai/render"
	"github.com/redbtn-io/ai/store/sqlite"
	"github.com/redbtn-io/ai/stream"
	"github.com/redbtn-io/ai/toolpool"
)

// New builds an Orchestrator from cfg: opens the persistent store, wires
// the provider and workflow registries over it, starts the tool pool
// (spec §4.6 "the pool supervises every configured server concurrently"),
// connects the streaming hub's shared Redis client, and returns the single
// value the caller dispatches every request through.
//
// toolSpecs configures the tool process pool (§4.6); pass nil to run with
// no tools. New does not start background workers beyond the pool's own
// supervised children; the caller owns the returned Orchestrator, the
// *sqlite.Store's lifecycle (Close when shutting down), and the returned
// shutdown func (flushes and tears down OTEL exporters; a no-op when
// cfg.EnableObservability is false).
func New(ctx context.Context, cfg config.Config, toolSpecs []toolpool.ServerSpec, logger *slog.Logger) (*orchestrator.Orchestrator, *sqlite.Store, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := sqlite.New(cfg.PersistentStoreURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open persistent store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("initialize persistent store: %w", err)
	}

	shutdown := func(context.Context) error { return nil }
	var providerOpts []registry.ProviderRegistryOption
	toolPool := toolpool.New(toolSpecs, toolpool.WithLogger(logger))
	toolPool.Start(ctx)
	var pool engine.ToolClient = toolPool

	if cfg.EnableObservability {
		inst, stop, err := observer.Init(ctx, nil)
		if err != nil {
			toolPool.Stop()
			st.Close()
			return nil, nil, nil, fmt.Errorf("initialize observability: %w", err)
		}
		shutdown = stop
		providerOpts = append(providerOpts, registry.WithObserver(inst))
		pool = observer.WrapToolClient(pool, inst)
	}

	node := engine.NewUniversalNode(render.New(), nil)
	providers := registry.NewProviderRegistry(st, providerOpts...)
	workflows := registry.NewWorkflowRegistry(st, node, cfg.DefaultGraphID)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.SharedCacheURL})
	hub := stream.NewHub(rdb)

	o := &orchestrator.Orchestrator{
		Providers:             providers,
		Workflows:             workflows,
		Tools:                 pool,
		Hub:                   hub,
		Store:                 st,
		Logger:                logger,
		SystemPrompt:          cfg.SystemPrompt,
		DefaultNeuronID:       cfg.DefaultNeuronID,
		DefaultWorkerNeuronID: cfg.DefaultWorkerNeuronID,
		DefaultGraphID:        cfg.DefaultGraphID,
	}
	return o, st, shutdown, nil
}
